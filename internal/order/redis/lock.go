package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const lockKeyPrefix = "order_lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker serializes mutations of one order across service instances.
type Locker struct {
	Client *redis.Client
	Logger *logger.Logger
	TTL    time.Duration
	Wait   time.Duration
	Poll   time.Duration
}

func NewLocker(client *redis.Client, ttl, wait time.Duration, log *logger.Logger) *Locker {
	return &Locker{Client: client, Logger: log, TTL: ttl, Wait: wait, Poll: 25 * time.Millisecond}
}

func lockKey(orderID string) string {
	return lockKeyPrefix + orderID
}

// Lock blocks until the order lock is acquired, Wait elapses or ctx ends.
// The returned func releases the lock and is safe to call once.
func (l *Locker) Lock(ctx context.Context, orderID string) (func(), error) {
	key := lockKey(orderID)
	token := uuid.New().String()
	deadline := time.Now().Add(l.Wait)

	for {
		ok, err := l.Client.SetNX(ctx, key, token, l.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		if time.Now().After(deadline) {
			return nil, apperror.InvalidState("order.Lock", "order %s is being modified, retry later", orderID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.Poll):
		}
	}
}

func (l *Locker) release(key, token string) {
	// The caller's ctx may already be cancelled; releasing must still happen.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.Client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.Logger.Warn("REDIS", fmt.Sprintf("failed to release %s: %v", key, err))
	}
}

// isLocked reports whether some instance currently holds the order lock.
func (l *Locker) isLocked(ctx context.Context, orderID string) (bool, error) {
	_, err := l.Client.Get(ctx, lockKey(orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
