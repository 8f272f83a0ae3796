// Package ratelimit caps public requests per client with fixed windows kept in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"ms-fulfillment/internal/logger"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "ratelimit:"

type Limiter struct {
	Client *redis.Client
	Logger *logger.Logger
	Limit  int64
	Window time.Duration
	Now    func() time.Time
}

func NewLimiter(client *redis.Client, limit int64, window time.Duration, log *logger.Logger) *Limiter {
	return &Limiter{Client: client, Logger: log, Limit: limit, Window: window, Now: time.Now}
}

// Allow counts one hit for key and reports whether it is within the limit, plus the seconds
// until the current window resets.
func (l *Limiter) Allow(ctx context.Context, scope, key string) (bool, int, error) {
	window := l.Now().Unix() / int64(l.Window.Seconds())
	redisKey := fmt.Sprintf("%s%s:%s:%d", keyPrefix, scope, key, window)

	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0, err
	}
	retry := int(int64(l.Window.Seconds()) - l.Now().Unix()%int64(l.Window.Seconds()))
	return incr.Val() <= l.Limit, retry, nil
}

// Middleware limits requests per client IP. Redis failures let the request through.
func (l *Limiter) Middleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			ok, retry, err := l.Allow(r.Context(), scope, ip)
			if err != nil {
				l.Logger.Warn("RATELIMIT", fmt.Sprintf("limiter unavailable, allowing %s: %v", ip, err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.Limit, 10))
			if !ok {
				l.Logger.LogSecurity("RATE_LIMITED", fmt.Sprintf("%s exceeded %d requests on %s", ip, l.Limit, scope))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP relies on chi's RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
