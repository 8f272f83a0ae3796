package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	outboxdb "ms-fulfillment/internal/outbox/db"

	"github.com/cenkalti/backoff/v4"
	"github.com/uptrace/bun"
)

// Handler executes one action. Return backoff.Permanent(err) for errors that retrying cannot fix.
type Handler func(ctx context.Context, action *models.PendingAction) error

type Dispatcher struct {
	DB           *outboxdb.DB
	Logger       *logger.Logger
	Handlers     map[string]Handler
	BatchSize    int
	MaxAttempts  int
	LeaseTimeout time.Duration
	PollInterval time.Duration
	// NewBackOff builds the retry schedule; attempt n waits the n-th interval it yields.
	NewBackOff func() backoff.BackOff
	Now        func() time.Time
}

func NewDispatcher(db *bun.DB, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		DB:           &outboxdb.DB{Bun: db},
		Logger:       log,
		Handlers:     make(map[string]Handler),
		BatchSize:    50,
		MaxAttempts:  10,
		LeaseTimeout: 30 * time.Second,
		PollInterval: 2 * time.Second,
		NewBackOff:   defaultBackOff,
		Now:          time.Now,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (d *Dispatcher) Register(kind string, h Handler) {
	d.Handlers[kind] = h
}

// Run polls for due actions until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.Logger.LogProcess("OUTBOX", fmt.Sprintf("dispatcher started, polling every %s", d.PollInterval))
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.Logger.Error("OUTBOX", fmt.Sprintf("dispatch round failed: %v", err))
		}
		select {
		case <-ctx.Done():
			d.Logger.LogProcess("OUTBOX", "dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce dispatches one batch of due actions and returns how many it attempted.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := d.Now().UTC()
	// Kinds without a handler stay pending until a process that can run them picks them up.
	due, err := d.DB.ListDue(ctx, now, d.handledKinds(), d.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due actions: %w", err)
	}

	attempted := 0
	for i := range due {
		action := &due[i]
		if err := d.DB.Claim(ctx, action, now, now.Add(d.LeaseTimeout)); err != nil {
			if errors.Is(err, database.ErrStale) {
				continue
			}
			return attempted, fmt.Errorf("claim action %s: %w", action.ID, err)
		}
		attempted++
		if err := d.dispatch(ctx, action); err != nil {
			return attempted, err
		}
	}
	return attempted, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, action *models.PendingAction) error {
	handler, ok := d.Handlers[action.Kind]
	if !ok {
		d.Logger.Warn("OUTBOX", fmt.Sprintf("handler for %s went away, releasing %s", action.Kind, action.ID))
		return d.DB.Reschedule(ctx, action.ID, d.Now().UTC(), "no handler registered")
	}

	runErr := handler(ctx, action)
	now := d.Now().UTC()
	if runErr == nil {
		d.Logger.LogProcess("OUTBOX", fmt.Sprintf("%s %s done after %d attempt(s)", action.Kind, action.ID, action.Attempts))
		return d.DB.MarkDone(ctx, action.ID, now)
	}

	var permanent *backoff.PermanentError
	if errors.As(runErr, &permanent) || action.Attempts >= d.MaxAttempts {
		d.Logger.Error("OUTBOX", fmt.Sprintf("%s %s failed for good after %d attempt(s): %v", action.Kind, action.ID, action.Attempts, runErr))
		return d.DB.MarkFailed(ctx, action.ID, now, runErr.Error())
	}

	next := now.Add(d.delay(action.Attempts))
	d.Logger.Warn("OUTBOX", fmt.Sprintf("%s %s attempt %d failed, retrying at %s: %v", action.Kind, action.ID, action.Attempts, next.Format(time.RFC3339), runErr))
	return d.DB.Reschedule(ctx, action.ID, next, runErr.Error())
}

func (d *Dispatcher) handledKinds() []string {
	kinds := make([]string, 0, len(d.Handlers))
	for kind := range d.Handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

func (d *Dispatcher) delay(attempt int) time.Duration {
	b := d.NewBackOff()
	wait := time.Duration(0)
	for i := 0; i < attempt; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		wait = next
	}
	return wait
}
