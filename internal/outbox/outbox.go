// Package outbox records external side effects inside the caller's database transaction and
// dispatches them after commit with retries.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/models"
	outboxdb "ms-fulfillment/internal/outbox/db"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Producer names this service in event envelopes.
const Producer = "ms-fulfillment"

type Outbox struct {
	Bun *bun.DB
	Now func() time.Time
}

func New(db *bun.DB) *Outbox {
	return &Outbox{Bun: db, Now: time.Now}
}

func (o *Outbox) repo(ctx context.Context) *outboxdb.DB {
	return &outboxdb.DB{Bun: database.Conn(ctx, o.Bun)}
}

// Enqueue stores an action for later dispatch. With a transaction in ctx it commits or rolls
// back together with the caller's state change.
func (o *Outbox) Enqueue(ctx context.Context, kind, aggregateID string, payload any) (*models.PendingAction, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	now := o.Now().UTC()
	a := &models.PendingAction{
		ID:            uuid.New().String(),
		Kind:          kind,
		AggregateID:   aggregateID,
		Payload:       string(body),
		Status:        models.ActionPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := o.repo(ctx).Insert(ctx, a); err != nil {
		return nil, fmt.Errorf("enqueue %s for %s: %w", kind, aggregateID, err)
	}
	return a, nil
}

// PublishEvent enqueues a Kafka publication of payload wrapped in the event envelope.
func (o *Outbox) PublishEvent(ctx context.Context, topic, key, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	env := models.Envelope{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventVersion: 1,
		OccurredAt:   o.Now().UTC(),
		Producer:     Producer,
		Payload:      body,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = o.Enqueue(ctx, models.ActionPublishEvent, key, models.PublishPayload{Topic: topic, Key: key, Value: value})
	return err
}

// Pending lists every action recorded for an aggregate.
func (o *Outbox) Pending(ctx context.Context, aggregateID string) ([]models.PendingAction, error) {
	return o.repo(ctx).ListByAggregate(ctx, aggregateID)
}
