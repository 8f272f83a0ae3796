package models

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

const (
	ActionPublishEvent = "event.publish"
	ActionIssueRefund  = "refund.issue"
)

type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionDone    ActionStatus = "done"
	ActionFailed  ActionStatus = "failed"
)

// PendingAction is an external side effect recorded in the same transaction as the state
// change that caused it, executed later by the outbox dispatcher.
type PendingAction struct {
	bun.BaseModel `bun:"table:outbox_actions,alias:oa"`

	ID            string       `bun:"id,pk" json:"id"`
	Kind          string       `bun:"kind,notnull" json:"kind"`
	AggregateID   string       `bun:"aggregate_id,notnull" json:"aggregate_id"`
	Payload       string       `bun:"payload,notnull" json:"payload"`
	Status        ActionStatus `bun:"status,notnull" json:"status"`
	Attempts      int          `bun:"attempts,notnull" json:"attempts"`
	LastError     string       `bun:"last_error" json:"last_error,omitempty"`
	NextAttemptAt time.Time    `bun:"next_attempt_at,notnull" json:"next_attempt_at"`
	LeaseUntil    *time.Time   `bun:"lease_until,nullzero" json:"lease_until,omitempty"`
	CreatedAt     time.Time    `bun:"created_at,notnull" json:"created_at"`
	CompletedAt   *time.Time   `bun:"completed_at,nullzero" json:"completed_at,omitempty"`
}

// PublishPayload is the payload of an event.publish action.
type PublishPayload struct {
	Topic string          `json:"topic"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// RefundPayload is the payload of a refund.issue action.
type RefundPayload struct {
	OrderID    string `json:"order_id"`
	PaymentRef string `json:"payment_ref"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Reason     string `json:"reason"`
}
