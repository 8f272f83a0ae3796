package models

import (
	"time"

	"github.com/uptrace/bun"
)

type AfterSaleType string

const (
	AfterSaleReturn   AfterSaleType = "return"
	AfterSaleExchange AfterSaleType = "exchange"
	AfterSaleRefund   AfterSaleType = "refund"
	AfterSaleSupport  AfterSaleType = "support"
)

func (t AfterSaleType) Valid() bool {
	switch t {
	case AfterSaleReturn, AfterSaleExchange, AfterSaleRefund, AfterSaleSupport:
		return true
	}
	return false
}

// Reverses reports whether approving this type reverses the seller settlement.
func (t AfterSaleType) Reverses() bool {
	return t == AfterSaleReturn || t == AfterSaleRefund
}

type AfterSaleStatus string

const (
	AfterSalePending  AfterSaleStatus = "pending"
	AfterSaleApproved AfterSaleStatus = "approved"
	AfterSaleRejected AfterSaleStatus = "rejected"
)

// Active statuses block a new request on the same order.
func (s AfterSaleStatus) Active() bool {
	return s == AfterSalePending || s == AfterSaleApproved
}

type EvidenceKind string

const (
	EvidenceVideo EvidenceKind = "video"
	EvidencePhoto EvidenceKind = "photo"
)

type AfterSaleRequest struct {
	bun.BaseModel `bun:"table:after_sale_requests,alias:asr"`

	ID           string          `bun:"id,pk" json:"id"`
	OrderID      string          `bun:"order_id,notnull" json:"order_id"`
	CustomerID   string          `bun:"customer_id,notnull" json:"customer_id"`
	Type         AfterSaleType   `bun:"request_type,notnull" json:"request_type"`
	Reason       string          `bun:"reason,notnull" json:"reason"`
	Description  string          `bun:"description,notnull" json:"description"`
	Status       AfterSaleStatus `bun:"status,notnull" json:"status"`
	DecidedBy    string          `bun:"decided_by" json:"decided_by,omitempty"`
	DecisionNote string          `bun:"decision_note" json:"decision_note,omitempty"`
	CreatedAt    time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt    time.Time       `bun:"updated_at,notnull" json:"updated_at"`
	DecidedAt    *time.Time      `bun:"decided_at,nullzero" json:"decided_at,omitempty"`

	Evidence []AfterSaleEvidence `bun:"rel:has-many,join:id=request_id" json:"evidence"`
}

type AfterSaleEvidence struct {
	bun.BaseModel `bun:"table:after_sale_evidence,alias:ase"`

	ID          string       `bun:"id,pk" json:"id"`
	RequestID   string       `bun:"request_id,notnull" json:"request_id"`
	Kind        EvidenceKind `bun:"kind,notnull" json:"kind"`
	URL         string       `bun:"url,notnull" json:"url"`
	ContentType string       `bun:"content_type" json:"content_type"`
	SizeBytes   int64        `bun:"size_bytes" json:"size_bytes"`
}
