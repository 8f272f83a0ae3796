package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Split is the commission breakdown of one gross amount.
type Split struct {
	GrossAmount    int64 `json:"gross_amount"`
	AdminFee       int64 `json:"admin_fee"`
	SellerAmount   int64 `json:"seller_amount"`
	FeeBasisPoints int64 `json:"fee_basis_points"`
}

type TransactionStatus string

const (
	TransactionSucceeded TransactionStatus = "succeeded"
	TransactionReversed  TransactionStatus = "reversed"
)

// Transaction is the settlement record of one order. Amounts never change after insert.
type Transaction struct {
	bun.BaseModel `bun:"table:settlement_transactions,alias:t"`

	ID             string            `bun:"id,pk" json:"id"`
	OrderID        string            `bun:"order_id,notnull,unique" json:"order_id"`
	SellerID       string            `bun:"seller_id,notnull" json:"seller_id"`
	GrossAmount    int64             `bun:"gross_amount,notnull" json:"gross_amount"`
	AdminFee       int64             `bun:"admin_fee,notnull" json:"admin_fee"`
	SellerAmount   int64             `bun:"seller_amount,notnull" json:"seller_amount"`
	FeeBasisPoints int64             `bun:"fee_basis_points,notnull" json:"fee_basis_points"`
	Status         TransactionStatus `bun:"status,notnull" json:"status"`
	CreatedAt      time.Time         `bun:"created_at,notnull" json:"created_at"`
	ReleasedAt     *time.Time        `bun:"released_at,nullzero" json:"released_at,omitempty"`
	ReversedAt     *time.Time        `bun:"reversed_at,nullzero" json:"reversed_at,omitempty"`
}

type SellerBalance struct {
	bun.BaseModel `bun:"table:seller_balances,alias:sb"`

	SellerID         string    `bun:"seller_id,pk" json:"seller_id"`
	AvailableBalance int64     `bun:"available_balance,notnull" json:"available_balance"`
	PendingBalance   int64     `bun:"pending_balance,notnull" json:"pending_balance"`
	Version          int64     `bun:"version,notnull" json:"-"`
	UpdatedAt        time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

func (b SellerBalance) Total() int64 {
	return b.AvailableBalance + b.PendingBalance
}

type EntryKind string

const (
	EntryCredit  EntryKind = "credit"
	EntryRelease EntryKind = "release"
	EntryDebit   EntryKind = "debit"
)

// BalanceEntry journals one ledger mutation. (seller_id, kind, reference) is unique.
type BalanceEntry struct {
	bun.BaseModel `bun:"table:balance_entries,alias:be"`

	ID             int64     `bun:"id,pk,autoincrement" json:"id"`
	SellerID       string    `bun:"seller_id,notnull,unique:seller_kind_ref" json:"seller_id"`
	Kind           EntryKind `bun:"kind,notnull,unique:seller_kind_ref" json:"kind"`
	Reference      string    `bun:"reference,notnull,unique:seller_kind_ref" json:"reference"`
	Amount         int64     `bun:"amount,notnull" json:"amount"`
	PendingDelta   int64     `bun:"pending_delta,notnull" json:"pending_delta"`
	AvailableDelta int64     `bun:"available_delta,notnull" json:"available_delta"`
	CreatedAt      time.Time `bun:"created_at,notnull" json:"created_at"`
}
