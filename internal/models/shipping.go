package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ShippingStatus string

const (
	ShippingPacking   ShippingStatus = "packing"
	ShippingAssigned  ShippingStatus = "assigned"
	ShippingShipped   ShippingStatus = "shipped"
	ShippingDelivered ShippingStatus = "delivered"
)

var shippingRank = map[ShippingStatus]int{
	ShippingPacking:   0,
	ShippingAssigned:  1,
	ShippingShipped:   2,
	ShippingDelivered: 3,
}

func (s ShippingStatus) Valid() bool {
	_, ok := shippingRank[s]
	return ok
}

// Rank orders shipping statuses; -1 for unknown values.
func (s ShippingStatus) Rank() int {
	r, ok := shippingRank[s]
	if !ok {
		return -1
	}
	return r
}

// CanAdvanceShipping reports whether a shipment at from may record an event with status to.
// Repeating the current status is allowed (location updates); delivered needs shipped first.
func CanAdvanceShipping(from, to ShippingStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to.Rank() < from.Rank() {
		return false
	}
	if to == ShippingDelivered && from.Rank() < ShippingShipped.Rank() {
		return false
	}
	return true
}

type Shipping struct {
	bun.BaseModel `bun:"table:shippings,alias:s"`

	ID             string         `bun:"id,pk" json:"id"`
	OrderID        string         `bun:"order_id,notnull,unique" json:"order_id"`
	TrackingNumber string         `bun:"tracking_number,notnull,unique" json:"tracking_number"`
	Carrier        string         `bun:"carrier" json:"carrier,omitempty"`
	RiderName      string         `bun:"rider_name" json:"rider_name,omitempty"`
	RiderPhone     string         `bun:"rider_phone" json:"rider_phone,omitempty"`
	RecipientName  string         `bun:"recipient_name" json:"recipient_name"`
	RecipientPhone string         `bun:"recipient_phone" json:"recipient_phone"`
	AddressLine    string         `bun:"address_line" json:"address_line"`
	City           string         `bun:"city" json:"city"`
	PostalCode     string         `bun:"postal_code" json:"postal_code"`
	Country        string         `bun:"country" json:"country"`
	Status         ShippingStatus `bun:"status,notnull" json:"status"`
	Version        int64          `bun:"version,notnull" json:"-"`
	CreatedAt      time.Time      `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt      time.Time      `bun:"updated_at,notnull" json:"updated_at"`
	AssignedAt     *time.Time     `bun:"assigned_at,nullzero" json:"assigned_at,omitempty"`
	ShippedAt      *time.Time     `bun:"shipped_at,nullzero" json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time     `bun:"delivered_at,nullzero" json:"delivered_at,omitempty"`
}

type ShippingHistory struct {
	bun.BaseModel `bun:"table:shipping_history,alias:sh"`

	ID          int64          `bun:"id,pk,autoincrement" json:"-"`
	ShippingID  string         `bun:"shipping_id,notnull,unique:shipping_seq" json:"shipping_id"`
	Seq         int            `bun:"seq,notnull,unique:shipping_seq" json:"seq"`
	Status      ShippingStatus `bun:"status,notnull" json:"status"`
	Description string         `bun:"description" json:"description"`
	Location    string         `bun:"location" json:"location,omitempty"`
	OccurredAt  time.Time      `bun:"occurred_at,notnull" json:"occurred_at"`
}

// PublicShipping hides rider and recipient contact details.
type PublicShipping struct {
	TrackingNumber string         `json:"tracking_number"`
	Carrier        string         `json:"carrier,omitempty"`
	Status         ShippingStatus `json:"status"`
	City           string         `json:"city,omitempty"`
	Country        string         `json:"country,omitempty"`
	ShippedAt      *time.Time     `json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}

func (s *Shipping) Public() PublicShipping {
	return PublicShipping{
		TrackingNumber: s.TrackingNumber,
		Carrier:        s.Carrier,
		Status:         s.Status,
		City:           s.City,
		Country:        s.Country,
		ShippedAt:      s.ShippedAt,
		DeliveredAt:    s.DeliveredAt,
	}
}

// TrackingView is the response of a public tracking-number lookup.
type TrackingView struct {
	Shipping PublicShipping    `json:"shipping"`
	History  []ShippingHistory `json:"history"`
	Order    OrderSummary      `json:"order"`
}
