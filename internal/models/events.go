package models

import (
	"encoding/json"
	"time"
)

const (
	EventOrderStatusChanged = "order.status_changed"
	EventShippingUpdated    = "shipping.updated"
	EventAfterSaleDecided   = "aftersale.decided"
	EventAfterSaleOpened    = "aftersale.opened"
)

// Envelope wraps every event published to Kafka.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type OrderStatusChangedEvent struct {
	OrderID    string      `json:"order_id"`
	SellerID   string      `json:"seller_id"`
	CustomerID string      `json:"customer_id"`
	From       OrderStatus `json:"from"`
	To         OrderStatus `json:"to"`
}

type ShippingUpdatedEvent struct {
	ShippingID     string         `json:"shipping_id"`
	OrderID        string         `json:"order_id"`
	TrackingNumber string         `json:"tracking_number"`
	Status         ShippingStatus `json:"status"`
	Description    string         `json:"description"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

type AfterSaleEvent struct {
	RequestID string          `json:"request_id"`
	OrderID   string          `json:"order_id"`
	Type      AfterSaleType   `json:"request_type"`
	Status    AfterSaleStatus `json:"status"`
}

// PaymentStatusEvent is consumed from the payment service.
type PaymentStatusEvent struct {
	OrderID    string        `json:"order_id"`
	Status     PaymentStatus `json:"status"`
	PaymentRef string        `json:"payment_ref"`
	Amount     int64         `json:"amount"`
}
