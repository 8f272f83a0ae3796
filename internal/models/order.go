package models

import (
	"time"

	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderProcessing     OrderStatus = "processing"
	OrderPacking        OrderStatus = "packing"
	OrderShipped        OrderStatus = "shipped"
	OrderDelivered      OrderStatus = "delivered"
	OrderReturned       OrderStatus = "returned"
	OrderPaymentFailed  OrderStatus = "payment_failed"
	OrderCancelled      OrderStatus = "cancelled"
)

// AllOrderStatuses lists every order status in lifecycle order.
var AllOrderStatuses = []OrderStatus{
	OrderPendingPayment,
	OrderProcessing,
	OrderPacking,
	OrderShipped,
	OrderDelivered,
	OrderReturned,
	OrderPaymentFailed,
	OrderCancelled,
}

// orderTransitions is the closed table of legal order status edges.
var orderTransitions = map[OrderStatus]map[OrderStatus]bool{
	OrderPendingPayment: {OrderProcessing: true, OrderPaymentFailed: true, OrderCancelled: true},
	OrderProcessing:     {OrderPacking: true, OrderCancelled: true},
	OrderPacking:        {OrderShipped: true},
	OrderShipped:        {OrderDelivered: true},
	OrderDelivered:      {OrderReturned: true},
	OrderReturned:       {},
	OrderPaymentFailed:  {},
	OrderCancelled:      {},
}

func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

func (s OrderStatus) IsTerminal() bool {
	next, ok := orderTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether an order may move from one status to the next.
func CanTransition(from, to OrderStatus) bool {
	next, ok := orderTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentFailed:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentOnline PaymentMethod = "online"
	PaymentCOD    PaymentMethod = "cod"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentOnline || m == PaymentCOD
}

type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID            string        `bun:"id,pk" json:"id"`
	CustomerID    string        `bun:"customer_id,notnull" json:"customer_id"`
	SellerID      string        `bun:"seller_id,notnull" json:"seller_id"`
	TotalAmount   int64         `bun:"total_amount,notnull" json:"total_amount"`
	Currency      string        `bun:"currency,notnull" json:"currency"`
	Status        OrderStatus   `bun:"status,notnull" json:"status"`
	PaymentStatus PaymentStatus `bun:"payment_status,notnull" json:"payment_status"`
	PaymentMethod PaymentMethod `bun:"payment_method,notnull" json:"payment_method"`
	PaymentRef    string        `bun:"payment_ref" json:"payment_ref,omitempty"`
	Version       int64         `bun:"version,notnull" json:"-"`
	CreatedAt     time.Time     `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time     `bun:"updated_at,notnull" json:"updated_at"`
	PaidAt        *time.Time    `bun:"paid_at,nullzero" json:"paid_at,omitempty"`
	ShippedAt     *time.Time    `bun:"shipped_at,nullzero" json:"shipped_at,omitempty"`
	DeliveredAt   *time.Time    `bun:"delivered_at,nullzero" json:"delivered_at,omitempty"`
	CancelledAt   *time.Time    `bun:"cancelled_at,nullzero" json:"cancelled_at,omitempty"`
	ReturnedAt    *time.Time    `bun:"returned_at,nullzero" json:"returned_at,omitempty"`

	Items []OrderItem `bun:"rel:has-many,join:id=order_id" json:"items"`
}

type OrderItem struct {
	bun.BaseModel `bun:"table:order_items,alias:oi"`

	ID          string `bun:"id,pk" json:"id"`
	OrderID     string `bun:"order_id,notnull" json:"order_id"`
	ProductID   string `bun:"product_id,notnull" json:"product_id"`
	ProductName string `bun:"product_name,notnull" json:"product_name"`
	Quantity    int64  `bun:"quantity,notnull" json:"quantity"`
	UnitPrice   int64  `bun:"unit_price,notnull" json:"unit_price"`
	Subtotal    int64  `bun:"subtotal,notnull" json:"subtotal"`
}

// OrderStatusChange is one committed order transition.
type OrderStatusChange struct {
	bun.BaseModel `bun:"table:order_status_changes,alias:osc"`

	ID         int64       `bun:"id,pk,autoincrement" json:"id"`
	OrderID    string      `bun:"order_id,notnull" json:"order_id"`
	FromStatus OrderStatus `bun:"from_status,notnull" json:"from_status"`
	ToStatus   OrderStatus `bun:"to_status,notnull" json:"to_status"`
	Actor      string      `bun:"actor" json:"actor,omitempty"`
	ChangedAt  time.Time   `bun:"changed_at,notnull" json:"changed_at"`
}

// OrderSummary is the slice of an order that is safe to show on public tracking pages.
type OrderSummary struct {
	ID        string      `json:"id"`
	Status    OrderStatus `json:"status"`
	ItemCount int64       `json:"item_count"`
	PlacedAt  time.Time   `json:"placed_at"`
}

func (o *Order) Summary() OrderSummary {
	var count int64
	for _, it := range o.Items {
		count += it.Quantity
	}
	return OrderSummary{ID: o.ID, Status: o.Status, ItemCount: count, PlacedAt: o.CreatedAt}
}
