package order

import (
	"context"
	"fmt"
	"math"
	"time"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	orderdb "ms-fulfillment/internal/order/db"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const maxVersionRetries = 3

// Catalog supplies product snapshots at order time.
type Catalog interface {
	GetProducts(ctx context.Context, ids []string) (map[string]models.Product, error)
}

// Settlement turns a paid order into ledger movements.
type Settlement interface {
	Settle(ctx context.Context, order *models.Order) (*models.Transaction, error)
	Release(ctx context.Context, orderID string) (*models.Transaction, error)
	Reverse(ctx context.Context, orderID string) (*models.Transaction, error)
	GetByOrder(ctx context.Context, orderID string) (*models.Transaction, error)
}

// ShipmentReader gives the order ledger read access to shipping facts.
type ShipmentReader interface {
	GetByOrderID(ctx context.Context, orderID string) (*models.Shipping, error)
}

// Outbox records side effects in the current transaction.
type Outbox interface {
	Enqueue(ctx context.Context, kind, aggregateID string, payload any) (*models.PendingAction, error)
	PublishEvent(ctx context.Context, topic, key, eventType string, payload any) error
}

// Locker serializes mutations of one order across instances.
type Locker interface {
	Lock(ctx context.Context, orderID string) (func(), error)
}

type Service struct {
	Bun        *bun.DB
	Catalog    Catalog
	Settlement Settlement
	Shipments  ShipmentReader
	Outbox     Outbox
	Locker     Locker
	Logger     *logger.Logger
	Topic      string
	Currency   string
	Now        func() time.Time
}

func NewOrderService(db *bun.DB, catalog Catalog, settlement Settlement, outbox Outbox, log *logger.Logger) *Service {
	return &Service{
		Bun:        db,
		Catalog:    catalog,
		Settlement: settlement,
		Outbox:     outbox,
		Logger:     log,
		Topic:      "marketplace.order.status",
		Currency:   "usd",
		Now:        time.Now,
	}
}

func (s *Service) repo(ctx context.Context) *orderdb.DB {
	return &orderdb.DB{Bun: database.Conn(ctx, s.Bun)}
}

func (s *Service) now() time.Time {
	return s.Now().UTC()
}

type CreateOrderInput struct {
	CustomerID    string               `json:"customer_id"`
	SellerID      string               `json:"seller_id"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	Items         []ItemInput          `json:"items"`
}

type ItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Create validates the items against the catalog, freezes their prices and opens the order
// in pending_payment.
func (s *Service) Create(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	const op = "order.Create"
	if in.CustomerID == "" || in.SellerID == "" {
		return nil, apperror.Validation(op, "customer and seller are required")
	}
	if !in.PaymentMethod.Valid() {
		return nil, apperror.Validation(op, "unknown payment method %q", in.PaymentMethod)
	}
	if len(in.Items) == 0 {
		return nil, apperror.Validation(op, "order has no items")
	}

	ids := make([]string, 0, len(in.Items))
	seen := make(map[string]bool, len(in.Items))
	for _, it := range in.Items {
		if it.ProductID == "" {
			return nil, apperror.Validation(op, "item without product id")
		}
		if it.Quantity <= 0 {
			return nil, apperror.Validation(op, "quantity of %s must be positive", it.ProductID)
		}
		if seen[it.ProductID] {
			return nil, apperror.Validation(op, "product %s listed twice", it.ProductID)
		}
		seen[it.ProductID] = true
		ids = append(ids, it.ProductID)
	}

	products, err := s.Catalog.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.now()
	o := &models.Order{
		ID:            uuid.New().String(),
		CustomerID:    in.CustomerID,
		SellerID:      in.SellerID,
		Currency:      s.Currency,
		Status:        models.OrderPendingPayment,
		PaymentStatus: models.PaymentPending,
		PaymentMethod: in.PaymentMethod,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, it := range in.Items {
		p, ok := products[it.ProductID]
		switch {
		case !ok:
			return nil, apperror.Validation(op, "product %s does not exist", it.ProductID)
		case p.SellerID != in.SellerID:
			return nil, apperror.Validation(op, "product %s is not sold by %s", p.ID, in.SellerID)
		case p.Status != models.ProductPublished:
			return nil, apperror.Validation(op, "product %s is not published", p.ID)
		case p.Stock <= 0:
			return nil, apperror.Validation(op, "product %s is out of stock", p.ID)
		case p.Stock < it.Quantity:
			return nil, apperror.Validation(op, "product %s has only %d in stock", p.ID, p.Stock)
		case p.Price <= 0:
			return nil, apperror.Validation(op, "product %s has no price", p.ID)
		case p.Price > math.MaxInt64/it.Quantity:
			return nil, apperror.Validation(op, "subtotal of %s overflows", p.ID)
		}
		subtotal := p.Price * it.Quantity
		if o.TotalAmount > math.MaxInt64-subtotal {
			return nil, apperror.Validation(op, "order total overflows")
		}
		o.TotalAmount += subtotal
		o.Items = append(o.Items, models.OrderItem{
			ID:          uuid.New().String(),
			OrderID:     o.ID,
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    it.Quantity,
			UnitPrice:   p.Price,
			Subtotal:    subtotal,
		})
	}

	err = database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		repo := s.repo(ctx)
		if err := repo.InsertOrder(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := repo.InsertStatusChange(ctx, &models.OrderStatusChange{
			OrderID:   o.ID,
			ToStatus:  o.Status,
			Actor:     in.CustomerID,
			ChangedAt: now,
		}); err != nil {
			return err
		}
		return s.publish(ctx, o, "", o.Status)
	})
	if err != nil {
		s.Logger.Error("ORDER", fmt.Sprintf("create failed for customer %s: %v", in.CustomerID, err))
		return nil, err
	}

	s.Logger.LogOrder("CREATE", o.ID, fmt.Sprintf("customer=%s seller=%s total=%d method=%s", o.CustomerID, o.SellerID, o.TotalAmount, o.PaymentMethod))
	return o, nil
}

// Get returns the order with its items.
func (s *Service) Get(ctx context.Context, id string) (*models.Order, error) {
	return s.load(ctx, "order.Get", id)
}

func (s *Service) ListByCustomer(ctx context.Context, customerID string) ([]models.Order, error) {
	return s.repo(ctx).ListByCustomer(ctx, customerID)
}

func (s *Service) ListBySeller(ctx context.Context, sellerID string) ([]models.Order, error) {
	return s.repo(ctx).ListBySeller(ctx, sellerID)
}

// History returns every committed status change of the order, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]models.OrderStatusChange, error) {
	if _, err := s.load(ctx, "order.History", id); err != nil {
		return nil, err
	}
	return s.repo(ctx).ListStatusChanges(ctx, id)
}

func (s *Service) load(ctx context.Context, op, id string) (*models.Order, error) {
	o, err := s.repo(ctx).GetOrder(ctx, id)
	if database.IsNotFound(err) {
		return nil, apperror.NotFound(op, "order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: load order %s: %w", op, id, err)
	}
	return o, nil
}

func (s *Service) publish(ctx context.Context, o *models.Order, from, to models.OrderStatus) error {
	return s.Outbox.PublishEvent(ctx, s.Topic, o.ID, models.EventOrderStatusChanged, models.OrderStatusChangedEvent{
		OrderID:    o.ID,
		SellerID:   o.SellerID,
		CustomerID: o.CustomerID,
		From:       from,
		To:         to,
	})
}

type heldLocksKey struct{}

// lock takes the order lock unless ctx already holds it, so nested operations on the same
// order (payment intake confirming the order) do not deadlock.
func (s *Service) lock(ctx context.Context, orderID string) (context.Context, func(), error) {
	noop := func() {}
	if s.Locker == nil {
		return ctx, noop, nil
	}
	held, _ := ctx.Value(heldLocksKey{}).(map[string]bool)
	if held[orderID] {
		return ctx, noop, nil
	}
	unlock, err := s.Locker.Lock(ctx, orderID)
	if err != nil {
		return ctx, noop, err
	}
	next := make(map[string]bool, len(held)+1)
	for k := range held {
		next[k] = true
	}
	next[orderID] = true
	return context.WithValue(ctx, heldLocksKey{}, next), unlock, nil
}
