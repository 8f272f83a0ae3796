// Package shipping tracks the physical journey of an order: one Shipping per order, an
// append-only history, and the public tracking-number lookup.
package shipping

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	shippingdb "ms-fulfillment/internal/shipping/db"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	trackingAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	trackingLength     = 10
	maxTrackingRetries = 5
	maxVersionRetries  = 3
	promotionBatch     = 100
)

// Orders is the order ledger as seen by the tracker.
type Orders interface {
	Get(ctx context.Context, id string) (*models.Order, error)
	Advance(ctx context.Context, id string, target models.OrderStatus, actor string) (*models.Order, error)
}

// Customers supplies the delivery address snapshot.
type Customers interface {
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
}

// EventPublisher records events in the caller's transaction.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, key, eventType string, payload any) error
}

// Notifier receives committed shipping updates for live tracking.
type Notifier interface {
	Emit(ev models.ShippingUpdatedEvent)
}

type Service struct {
	Bun            *bun.DB
	Orders         Orders
	Customers      Customers
	Events         EventPublisher
	Notifier       Notifier
	Logger         *logger.Logger
	TrackingPrefix string
	Topic          string
	Now            func() time.Time
}

func NewService(db *bun.DB, orders Orders, customers Customers, events EventPublisher, log *logger.Logger) *Service {
	return &Service{
		Bun:            db,
		Orders:         orders,
		Customers:      customers,
		Events:         events,
		Logger:         log,
		TrackingPrefix: "MKT",
		Topic:          "marketplace.shipping.events",
		Now:            time.Now,
	}
}

func (s *Service) repo(ctx context.Context) *shippingdb.DB {
	return &shippingdb.DB{Bun: database.Conn(ctx, s.Bun)}
}

func (s *Service) now() time.Time {
	return s.Now().UTC()
}

type CreateShippingInput struct {
	OrderID    string `json:"order_id"`
	Carrier    string `json:"carrier"`
	RiderName  string `json:"rider_name"`
	RiderPhone string `json:"rider_phone"`
}

// CreateForOrder opens the shipment of a packing order with a fresh tracking number and a copy of
// the customer's address.
func (s *Service) CreateForOrder(ctx context.Context, in CreateShippingInput) (*models.Shipping, error) {
	const op = "shipping.CreateForOrder"
	if in.OrderID == "" {
		return nil, apperror.Validation(op, "order id is required")
	}

	var sh *models.Shipping
	var pending []models.ShippingUpdatedEvent
	var err error
	// A unique violation means another writer took the order or the tracking number after our
	// checks. Run again so the order check can report the winner or a fresh number is drawn.
	for attempt := 1; attempt <= maxTrackingRetries; attempt++ {
		sh, pending, err = s.createInTx(ctx, op, in)
		if !errors.Is(err, errInsertRace) {
			break
		}
		s.Logger.Warn("SHIPPING", fmt.Sprintf("%s lost an insert race for order %s, attempt %d", op, in.OrderID, attempt))
	}
	if errors.Is(err, errInsertRace) {
		err = apperror.Conflict(op, "order %s shipment could not be created, try again", in.OrderID)
	}
	if err != nil {
		s.logFailure(op, in.OrderID, err)
		return nil, err
	}
	s.notify(pending)
	s.Logger.LogShipping("CREATE", sh.TrackingNumber, fmt.Sprintf("order=%s carrier=%s", sh.OrderID, sh.Carrier))
	return sh, nil
}

var errInsertRace = errors.New("shipping insert lost a uniqueness race")

func (s *Service) createInTx(ctx context.Context, op string, in CreateShippingInput) (*models.Shipping, []models.ShippingUpdatedEvent, error) {
	var created *models.Shipping
	var pending []models.ShippingUpdatedEvent
	err := database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		repo := s.repo(ctx)
		o, err := s.Orders.Get(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if o.Status != models.OrderPacking {
			return apperror.InvalidState(op, "order %s is %s, shipments open at packing", o.ID, o.Status)
		}
		if _, err := repo.GetByOrderID(ctx, o.ID); err == nil {
			return apperror.Conflict(op, "order %s already has a shipment", o.ID)
		} else if !database.IsNotFound(err) {
			return err
		}

		c, err := s.Customers.GetCustomer(ctx, o.CustomerID)
		if err != nil {
			return err
		}
		number, err := s.GenerateTrackingNumber(ctx)
		if err != nil {
			return err
		}

		now := s.now()
		sh := &models.Shipping{
			ID:             uuid.New().String(),
			OrderID:        o.ID,
			TrackingNumber: number,
			Carrier:        in.Carrier,
			RiderName:      in.RiderName,
			RiderPhone:     in.RiderPhone,
			RecipientName:  c.Name,
			RecipientPhone: c.Phone,
			AddressLine:    c.AddressLine,
			City:           c.City,
			PostalCode:     c.PostalCode,
			Country:        c.Country,
			Status:         models.ShippingPacking,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := repo.InsertShipping(ctx, sh); err != nil {
			if database.IsUniqueViolation(err) {
				return errInsertRace
			}
			return fmt.Errorf("insert shipping: %w", err)
		}
		ev, err := s.appendHistory(ctx, sh, models.ShippingPacking, "Parcel is being packed", "", now)
		if err != nil {
			return err
		}
		created = sh
		pending = append(pending, ev)
		return nil
	})
	return created, pending, err
}

// GenerateTrackingNumber returns an unused tracking number. The unique index on tracking_number
// still rejects a number minted concurrently by another instance.
func (s *Service) GenerateTrackingNumber(ctx context.Context) (string, error) {
	for i := 0; i < maxTrackingRetries; i++ {
		number, err := randomTrackingNumber(s.TrackingPrefix)
		if err != nil {
			return "", err
		}
		exists, err := s.repo(ctx).TrackingNumberExists(ctx, number)
		if err != nil {
			return "", err
		}
		if !exists {
			return number, nil
		}
		s.Logger.Warn("SHIPPING", fmt.Sprintf("tracking number collision on %s, retrying", number))
	}
	return "", fmt.Errorf("no unused tracking number after %d attempts", maxTrackingRetries)
}

func randomTrackingNumber(prefix string) (string, error) {
	buf := make([]byte, trackingLength)
	max := big.NewInt(int64(len(trackingAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate tracking number: %w", err)
		}
		buf[i] = trackingAlphabet[n.Int64()]
	}
	return prefix + string(buf), nil
}

type RecordEventInput struct {
	Status      models.ShippingStatus `json:"status"`
	Description string                `json:"description"`
	Location    string                `json:"location"`
	Actor       string                `json:"-"`
}

// RecordEvent appends a history entry and moves the shipment forward. Reaching shipped or
// delivered advances the order in the same transaction.
func (s *Service) RecordEvent(ctx context.Context, shippingID string, in RecordEventInput) (*models.Shipping, error) {
	const op = "shipping.RecordEvent"
	var sh *models.Shipping
	var ev models.ShippingUpdatedEvent
	err := database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		var err error
		sh, ev, err = s.record(ctx, op, func(ctx context.Context) (*models.Shipping, error) {
			return s.repo(ctx).GetShipping(ctx, shippingID)
		}, in, nil)
		return err
	})
	if err != nil {
		s.logFailure(op, shippingID, err)
		return nil, err
	}
	s.notify([]models.ShippingUpdatedEvent{ev})
	return sh, nil
}

// record runs inside a transaction. mutate may change carrier or rider columns before the update.
func (s *Service) record(ctx context.Context, op string, load func(ctx context.Context) (*models.Shipping, error),
	in RecordEventInput, mutate func(sh *models.Shipping)) (*models.Shipping, models.ShippingUpdatedEvent, error) {

	if !in.Status.Valid() {
		return nil, models.ShippingUpdatedEvent{}, apperror.Validation(op, "unknown shipping status %q", in.Status)
	}

	var (
		sh      *models.Shipping
		reached bool
		at      time.Time
	)
	err := database.Retry(ctx, maxVersionRetries, func() error {
		var err error
		sh, err = load(ctx)
		if database.IsNotFound(err) {
			return apperror.NotFound(op, "shipment not found")
		}
		if err != nil {
			return err
		}
		if !models.CanAdvanceShipping(sh.Status, in.Status) {
			return apperror.InvalidTransition(op, sh.Status, in.Status)
		}

		at, err = s.eventTime(ctx, sh.ID)
		if err != nil {
			return err
		}
		prev := sh.Version
		reached = sh.Status != in.Status
		sh.Status = in.Status
		switch in.Status {
		case models.ShippingAssigned:
			if sh.AssignedAt == nil {
				sh.AssignedAt = &at
			}
		case models.ShippingShipped:
			if sh.ShippedAt == nil {
				sh.ShippedAt = &at
			}
		case models.ShippingDelivered:
			if sh.DeliveredAt == nil {
				sh.DeliveredAt = &at
			}
		}
		if mutate != nil {
			mutate(sh)
		}
		sh.Version++
		sh.UpdatedAt = at
		return s.repo(ctx).UpdateShipping(ctx, sh, prev)
	})
	if err != nil {
		return nil, models.ShippingUpdatedEvent{}, err
	}

	description := in.Description
	if description == "" {
		description = defaultDescription(in.Status)
	}
	ev, err := s.appendHistory(ctx, sh, in.Status, description, in.Location, at)
	if err != nil {
		return nil, models.ShippingUpdatedEvent{}, err
	}

	if reached {
		switch in.Status {
		case models.ShippingShipped:
			_, err = s.Orders.Advance(ctx, sh.OrderID, models.OrderShipped, in.Actor)
		case models.ShippingDelivered:
			_, err = s.Orders.Advance(ctx, sh.OrderID, models.OrderDelivered, in.Actor)
		}
		if err != nil {
			return nil, models.ShippingUpdatedEvent{}, err
		}
		s.Logger.LogShipping(string(in.Status), sh.TrackingNumber, fmt.Sprintf("order=%s location=%s", sh.OrderID, in.Location))
	}
	return sh, ev, nil
}

// eventTime never goes back behind the newest history entry.
func (s *Service) eventTime(ctx context.Context, shippingID string) (time.Time, error) {
	now := s.now()
	last, err := s.repo(ctx).LastHistory(ctx, shippingID)
	if err != nil {
		return now, err
	}
	if last != nil && now.Before(last.OccurredAt) {
		return last.OccurredAt, nil
	}
	return now, nil
}

func (s *Service) appendHistory(ctx context.Context, sh *models.Shipping, status models.ShippingStatus, description, location string, at time.Time) (models.ShippingUpdatedEvent, error) {
	repo := s.repo(ctx)
	seq := 1
	last, err := repo.LastHistory(ctx, sh.ID)
	if err != nil {
		return models.ShippingUpdatedEvent{}, err
	}
	if last != nil {
		seq = last.Seq + 1
	}
	h := &models.ShippingHistory{
		ShippingID:  sh.ID,
		Seq:         seq,
		Status:      status,
		Description: description,
		Location:    location,
		OccurredAt:  at,
	}
	if err := repo.InsertHistory(ctx, h); err != nil {
		return models.ShippingUpdatedEvent{}, fmt.Errorf("append history: %w", err)
	}

	ev := models.ShippingUpdatedEvent{
		ShippingID:     sh.ID,
		OrderID:        sh.OrderID,
		TrackingNumber: sh.TrackingNumber,
		Status:         status,
		Description:    description,
		OccurredAt:     at,
	}
	if err := s.Events.PublishEvent(ctx, s.Topic, sh.OrderID, models.EventShippingUpdated, ev); err != nil {
		return models.ShippingUpdatedEvent{}, err
	}
	return ev, nil
}

func defaultDescription(status models.ShippingStatus) string {
	switch status {
	case models.ShippingPacking:
		return "Parcel is being packed"
	case models.ShippingAssigned:
		return "Rider assigned"
	case models.ShippingShipped:
		return "Parcel handed to the carrier"
	case models.ShippingDelivered:
		return "Parcel delivered"
	}
	return string(status)
}

// AssignRider records who carries the parcel and moves the shipment to assigned.
func (s *Service) AssignRider(ctx context.Context, shippingID, carrier, riderName, riderPhone string) (*models.Shipping, error) {
	const op = "shipping.AssignRider"
	if riderName == "" {
		return nil, apperror.Validation(op, "rider name is required")
	}
	var sh *models.Shipping
	var ev models.ShippingUpdatedEvent
	err := database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		var err error
		sh, ev, err = s.record(ctx, op, func(ctx context.Context) (*models.Shipping, error) {
			return s.repo(ctx).GetShipping(ctx, shippingID)
		}, RecordEventInput{Status: models.ShippingAssigned, Description: "Rider " + riderName + " assigned"},
			func(sh *models.Shipping) {
				if carrier != "" {
					sh.Carrier = carrier
				}
				sh.RiderName = riderName
				sh.RiderPhone = riderPhone
			})
		return err
	})
	if err != nil {
		s.logFailure(op, shippingID, err)
		return nil, err
	}
	s.notify([]models.ShippingUpdatedEvent{ev})
	return sh, nil
}

// ConfirmDelivery is the customer's confirmation that the parcel arrived.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, customerID string) (*models.Shipping, error) {
	const op = "shipping.ConfirmDelivery"
	var sh *models.Shipping
	var ev models.ShippingUpdatedEvent
	err := database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		o, err := s.Orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.CustomerID != customerID {
			return apperror.NotFound(op, "order %s not found", orderID)
		}
		sh, ev, err = s.record(ctx, op, func(ctx context.Context) (*models.Shipping, error) {
			return s.repo(ctx).GetByOrderID(ctx, orderID)
		}, RecordEventInput{Status: models.ShippingDelivered, Description: "Delivery confirmed by customer", Actor: customerID}, nil)
		return err
	})
	if err != nil {
		s.logFailure(op, orderID, err)
		return nil, err
	}
	s.notify([]models.ShippingUpdatedEvent{ev})
	return sh, nil
}

// PromoteOverdue marks shipments delivered once they have been in transit longer than grace.
// A zero grace period disables promotion. It returns how many shipments were promoted.
func (s *Service) PromoteOverdue(ctx context.Context, grace time.Duration) (int, error) {
	const op = "shipping.PromoteOverdue"
	if grace <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-grace)
	overdue, err := s.repo(ctx).ListShippedBefore(ctx, cutoff, promotionBatch)
	if err != nil {
		return 0, fmt.Errorf("%s: list overdue: %w", op, err)
	}

	promoted := 0
	for _, candidate := range overdue {
		id := candidate.ID
		var ev models.ShippingUpdatedEvent
		err := database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
			var err error
			_, ev, err = s.record(ctx, op, func(ctx context.Context) (*models.Shipping, error) {
				return s.repo(ctx).GetShipping(ctx, id)
			}, RecordEventInput{Status: models.ShippingDelivered, Description: "Delivered (confirmation period elapsed)", Actor: "system"}, nil)
			return err
		})
		if err != nil {
			// One bad shipment must not block the rest of the batch.
			s.logFailure(op, id, err)
			continue
		}
		s.notify([]models.ShippingUpdatedEvent{ev})
		promoted++
	}
	if promoted > 0 {
		s.Logger.Info("SHIPPING", fmt.Sprintf("promoted %d overdue shipments to delivered", promoted))
	}
	return promoted, nil
}

// RunPromotion calls PromoteOverdue every interval until ctx ends.
func (s *Service) RunPromotion(ctx context.Context, grace, interval time.Duration) {
	if grace <= 0 || interval <= 0 {
		s.Logger.Info("SHIPPING", "delivery grace period disabled, automatic promotion off")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PromoteOverdue(ctx, grace); err != nil {
				s.Logger.Error("SHIPPING", err.Error())
			}
		}
	}
}

// TrackByNumber is the public lookup. Only the public view of the shipment is returned.
func (s *Service) TrackByNumber(ctx context.Context, number string) (*models.TrackingView, error) {
	const op = "shipping.TrackByNumber"
	repo := s.repo(ctx)
	sh, err := repo.GetByTrackingNumber(ctx, number)
	if database.IsNotFound(err) {
		return nil, apperror.NotFound(op, "tracking number %s not found", number)
	}
	if err != nil {
		return nil, err
	}
	history, err := repo.ListHistory(ctx, sh.ID)
	if err != nil {
		return nil, err
	}
	o, err := s.Orders.Get(ctx, sh.OrderID)
	if err != nil {
		return nil, err
	}
	return &models.TrackingView{Shipping: sh.Public(), History: history, Order: o.Summary()}, nil
}

// GetByOrderID reads through the caller's transaction when there is one.
func (s *Service) GetByOrderID(ctx context.Context, orderID string) (*models.Shipping, error) {
	sh, err := s.repo(ctx).GetByOrderID(ctx, orderID)
	if database.IsNotFound(err) {
		return nil, apperror.NotFound("shipping.GetByOrderID", "order %s has no shipment", orderID)
	}
	return sh, err
}

func (s *Service) Get(ctx context.Context, shippingID string) (*models.Shipping, error) {
	sh, err := s.repo(ctx).GetShipping(ctx, shippingID)
	if database.IsNotFound(err) {
		return nil, apperror.NotFound("shipping.Get", "shipment %s not found", shippingID)
	}
	return sh, err
}

func (s *Service) History(ctx context.Context, shippingID string) ([]models.ShippingHistory, error) {
	if _, err := s.Get(ctx, shippingID); err != nil {
		return nil, err
	}
	return s.repo(ctx).ListHistory(ctx, shippingID)
}

func (s *Service) notify(events []models.ShippingUpdatedEvent) {
	if s.Notifier == nil {
		return
	}
	for _, ev := range events {
		s.Notifier.Emit(ev)
	}
}

func (s *Service) logFailure(op, id string, err error) {
	switch apperror.KindOf(err) {
	case apperror.KindValidation, apperror.KindNotFound, apperror.KindInvalidState,
		apperror.KindInvalidTransition, apperror.KindConflict:
		s.Logger.Warn("SHIPPING", fmt.Sprintf("%s rejected for %s: %v", op, id, err))
	default:
		s.Logger.Error("SHIPPING", fmt.Sprintf("%s failed for %s: %v", op, id, err))
	}
}
