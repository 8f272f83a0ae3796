// Package aftersale adjudicates post-delivery claims. Approving a return or refund reverses the
// seller settlement and closes the order as returned in one transaction.
package aftersale

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	aftersaledb "ms-fulfillment/internal/aftersale/db"
	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const maxDecisionRetries = 3

// Orders is the order ledger as seen by the case manager.
type Orders interface {
	Get(ctx context.Context, id string) (*models.Order, error)
	MarkReturned(ctx context.Context, id, actor string) (*models.Order, error)
	EnqueueRefund(ctx context.Context, o *models.Order, reason string) error
}

// Settlement reverses the seller share of an order.
type Settlement interface {
	GetByOrder(ctx context.Context, orderID string) (*models.Transaction, error)
	Reverse(ctx context.Context, orderID string) (*models.Transaction, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, key, eventType string, payload any) error
}

// Limits bounds what a request may carry.
type Limits struct {
	MinDescriptionLength int
	MaxVideos            int
	MaxPhotos            int
}

func DefaultLimits() Limits {
	return Limits{MinDescriptionLength: 20, MaxVideos: 1, MaxPhotos: 5}
}

type Service struct {
	Bun        *bun.DB
	Orders     Orders
	Settlement Settlement
	Events     EventPublisher
	Logger     *logger.Logger
	Limits     Limits
	Topic      string
	Now        func() time.Time
}

func NewService(db *bun.DB, orders Orders, settlement Settlement, events EventPublisher, log *logger.Logger) *Service {
	return &Service{
		Bun:        db,
		Orders:     orders,
		Settlement: settlement,
		Events:     events,
		Logger:     log,
		Limits:     DefaultLimits(),
		Topic:      "marketplace.aftersale.decisions",
		Now:        time.Now,
	}
}

func (s *Service) repo(ctx context.Context) *aftersaledb.DB {
	return &aftersaledb.DB{Bun: database.Conn(ctx, s.Bun)}
}

type OpenInput struct {
	OrderID     string
	CustomerID  string
	Type        models.AfterSaleType
	Reason      string
	Description string
	Evidence    []models.AfterSaleEvidence
}

// Decision is the admin verdict on a request.
type Decision struct {
	By   string `json:"-"`
	Note string `json:"note"`
}

// Open files a claim against a delivered order. At most one pending or approved request may
// exist per order; a rejected one does not block a new attempt.
func (s *Service) Open(ctx context.Context, in OpenInput) (*models.AfterSaleRequest, error) {
	const op = "aftersale.Open"
	if err := validateShape(op, in); err != nil {
		s.Logger.Warn("AFTERSALE", fmt.Sprintf("%s rejected for order %s: %v", op, in.OrderID, err))
		return nil, err
	}

	now := s.Now().UTC()
	req := &models.AfterSaleRequest{
		ID:          uuid.New().String(),
		OrderID:     in.OrderID,
		CustomerID:  in.CustomerID,
		Type:        in.Type,
		Reason:      strings.TrimSpace(in.Reason),
		Description: strings.TrimSpace(in.Description),
		Status:      models.AfterSalePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, ev := range in.Evidence {
		ev.RequestID = req.ID
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		req.Evidence = append(req.Evidence, ev)
	}

	err := database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		repo := s.repo(ctx)
		o, err := s.Orders.Get(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if o.CustomerID != in.CustomerID {
			return apperror.NotFound(op, "order %s not found", in.OrderID)
		}
		if active, err := repo.FindActive(ctx, o.ID); err == nil {
			return apperror.Conflict(op, "order %s already has %s request %s", o.ID, active.Status, active.ID)
		} else if !database.IsNotFound(err) {
			return err
		}
		if o.Status != models.OrderDelivered {
			return apperror.InvalidState(op, "order %s is %s, claims open after delivery", o.ID, o.Status)
		}
		if err := s.validateClaim(op, in); err != nil {
			return err
		}

		if err := repo.InsertRequest(ctx, req); err != nil {
			// Two concurrent opens both passed FindActive; the partial unique index decides.
			if database.IsUniqueViolation(err) {
				return apperror.Conflict(op, "order %s already has an active request", o.ID)
			}
			return fmt.Errorf("insert request: %w", err)
		}
		return s.publish(ctx, models.EventAfterSaleOpened, req)
	})
	if err != nil {
		s.logFailure(op, in.OrderID, err)
		return nil, err
	}
	s.Logger.LogAfterSale("OPEN", req.ID, fmt.Sprintf("order=%s type=%s evidence=%d", req.OrderID, req.Type, len(req.Evidence)))
	return req, nil
}

func validateShape(op string, in OpenInput) error {
	if in.OrderID == "" || in.CustomerID == "" {
		return apperror.Validation(op, "order and customer are required")
	}
	if !in.Type.Valid() {
		return apperror.Validation(op, "unknown request type %q", in.Type)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return apperror.Validation(op, "reason is required")
	}
	return nil
}

// validateClaim checks description and evidence. It runs after the active-request check so a
// duplicate open reports the conflict rather than the weaker input.
func (s *Service) validateClaim(op string, in OpenInput) error {
	if n := utf8.RuneCountInString(strings.TrimSpace(in.Description)); n < s.Limits.MinDescriptionLength {
		return apperror.Validation(op, "description needs at least %d characters, got %d", s.Limits.MinDescriptionLength, n)
	}

	var videos, photos int
	for _, ev := range in.Evidence {
		switch ev.Kind {
		case models.EvidenceVideo:
			videos++
		case models.EvidencePhoto:
			photos++
		default:
			return apperror.Validation(op, "unknown evidence kind %q", ev.Kind)
		}
	}
	if videos > s.Limits.MaxVideos {
		return apperror.Validation(op, "at most %d video allowed, got %d", s.Limits.MaxVideos, videos)
	}
	if photos > s.Limits.MaxPhotos {
		return apperror.Validation(op, "at most %d photos allowed, got %d", s.Limits.MaxPhotos, photos)
	}
	if in.Type.Reverses() && (videos == 0 || photos == 0) {
		return apperror.Validation(op, "%s requests need at least one video and one photo", in.Type)
	}
	return nil
}

// Approve accepts the claim. Returns and refunds reverse the settlement, mark the order
// returned and queue a refund for online payments; exchanges and support have no money effect.
func (s *Service) Approve(ctx context.Context, requestID string, d Decision) (*models.AfterSaleRequest, error) {
	const op = "aftersale.Approve"
	var req *models.AfterSaleRequest
	var changed bool
	err := database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		var err error
		req, changed, err = s.decide(ctx, op, requestID, models.AfterSaleApproved, d)
		if err != nil || !changed {
			return err
		}
		if !req.Type.Reverses() {
			return s.publish(ctx, models.EventAfterSaleDecided, req)
		}

		txn, err := s.Settlement.GetByOrder(ctx, req.OrderID)
		if err != nil && !errors.Is(err, apperror.ErrNotFound) {
			return err
		}
		if txn != nil {
			if _, err := s.Settlement.Reverse(ctx, req.OrderID); err != nil {
				return err
			}
		}
		o, err := s.Orders.MarkReturned(ctx, req.OrderID, d.By)
		if err != nil {
			return err
		}
		if o.PaymentMethod == models.PaymentOnline && o.PaymentStatus == models.PaymentPaid {
			if err := s.Orders.EnqueueRefund(ctx, o, fmt.Sprintf("after-sale %s %s approved", req.Type, req.ID)); err != nil {
				return err
			}
		}
		return s.publish(ctx, models.EventAfterSaleDecided, req)
	})
	if err != nil {
		s.logFailure(op, requestID, err)
		return nil, err
	}
	if changed {
		s.Logger.LogAfterSale("APPROVE", req.ID, fmt.Sprintf("order=%s type=%s by=%s", req.OrderID, req.Type, d.By))
	}
	return req, nil
}

// Reject closes the claim without side effects. The customer may open a new one.
func (s *Service) Reject(ctx context.Context, requestID string, d Decision) (*models.AfterSaleRequest, error) {
	const op = "aftersale.Reject"
	var req *models.AfterSaleRequest
	var changed bool
	err := database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		var err error
		req, changed, err = s.decide(ctx, op, requestID, models.AfterSaleRejected, d)
		if err != nil || !changed {
			return err
		}
		return s.publish(ctx, models.EventAfterSaleDecided, req)
	})
	if err != nil {
		s.logFailure(op, requestID, err)
		return nil, err
	}
	if changed {
		s.Logger.LogAfterSale("REJECT", req.ID, fmt.Sprintf("order=%s by=%s", req.OrderID, d.By))
	}
	return req, nil
}

// decide moves a pending request to target. Repeating the same decision is a no-op; reversing
// an earlier decision is an invalid state.
func (s *Service) decide(ctx context.Context, op, requestID string, target models.AfterSaleStatus, d Decision) (*models.AfterSaleRequest, bool, error) {
	var req *models.AfterSaleRequest
	var changed bool
	err := database.Retry(ctx, maxDecisionRetries, func() error {
		var err error
		req, err = s.load(ctx, op, requestID)
		if err != nil {
			return err
		}
		changed = false
		switch req.Status {
		case target:
			return nil
		case models.AfterSalePending:
		default:
			return apperror.InvalidState(op, "request %s is already %s", req.ID, req.Status)
		}

		now := s.Now().UTC()
		req.Status = target
		req.DecidedBy = d.By
		req.DecisionNote = d.Note
		req.DecidedAt = &now
		req.UpdatedAt = now
		if err := s.repo(ctx).UpdateDecision(ctx, req, models.AfterSalePending); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return req, changed, err
}

func (s *Service) Get(ctx context.Context, id string) (*models.AfterSaleRequest, error) {
	return s.load(ctx, "aftersale.Get", id)
}

func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]models.AfterSaleRequest, error) {
	return s.repo(ctx).ListByOrder(ctx, orderID)
}

func (s *Service) load(ctx context.Context, op, id string) (*models.AfterSaleRequest, error) {
	req, err := s.repo(ctx).GetRequest(ctx, id)
	if database.IsNotFound(err) {
		return nil, apperror.NotFound(op, "after-sale request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: load %s: %w", op, id, err)
	}
	return req, nil
}

func (s *Service) publish(ctx context.Context, eventType string, req *models.AfterSaleRequest) error {
	return s.Events.PublishEvent(ctx, s.Topic, req.OrderID, eventType, models.AfterSaleEvent{
		RequestID: req.ID,
		OrderID:   req.OrderID,
		Type:      req.Type,
		Status:    req.Status,
	})
}

func (s *Service) logFailure(op, id string, err error) {
	switch apperror.KindOf(err) {
	case apperror.KindValidation, apperror.KindNotFound, apperror.KindInvalidState,
		apperror.KindInvalidTransition, apperror.KindConflict:
		s.Logger.Warn("AFTERSALE", fmt.Sprintf("%s rejected for %s: %v", op, id, err))
	case apperror.KindInsufficientBalance:
		s.Logger.Critical("AFTERSALE", fmt.Sprintf("%s could not reverse %s: %v", op, id, err))
	default:
		s.Logger.Error("AFTERSALE", fmt.Sprintf("%s failed for %s: %v", op, id, err))
	}
}
