package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/models"
)

// transition describes one edge of the order state machine.
type transition struct {
	op     string
	target models.OrderStatus
	actor  string
	// guard rejects the move before anything is written.
	guard func(ctx context.Context, o *models.Order) error
	// mutate sets extra columns written together with the status.
	mutate func(o *models.Order, now time.Time)
	// effect runs after the status is written, in the same transaction.
	effect func(ctx context.Context, o *models.Order) error
}

// apply moves the order to t.target. Re-applying a reached target is a no-op; any edge
// missing from the transition table fails with an invalid transition error.
func (s *Service) apply(ctx context.Context, orderID string, t transition) (*models.Order, error) {
	ctx, unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		result  *models.Order
		from    models.OrderStatus
		changed bool
	)
	err = database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		repo := s.repo(ctx)
		now := s.now()

		err := database.Retry(ctx, maxVersionRetries, func() error {
			o, err := s.load(ctx, t.op, orderID)
			if err != nil {
				return err
			}
			result, changed = o, false
			if o.Status == t.target {
				return nil
			}
			if !models.CanTransition(o.Status, t.target) {
				return apperror.InvalidTransition(t.op, o.Status, t.target)
			}
			if t.guard != nil {
				if err := t.guard(ctx, o); err != nil {
					return err
				}
			}

			from = o.Status
			prev := o.Version
			o.Status = t.target
			o.Version++
			o.UpdatedAt = now
			stampStatus(o, now)
			if t.mutate != nil {
				t.mutate(o, now)
			}
			if err := repo.UpdateOrder(ctx, o, prev); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if err != nil || !changed {
			return err
		}

		if err := repo.InsertStatusChange(ctx, &models.OrderStatusChange{
			OrderID:    orderID,
			FromStatus: from,
			ToStatus:   t.target,
			Actor:      t.actor,
			ChangedAt:  now,
		}); err != nil {
			return fmt.Errorf("record status change: %w", err)
		}
		if t.effect != nil {
			if err := t.effect(ctx, result); err != nil {
				return err
			}
		}
		return s.publish(ctx, result, from, t.target)
	})
	if err != nil {
		s.logFailure(t.op, orderID, err)
		return nil, err
	}
	if changed {
		s.Logger.LogOrder(string(t.target), orderID, fmt.Sprintf("%s -> %s by %s", from, t.target, actorOrSystem(t.actor)))
	}
	return result, nil
}

func stampStatus(o *models.Order, now time.Time) {
	switch o.Status {
	case models.OrderShipped:
		o.ShippedAt = &now
	case models.OrderDelivered:
		o.DeliveredAt = &now
	case models.OrderCancelled:
		o.CancelledAt = &now
	case models.OrderReturned:
		o.ReturnedAt = &now
	}
}

func (s *Service) logFailure(op, orderID string, err error) {
	switch apperror.KindOf(err) {
	case apperror.KindValidation, apperror.KindNotFound, apperror.KindInvalidState, apperror.KindInvalidTransition:
		s.Logger.Warn("ORDER", fmt.Sprintf("%s rejected for %s: %v", op, orderID, err))
	case apperror.KindInsufficientBalance:
		s.Logger.Critical("ORDER", fmt.Sprintf("%s could not settle %s: %v", op, orderID, err))
	default:
		s.Logger.Error("ORDER", fmt.Sprintf("%s failed for %s: %v", op, orderID, err))
	}
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

// ConfirmPayment moves a pending order to processing. Online orders need a confirmed payment
// and are settled here; cash-on-delivery orders skip the payment gate and settle on delivery.
func (s *Service) ConfirmPayment(ctx context.Context, id string) (*models.Order, error) {
	return s.apply(ctx, id, transition{
		op:     "order.ConfirmPayment",
		target: models.OrderProcessing,
		guard: func(ctx context.Context, o *models.Order) error {
			if o.PaymentMethod == models.PaymentOnline && o.PaymentStatus != models.PaymentPaid {
				return apperror.InvalidState("order.ConfirmPayment", "payment for order %s is %s", o.ID, o.PaymentStatus)
			}
			return nil
		},
		effect: func(ctx context.Context, o *models.Order) error {
			if o.PaymentMethod != models.PaymentOnline {
				return nil
			}
			_, err := s.Settlement.Settle(ctx, o)
			return err
		},
	})
}

// PaymentUpdate is a status report from the payment service.
type PaymentUpdate struct {
	Status    models.PaymentStatus
	Reference string
	// Amount is the captured amount in minor units. Zero means the reporter did not carry an
	// amount; only a non-zero amount is checked against the order total.
	Amount int64
}

// RecordPaymentStatus applies a payment report. A paid report confirms the order; a failed
// report ends it in payment_failed. Cash-on-delivery orders ignore gateway reports.
func (s *Service) RecordPaymentStatus(ctx context.Context, id string, upd PaymentUpdate) (*models.Order, error) {
	const op = "order.RecordPaymentStatus"
	if upd.Status != models.PaymentPaid && upd.Status != models.PaymentFailed {
		return nil, apperror.Validation(op, "unsupported payment status %q", upd.Status)
	}

	ctx, unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result *models.Order
	err = database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		o, err := s.load(ctx, op, id)
		if err != nil {
			return err
		}
		result = o
		if o.PaymentMethod == models.PaymentCOD {
			s.Logger.Warn("ORDER", fmt.Sprintf("ignoring %s gateway report for cash-on-delivery order %s", upd.Status, id))
			return nil
		}

		switch upd.Status {
		case models.PaymentPaid:
			if upd.Amount != 0 && upd.Amount != o.TotalAmount {
				return apperror.Validation(op, "paid amount %d does not match order total %d", upd.Amount, o.TotalAmount)
			}
			if o.PaymentStatus != models.PaymentPaid {
				now := s.now()
				if err := s.updatePayment(ctx, o, func(o *models.Order) {
					o.PaymentStatus = models.PaymentPaid
					o.PaymentRef = upd.Reference
					o.PaidAt = &now
				}); err != nil {
					return err
				}
			}
			switch o.Status {
			case models.OrderPendingPayment:
				result, err = s.ConfirmPayment(ctx, id)
				return err
			case models.OrderCancelled, models.OrderPaymentFailed:
				// Money arrived for an order that is already closed: give it back.
				s.Logger.Warn("ORDER", fmt.Sprintf("payment %s captured for closed order %s, refunding", upd.Reference, id))
				return s.enqueueRefund(ctx, o, "payment captured after order closed")
			}
			return nil

		default:
			if o.PaymentStatus == models.PaymentPaid {
				return apperror.InvalidState(op, "order %s is already paid", id)
			}
			if o.PaymentStatus != models.PaymentFailed {
				if err := s.updatePayment(ctx, o, func(o *models.Order) {
					o.PaymentStatus = models.PaymentFailed
					o.PaymentRef = upd.Reference
				}); err != nil {
					return err
				}
			}
			if o.Status != models.OrderPendingPayment {
				return nil
			}
			result, err = s.apply(ctx, id, transition{op: op, target: models.OrderPaymentFailed})
			return err
		}
	})
	if err != nil {
		s.logFailure(op, id, err)
		return nil, err
	}
	return result, nil
}

func (s *Service) updatePayment(ctx context.Context, o *models.Order, set func(o *models.Order)) error {
	prev := o.Version
	set(o)
	o.Version++
	o.UpdatedAt = s.now()
	if err := s.repo(ctx).UpdateOrder(ctx, o, prev); err != nil {
		return fmt.Errorf("update payment of %s: %w", o.ID, err)
	}
	return nil
}

// Advance performs seller and system transitions: packing, shipped and delivered. Shipped and
// delivered require the matching fact to be recorded on the shipment first.
func (s *Service) Advance(ctx context.Context, id string, target models.OrderStatus, actor string) (*models.Order, error) {
	const op = "order.Advance"
	t := transition{op: op, target: target, actor: actor}

	switch target {
	case models.OrderPacking:
	case models.OrderShipped:
		t.guard = func(ctx context.Context, o *models.Order) error {
			sh, err := s.shipment(ctx, op, o.ID)
			if err != nil {
				return err
			}
			if sh.ShippedAt == nil {
				return apperror.InvalidState(op, "shipment of order %s has not been handed to the carrier", o.ID)
			}
			return nil
		}
	case models.OrderDelivered:
		t.guard = func(ctx context.Context, o *models.Order) error {
			sh, err := s.shipment(ctx, op, o.ID)
			if err != nil {
				return err
			}
			if sh.DeliveredAt == nil {
				return apperror.InvalidState(op, "shipment of order %s is not delivered", o.ID)
			}
			return nil
		}
		t.mutate = func(o *models.Order, now time.Time) {
			if o.PaymentMethod == models.PaymentCOD {
				o.PaymentStatus = models.PaymentPaid
				o.PaidAt = &now
			}
		}
		t.effect = func(ctx context.Context, o *models.Order) error {
			if _, err := s.Settlement.Settle(ctx, o); err != nil {
				return err
			}
			_, err := s.Settlement.Release(ctx, o.ID)
			return err
		}
	default:
		return nil, apperror.Validation(op, "status %q cannot be reached with advance", target)
	}
	return s.apply(ctx, id, t)
}

// Cancel closes an order that has not been packed. A settled order is reversed and, when paid
// online, refunded through the outbox.
func (s *Service) Cancel(ctx context.Context, id, actor string) (*models.Order, error) {
	const op = "order.Cancel"
	return s.apply(ctx, id, transition{
		op:     op,
		target: models.OrderCancelled,
		actor:  actor,
		effect: func(ctx context.Context, o *models.Order) error {
			txn, err := s.Settlement.GetByOrder(ctx, o.ID)
			if err != nil && !errors.Is(err, apperror.ErrNotFound) {
				return err
			}
			if txn != nil && txn.Status == models.TransactionSucceeded {
				if _, err := s.Settlement.Reverse(ctx, o.ID); err != nil {
					return err
				}
			}
			if o.PaymentMethod == models.PaymentOnline && o.PaymentStatus == models.PaymentPaid {
				return s.enqueueRefund(ctx, o, "order cancelled")
			}
			return nil
		},
	})
}

// MarkReturned closes a delivered order after an approved return or refund. Balance and
// refund handling belong to the caller's transaction.
func (s *Service) MarkReturned(ctx context.Context, id, actor string) (*models.Order, error) {
	return s.apply(ctx, id, transition{op: "order.MarkReturned", target: models.OrderReturned, actor: actor})
}

func (s *Service) shipment(ctx context.Context, op, orderID string) (*models.Shipping, error) {
	if s.Shipments == nil {
		return nil, apperror.InvalidState(op, "no shipment tracker configured")
	}
	sh, err := s.Shipments.GetByOrderID(ctx, orderID)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.InvalidState(op, "order %s has no shipment", orderID)
	}
	return sh, err
}

// EnqueueRefund records a refund of the full order amount for the payment gateway.
func (s *Service) EnqueueRefund(ctx context.Context, o *models.Order, reason string) error {
	return s.enqueueRefund(ctx, o, reason)
}

func (s *Service) enqueueRefund(ctx context.Context, o *models.Order, reason string) error {
	_, err := s.Outbox.Enqueue(ctx, models.ActionIssueRefund, o.ID, models.RefundPayload{
		OrderID:    o.ID,
		PaymentRef: o.PaymentRef,
		Amount:     o.TotalAmount,
		Currency:   o.Currency,
		Reason:     reason,
	})
	return err
}
