// Package payment connects order settlement to the card processor: it issues queued refunds
// through Stripe and turns payment reports (webhooks and the status topic) into order updates.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

var ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")

// RefundCreator is the part of the Stripe refund client the gateway uses.
type RefundCreator interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type Gateway struct {
	Refunds  RefundCreator
	Currency string
	Logger   *logger.Logger
}

func NewStripeGateway(secretKey, currency string, log *logger.Logger) (*Gateway, error) {
	if secretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY is not set")
		return nil, ErrStripeClientInitFailed
	}
	sc := client.New(secretKey, nil)
	log.Info("STRIPE", "Stripe client initialized")
	return &Gateway{Refunds: sc.Refunds, Currency: currency, Logger: log}, nil
}

// RefundHandler executes refund.issue outbox actions. The action id is the idempotency key,
// so a retried action never refunds twice.
func (g *Gateway) RefundHandler() func(ctx context.Context, action *models.PendingAction) error {
	return func(ctx context.Context, action *models.PendingAction) error {
		var p models.RefundPayload
		if err := json.Unmarshal([]byte(action.Payload), &p); err != nil {
			return backoff.Permanent(fmt.Errorf("decode refund payload: %w", err))
		}
		_, err := g.Refund(ctx, action.ID, p)
		return err
	}
}

// Refund returns the order's payment to the customer.
func (g *Gateway) Refund(ctx context.Context, idempotencyKey string, p models.RefundPayload) (*stripe.Refund, error) {
	if p.PaymentRef == "" {
		return nil, backoff.Permanent(fmt.Errorf("order %s has no payment reference to refund", p.OrderID))
	}
	if p.Amount <= 0 {
		return nil, backoff.Permanent(fmt.Errorf("order %s refund amount %d is not positive", p.OrderID, p.Amount))
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(p.PaymentRef),
		Amount:        stripe.Int64(p.Amount),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	params.AddMetadata("order_id", p.OrderID)
	if p.Reason != "" {
		params.AddMetadata("reason", p.Reason)
	}

	g.Logger.LogPayment("REFUND", p.OrderID, fmt.Sprintf("refunding %d %s on %s", p.Amount, g.currency(p), p.PaymentRef))
	r, err := g.Refunds.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			if stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
				g.Logger.Warn("STRIPE", fmt.Sprintf("payment %s of order %s was already refunded", p.PaymentRef, p.OrderID))
				return nil, nil
			}
			// Client errors other than rate limiting will fail the same way again.
			if stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 && stripeErr.HTTPStatusCode != http.StatusTooManyRequests {
				return nil, backoff.Permanent(fmt.Errorf("stripe refund for order %s: %w", p.OrderID, err))
			}
		}
		return nil, fmt.Errorf("stripe refund for order %s: %w", p.OrderID, err)
	}
	g.Logger.LogPayment("REFUND", p.OrderID, fmt.Sprintf("refund %s is %s", r.ID, r.Status))
	return r, nil
}

func (g *Gateway) currency(p models.RefundPayload) string {
	if p.Currency != "" {
		return p.Currency
	}
	return g.Currency
}
