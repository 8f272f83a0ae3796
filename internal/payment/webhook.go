package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const maxWebhookBytes = 64 << 10

// WebhookHandler receives Stripe payment intent events. Payment intents must carry the
// order id in their metadata.
type WebhookHandler struct {
	Orders StatusRecorder
	Secret string
	Logger *logger.Logger
}

func NewWebhookHandler(orders StatusRecorder, secret string, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{Orders: orders, Secret: secret, Logger: log}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Secret == "" {
		h.Logger.Error("WEBHOOK", "Stripe webhook secret is not configured")
		utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("Webhooks are not configured", "missing secret"))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid webhook payload", err.Error()))
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.Secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.Logger.LogSecurity("WEBHOOK_SIGNATURE", err.Error())
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Webhook signature verification failed", err.Error()))
		return
	}

	var status models.PaymentStatus
	switch event.Type {
	case "payment_intent.succeeded":
		status = models.PaymentPaid
	case "payment_intent.payment_failed":
		status = models.PaymentFailed
	default:
		h.Logger.Debug("WEBHOOK", fmt.Sprintf("ignoring event %s", event.Type))
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event ignored", nil))
		return
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid event data", err.Error()))
		return
	}
	orderID := pi.Metadata["order_id"]
	if orderID == "" {
		h.Logger.Warn("WEBHOOK", fmt.Sprintf("payment intent %s has no order_id in metadata", pi.ID))
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event ignored", nil))
		return
	}

	err = record(r.Context(), h.Orders, h.Logger, models.PaymentStatusEvent{
		OrderID:    orderID,
		Status:     status,
		PaymentRef: pi.ID,
		Amount:     pi.Amount,
	})
	var permanent *backoff.PermanentError
	switch {
	case err == nil:
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment status recorded", nil))
	case errors.As(err, &permanent):
		// Acknowledged so Stripe stops redelivering it.
		h.Logger.Warn("WEBHOOK", fmt.Sprintf("event %s for order %s refused: %v", event.ID, orderID, permanent.Err))
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event refused", permanent.Err.Error()))
	default:
		h.Logger.Error("WEBHOOK", fmt.Sprintf("event %s for order %s failed: %v", event.ID, orderID, err))
		utils.WriteError(w, "Could not record payment status", err)
	}
}
