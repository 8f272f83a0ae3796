package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/order"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
)

// StatusRecorder applies payment reports to orders.
type StatusRecorder interface {
	RecordPaymentStatus(ctx context.Context, id string, upd order.PaymentUpdate) (*models.Order, error)
}

// StatusMessageHandler consumes the payment status topic. Reports the order ledger refuses
// are skipped; infrastructure failures are retried.
func StatusMessageHandler(orders StatusRecorder, log *logger.Logger) func(ctx context.Context, msg kafkago.Message) error {
	return func(ctx context.Context, msg kafkago.Message) error {
		var ev models.PaymentStatusEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return backoff.Permanent(fmt.Errorf("decode payment status: %w", err))
		}
		if ev.OrderID == "" {
			return backoff.Permanent(fmt.Errorf("payment status at offset %d has no order id", msg.Offset))
		}
		return record(ctx, orders, log, ev)
	}
}

func record(ctx context.Context, orders StatusRecorder, log *logger.Logger, ev models.PaymentStatusEvent) error {
	_, err := orders.RecordPaymentStatus(ctx, ev.OrderID, order.PaymentUpdate{
		Status:    ev.Status,
		Reference: ev.PaymentRef,
		Amount:    ev.Amount,
	})
	if err == nil {
		log.LogPayment("STATUS", ev.OrderID, fmt.Sprintf("%s recorded (ref %s)", ev.Status, ev.PaymentRef))
		return nil
	}
	switch apperror.KindOf(err) {
	case apperror.KindValidation, apperror.KindNotFound, apperror.KindInvalidState,
		apperror.KindInvalidTransition, apperror.KindConflict:
		return backoff.Permanent(err)
	}
	return err
}
