package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/outbox"
	"ms-fulfillment/internal/testutil"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func setup(t *testing.T) (*bun.DB, *outbox.Outbox, *outbox.Dispatcher, *testutil.Clock) {
	db := testutil.NewDB(t)
	clock := testutil.NewClock()
	ob := outbox.New(db)
	ob.Now = clock.Now
	d := outbox.NewDispatcher(db, logger.NewNopLogger())
	d.Now = clock.Now
	d.MaxAttempts = 3
	d.NewBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Minute) }
	return db, ob, d, clock
}

func TestDispatchSuccessMarksDone(t *testing.T) {
	_, ob, d, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, ob.PublishEvent(ctx, "marketplace.order.status", "order-1", models.EventOrderStatusChanged,
		models.OrderStatusChangedEvent{OrderID: "order-1", From: models.OrderPendingPayment, To: models.OrderProcessing}))

	var got []models.PublishPayload
	d.Register(models.ActionPublishEvent, func(ctx context.Context, a *models.PendingAction) error {
		var p models.PublishPayload
		require.NoError(t, json.Unmarshal([]byte(a.Payload), &p))
		got = append(got, p)
		return nil
	})

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, "marketplace.order.status", got[0].Topic)

	var env models.Envelope
	require.NoError(t, json.Unmarshal(got[0].Value, &env))
	assert.Equal(t, models.EventOrderStatusChanged, env.EventType)
	assert.Equal(t, outbox.Producer, env.Producer)

	actions, err := ob.Pending(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionDone, actions[0].Status)

	n, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDispatchRetriesWithBackoffThenFails(t *testing.T) {
	_, ob, d, clock := setup(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, models.ActionIssueRefund, "order-1", models.RefundPayload{OrderID: "order-1", Amount: 2500})
	require.NoError(t, err)

	calls := 0
	d.Register(models.ActionIssueRefund, func(ctx context.Context, a *models.PendingAction) error {
		calls++
		return errors.New("gateway timeout")
	})

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Not due yet.
	n, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(time.Minute)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	actions, err := ob.Pending(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionFailed, actions[0].Status)
	assert.Equal(t, 3, actions[0].Attempts)
	assert.Equal(t, "gateway timeout", actions[0].LastError)
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	_, ob, d, _ := setup(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, models.ActionIssueRefund, "order-1", models.RefundPayload{OrderID: "order-1"})
	require.NoError(t, err)
	d.Register(models.ActionIssueRefund, func(ctx context.Context, a *models.PendingAction) error {
		return backoff.Permanent(errors.New("missing payment reference"))
	})

	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	actions, _ := ob.Pending(ctx, "order-1")
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionFailed, actions[0].Status)
	assert.Equal(t, 1, actions[0].Attempts)
}

func TestUnhandledKindStaysPending(t *testing.T) {
	_, ob, d, clock := setup(t)
	ctx := context.Background()

	_, err := ob.Enqueue(ctx, models.ActionIssueRefund, "order-1", models.RefundPayload{OrderID: "order-1", Amount: 2500})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		n, err := d.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		clock.Advance(time.Hour)
	}

	actions, err := ob.Pending(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionPending, actions[0].Status)
	assert.Equal(t, 0, actions[0].Attempts)

	d.Register(models.ActionIssueRefund, func(ctx context.Context, a *models.PendingAction) error { return nil })
	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	actions, _ = ob.Pending(ctx, "order-1")
	assert.Equal(t, models.ActionDone, actions[0].Status)
	assert.Equal(t, 1, actions[0].Attempts)
}

func TestUnhandledKindDoesNotBlockBatch(t *testing.T) {
	_, ob, d, _ := setup(t)
	ctx := context.Background()
	d.BatchSize = 1

	_, err := ob.Enqueue(ctx, models.ActionIssueRefund, "order-1", models.RefundPayload{OrderID: "order-1"})
	require.NoError(t, err)
	require.NoError(t, ob.PublishEvent(ctx, "marketplace.order.status", "order-2", models.EventOrderStatusChanged,
		models.OrderStatusChangedEvent{OrderID: "order-2", From: models.OrderPendingPayment, To: models.OrderProcessing}))

	d.Register(models.ActionPublishEvent, func(ctx context.Context, a *models.PendingAction) error { return nil })
	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	published, _ := ob.Pending(ctx, "order-2")
	assert.Equal(t, models.ActionDone, published[0].Status)
	refunds, _ := ob.Pending(ctx, "order-1")
	assert.Equal(t, models.ActionPending, refunds[0].Status)
}

func TestEnqueueRollsBackWithCallerTransaction(t *testing.T) {
	db, ob, _, _ := setup(t)
	ctx := context.Background()

	boom := errors.New("abort")
	err := database.RunInTx(ctx, db, func(ctx context.Context) error {
		if _, err := ob.Enqueue(ctx, models.ActionIssueRefund, "order-1", models.RefundPayload{}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	actions, err := ob.Pending(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestLeasedActionIsNotClaimedTwice(t *testing.T) {
	_, ob, d, clock := setup(t)
	ctx := context.Background()

	a, err := ob.Enqueue(ctx, models.ActionIssueRefund, "order-1", models.RefundPayload{})
	require.NoError(t, err)

	now := clock.Now()
	require.NoError(t, d.DB.Claim(ctx, a, now, now.Add(time.Minute)))

	stale := *a
	stale.Attempts = 0
	err = d.DB.Claim(ctx, &stale, now, now.Add(time.Minute))
	assert.ErrorIs(t, err, database.ErrStale)
}
