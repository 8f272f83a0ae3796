package analytics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ms-fulfillment/internal/analytics"
	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/catalog"
	"ms-fulfillment/internal/commission"
	"ms-fulfillment/internal/ledger"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/order"
	"ms-fulfillment/internal/outbox"
	"ms-fulfillment/internal/settlement"
	"ms-fulfillment/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type fixture struct {
	db     *bun.DB
	clock  *testutil.Clock
	orders *order.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	log := logger.NewNopLogger()
	clock := testutil.NewClock()
	engine, err := commission.NewEngine(1000)
	require.NoError(t, err)
	led := ledger.NewService(db, log)
	led.Now = clock.Now
	stl := settlement.NewService(db, engine, led, log)
	stl.Now = clock.Now
	orders := order.NewOrderService(db, catalog.NewDirectory(db), stl, outbox.New(db), log)
	orders.Now = clock.Now

	testutil.SeedProduct(t, db, "prod-1", "seller-1", 2500, 50)
	testutil.SeedProduct(t, db, "prod-2", "seller-2", 700, 50)
	return &fixture{db: db, clock: clock, orders: orders}
}

func (f *fixture) paid(t *testing.T, seller, product string, qty int64) *models.Order {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.Create(ctx, order.CreateOrderInput{
		CustomerID: "cust-1", SellerID: seller, PaymentMethod: models.PaymentOnline,
		Items: []order.ItemInput{{ProductID: product, Quantity: qty}},
	})
	require.NoError(t, err)
	o, err = f.orders.RecordPaymentStatus(ctx, o.ID, order.PaymentUpdate{Status: models.PaymentPaid, Reference: "pi_" + o.ID, Amount: o.TotalAmount})
	require.NoError(t, err)
	return o
}

// seed places three settled orders over two days and one cancelled after payment.
func (f *fixture) seed(t *testing.T) {
	f.paid(t, "seller-1", "prod-1", 1)
	f.clock.Advance(24 * time.Hour)
	f.paid(t, "seller-1", "prod-1", 2)
	f.paid(t, "seller-2", "prod-2", 1)
	cancelled := f.paid(t, "seller-1", "prod-1", 1)
	_, err := f.orders.Cancel(context.Background(), cancelled.ID, "cust-1")
	require.NoError(t, err)
}

func march(day int) time.Time {
	return time.Date(2025, time.March, day, 0, 0, 0, 0, time.UTC)
}

func TestSellerSummary(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	svc := analytics.NewService(f.db, logger.NewNopLogger())

	s, err := svc.GetSellerSummary(context.Background(), "seller-1", analytics.Range{From: march(1), To: march(3)})
	require.NoError(t, err)
	assert.Equal(t, 2, s.OrdersByStatus[models.OrderProcessing])
	assert.Equal(t, 1, s.OrdersByStatus[models.OrderCancelled])
	assert.Equal(t, 2, s.SettledOrders)
	assert.Equal(t, int64(7500), s.GrossSales)
	assert.Equal(t, int64(750), s.CommissionPaid)
	assert.Equal(t, int64(6750), s.NetEarnings)
	assert.Equal(t, 1, s.ReversedOrders)
	assert.Equal(t, int64(2250), s.ReversedAmount)
	assert.Equal(t, int64(6750), s.Balance.PendingBalance)
	require.Len(t, s.DailySales, 2)
	assert.Equal(t, "2025-03-01", s.DailySales[0].Date)
	assert.Equal(t, int64(2250), s.DailySales[0].SellerAmount)
	assert.Equal(t, "2025-03-02", s.DailySales[1].Date)
	assert.Equal(t, int64(5000), s.DailySales[1].GrossAmount)

	// The first day only.
	s, err = svc.GetSellerSummary(context.Background(), "seller-1", analytics.Range{From: march(1), To: march(2)})
	require.NoError(t, err)
	assert.Equal(t, 1, s.SettledOrders)
	assert.Equal(t, 0, s.ReversedOrders)

	s, err = svc.GetSellerSummary(context.Background(), "seller-9", analytics.Range{From: march(1), To: march(3)})
	require.NoError(t, err)
	assert.Empty(t, s.OrdersByStatus)
	assert.Equal(t, int64(0), s.Balance.Total())
	assert.Empty(t, s.DailySales)
}

func TestPlatformCommission(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	svc := analytics.NewService(f.db, logger.NewNopLogger())

	r, err := svc.GetPlatformCommission(context.Background(), analytics.Range{From: march(1), To: march(3)})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Transactions)
	assert.Equal(t, int64(8200), r.GrossAmount)
	assert.Equal(t, int64(820), r.TotalCommission)
	assert.Equal(t, 1, r.ReversedCount)
	assert.Equal(t, int64(250), r.ReversedFees)
	require.Len(t, r.BySeller, 2)
	assert.Equal(t, analytics.SellerCommission{SellerID: "seller-1", Orders: 2, GrossAmount: 7500, AdminFee: 750}, r.BySeller[0])
	assert.Equal(t, analytics.SellerCommission{SellerID: "seller-2", Orders: 1, GrossAmount: 700, AdminFee: 70}, r.BySeller[1])
	require.Len(t, r.Daily, 2)
	assert.Equal(t, int64(570), r.Daily[1].AdminFee)
}

func TestRangeValidation(t *testing.T) {
	svc := analytics.NewService(testutil.NewDB(t), logger.NewNopLogger())
	_, err := svc.GetPlatformCommission(context.Background(), analytics.Range{From: march(3), To: march(1)})
	assert.True(t, errors.Is(err, apperror.ErrValidation))
	_, err = svc.GetSellerSummary(context.Background(), "", analytics.Range{From: march(1), To: march(3)})
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

func TestReportsAreCached(t *testing.T) {
	f := newFixture(t)
	f.paid(t, "seller-1", "prod-1", 1)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	svc := analytics.NewServiceWithCache(f.db, client, time.Minute, logger.NewNopLogger())
	rng := analytics.Range{From: march(1), To: march(3)}

	r, err := svc.GetPlatformCommission(context.Background(), rng)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Transactions)

	f.paid(t, "seller-2", "prod-2", 1)
	r, err = svc.GetPlatformCommission(context.Background(), rng)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Transactions)

	mr.FastForward(2 * time.Minute)
	r, err = svc.GetPlatformCommission(context.Background(), rng)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Transactions)
}
