package shipping_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/catalog"
	"ms-fulfillment/internal/commission"
	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/ledger"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/order"
	"ms-fulfillment/internal/outbox"
	"ms-fulfillment/internal/settlement"
	"ms-fulfillment/internal/shipping"
	"ms-fulfillment/internal/sse"
	"ms-fulfillment/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type fixture struct {
	db       *bun.DB
	orders   *order.Service
	ledger   *ledger.Service
	svc      *shipping.Service
	emitter  *sse.TrackingEventEmitter
	clock    *testutil.Clock
	customer *models.Customer
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
	ob := outbox.New(db)
	ob.Now = clock.Now
	dir := catalog.NewDirectory(db)

	orders := order.NewOrderService(db, dir, stl, ob, log)
	orders.Now = clock.Now
	svc := shipping.NewService(db, orders, dir, ob, log)
	svc.Now = clock.Now
	emitter := sse.NewTrackingEventEmitter()
	svc.Notifier = emitter
	orders.Shipments = svc

	testutil.SeedProduct(t, db, "prod-1", "seller-1", 2500, 10)
	cust := testutil.SeedCustomer(t, db, "cust-1")

	return &fixture{db: db, orders: orders, ledger: led, svc: svc, emitter: emitter, clock: clock, customer: cust}
}

// packedOrder returns a cash-on-delivery order in packing.
func (f *fixture) packedOrder(t *testing.T) *models.Order {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.Create(ctx, order.CreateOrderInput{
		CustomerID:    "cust-1",
		SellerID:      "seller-1",
		PaymentMethod: models.PaymentCOD,
		Items:         []order.ItemInput{{ProductID: "prod-1", Quantity: 1}},
	})
	require.NoError(t, err)
	_, err = f.orders.ConfirmPayment(ctx, o.ID)
	require.NoError(t, err)
	o, err = f.orders.Advance(ctx, o.ID, models.OrderPacking, "seller-1")
	require.NoError(t, err)
	return o
}

func (f *fixture) shipment(t *testing.T) *models.Shipping {
	t.Helper()
	o := f.packedOrder(t)
	sh, err := f.svc.CreateForOrder(context.Background(), shipping.CreateShippingInput{OrderID: o.ID, Carrier: "Pathao"})
	require.NoError(t, err)
	return sh
}

func TestCreateForOrderSnapshotsAddress(t *testing.T) {
	f := newFixture(t)
	sh := f.shipment(t)

	assert.Regexp(t, regexp.MustCompile(`^MKT[A-Z0-9]{10}$`), sh.TrackingNumber)
	assert.Equal(t, models.ShippingPacking, sh.Status)
	assert.Equal(t, f.customer.AddressLine, sh.AddressLine)
	assert.Equal(t, f.customer.City, sh.City)

	// Moving house later does not rewrite the label.
	_, err := f.db.NewUpdate().Model((*models.Customer)(nil)).Set("city = ?", "Chittagong").Where("id = ?", "cust-1").Exec(context.Background())
	require.NoError(t, err)
	got, err := f.svc.Get(context.Background(), sh.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dhaka", got.City)

	hist, err := f.svc.History(context.Background(), sh.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 1, hist[0].Seq)
	assert.Equal(t, models.ShippingPacking, hist[0].Status)
}

func TestCreateForOrderGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.orders.Create(ctx, order.CreateOrderInput{
		CustomerID: "cust-1", SellerID: "seller-1", PaymentMethod: models.PaymentCOD,
		Items: []order.ItemInput{{ProductID: "prod-1", Quantity: 1}},
	})
	require.NoError(t, err)
	_, err = f.svc.CreateForOrder(ctx, shipping.CreateShippingInput{OrderID: o.ID})
	assert.True(t, errors.Is(err, apperror.ErrInvalidState), "got %v", err)

	sh := f.shipment(t)
	_, err = f.svc.CreateForOrder(ctx, shipping.CreateShippingInput{OrderID: sh.OrderID})
	assert.True(t, errors.Is(err, apperror.ErrConflict), "got %v", err)

	_, err = f.svc.CreateForOrder(ctx, shipping.CreateShippingInput{OrderID: "missing"})
	assert.True(t, errors.Is(err, apperror.ErrNotFound), "got %v", err)
}

// racingCustomers inserts a rival shipment for the order inside the caller's transaction, as a
// concurrent writer committing between the existence check and the insert would.
type racingCustomers struct {
	shipping.Customers
	orderID string
	races   int
	calls   int
}

func (r *racingCustomers) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	r.calls++
	if r.calls <= r.races {
		rival := &models.Shipping{
			ID:             fmt.Sprintf("rival-%d", r.calls),
			OrderID:        r.orderID,
			TrackingNumber: fmt.Sprintf("MKTRIVAL%04d", r.calls),
			Status:         models.ShippingPacking,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		if _, err := database.Conn(ctx, nil).NewInsert().Model(rival).Exec(ctx); err != nil {
			return nil, err
		}
	}
	return r.Customers.GetCustomer(ctx, id)
}

func TestCreateForOrderRetriesLostInsertRace(t *testing.T) {
	f := newFixture(t)
	o := f.packedOrder(t)
	racer := &racingCustomers{Customers: f.svc.Customers, orderID: o.ID, races: 1}
	f.svc.Customers = racer

	sh, err := f.svc.CreateForOrder(context.Background(), shipping.CreateShippingInput{OrderID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, racer.calls)
	assert.Equal(t, o.ID, sh.OrderID)

	got, err := f.svc.GetByOrderID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, sh.ID, got.ID)
}

func TestCreateForOrderLostRaceIsConflict(t *testing.T) {
	f := newFixture(t)
	o := f.packedOrder(t)
	f.svc.Customers = &racingCustomers{Customers: f.svc.Customers, orderID: o.ID, races: 100}

	_, err := f.svc.CreateForOrder(context.Background(), shipping.CreateShippingInput{OrderID: o.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrConflict), "got %v", err)
}

func TestTrackByNumberReturnsOrderedJourney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sh := f.shipment(t)

	_, err := f.db.NewUpdate().Model((*models.Shipping)(nil)).
		Set("tracking_number = ?", "CCX123").
		Where("id = ?", sh.ID).
		Exec(ctx)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: models.ShippingShipped, Location: "Dhaka hub"})
	require.NoError(t, err)
	f.clock.Advance(20 * time.Hour)
	_, err = f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: models.ShippingDelivered, Location: "Gulshan"})
	require.NoError(t, err)

	view, err := f.svc.TrackByNumber(ctx, "CCX123")
	require.NoError(t, err)
	assert.Equal(t, models.ShippingDelivered, view.Shipping.Status)
	require.Len(t, view.History, 3)
	assert.Equal(t, []models.ShippingStatus{models.ShippingPacking, models.ShippingShipped, models.ShippingDelivered},
		[]models.ShippingStatus{view.History[0].Status, view.History[1].Status, view.History[2].Status})
	assert.True(t, view.History[0].OccurredAt.Before(view.History[1].OccurredAt))
	assert.True(t, view.History[1].OccurredAt.Before(view.History[2].OccurredAt))
	assert.Equal(t, models.OrderDelivered, view.Order.Status)
	assert.Equal(t, int64(1), view.Order.ItemCount)

	body, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(body), f.customer.Phone)
	assert.NotContains(t, string(body), f.customer.AddressLine)

	// Delivery settled the COD order and released the seller share.
	b, err := f.ledger.GetBalance(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2250), b.AvailableBalance)

	_, err = f.svc.TrackByNumber(ctx, "NOPE")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestStatusIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sh := f.shipment(t)

	_, err := f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: models.ShippingDelivered})
	assert.True(t, errors.Is(err, apperror.ErrInvalidTransition), "delivered before shipped: %v", err)

	_, err = f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: models.ShippingShipped})
	require.NoError(t, err)
	first, err := f.svc.Get(ctx, sh.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: models.ShippingShipped, Location: "Sorting center"})
	require.NoError(t, err)
	second, err := f.svc.Get(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ShippedAt.UTC(), second.ShippedAt.UTC(), "first-reached timestamp is kept")

	_, err = f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: models.ShippingAssigned})
	assert.True(t, errors.Is(err, apperror.ErrInvalidTransition))

	_, err = f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: "lost"})
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	hist, err := f.svc.History(ctx, sh.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 3)
}

func TestHistoryTimestampsNeverGoBackwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sh := f.shipment(t)

	f.clock.Advance(time.Hour)
	_, err := f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: models.ShippingShipped})
	require.NoError(t, err)

	f.clock.Advance(-30 * time.Minute)
	_, err = f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: models.ShippingShipped, Location: "Hub"})
	require.NoError(t, err)

	hist, err := f.svc.History(ctx, sh.ID)
	require.NoError(t, err)
	for i := 1; i < len(hist); i++ {
		assert.False(t, hist[i].OccurredAt.Before(hist[i-1].OccurredAt))
		assert.Equal(t, hist[i-1].Seq+1, hist[i].Seq)
	}
}

func TestAssignRider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sh := f.shipment(t)

	_, err := f.svc.AssignRider(ctx, sh.ID, "RedX", "", "")
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	got, err := f.svc.AssignRider(ctx, sh.ID, "RedX", "Karim", "+8801711111111")
	require.NoError(t, err)
	assert.Equal(t, models.ShippingAssigned, got.Status)
	assert.Equal(t, "RedX", got.Carrier)
	assert.Equal(t, "Karim", got.RiderName)
	require.NotNil(t, got.AssignedAt)

	o, err := f.orders.Get(ctx, sh.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPacking, o.Status)
}

func TestConfirmDeliveryByCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sh := f.shipment(t)
	_, err := f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: models.ShippingShipped})
	require.NoError(t, err)

	_, err = f.svc.ConfirmDelivery(ctx, sh.OrderID, "someone-else")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	got, err := f.svc.ConfirmDelivery(ctx, sh.OrderID, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, models.ShippingDelivered, got.Status)

	o, err := f.orders.Get(ctx, sh.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderDelivered, o.Status)
	assert.Equal(t, models.PaymentPaid, o.PaymentStatus)
}

func TestPromoteOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sh := f.shipment(t)
	_, err := f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: models.ShippingShipped})
	require.NoError(t, err)

	n, err := f.svc.PromoteOverdue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(24 * time.Hour)
	n, err = f.svc.PromoteOverdue(ctx, 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(72 * time.Hour)
	n, err = f.svc.PromoteOverdue(ctx, 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, err := f.orders.Get(ctx, sh.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderDelivered, o.Status)

	n, err = f.svc.PromoteOverdue(ctx, 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCommittedEventsReachSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sh := f.shipment(t)

	updates := f.emitter.Subscribe(ctx, sh.TrackingNumber)
	_, err := f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: models.ShippingShipped, Location: "Hub"})
	require.NoError(t, err)

	select {
	case ev := <-updates:
		assert.Equal(t, models.ShippingShipped, ev.Status)
		assert.Equal(t, sh.OrderID, ev.OrderID)
	case <-time.After(time.Second):
		t.Fatal("no live update")
	}

	// A rejected event is not broadcast.
	_, err = f.svc.RecordEvent(ctx, sh.ID, shipping.RecordEventInput{Status: models.ShippingPacking})
	require.Error(t, err)
	select {
	case ev := <-updates:
		t.Fatalf("unexpected update %+v", ev)
	default:
	}
}

func TestLabelIsPNG(t *testing.T) {
	f := newFixture(t)
	sh := f.shipment(t)

	png, err := f.svc.Label(context.Background(), sh.ID, "https://track.example.com/t/")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
	assert.Equal(t, "https://track.example.com/t/"+sh.TrackingNumber, shipping.TrackingURL("https://track.example.com/t/", sh.TrackingNumber))

	_, err = f.svc.Label(context.Background(), "missing", "https://x")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestGenerateTrackingNumberIsUnique(t *testing.T) {
	f := newFixture(t)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		n, err := f.svc.GenerateTrackingNumber(context.Background())
		require.NoError(t, err)
		assert.False(t, seen[n])
		seen[n] = true
	}
}
