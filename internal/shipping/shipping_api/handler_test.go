package shipping_api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ms-fulfillment/internal/auth"
	"ms-fulfillment/internal/catalog"
	"ms-fulfillment/internal/commission"
	"ms-fulfillment/internal/ledger"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/order"
	"ms-fulfillment/internal/outbox"
	"ms-fulfillment/internal/settlement"
	"ms-fulfillment/internal/shipping"
	"ms-fulfillment/internal/sse"
	"ms-fulfillment/internal/testutil"
	"ms-fulfillment/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	router  http.Handler
	orders  *order.Service
	service *shipping.Service
}

func setup(t *testing.T) *env {
	t.Helper()
	db := testutil.NewDB(t)
	log := logger.NewNopLogger()
	engine, err := commission.NewEngine(1000)
	require.NoError(t, err)
	stl := settlement.NewService(db, engine, ledger.NewService(db, log), log)
	ob := outbox.New(db)
	dir := catalog.NewDirectory(db)
	orders := order.NewOrderService(db, dir, stl, ob, log)
	svc := shipping.NewService(db, orders, dir, ob, log)
	emitter := sse.NewTrackingEventEmitter()
	svc.Notifier = emitter
	orders.Shipments = svc

	testutil.SeedProduct(t, db, "prod-1", "seller-1", 2500, 10)
	testutil.SeedCustomer(t, db, "cust-1")

	h := NewHandler(svc, emitter, log, "https://track.example.com/t", "admin")
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		h.PublicRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					id := auth.Identity{Subject: r.Header.Get("X-Test-User")}
					next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
				})
			})
			h.Routes(r)
		})
	})
	return &env{router: r, orders: orders, service: svc}
}

func (e *env) packedOrder(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	o, err := e.orders.Create(ctx, order.CreateOrderInput{
		CustomerID: "cust-1", SellerID: "seller-1", PaymentMethod: models.PaymentCOD,
		Items: []order.ItemInput{{ProductID: "prod-1", Quantity: 1}},
	})
	require.NoError(t, err)
	_, err = e.orders.ConfirmPayment(ctx, o.ID)
	require.NoError(t, err)
	_, err = e.orders.Advance(ctx, o.ID, models.OrderPacking, "seller-1")
	require.NoError(t, err)
	return o.ID
}

func (e *env) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Test-User", user)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp utils.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data.(map[string]any)
}

func TestSellerShipsAndPublicTracks(t *testing.T) {
	e := setup(t)
	orderID := e.packedOrder(t)

	rec := e.do(t, http.MethodPost, "/api/orders/"+orderID+"/shipping", "cust-1", map[string]string{"carrier": "RedX"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/orders/"+orderID+"/shipping", "seller-1", map[string]string{"carrier": "RedX"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	shippingID := created["id"].(string)
	number := created["tracking_number"].(string)

	rec = e.do(t, http.MethodPost, "/api/orders/"+orderID+"/shipping", "seller-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/shipping/"+shippingID+"/events", "seller-1", map[string]string{"status": "shipped", "location": "Hub"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/track/"+number, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode(t, rec)
	assert.Equal(t, "shipped", view["shipping"].(map[string]any)["status"])
	assert.Len(t, view["history"], 2)
	assert.Equal(t, "shipped", view["order"].(map[string]any)["status"])
	assert.NotContains(t, rec.Body.String(), "recipient_phone")

	rec = e.do(t, http.MethodGet, "/api/track/UNKNOWN", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignAndLabel(t *testing.T) {
	e := setup(t)
	orderID := e.packedOrder(t)
	sh, err := e.service.CreateForOrder(context.Background(), shipping.CreateShippingInput{OrderID: orderID})
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/api/shipping/"+sh.ID+"/assign", "seller-1", map[string]string{"rider_name": "Karim"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "assigned", decode(t, rec)["status"])

	rec = e.do(t, http.MethodPost, "/api/shipping/"+sh.ID+"/events", "seller-1", map[string]string{"status": "delivered"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/shipping/"+sh.ID+"/label.png", "seller-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = e.do(t, http.MethodGet, "/api/shipping/"+sh.ID+"/label.png", "seller-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamSendsSnapshotThenUpdates(t *testing.T) {
	e := setup(t)
	orderID := e.packedOrder(t)
	sh, err := e.service.CreateForOrder(context.Background(), shipping.CreateShippingInput{OrderID: orderID})
	require.NoError(t, err)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/track/"+sh.TrackingNumber+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return strings.Join(lines, "\n")
			}
			lines = append(lines, line)
		}
	}

	assert.True(t, strings.HasPrefix(readEvent(), "event: snapshot"))

	// The subscription is registered before the snapshot is written.
	_, err = e.service.RecordEvent(context.Background(), sh.ID, shipping.RecordEventInput{Status: models.ShippingShipped, Location: "Hub"})
	require.NoError(t, err)

	update := readEvent()
	assert.True(t, strings.HasPrefix(update, "event: tracking"))
	assert.Contains(t, update, `"status":"shipped"`)
}
