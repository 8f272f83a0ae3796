package order_api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ms-fulfillment/internal/auth"
	"ms-fulfillment/internal/catalog"
	"ms-fulfillment/internal/commission"
	"ms-fulfillment/internal/ledger"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/order"
	"ms-fulfillment/internal/outbox"
	"ms-fulfillment/internal/settlement"
	"ms-fulfillment/internal/testutil"
	"ms-fulfillment/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDelivery struct {
	orderID, customerID string
}

func (s *stubDelivery) ConfirmDelivery(ctx context.Context, orderID, customerID string) (*models.Shipping, error) {
	s.orderID, s.customerID = orderID, customerID
	return &models.Shipping{OrderID: orderID, Status: models.ShippingDelivered}, nil
}

func setupRouter(t *testing.T) (http.Handler, *stubDelivery) {
	t.Helper()
	db := testutil.NewDB(t)
	log := logger.NewNopLogger()
	engine, err := commission.NewEngine(1000)
	require.NoError(t, err)
	stl := settlement.NewService(db, engine, ledger.NewService(db, log), log)
	svc := order.NewOrderService(db, catalog.NewDirectory(db), stl, outbox.New(db), log)
	testutil.SeedProduct(t, db, "prod-1", "seller-1", 2500, 10)

	delivery := &stubDelivery{}
	h := NewHandler(svc, delivery, log, "admin")

	r := chi.NewRouter()
	// Tests pass the caller in headers instead of a signed token.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.Identity{Subject: r.Header.Get("X-Test-User")}
			if role := r.Header.Get("X-Test-Role"); role != "" {
				id.Roles = []string{role}
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	})
	r.Route("/api", func(r chi.Router) {
		h.Routes(r)
		r.Post("/payments/status", h.PaymentStatus)
	})
	return r, delivery
}

func do(t *testing.T, h http.Handler, method, path, user string, body any) (*httptest.ResponseRecorder, utils.APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Test-User", user)
	if user == "ops" {
		req.Header.Set("X-Test-Role", "admin")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp utils.APIResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func createOrder(t *testing.T, h http.Handler, method models.PaymentMethod) string {
	t.Helper()
	rec, resp := do(t, h, http.MethodPost, "/api/orders", "cust-1", map[string]any{
		"seller_id":      "seller-1",
		"payment_method": method,
		"items":          []map[string]any{{"product_id": "prod-1", "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := resp.Data.(map[string]any)
	assert.Equal(t, "cust-1", data["customer_id"])
	return data["id"].(string)
}

func TestCreateAndReadOrder(t *testing.T) {
	h, _ := setupRouter(t)
	id := createOrder(t, h, models.PaymentOnline)

	rec, resp := do(t, h, http.MethodGet, "/api/orders/"+id, "cust-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending_payment", resp.Data.(map[string]any)["status"])

	rec, _ = do(t, h, http.MethodGet, "/api/orders/"+id, "seller-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/orders/"+id, "stranger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/orders/"+id+"/history", "ops", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateOrderValidationIs400(t *testing.T) {
	h, _ := setupRouter(t)
	rec, resp := do(t, h, http.MethodPost, "/api/orders", "cust-1", map[string]any{
		"seller_id":      "seller-1",
		"payment_method": "cod",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", resp.Code)
}

func TestSellerWorkflowAndInvalidTransition(t *testing.T) {
	h, _ := setupRouter(t)
	id := createOrder(t, h, models.PaymentCOD)

	// Customers cannot accept orders on the seller's behalf.
	rec, _ := do(t, h, http.MethodPost, "/api/orders/"+id+"/confirm-payment", "cust-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/orders/"+id+"/confirm-payment", "seller-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := do(t, h, http.MethodPost, "/api/orders/"+id+"/advance", "seller-1", map[string]string{"target": "delivered"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", resp.Code)

	rec, resp = do(t, h, http.MethodPost, "/api/orders/"+id+"/advance", "seller-1", map[string]string{"target": "packing"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "packing", resp.Data.(map[string]any)["status"])

	rec, _ = do(t, h, http.MethodPost, "/api/orders/"+id+"/cancel", "cust-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPaymentStatusEndpoint(t *testing.T) {
	h, _ := setupRouter(t)
	id := createOrder(t, h, models.PaymentOnline)

	rec, resp := do(t, h, http.MethodPost, "/api/payments/status", "ops", models.PaymentStatusEvent{
		OrderID: id, Status: models.PaymentPaid, PaymentRef: "pi_1", Amount: 2500,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "processing", resp.Data.(map[string]any)["status"])

	rec, _ = do(t, h, http.MethodPost, "/api/payments/status", "ops", map[string]any{"status": "paid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfirmDeliveryUsesCaller(t *testing.T) {
	h, delivery := setupRouter(t)
	rec, _ := do(t, h, http.MethodPost, "/api/orders/order-9/confirm-delivery", "cust-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "order-9", delivery.orderID)
	assert.Equal(t, "cust-1", delivery.customerID)
}

func TestListOrders(t *testing.T) {
	h, _ := setupRouter(t)
	createOrder(t, h, models.PaymentOnline)
	createOrder(t, h, models.PaymentCOD)

	rec, resp := do(t, h, http.MethodGet, "/api/orders", "cust-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data, 2)

	rec, resp = do(t, h, http.MethodGet, "/api/orders", "cust-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resp.Data)

	rec, resp = do(t, h, http.MethodGet, "/api/sellers/seller-1/orders", "seller-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data, 2)

	rec, _ = do(t, h, http.MethodGet, "/api/sellers/seller-1/orders", "seller-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/sellers/seller-1/orders", "ops", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
