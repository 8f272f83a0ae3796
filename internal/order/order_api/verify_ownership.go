package order_api

import (
	"net/http"

	"ms-fulfillment/internal/auth"
	"ms-fulfillment/internal/models"

	"github.com/go-chi/chi/v5"
)

type access uint8

const (
	accessCustomer access = 1 << iota
	accessSeller
)

// canAccess reports whether the caller may act on o. Admins may always act.
func (h *Handler) canAccess(id auth.Identity, o *models.Order, allowed access) bool {
	if h.AdminRole != "" && id.HasRole(h.AdminRole) {
		return true
	}
	if allowed&accessCustomer != 0 && id.Subject == o.CustomerID {
		return true
	}
	if allowed&accessSeller != 0 && id.Subject == o.SellerID {
		return true
	}
	return false
}

// loadAuthorized fetches the order named in the URL. Orders the caller may not touch are
// reported as missing so ids cannot be probed.
func (h *Handler) loadAuthorized(w http.ResponseWriter, r *http.Request, op string, allowed access) (*models.Order, bool) {
	orderID := chi.URLParam(r, "orderId")
	o, err := h.OrderService.Get(r.Context(), orderID)
	if err != nil {
		h.fail(w, op, "Order not found", err)
		return nil, false
	}
	id, _ := auth.FromContext(r.Context())
	if !h.canAccess(id, o, allowed) {
		h.Logger.LogSecurity("ORDER_ACCESS_DENIED", "user "+id.Subject+" on order "+orderID)
		h.fail(w, op, "Order not found", notFound(op, orderID))
		return nil, false
	}
	return o, true
}
