package shipping_api

import (
	"net/http"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/auth"
	"ms-fulfillment/internal/models"

	"github.com/go-chi/chi/v5"
)

// ownsOrder lets the selling seller and admins manage the shipment of an order.
func (h *Handler) ownsOrder(w http.ResponseWriter, r *http.Request, op, orderID string) bool {
	id, _ := auth.FromContext(r.Context())
	if h.AdminRole != "" && id.HasRole(h.AdminRole) {
		return true
	}
	o, err := h.Service.Orders.Get(r.Context(), orderID)
	if err != nil {
		h.fail(w, op, "Order not found", err)
		return false
	}
	if o.SellerID != id.Subject {
		h.Logger.LogSecurity("SHIPPING_ACCESS_DENIED", "user "+id.Subject+" on order "+orderID)
		h.fail(w, op, "Order not found", apperror.NotFound(op, "order %s not found", orderID))
		return false
	}
	return true
}

func (h *Handler) loadAuthorized(w http.ResponseWriter, r *http.Request, op string) (*models.Shipping, bool) {
	sh, err := h.Service.Get(r.Context(), chi.URLParam(r, "shippingId"))
	if err != nil {
		h.fail(w, op, "Shipment not found", err)
		return nil, false
	}
	if !h.ownsOrder(w, r, op, sh.OrderID) {
		return nil, false
	}
	return sh, true
}
