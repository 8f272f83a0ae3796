package aftersale_api

import (
	"net/http"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/auth"
)

// canView lets the ordering customer, the selling seller and admins read an order's claims.
func (h *Handler) canView(w http.ResponseWriter, r *http.Request, op, orderID string) bool {
	id, _ := auth.FromContext(r.Context())
	if h.AdminRole != "" && id.HasRole(h.AdminRole) {
		return true
	}
	o, err := h.Service.Orders.Get(r.Context(), orderID)
	if err != nil {
		h.fail(w, op, "Order not found", err)
		return false
	}
	if o.CustomerID != id.Subject && o.SellerID != id.Subject {
		h.Logger.LogSecurity("AFTERSALE_ACCESS_DENIED", "user "+id.Subject+" on order "+orderID)
		h.fail(w, op, "Order not found", apperror.NotFound(op, "order %s not found", orderID))
		return false
	}
	return true
}
