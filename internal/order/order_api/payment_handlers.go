package order_api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/order"
	"ms-fulfillment/internal/utils"
)

// PaymentStatus receives status reports pushed by the payment service over HTTP. The same
// payload also arrives on the payment status topic.
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	var ev models.PaymentStatusEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if ev.OrderID == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", "order_id is required"))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("PaymentStatus: order=%s status=%s ref=%s", ev.OrderID, ev.Status, ev.PaymentRef))

	o, err := h.OrderService.RecordPaymentStatus(r.Context(), ev.OrderID, order.PaymentUpdate{
		Status:    ev.Status,
		Reference: ev.PaymentRef,
		Amount:    ev.Amount,
	})
	if err != nil {
		h.fail(w, "PaymentStatus", "Could not record payment status", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment status recorded", o))
}
