package order_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/auth"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/order"
	"ms-fulfillment/internal/utils"

	"github.com/go-chi/chi/v5"
)

// DeliveryConfirmer records the customer's delivery confirmation on the shipment.
type DeliveryConfirmer interface {
	ConfirmDelivery(ctx context.Context, orderID, customerID string) (*models.Shipping, error)
}

type Handler struct {
	OrderService *order.Service
	Shipping     DeliveryConfirmer
	Logger       *logger.Logger
	AdminRole    string
}

func NewHandler(orderService *order.Service, shipping DeliveryConfirmer, log *logger.Logger, adminRole string) *Handler {
	return &Handler{
		OrderService: orderService,
		Shipping:     shipping,
		Logger:       log,
		AdminRole:    adminRole,
	}
}

// Routes mounts the order endpoints. Callers must already be authenticated.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders", h.CreateOrder)
	r.Get("/orders", h.ListMyOrders)
	r.Get("/sellers/{sellerId}/orders", h.ListSellerOrders)
	r.Route("/orders/{orderId}", func(r chi.Router) {
		r.Get("/", h.GetOrder)
		r.Get("/history", h.GetHistory)
		r.Post("/confirm-payment", h.ConfirmPayment)
		r.Post("/advance", h.Advance)
		r.Post("/cancel", h.Cancel)
		r.Post("/confirm-delivery", h.ConfirmDelivery)
	})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var in order.CreateOrderInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("CreateOrder: failed to decode request body: %v", err))
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	// Orders are always placed for the caller.
	in.CustomerID = auth.UserID(r.Context())

	o, err := h.OrderService.Create(r.Context(), in)
	if err != nil {
		h.fail(w, "CreateOrder", "Could not create order", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Order created", o))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadAuthorized(w, r, "GetOrder", accessCustomer|accessSeller)
	if !ok {
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order found", o))
}

// ListMyOrders returns the caller's purchases, newest first.
func (h *Handler) ListMyOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.OrderService.ListByCustomer(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "ListMyOrders", "Could not list orders", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Orders", orders))
}

func (h *Handler) ListSellerOrders(w http.ResponseWriter, r *http.Request) {
	sellerID := chi.URLParam(r, "sellerId")
	id, _ := auth.FromContext(r.Context())
	if id.Subject != sellerID && !(h.AdminRole != "" && id.HasRole(h.AdminRole)) {
		h.Logger.LogSecurity("ORDER_ACCESS_DENIED", "user "+id.Subject+" listing orders of seller "+sellerID)
		utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("Forbidden", "not your store"))
		return
	}
	orders, err := h.OrderService.ListBySeller(r.Context(), sellerID)
	if err != nil {
		h.fail(w, "ListSellerOrders", "Could not list orders", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Orders", orders))
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadAuthorized(w, r, "GetHistory", accessCustomer|accessSeller)
	if !ok {
		return
	}
	history, err := h.OrderService.History(r.Context(), o.ID)
	if err != nil {
		h.fail(w, "GetHistory", "Could not load history", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order history", history))
}

// ConfirmPayment is how sellers accept cash-on-delivery orders; online orders also pass
// through here once the gateway reported the payment.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadAuthorized(w, r, "ConfirmPayment", accessSeller)
	if !ok {
		return
	}
	o, err := h.OrderService.ConfirmPayment(r.Context(), o.ID)
	if err != nil {
		h.fail(w, "ConfirmPayment", "Could not confirm payment", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment confirmed", o))
}

type advanceRequest struct {
	Target models.OrderStatus `json:"target"`
}

func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadAuthorized(w, r, "Advance", accessSeller)
	if !ok {
		return
	}
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	o, err := h.OrderService.Advance(r.Context(), o.ID, req.Target, auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "Advance", "Could not advance order", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order advanced", o))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadAuthorized(w, r, "Cancel", accessCustomer|accessSeller)
	if !ok {
		return
	}
	o, err := h.OrderService.Cancel(r.Context(), o.ID, auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "Cancel", "Could not cancel order", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order cancelled", o))
}

func (h *Handler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	sh, err := h.Shipping.ConfirmDelivery(r.Context(), orderID, auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "ConfirmDelivery", "Could not confirm delivery", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Delivery confirmed", sh))
}

func (h *Handler) fail(w http.ResponseWriter, op, message string, err error) {
	status := utils.WriteError(w, message, err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		return
	}
	h.Logger.Warn("API", fmt.Sprintf("%s: %v", op, err))
}

func notFound(op, orderID string) error {
	return apperror.NotFound(op, "order %s not found", orderID)
}
