package shipping_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-fulfillment/internal/auth"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/shipping"
	"ms-fulfillment/internal/sse"
	"ms-fulfillment/internal/utils"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Service   *shipping.Service
	Emitter   *sse.TrackingEventEmitter
	Logger    *logger.Logger
	BaseURL   string
	AdminRole string
}

func NewHandler(service *shipping.Service, emitter *sse.TrackingEventEmitter, log *logger.Logger, baseURL, adminRole string) *Handler {
	return &Handler{Service: service, Emitter: emitter, Logger: log, BaseURL: baseURL, AdminRole: adminRole}
}

// Routes mounts the authenticated shipping endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders/{orderId}/shipping", h.CreateShipping)
	r.Route("/shipping/{shippingId}", func(r chi.Router) {
		r.Get("/", h.GetShipping)
		r.Post("/events", h.RecordEvent)
		r.Post("/assign", h.AssignRider)
		r.Get("/label.png", h.Label)
	})
}

// PublicRoutes mounts the unauthenticated tracking lookup.
func (h *Handler) PublicRoutes(r chi.Router) {
	r.Get("/track/{trackingNumber}", h.Track)
	r.Get("/track/{trackingNumber}/stream", h.Stream)
}

func (h *Handler) CreateShipping(w http.ResponseWriter, r *http.Request) {
	var in shipping.CreateShippingInput
	// The body is optional; carrier and rider can be assigned later.
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	in.OrderID = chi.URLParam(r, "orderId")
	if !h.ownsOrder(w, r, "CreateShipping", in.OrderID) {
		return
	}

	sh, err := h.Service.CreateForOrder(r.Context(), in)
	if err != nil {
		h.fail(w, "CreateShipping", "Could not create shipment", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Shipment created", sh))
}

func (h *Handler) GetShipping(w http.ResponseWriter, r *http.Request) {
	sh, ok := h.loadAuthorized(w, r, "GetShipping")
	if !ok {
		return
	}
	history, err := h.Service.History(r.Context(), sh.ID)
	if err != nil {
		h.fail(w, "GetShipping", "Could not load shipment", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Shipment found", map[string]any{
		"shipping": sh,
		"history":  history,
	}))
}

func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	sh, ok := h.loadAuthorized(w, r, "RecordEvent")
	if !ok {
		return
	}
	var in shipping.RecordEventInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	in.Actor = auth.UserID(r.Context())

	sh, err := h.Service.RecordEvent(r.Context(), sh.ID, in)
	if err != nil {
		h.fail(w, "RecordEvent", "Could not record shipping event", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Shipping event recorded", sh))
}

type assignRequest struct {
	Carrier    string `json:"carrier"`
	RiderName  string `json:"rider_name"`
	RiderPhone string `json:"rider_phone"`
}

func (h *Handler) AssignRider(w http.ResponseWriter, r *http.Request) {
	sh, ok := h.loadAuthorized(w, r, "AssignRider")
	if !ok {
		return
	}
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	sh, err := h.Service.AssignRider(r.Context(), sh.ID, req.Carrier, req.RiderName, req.RiderPhone)
	if err != nil {
		h.fail(w, "AssignRider", "Could not assign rider", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Rider assigned", sh))
}

func (h *Handler) Label(w http.ResponseWriter, r *http.Request) {
	sh, ok := h.loadAuthorized(w, r, "Label")
	if !ok {
		return
	}
	png, err := h.Service.Label(r.Context(), sh.ID, h.BaseURL)
	if err != nil {
		h.fail(w, "Label", "Could not render label", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", sh.TrackingNumber+".png"))
	w.Write(png)
}

// Track is the public lookup by tracking number.
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.TrackByNumber(r.Context(), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		h.fail(w, "Track", "Tracking number not found", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Tracking information", view))
}

func (h *Handler) fail(w http.ResponseWriter, op, message string, err error) {
	status := utils.WriteError(w, message, err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		return
	}
	h.Logger.Warn("API", fmt.Sprintf("%s: %v", op, err))
}
