package ledger_api

import (
	"fmt"
	"net/http"

	"ms-fulfillment/internal/auth"
	"ms-fulfillment/internal/ledger"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/utils"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Service   *ledger.Service
	Logger    *logger.Logger
	AdminRole string
}

func NewHandler(service *ledger.Service, log *logger.Logger, adminRole string) *Handler {
	return &Handler{Service: service, Logger: log, AdminRole: adminRole}
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/sellers/{sellerId}/balance", func(r chi.Router) {
		r.Get("/", h.GetBalance)
		r.Get("/entries", h.ListEntries)
	})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	b, err := h.Service.GetBalance(r.Context(), sellerID)
	if err != nil {
		h.fail(w, "GetBalance", "Could not load balance", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Seller balance", map[string]any{
		"seller_id":         b.SellerID,
		"pending_balance":   b.PendingBalance,
		"available_balance": b.AvailableBalance,
		"total":             b.Total(),
		"updated_at":        b.UpdatedAt,
	}))
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	entries, err := h.Service.Entries(r.Context(), sellerID)
	if err != nil {
		h.fail(w, "ListEntries", "Could not load balance entries", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Balance entries", entries))
}

// authorize lets sellers read their own ledger and admins read any.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	sellerID := chi.URLParam(r, "sellerId")
	id, _ := auth.FromContext(r.Context())
	if id.Subject == sellerID || (h.AdminRole != "" && id.HasRole(h.AdminRole)) {
		return sellerID, true
	}
	h.Logger.LogSecurity("LEDGER_ACCESS_DENIED", "user "+id.Subject+" on seller "+sellerID)
	utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("Forbidden", "not your balance"))
	return "", false
}

func (h *Handler) fail(w http.ResponseWriter, op, message string, err error) {
	status := utils.WriteError(w, message, err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("ledger %s: %v", op, err))
		return
	}
	h.Logger.Warn("API", fmt.Sprintf("ledger %s: %v", op, err))
}
