package analytics_api

import (
	"fmt"
	"net/http"
	"time"

	"ms-fulfillment/internal/analytics"
	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/auth"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/utils"

	"github.com/go-chi/chi/v5"
)

const defaultWindow = 30 * 24 * time.Hour

type Handler struct {
	Service   *analytics.Service
	Logger    *logger.Logger
	AdminRole string
	Now       func() time.Time
}

func NewHandler(service *analytics.Service, log *logger.Logger, adminRole string) *Handler {
	return &Handler{Service: service, Logger: log, AdminRole: adminRole, Now: time.Now}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/sellers/{sellerId}/summary", h.GetSellerSummary)
}

// AdminRoutes must be mounted behind auth.RequireRole.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Get("/analytics/commission", h.GetPlatformCommission)
}

func (h *Handler) GetSellerSummary(w http.ResponseWriter, r *http.Request) {
	sellerID := chi.URLParam(r, "sellerId")
	id, _ := auth.FromContext(r.Context())
	if id.Subject != sellerID && !id.HasRole(h.AdminRole) {
		h.Logger.LogSecurity("ANALYTICS_ACCESS_DENIED", "user "+id.Subject+" on seller "+sellerID)
		utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("Forbidden", "not your summary"))
		return
	}
	rng, err := h.parseRange(r)
	if err != nil {
		h.fail(w, "GetSellerSummary", "Invalid range", err)
		return
	}
	summary, err := h.Service.GetSellerSummary(r.Context(), sellerID, rng)
	if err != nil {
		h.fail(w, "GetSellerSummary", "Could not build seller summary", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Seller summary", summary))
}

func (h *Handler) GetPlatformCommission(w http.ResponseWriter, r *http.Request) {
	rng, err := h.parseRange(r)
	if err != nil {
		h.fail(w, "GetPlatformCommission", "Invalid range", err)
		return
	}
	report, err := h.Service.GetPlatformCommission(r.Context(), rng)
	if err != nil {
		h.fail(w, "GetPlatformCommission", "Could not build commission report", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Platform commission", report))
}

// parseRange reads from/to as RFC 3339 timestamps or dates. A date in "to" includes that
// whole day. Without parameters the last 30 days are reported.
func (h *Handler) parseRange(r *http.Request) (analytics.Range, error) {
	const op = "analytics_api.parseRange"
	to := h.Now().UTC()
	if v := r.URL.Query().Get("to"); v != "" {
		t, dateOnly, err := parseTime(v)
		if err != nil {
			return analytics.Range{}, apperror.Validation(op, "invalid to %q", v)
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1)
		}
		to = t
	}
	from := to.Add(-defaultWindow)
	if v := r.URL.Query().Get("from"); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			return analytics.Range{}, apperror.Validation(op, "invalid from %q", v)
		}
		from = t
	}
	return analytics.Range{From: from, To: to}, nil
}

func parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	return t.UTC(), false, err
}

func (h *Handler) fail(w http.ResponseWriter, op, message string, err error) {
	status := utils.WriteError(w, message, err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("analytics %s: %v", op, err))
		return
	}
	h.Logger.Warn("API", fmt.Sprintf("analytics %s: %v", op, err))
}
