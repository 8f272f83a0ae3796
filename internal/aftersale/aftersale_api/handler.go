package aftersale_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"ms-fulfillment/internal/aftersale"
	"ms-fulfillment/internal/aftersale/evidence"
	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/auth"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/utils"

	"github.com/go-chi/chi/v5"
)

const maxFieldBytes = 8 << 10

type Handler struct {
	Service   *aftersale.Service
	Evidence  *evidence.Store
	Logger    *logger.Logger
	AdminRole string
}

func NewHandler(service *aftersale.Service, store *evidence.Store, log *logger.Logger, adminRole string) *Handler {
	return &Handler{Service: service, Evidence: store, Logger: log, AdminRole: adminRole}
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/orders/{orderId}/after-sale", func(r chi.Router) {
		r.Post("/", h.Open)
		r.Get("/", h.ListByOrder)
	})
	r.Get("/after-sale/{requestId}", h.Get)
}

// AdminRoutes must be mounted behind auth.RequireRole.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Post("/after-sale/{requestId}/approve", h.Approve)
	r.Post("/after-sale/{requestId}/reject", h.Reject)
}

// Open accepts a multipart form: type, reason and description fields, at most one "video"
// part and up to five "images" parts. Files are stored before the request is filed and
// removed again if it is refused.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	in := aftersale.OpenInput{
		OrderID:    chi.URLParam(r, "orderId"),
		CustomerID: auth.UserID(r.Context()),
	}

	err := h.readForm(r, &in)
	if err != nil {
		h.Evidence.Remove(in.Evidence)
		h.fail(w, "Open", "Invalid after-sale request", err)
		return
	}

	req, err := h.Service.Open(r.Context(), in)
	if err != nil {
		h.Evidence.Remove(in.Evidence)
		h.fail(w, "Open", "Could not open after-sale request", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("After-sale request opened", req))
}

func (h *Handler) readForm(r *http.Request, in *aftersale.OpenInput) error {
	const op = "aftersale_api.Open"
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return apperror.Validation(op, "expected multipart/form-data")
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return apperror.Validation(op, "read multipart body: %v", err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return apperror.Validation(op, "read multipart body: %v", err)
		}

		switch name := part.FormName(); name {
		case "video", "images":
			kind := models.EvidencePhoto
			if name == "video" {
				kind = models.EvidenceVideo
			}
			if err := h.countAllowed(op, in.Evidence, kind); err != nil {
				part.Close()
				return err
			}
			ev, err := h.Evidence.Save(kind, part)
			part.Close()
			if err != nil {
				return err
			}
			in.Evidence = append(in.Evidence, ev)
		case "type", "reason", "description":
			b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
			part.Close()
			if err != nil {
				return apperror.Validation(op, "read field %s: %v", name, err)
			}
			if len(b) > maxFieldBytes {
				return apperror.Validation(op, "field %s is too long", name)
			}
			switch name {
			case "type":
				in.Type = models.AfterSaleType(strings.TrimSpace(string(b)))
			case "reason":
				in.Reason = string(b)
			default:
				in.Description = string(b)
			}
		default:
			part.Close()
		}
	}
}

// countAllowed stops oversubscribed uploads before their bytes hit the disk.
func (h *Handler) countAllowed(op string, have []models.AfterSaleEvidence, kind models.EvidenceKind) error {
	n := 0
	for _, ev := range have {
		if ev.Kind == kind {
			n++
		}
	}
	limit := h.Service.Limits.MaxPhotos
	if kind == models.EvidenceVideo {
		limit = h.Service.Limits.MaxVideos
	}
	if n >= limit {
		return apperror.Validation(op, "at most %d %s files allowed", limit, kind)
	}
	return nil
}

func (h *Handler) ListByOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if !h.canView(w, r, "ListByOrder", orderID) {
		return
	}
	reqs, err := h.Service.ListByOrder(r.Context(), orderID)
	if err != nil {
		h.fail(w, "ListByOrder", "Could not list after-sale requests", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("After-sale requests", reqs))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.Service.Get(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		h.fail(w, "Get", "After-sale request not found", err)
		return
	}
	if !h.canView(w, r, "Get", req.OrderID) {
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("After-sale request found", req))
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "Approve", h.Service.Approve, "After-sale request approved")
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "Reject", h.Service.Reject, "After-sale request rejected")
}

type decideFunc func(ctx context.Context, requestID string, d aftersale.Decision) (*models.AfterSaleRequest, error)

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, op string, fn decideFunc, message string) {
	var d aftersale.Decision
	// The note is optional.
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil && !errors.Is(err, io.EOF) {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	d.By = auth.UserID(r.Context())

	req, err := fn(r.Context(), chi.URLParam(r, "requestId"), d)
	if err != nil {
		h.fail(w, op, "Could not record decision", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse(message, req))
}

func (h *Handler) fail(w http.ResponseWriter, op, message string, err error) {
	status := utils.WriteError(w, message, err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("aftersale %s: %v", op, err))
		return
	}
	h.Logger.Warn("API", fmt.Sprintf("aftersale %s: %v", op, err))
}
