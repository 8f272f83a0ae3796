package shipping_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-fulfillment/internal/utils"

	"github.com/go-chi/chi/v5"
)

const keepAliveInterval = 25 * time.Second

// Stream pushes live tracking updates for one tracking number as Server-Sent Events.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "trackingNumber")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	view, err := h.Service.TrackByNumber(r.Context(), number)
	if err != nil {
		h.fail(w, "Stream", "Tracking number not found", err)
		return
	}

	h.setupSSEHeaders(w)
	ctx := r.Context()
	updates := h.Emitter.Subscribe(ctx, number)

	snapshot, err := json.Marshal(utils.SuccessResponse("Tracking information", view))
	if err != nil {
		h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize tracking snapshot: %v", err))
		return
	}
	fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", snapshot)
	flusher.Flush()
	h.Logger.Debug("SSE", fmt.Sprintf("Client connected to tracking stream for %s", number))

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize tracking event: %v", err))
				continue
			}
			fmt.Fprintf(w, "event: tracking\ndata: %s\n\n", data)
			flusher.Flush()

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from tracking stream for %s", number))
			return
		}
	}
}

func (h *Handler) setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Accel-Buffering", "no")
}
