package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mini-subway-live/realtime/internal/cache"
	"github.com/mini-subway-live/realtime/internal/models"
)

// ArrivalsRecorder counts arrivals outcomes
type ArrivalsRecorder interface {
	ArrivalsRequest(result string)
}

// ArrivalsHandler serves per-stop arrivals through the arrivals cache
type ArrivalsHandler struct {
	loader   *cache.Loader
	recorder ArrivalsRecorder
	timeout  time.Duration
}

// NewArrivalsHandler creates a handler; recorder may be nil
func NewArrivalsHandler(loader *cache.Loader, recorder ArrivalsRecorder, timeout time.Duration) *ArrivalsHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ArrivalsHandler{loader: loader, recorder: recorder, timeout: timeout}
}

// GetStopArrivals handles GET /api/stops/{stopId}/arrivals
// Not-found, timeout and unavailable stay distinct: 404, 504 and 503.
func (h *ArrivalsHandler) GetStopArrivals(w http.ResponseWriter, r *http.Request) {
	stopID := chi.URLParam(r, "stopId")
	if stopID == "" {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "stopId parameter is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	arrivals, hit, err := h.loader.Get(ctx, stopID)
	if err != nil {
		if errors.Is(r.Context().Err(), context.Canceled) {
			return
		}
		code := models.ErrorCode(err)
		h.record(code)

		status, msg := http.StatusServiceUnavailable, "Upstream unavailable"
		switch code {
		case models.CodeNotFound:
			status, msg = http.StatusNotFound, "Stop not found"
		case models.CodeTimeout:
			status, msg = http.StatusGatewayTimeout, "Upstream timed out"
		default:
			log.Printf("Arrivals: %s failed: %v", stopID, err)
		}

		writeError(w, status, ErrorResponse{
			Error:   msg,
			Code:    code,
			Details: map[string]interface{}{"stopId": stopID},
		})
		return
	}

	if hit {
		h.record("hit")
		w.Header().Set("X-Cache", "HIT")
	} else {
		h.record("ok")
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("Cache-Control", "public, max-age=30")
	writeJSON(w, http.StatusOK, arrivals)
}

func (h *ArrivalsHandler) record(result string) {
	if h.recorder != nil {
		h.recorder.ArrivalsRequest(result)
	}
}
