package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mini-subway-live/realtime/internal/models"
)

// TrainStore is the read side of the poller
type TrainStore interface {
	Snapshot() models.TrainSnapshot
	Train(id string) (models.Train, bool)
}

// TrainHandler serves the current snapshot and the live stream
type TrainHandler struct {
	store  TrainStore
	stream http.Handler
}

// NewTrainHandler creates a handler; stream serves GET /api/trains/stream
func NewTrainHandler(store TrainStore, stream http.Handler) *TrainHandler {
	return &TrainHandler{store: store, stream: stream}
}

// GetAllTrains handles GET /api/trains
// Returns the current snapshot, same shape as the stream's trains event.
// An optional route_id query parameter filters by line.
func (h *TrainHandler) GetAllTrains(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Snapshot()

	if routeID := strings.TrimSpace(r.URL.Query().Get("route_id")); routeID != "" {
		filtered := make([]models.Train, 0, len(snap.Trains))
		for _, t := range snap.Trains {
			if strings.EqualFold(t.Line, routeID) {
				filtered = append(filtered, t)
			}
		}
		snap.Trains = filtered
	}
	if snap.Trains == nil {
		snap.Trains = []models.Train{}
	}

	// half the 15s poll interval
	w.Header().Set("Cache-Control", "public, max-age=7, stale-while-revalidate=5")
	w.Header().Set("Vary", "Accept-Encoding")
	writeJSON(w, http.StatusOK, snap)
}

// GetTrainByID handles GET /api/trains/{trainId}
func (h *TrainHandler) GetTrainByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "trainId")
	if id == "" {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "trainId parameter is required"})
		return
	}

	train, ok := h.store.Train(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrorResponse{
			Error:   "Train not found",
			Code:    models.CodeNotFound,
			Details: map[string]interface{}{"trainId": id},
		})
		return
	}
	writeJSON(w, http.StatusOK, train)
}

// Stream handles GET /api/trains/stream
func (h *TrainHandler) Stream(w http.ResponseWriter, r *http.Request) {
	h.stream.ServeHTTP(w, r)
}
