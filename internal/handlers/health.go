package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/mini-subway-live/realtime/internal/db"
	"github.com/mini-subway-live/realtime/internal/metrics"
	"github.com/mini-subway-live/realtime/internal/models"
	"github.com/mini-subway-live/realtime/internal/realtime/trains"
)

// PollerStatus is the health view of the poller
type PollerStatus interface {
	Snapshot() models.TrainSnapshot
	Breakers() []trains.BreakerInfo
}

// JournalReader reads recent feed transitions; optional
type JournalReader interface {
	RecentFeedEvents(ctx context.Context, feedID string, limit int) ([]db.FeedEvent, error)
}

// HealthDeps wires the health handler
type HealthDeps struct {
	Poller      PollerStatus
	Subscribers func() int
	CycleStats  func() metrics.StatsSummary
	Journal     JournalReader
}

// HealthHandler handles HTTP requests for service health
type HealthHandler struct {
	deps HealthDeps
	now  func() time.Time
}

// NewHealthHandler creates a new handler
func NewHealthHandler(deps HealthDeps) *HealthHandler {
	return &HealthHandler{deps: deps, now: time.Now}
}

// HealthResponse is the JSON response for GET /health
type HealthResponse struct {
	Status       string    `json:"status"` // ok, degraded, error
	HealthyFeeds int       `json:"healthyFeeds"`
	TotalFeeds   int       `json:"totalFeeds"`
	Trains       int       `json:"trains"`
	Timestamp    time.Time `json:"timestamp"`
}

// DetailedHealthResponse is the JSON response for GET /api/health
type DetailedHealthResponse struct {
	HealthResponse
	Feeds        []models.FeedStatus   `json:"feeds"`
	Breakers     []trains.BreakerInfo  `json:"breakers"`
	CycleStats   *metrics.StatsSummary `json:"cycleStats,omitempty"`
	Subscribers  int                   `json:"subscribers"`
	SnapshotAge  float64               `json:"snapshotAgeSeconds"`
	RecentEvents []db.FeedEvent        `json:"recentEvents,omitempty"`
}

func (h *HealthHandler) summary() (HealthResponse, models.TrainSnapshot) {
	snap := h.deps.Poller.Snapshot()

	resp := HealthResponse{
		TotalFeeds: len(snap.FeedStatuses),
		Trains:     len(snap.Trains),
		Timestamp:  h.now().UTC(),
	}
	for _, f := range snap.FeedStatuses {
		if f.IsHealthy {
			resp.HealthyFeeds++
		}
	}

	switch {
	case resp.TotalFeeds > 0 && resp.HealthyFeeds == 0:
		resp.Status = "error"
	case resp.HealthyFeeds < resp.TotalFeeds:
		resp.Status = "degraded"
	default:
		resp.Status = "ok"
	}
	return resp, snap
}

// GetHealth handles GET /health
// Returns 503 only when every feed is unhealthy.
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	resp, _ := h.summary()

	status := http.StatusOK
	if resp.Status == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// GetDetailedHealth handles GET /api/health
func (h *HealthHandler) GetDetailedHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	summary, snap := h.summary()
	resp := DetailedHealthResponse{
		HealthResponse: summary,
		Feeds:          snap.FeedStatuses,
		Breakers:       h.deps.Poller.Breakers(),
		SnapshotAge:    h.now().Sub(time.UnixMilli(snap.Timestamp)).Seconds(),
	}
	if resp.Feeds == nil {
		resp.Feeds = []models.FeedStatus{}
	}
	if h.deps.Subscribers != nil {
		resp.Subscribers = h.deps.Subscribers()
	}
	if h.deps.CycleStats != nil {
		stats := h.deps.CycleStats()
		resp.CycleStats = &stats
	}
	if h.deps.Journal != nil {
		events, err := h.deps.Journal.RecentFeedEvents(ctx, "", 20)
		if err == nil {
			resp.RecentEvents = events
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
