package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Router bundles the handlers served by the backend
type Router struct {
	Trains   *TrainHandler
	Arrivals *ArrivalsHandler
	Stations *StationHandler
	Health   *HealthHandler
	Metrics  http.Handler
}

// Routes lists the mounted endpoints, for the startup banner
var Routes = []string{
	"GET /api/trains",
	"GET /api/trains/stream",
	"GET /api/trains/{trainId}",
	"GET /api/stops/{stopId}/arrivals",
	"GET /api/stations/nearby",
	"GET /api/health",
	"GET /health",
	"GET /metrics",
}

// NewRouter mounts every endpoint behind CORS
func NewRouter(h Router, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health.GetHealth)
	r.Get("/api/health", h.Health.GetDetailedHealth)

	r.Get("/api/trains", h.Trains.GetAllTrains)
	r.Get("/api/trains/stream", h.Trains.Stream)
	r.Get("/api/trains/{trainId}", h.Trains.GetTrainByID)

	if h.Arrivals != nil {
		r.Get("/api/stops/{stopId}/arrivals", h.Arrivals.GetStopArrivals)
	}
	if h.Stations != nil {
		r.Get("/api/stations/nearby", h.Stations.GetNearby)
	}
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}

	return r
}
