package trains

import (
	"context"

	"github.com/mini-subway-live/realtime/internal/models"
)

// Source is one independently failing upstream feed. FetchVehicles errors
// drive the feed's circuit breaker; schedule lookups report absence as nil.
type Source interface {
	Name() string
	FetchVehicles(ctx context.Context) ([]models.Vehicle, error)
	FetchTripSchedule(ctx context.Context, routeID, tripID string) *models.TripSchedule
	// StopCoordinate resolves from cache only
	StopCoordinate(stopID string) (models.LatLon, bool)
	// ResolveStops fills the coordinate cache for the given stops
	ResolveStops(ctx context.Context, stopIDs []string)
}

// Upstream answers the network-wide startup questions
type Upstream interface {
	CheckUpstreamHealth(ctx context.Context) bool
	PreloadAllStopCoordinates(ctx context.Context) (int, error)
}
