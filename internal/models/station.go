package models

import (
	"errors"
	"strings"
)

// Arrivals-query failure classes. Callers distinguish them with errors.Is.
var (
	ErrStopNotFound        = errors.New("stop not found")
	ErrUpstreamTimeout     = errors.New("upstream timed out")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Station is static reference data, loaded once at startup
type Station struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Routes    []string `json:"routes,omitempty"`
}

// Arrival is one upcoming train at a stop
type Arrival struct {
	RouteID     string    `json:"routeId"`
	Headsign    string    `json:"headsign"`
	Direction   Direction `json:"direction"`
	ArrivalTime int64     `json:"arrivalTime"` // epoch seconds
	VehicleID   string    `json:"vehicleId,omitempty"`
}

// StopArrivalsStop is the stop section of a per-stop arrivals response
type StopArrivalsStop struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Routes        []string  `json:"routes"`
	NorthArrivals []Arrival `json:"northArrivals"`
	SouthArrivals []Arrival `json:"southArrivals"`
}

// StopArrivals is the per-stop arrivals response
type StopArrivals struct {
	Stop      StopArrivalsStop `json:"stop"`
	Timestamp int64            `json:"timestamp"` // epoch milliseconds
}

// LatLon is a plain coordinate pair in degrees
type LatLon struct {
	Lat float64
	Lon float64
}

// StripDirectionSuffix removes a trailing N/S platform letter from a stop id
// ("127N" -> "127"). Ids without such a suffix are returned unchanged.
func StripDirectionSuffix(stopID string) string {
	if len(stopID) < 2 {
		return stopID
	}
	switch stopID[len(stopID)-1] {
	case 'N', 'S', 'n', 's':
		return stopID[:len(stopID)-1]
	}
	return stopID
}

// DirectionFromStopID derives a direction from the stop-id suffix convention
func DirectionFromStopID(stopID string) (Direction, bool) {
	if len(stopID) < 2 {
		return "", false
	}
	switch strings.ToUpper(stopID[len(stopID)-1:]) {
	case "N":
		return DirectionNorth, true
	case "S":
		return DirectionSouth, true
	}
	return "", false
}

// SameStop matches stop ids exactly first, then with direction suffixes stripped
func SameStop(a, b string) bool {
	if a == b {
		return true
	}
	return StripDirectionSuffix(a) == StripDirectionSuffix(b)
}

// Error codes carried on the arrivals boundary
const (
	CodeNotFound    = "not_found"
	CodeTimeout     = "timeout"
	CodeUnavailable = "unavailable"
)

// ErrorCode maps an arrivals failure onto its wire code
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrStopNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUpstreamTimeout):
		return CodeTimeout
	default:
		return CodeUnavailable
	}
}
