package models

import "time"

// FeedStatus describes the health of one upstream data source
type FeedStatus struct {
	FeedID     string    `json:"feedId"`
	LastUpdate time.Time `json:"lastUpdate"`
	IsHealthy  bool      `json:"isHealthy"`
	ErrorCount int       `json:"errorCount"`
}

// TrainSnapshot is the atomic unit pushed to subscribers.
// Trains holds at most one entry per ID; order carries no meaning.
type TrainSnapshot struct {
	SnapshotID   string       `json:"snapshotId,omitempty"`
	Trains       []Train      `json:"trains"`
	FeedStatuses []FeedStatus `json:"feedStatuses"`
	Timestamp    int64        `json:"timestamp"` // epoch milliseconds
}

// Event types carried on the stream
const (
	EventTrains    = "trains"
	EventHeartbeat = "heartbeat"
)

// Event is the envelope written to stream subscribers
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Heartbeat is the payload of a heartbeat event
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// VehicleStatus is the upstream motion status before it is mapped onto TrainStatus
type VehicleStatus int

const (
	VehicleStatusUnknown VehicleStatus = iota
	VehicleStatusIncoming
	VehicleStatusAtStop
	VehicleStatusInTransit
)

// ParseVehicleStatus maps the GTFS-RT status names used by upstream APIs
func ParseVehicleStatus(s string) VehicleStatus {
	switch s {
	case "INCOMING_AT":
		return VehicleStatusIncoming
	case "STOPPED_AT":
		return VehicleStatusAtStop
	case "IN_TRANSIT_TO":
		return VehicleStatusInTransit
	default:
		return VehicleStatusUnknown
	}
}

// TrainStatus maps a vehicle status onto the three-valued train status.
// Unknown motion is reported as in transit.
func (s VehicleStatus) TrainStatus() TrainStatus {
	switch s {
	case VehicleStatusIncoming:
		return StatusIncoming
	case VehicleStatusAtStop:
		return StatusAtStop
	default:
		return StatusInTransit
	}
}

// Vehicle is one upstream vehicle report, normalized across adapters
type Vehicle struct {
	ID      string
	TripID  string
	RouteID string
	StopID  string
	Status  VehicleStatus
	// DirectionID is the trip's direction flag when the upstream provides one
	// (false = north, true = south).
	DirectionID *bool
	// Timestamp is the upstream report time; zero when unknown.
	Timestamp time.Time
}

// ScheduledStop is one entry of a trip's ordered stop-time schedule.
// Times are epoch seconds; zero means absent.
type ScheduledStop struct {
	StopID    string
	Arrival   int64
	Departure int64
}

// TripSchedule is the ordered stop-time schedule for one trip
type TripSchedule struct {
	TripID      string
	RouteID     string
	DirectionID *bool
	Stops       []ScheduledStop
}
