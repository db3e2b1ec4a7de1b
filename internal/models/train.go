package models

import (
	"errors"
)

// Direction is the coarse travel direction of a train. It is not a bearing.
type Direction string

const (
	DirectionNorth Direction = "N"
	DirectionSouth Direction = "S"
)

// TrainStatus mirrors the three GTFS VehicleStopStatus values a train can report
type TrainStatus string

const (
	StatusIncoming  TrainStatus = "INCOMING_AT"
	StatusAtStop    TrainStatus = "STOPPED_AT"
	StatusInTransit TrainStatus = "IN_TRANSIT_TO"
)

// StopTiming is one endpoint of an interpolation segment.
// Time is the scheduled epoch seconds the train was/will be at the stop.
type StopTiming struct {
	StopID    string  `json:"stopId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Time      int64   `json:"time"`
}

// Train is an immutable snapshot of one moving vehicle. Every poll cycle builds
// new Train values; nothing mutates a Train after it has been published.
type Train struct {
	ID        string      `json:"id"`
	Line      string      `json:"line"`
	Direction Direction   `json:"direction"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
	Timestamp int64       `json:"timestamp"` // epoch milliseconds
	StopID    string      `json:"stopId,omitempty"`
	Status    TrainStatus `json:"status"`
	PrevStop  *StopTiming `json:"prevStop,omitempty"`
	NextStop  *StopTiming `json:"nextStop,omitempty"`
	Bearing   *float64    `json:"bearing,omitempty"`

	// Feed is the upstream feed that produced this train. Used for per-feed
	// partial-failure handling, never sent to clients.
	Feed string `json:"-"`
}

// Validate checks if the Train has usable data
func (t *Train) Validate() error {
	if t.ID == "" {
		return errors.New("id is required")
	}
	if t.Line == "" {
		return errors.New("line is required")
	}
	if t.Latitude < -90 || t.Latitude > 90 {
		return errors.New("latitude out of range: must be between -90 and 90")
	}
	if t.Longitude < -180 || t.Longitude > 180 {
		return errors.New("longitude out of range: must be between -180 and 180")
	}
	if t.Bearing != nil && (*t.Bearing < 0 || *t.Bearing >= 360) {
		return errors.New("bearing out of range: must be in [0, 360)")
	}
	switch t.Status {
	case StatusIncoming, StatusAtStop, StatusInTransit:
	default:
		return errors.New("status is required")
	}
	return nil
}

// HasTimingAnchors reports whether the train carries a usable two-point timing basis
func (t *Train) HasTimingAnchors() bool {
	return t.PrevStop != nil && t.NextStop != nil && t.NextStop.Time > t.PrevStop.Time
}
