package transiter

import (
	"encoding/json"
	"strconv"
	"strings"
)

// int64String decodes Transiter's int64 fields, which arrive as JSON strings
// ("1700000000") or plain numbers depending on the server version
type int64String int64

func (v *int64String) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*v = int64String(n)
	return nil
}

type routeRef struct {
	ID string `json:"id"`
}

type stopRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type vehicleRef struct {
	ID string `json:"id"`
}

type tripRef struct {
	ID          string      `json:"id"`
	Route       routeRef    `json:"route"`
	DirectionID *bool       `json:"directionId"`
	Destination *stopRef    `json:"destination"`
	Vehicle     *vehicleRef `json:"vehicle"`
}

type vehicleJSON struct {
	ID            string      `json:"id"`
	Trip          *tripRef    `json:"trip"`
	Stop          *stopRef    `json:"stop"`
	CurrentStatus string      `json:"currentStatus"`
	UpdatedAt     int64String `json:"updatedAt"`
}

type vehiclesPage struct {
	Vehicles []vehicleJSON `json:"vehicles"`
	NextID   string        `json:"nextId"`
}

type estimatedTime struct {
	Time int64String `json:"time"`
}

type stopTimeJSON struct {
	Stop      stopRef        `json:"stop"`
	Trip      *tripRef       `json:"trip"`
	Arrival   *estimatedTime `json:"arrival"`
	Departure *estimatedTime `json:"departure"`
	Headsign  string         `json:"headsign"`
	Future    *bool          `json:"future"`
}

type tripJSON struct {
	ID          string         `json:"id"`
	Route       routeRef       `json:"route"`
	DirectionID *bool          `json:"directionId"`
	StopTimes   []stopTimeJSON `json:"stopTimes"`
}

type serviceMapJSON struct {
	ConfigID string     `json:"configId"`
	Routes   []routeRef `json:"routes"`
}

type stopJSON struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Latitude    *float64         `json:"latitude"`
	Longitude   *float64         `json:"longitude"`
	StopTimes   []stopTimeJSON   `json:"stopTimes"`
	ServiceMaps []serviceMapJSON `json:"serviceMaps"`
	ChildStops  []stopRef        `json:"childStops"`
}

type stopsPage struct {
	Stops  []stopJSON `json:"stops"`
	NextID string     `json:"nextId"`
}

type systemJSON struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// compile-time check that the int64 decoder satisfies json.Unmarshaler
var _ json.Unmarshaler = (*int64String)(nil)
