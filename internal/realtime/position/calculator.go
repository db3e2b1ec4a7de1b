package position

import (
	"time"

	"github.com/mini-subway-live/realtime/internal/geo"
	"github.com/mini-subway-live/realtime/internal/models"
)

// StopLocator resolves stop coordinates without network I/O
type StopLocator interface {
	StopCoordinate(stopID string) (models.LatLon, bool)
}

// Result is the derived position of one vehicle
type Result struct {
	Latitude  float64
	Longitude float64
	PrevStop  *models.StopTiming
	NextStop  *models.StopTiming
	Bearing   *float64
}

// Calculate turns a vehicle's discrete stop event and its trip schedule into a
// continuous position estimate. It returns nil when the vehicle cannot be
// placed: no stop reference or unresolvable stop coordinates.
//
// Between two scheduled stops the position is interpolated linearly by
// schedule progress at now; anchors and bearing are only set when the
// schedule gives a two-point timing basis.
func Calculate(v models.Vehicle, schedule *models.TripSchedule, stops StopLocator, now time.Time) *Result {
	if v.StopID == "" {
		return nil
	}
	current, ok := stops.StopCoordinate(v.StopID)
	if !ok {
		return nil
	}

	raw := &Result{Latitude: current.Lat, Longitude: current.Lon}

	if v.Status == models.VehicleStatusAtStop {
		if schedule == nil {
			return raw
		}
		idx := indexOfStop(schedule.Stops, v.StopID)
		if idx < 0 || idx == len(schedule.Stops)-1 {
			return raw
		}
		if next, ok := stops.StopCoordinate(schedule.Stops[idx+1].StopID); ok {
			b := geo.Bearing(current.Lat, current.Lon, next.Lat, next.Lon)
			raw.Bearing = &b
		}
		return raw
	}

	if schedule == nil || len(schedule.Stops) == 0 {
		return raw
	}

	idx := indexOfStop(schedule.Stops, v.StopID)
	if idx <= 0 {
		return raw
	}

	prev := schedule.Stops[idx-1]
	cur := schedule.Stops[idx]

	prevDeparture := prev.Departure
	if prevDeparture == 0 {
		prevDeparture = prev.Arrival
	}
	currentArrival := cur.Arrival
	if prevDeparture == 0 || currentArrival == 0 || currentArrival <= prevDeparture {
		return raw
	}

	prevCoord, ok := stops.StopCoordinate(prev.StopID)
	if !ok {
		return raw
	}

	nowSec := float64(now.UnixMilli()) / 1000
	progress := geo.Progress(nowSec, float64(prevDeparture), float64(currentArrival))

	lat := geo.Lerp(prevCoord.Lat, current.Lat, progress)
	lon := geo.Lerp(prevCoord.Lon, current.Lon, progress)

	// At the target itself the direction is undefined; keep facing along the segment
	var b float64
	if lat == current.Lat && lon == current.Lon {
		b = geo.Bearing(prevCoord.Lat, prevCoord.Lon, current.Lat, current.Lon)
	} else {
		b = geo.Bearing(lat, lon, current.Lat, current.Lon)
	}

	return &Result{
		Latitude:  lat,
		Longitude: lon,
		PrevStop: &models.StopTiming{
			StopID:    prev.StopID,
			Latitude:  prevCoord.Lat,
			Longitude: prevCoord.Lon,
			Time:      prevDeparture,
		},
		NextStop: &models.StopTiming{
			StopID:    cur.StopID,
			Latitude:  current.Lat,
			Longitude: current.Lon,
			Time:      currentArrival,
		},
		Bearing: &b,
	}
}

// indexOfStop finds a stop by exact id first, then with direction suffixes stripped
func indexOfStop(stops []models.ScheduledStop, stopID string) int {
	for i, s := range stops {
		if s.StopID == stopID {
			return i
		}
	}
	for i, s := range stops {
		if models.SameStop(s.StopID, stopID) {
			return i
		}
	}
	return -1
}
