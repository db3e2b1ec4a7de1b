package gtfsrt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/mini-subway-live/realtime/internal/config"
	"github.com/mini-subway-live/realtime/internal/models"
	"github.com/mini-subway-live/realtime/internal/static/stations"
)

// statusMap maps the GTFS-RT VehicleStopStatus enum onto vehicle statuses
var statusMap = map[gtfs.VehiclePosition_VehicleStopStatus]models.VehicleStatus{
	gtfs.VehiclePosition_INCOMING_AT:   models.VehicleStatusIncoming,
	gtfs.VehiclePosition_STOPPED_AT:    models.VehicleStatusAtStop,
	gtfs.VehiclePosition_IN_TRANSIT_TO: models.VehicleStatusInTransit,
}

// Feed is one direct GTFS-RT feed. Vehicle positions and trip updates come
// from the same message; the trip updates of the latest successful fetch are
// kept as the schedules for that feed's trips.
type Feed struct {
	name   string
	url    string
	apiKey string
	routes []string
	client *http.Client
	stops  *stations.Directory

	mu        sync.RWMutex
	schedules map[string]*models.TripSchedule // trip id -> stop times
	fetchedAt time.Time
}

// NewFeed creates a feed source. Stop coordinates come from the static
// station directory.
func NewFeed(f config.Feed, apiKey string, timeout time.Duration, stops *stations.Directory) *Feed {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Feed{
		name:   f.Name,
		url:    f.URL,
		apiKey: apiKey,
		routes: f.Routes,
		client: &http.Client{
			Timeout: timeout,
		},
		stops:     stops,
		schedules: make(map[string]*models.TripSchedule),
	}
}

// Name implements trains.Source
func (f *Feed) Name() string {
	return f.name
}

// Routes returns the route ids this feed serves, as configured
func (f *Feed) Routes() []string {
	return f.routes
}

// FetchVehicles fetches the feed and returns its vehicle positions. Trip
// updates in the same message replace the feed's schedules.
func (f *Feed) FetchVehicles(ctx context.Context) ([]models.Vehicle, error) {
	msg, err := f.fetchFeed(ctx)
	if err != nil {
		return nil, err
	}

	vehicles := parseVehicles(msg)
	schedules := parseTripUpdates(msg)

	f.mu.Lock()
	for tripID, s := range schedules {
		keepPassedStop(f.schedules[tripID], s)
	}
	f.schedules = schedules
	f.fetchedAt = time.Now()
	f.mu.Unlock()

	return vehicles, nil
}

// FetchTripSchedule returns the trip's stop times from the latest fetch
func (f *Feed) FetchTripSchedule(_ context.Context, _, tripID string) *models.TripSchedule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.schedules[tripID]
}

// StopCoordinate implements position.StopLocator over the station directory
func (f *Feed) StopCoordinate(stopID string) (models.LatLon, bool) {
	return f.stops.StopCoordinate(stopID)
}

// ResolveStops is a no-op: the static directory is the only coordinate source
func (f *Feed) ResolveStops(context.Context, []string) {}

// Schedules returns the trip schedules of the latest fetch and when it happened
func (f *Feed) Schedules() (map[string]*models.TripSchedule, time.Time) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.schedules, f.fetchedAt
}

// checkReachable checks that the feed answers. It sends HEAD and falls back to a full
// fetch only when the server does not allow HEAD.
func (f *Feed) checkReachable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach feed %s: %w", f.name, err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusMethodNotAllowed, http.StatusNotImplemented:
		_, err := f.fetchFeed(ctx)
		return err
	default:
		return &statusError{feed: f.name, code: resp.StatusCode}
	}
}

// fetchFeed fetches and decodes the protobuf feed
func (f *Feed) fetchFeed(ctx context.Context) (*gtfs.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed %s: %w", f.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{feed: f.name, code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("failed to parse protobuf: %w", err)
	}

	return feed, nil
}

type statusError struct {
	feed string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("feed %s returned status %d", e.feed, e.code)
}

// keepPassedStop carries the stop a train just left over from the previous
// update, since trip updates list only the remaining stops.
func keepPassedStop(prev, next *models.TripSchedule) {
	if prev == nil || len(next.Stops) == 0 {
		return
	}
	for i, st := range prev.Stops {
		if st.StopID != next.Stops[0].StopID {
			continue
		}
		if i > 0 {
			next.Stops = append([]models.ScheduledStop{prev.Stops[i-1]}, next.Stops...)
		}
		return
	}
}

// parseVehicles extracts vehicle reports from VehiclePosition entities
func parseVehicles(msg *gtfs.FeedMessage) []models.Vehicle {
	var vehicles []models.Vehicle
	for _, entity := range msg.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil {
			continue
		}

		v := models.Vehicle{
			TripID:  vp.GetTrip().GetTripId(),
			RouteID: vp.GetTrip().GetRouteId(),
			StopID:  vp.GetStopId(),
		}

		// Subway feeds rarely carry a vehicle descriptor; the trip id is stable per run
		switch {
		case vp.GetVehicle().GetId() != "":
			v.ID = vp.GetVehicle().GetId()
		case v.TripID != "":
			v.ID = v.TripID
		default:
			v.ID = "entity:" + entity.GetId()
		}

		if vp.GetTrip() != nil && vp.GetTrip().DirectionId != nil {
			south := vp.GetTrip().GetDirectionId() == 1
			v.DirectionID = &south
		}

		if vp.CurrentStatus != nil {
			if status, ok := statusMap[vp.GetCurrentStatus()]; ok {
				v.Status = status
			}
		}

		if vp.Timestamp != nil {
			v.Timestamp = time.Unix(int64(vp.GetTimestamp()), 0).UTC()
		} else if msg.GetHeader().Timestamp != nil {
			v.Timestamp = time.Unix(int64(msg.GetHeader().GetTimestamp()), 0).UTC()
		}

		vehicles = append(vehicles, v)
	}
	return vehicles
}

// parseTripUpdates builds per-trip schedules from TripUpdate entities
func parseTripUpdates(msg *gtfs.FeedMessage) map[string]*models.TripSchedule {
	schedules := make(map[string]*models.TripSchedule)
	for _, entity := range msg.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil || tu.GetTrip().GetTripId() == "" {
			continue
		}

		tripID := tu.GetTrip().GetTripId()
		s := &models.TripSchedule{
			TripID:  tripID,
			RouteID: tu.GetTrip().GetRouteId(),
			Stops:   make([]models.ScheduledStop, 0, len(tu.GetStopTimeUpdate())),
		}
		if tu.GetTrip().DirectionId != nil {
			south := tu.GetTrip().GetDirectionId() == 1
			s.DirectionID = &south
		}

		for _, stu := range tu.GetStopTimeUpdate() {
			if stu.GetStopId() == "" {
				continue
			}
			s.Stops = append(s.Stops, models.ScheduledStop{
				StopID:    stu.GetStopId(),
				Arrival:   stu.GetArrival().GetTime(),
				Departure: stu.GetDeparture().GetTime(),
			})
		}

		schedules[tripID] = s
	}
	return schedules
}
