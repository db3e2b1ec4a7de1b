package gtfsrt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/mini-subway-live/realtime/internal/config"
	"github.com/mini-subway-live/realtime/internal/models"
	"github.com/mini-subway-live/realtime/internal/realtime/breaker"
	"github.com/mini-subway-live/realtime/internal/static/stations"
)

// Set groups the configured feeds of one network. It answers the
// upstream-wide questions (health, stop preload, per-stop arrivals).
type Set struct {
	feeds []*Feed
	stops *stations.Directory
	now   func() time.Time

	breakers breaker.Lookup
}

// NewSet creates one Feed per configured GTFS-RT URL
func NewSet(cfgFeeds []config.Feed, apiKey string, timeout time.Duration, stops *stations.Directory) *Set {
	s := &Set{stops: stops, now: time.Now}
	for _, f := range cfgFeeds {
		s.feeds = append(s.feeds, NewFeed(f, apiKey, timeout, stops))
	}
	return s
}

// Feeds returns the individual feeds, one Source each
func (s *Set) Feeds() []*Feed {
	return s.feeds
}

// CheckUpstreamHealth reports healthy when at least one feed answers. Feeds
// are checked without downloading the message where the server allows it.
func (s *Set) CheckUpstreamHealth(ctx context.Context) bool {
	for _, f := range s.feeds {
		err := f.checkReachable(ctx)
		if err == nil {
			return true
		}
		log.Printf("GTFS-RT: health check on %s failed: %v", f.name, err)
	}
	return false
}

// UseBreakers lets arrivals queries skip feeds whose circuit is open
func (s *Set) UseBreakers(lookup breaker.Lookup) {
	s.breakers = lookup
}

// PreloadAllStopCoordinates reports the size of the static directory, which
// is loaded before the set is built
func (s *Set) PreloadAllStopCoordinates(context.Context) (int, error) {
	if s.stops.Len() == 0 {
		return 0, errors.New("station directory is empty")
	}
	return s.stops.Len(), nil
}

// StopArrivals returns the stop's upcoming arrivals split by direction. It
// reads the trip updates of each serving feed's latest poll and never calls
// the upstream itself; feeds with an open circuit or no poll yet are skipped.
func (s *Set) StopArrivals(_ context.Context, stopID string) (*models.StopArrivals, error) {
	station, ok := s.stops.Lookup(stopID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrStopNotFound, stopID)
	}

	var live []map[string]*models.TripSchedule
	for _, f := range s.feedsFor(station.Routes) {
		if s.circuitOpen(f.name) {
			continue
		}
		schedules, fetchedAt := f.Schedules()
		if fetchedAt.IsZero() {
			continue
		}
		live = append(live, schedules)
	}
	if len(live) == 0 {
		return nil, fmt.Errorf("%w: no live feed serves stop %s", models.ErrUpstreamUnavailable, stopID)
	}

	now := s.now()
	out := &models.StopArrivals{
		Stop: models.StopArrivalsStop{
			ID:            station.ID,
			Name:          station.Name,
			Routes:        station.Routes,
			NorthArrivals: []models.Arrival{},
			SouthArrivals: []models.Arrival{},
		},
		Timestamp: now.UnixMilli(),
	}
	if out.Stop.Routes == nil {
		out.Stop.Routes = []string{}
	}

	for _, schedules := range live {
		for _, sched := range schedules {
			for _, st := range sched.Stops {
				if !models.SameStop(st.StopID, station.ID) {
					continue
				}
				arrival := st.Arrival
				if arrival == 0 {
					arrival = st.Departure
				}
				if arrival == 0 || arrival < now.Unix() {
					continue
				}

				a := models.Arrival{
					RouteID:     sched.RouteID,
					Headsign:    s.headsign(sched),
					Direction:   scheduleDirection(sched, st.StopID),
					ArrivalTime: arrival,
					VehicleID:   sched.TripID,
				}
				if a.Direction == models.DirectionSouth {
					out.Stop.SouthArrivals = append(out.Stop.SouthArrivals, a)
				} else {
					out.Stop.NorthArrivals = append(out.Stop.NorthArrivals, a)
				}
			}
		}
	}

	sortArrivals(out.Stop.NorthArrivals)
	sortArrivals(out.Stop.SouthArrivals)
	return out, nil
}

func (s *Set) circuitOpen(feed string) bool {
	if s.breakers == nil {
		return false
	}
	b := s.breakers(feed)
	return b != nil && b.State() == breaker.Open
}

// feedsFor returns the feeds serving any of the routes, or every feed when
// the routes are unknown
func (s *Set) feedsFor(routes []string) []*Feed {
	if len(routes) == 0 {
		return s.feeds
	}
	want := make(map[string]bool, len(routes))
	for _, r := range routes {
		want[r] = true
	}

	var out []*Feed
	for _, f := range s.feeds {
		for _, r := range f.routes {
			if want[r] {
				out = append(out, f)
				break
			}
		}
	}
	if len(out) == 0 {
		return s.feeds
	}
	return out
}

// headsign names the trip's last listed stop
func (s *Set) headsign(sched *models.TripSchedule) string {
	if len(sched.Stops) == 0 {
		return ""
	}
	last := sched.Stops[len(sched.Stops)-1].StopID
	if st, ok := s.stops.Lookup(last); ok {
		return st.Name
	}
	return ""
}

func scheduleDirection(sched *models.TripSchedule, stopID string) models.Direction {
	if d, ok := models.DirectionFromStopID(stopID); ok {
		return d
	}
	if sched.DirectionID != nil && *sched.DirectionID {
		return models.DirectionSouth
	}
	return models.DirectionNorth
}

func sortArrivals(a []models.Arrival) {
	sort.SliceStable(a, func(i, j int) bool { return a[i].ArrivalTime < a[j].ArrivalTime })
}
