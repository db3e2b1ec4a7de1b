package transiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bluele/gcache"

	"github.com/mini-subway-live/realtime/internal/models"
	"github.com/mini-subway-live/realtime/internal/realtime/breaker"
)

const (
	// FeedName is the single FeedStatus id used for the Transiter upstream
	FeedName = "transiter"

	pageSize = 100
	// maxPages bounds pagination in case the upstream keeps returning a cursor
	maxPages = 200

	stopCacheSize = 20000
	tripCacheSize = 5000
)

// statusError is returned for non-2xx upstream responses
type statusError struct {
	path string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("transiter %s returned status %d", e.path, e.code)
}

// Client is the Feed Source Adapter for a Transiter-style JSON API. It owns
// the stop coordinate cache (no expiry) and the trip schedule cache (short TTL).
type Client struct {
	baseURL string
	system  string
	client  *http.Client

	stops gcache.Cache // stop id -> models.LatLon
	trips gcache.Cache // trip id -> *models.TripSchedule

	breakers breaker.Lookup
}

// Option customizes a Client
type Option func(*clientOptions)

type clientOptions struct {
	clock gcache.Clock
}

// WithCacheClock replaces the clock used for trip cache expiry (tests)
func WithCacheClock(clock gcache.Clock) Option {
	return func(o *clientOptions) { o.clock = clock }
}

// NewClient creates a Transiter adapter for one transit system
func NewClient(baseURL, system string, timeout, tripTTL time.Duration, opts ...Option) *Client {
	o := clientOptions{clock: gcache.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if tripTTL <= 0 {
		tripTTL = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		system:  system,
		client: &http.Client{
			Timeout: timeout,
		},
		stops: gcache.New(stopCacheSize).Simple().Clock(o.clock).Build(),
		trips: gcache.New(tripCacheSize).LRU().Expiration(tripTTL).Clock(o.clock).Build(),
	}
}

// Name implements trains.Source
func (c *Client) Name() string {
	return FeedName
}

// FetchVehicles returns every vehicle the system currently reports, following
// the pagination cursor. The error drives the feed's circuit breaker.
func (c *Client) FetchVehicles(ctx context.Context) ([]models.Vehicle, error) {
	var vehicles []models.Vehicle
	firstID := ""

	for page := 0; page < maxPages; page++ {
		q := url.Values{"limit": {strconv.Itoa(pageSize)}}
		if firstID != "" {
			q.Set("first_id", firstID)
		}

		var resp vehiclesPage
		if err := c.getJSON(ctx, c.systemPath("vehicles"), q, &resp); err != nil {
			return nil, fmt.Errorf("failed to fetch vehicles: %w", err)
		}

		for _, v := range resp.Vehicles {
			vehicles = append(vehicles, toVehicle(v))
		}

		if resp.NextID == "" || resp.NextID == firstID {
			return vehicles, nil
		}
		firstID = resp.NextID
	}

	log.Printf("Transiter: vehicle pagination stopped after %d pages", maxPages)
	return vehicles, nil
}

func toVehicle(v vehicleJSON) models.Vehicle {
	out := models.Vehicle{
		ID:     v.ID,
		Status: models.ParseVehicleStatus(v.CurrentStatus),
	}
	if v.Trip != nil {
		out.TripID = v.Trip.ID
		out.RouteID = v.Trip.Route.ID
		out.DirectionID = v.Trip.DirectionID
		if out.ID == "" {
			out.ID = v.Trip.ID
		}
	}
	if v.Stop != nil {
		out.StopID = v.Stop.ID
	}
	if v.UpdatedAt > 0 {
		out.Timestamp = time.Unix(int64(v.UpdatedAt), 0).UTC()
	}
	return out
}

// FetchTripSchedule returns the trip's ordered stop times, cached per trip id.
// Failures are logged and reported as nil.
func (c *Client) FetchTripSchedule(ctx context.Context, routeID, tripID string) *models.TripSchedule {
	if routeID == "" || tripID == "" {
		return nil
	}
	if cached, err := c.trips.Get(tripID); err == nil {
		return cached.(*models.TripSchedule)
	}

	var trip tripJSON
	path := c.systemPath("routes", routeID, "trips", tripID)
	if err := c.getJSON(ctx, path, nil, &trip); err != nil {
		log.Printf("Transiter: failed to fetch trip %s: %v", tripID, err)
		return nil
	}

	schedule := &models.TripSchedule{
		TripID:      tripID,
		RouteID:     routeID,
		DirectionID: trip.DirectionID,
		Stops:       make([]models.ScheduledStop, 0, len(trip.StopTimes)),
	}
	for _, st := range trip.StopTimes {
		if st.Stop.ID == "" {
			continue
		}
		stop := models.ScheduledStop{StopID: st.Stop.ID}
		if st.Arrival != nil {
			stop.Arrival = int64(st.Arrival.Time)
		}
		if st.Departure != nil {
			stop.Departure = int64(st.Departure.Time)
		}
		schedule.Stops = append(schedule.Stops, stop)
	}

	_ = c.trips.Set(tripID, schedule)
	return schedule
}

// StopCoordinate resolves a stop from the cache only: exact id first, then
// with a trailing direction letter stripped.
func (c *Client) StopCoordinate(stopID string) (models.LatLon, bool) {
	if v, err := c.stops.Get(stopID); err == nil {
		return v.(models.LatLon), true
	}
	if base := models.StripDirectionSuffix(stopID); base != stopID {
		if v, err := c.stops.Get(base); err == nil {
			return v.(models.LatLon), true
		}
	}
	return models.LatLon{}, false
}

// FetchStopCoordinate resolves a stop, fetching it from the upstream on a
// cache miss. Coordinates never expire.
func (c *Client) FetchStopCoordinate(ctx context.Context, stopID string) (models.LatLon, bool) {
	if ll, ok := c.StopCoordinate(stopID); ok {
		return ll, true
	}

	stop, err := c.fetchStop(ctx, stopID)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			if base := models.StripDirectionSuffix(stopID); base != stopID {
				stop, err = c.fetchStop(ctx, base)
			}
		}
	}
	if err != nil {
		log.Printf("Transiter: failed to fetch stop %s: %v", stopID, err)
		return models.LatLon{}, false
	}

	ll, ok := c.cacheStop(stop)
	if ok && stop.ID != stopID {
		_ = c.stops.Set(stopID, ll)
	}
	return ll, ok
}

// ResolveStops makes sure every listed stop has a cached coordinate. Stops
// that cannot be resolved stay absent.
func (c *Client) ResolveStops(ctx context.Context, stopIDs []string) {
	for _, id := range stopIDs {
		if ctx.Err() != nil {
			return
		}
		if _, ok := c.StopCoordinate(id); ok {
			continue
		}
		c.FetchStopCoordinate(ctx, id)
	}
}

// PreloadAllStopCoordinates warms the coordinate cache through the paginated
// stop listing and returns how many stops were cached.
func (c *Client) PreloadAllStopCoordinates(ctx context.Context) (int, error) {
	loaded := 0
	firstID := ""

	for page := 0; page < maxPages; page++ {
		q := url.Values{"limit": {strconv.Itoa(pageSize)}}
		if firstID != "" {
			q.Set("first_id", firstID)
		}

		var resp stopsPage
		if err := c.getJSON(ctx, c.systemPath("stops"), q, &resp); err != nil {
			return loaded, fmt.Errorf("failed to preload stops: %w", err)
		}
		for i := range resp.Stops {
			if _, ok := c.cacheStop(&resp.Stops[i]); ok {
				loaded++
			}
		}

		if resp.NextID == "" || resp.NextID == firstID {
			break
		}
		firstID = resp.NextID
	}

	log.Printf("Transiter: preloaded %d stop coordinates", loaded)
	return loaded, nil
}

// UseBreakers routes arrivals queries through the poller's breaker for this feed
func (c *Client) UseBreakers(lookup breaker.Lookup) {
	c.breakers = lookup
}

// CheckUpstreamHealth reports whether the system endpoint answers
func (c *Client) CheckUpstreamHealth(ctx context.Context) bool {
	var sys systemJSON
	if err := c.getJSON(ctx, c.systemPath(), nil, &sys); err != nil {
		log.Printf("Transiter: health check failed: %v", err)
		return false
	}
	return sys.Status == "" || strings.EqualFold(sys.Status, "ACTIVE")
}

// StopArrivals returns upcoming arrivals at a stop split by direction. Errors
// wrap models.ErrStopNotFound, models.ErrUpstreamTimeout or
// models.ErrUpstreamUnavailable.
//
// The call goes through the feed's breaker when one is attached: an open
// circuit fails fast as unavailable, and the outcome of an attempted call is
// recorded like a poll.
func (c *Client) StopArrivals(ctx context.Context, stopID string) (*models.StopArrivals, error) {
	var b *breaker.Breaker
	if c.breakers != nil {
		b = c.breakers(FeedName)
	}
	if b != nil && b.IsOpen() {
		return nil, fmt.Errorf("%w: %s circuit is open", models.ErrUpstreamUnavailable, FeedName)
	}

	stop, err := c.fetchStop(ctx, stopID)
	if b != nil {
		settle(ctx, b, err)
	}
	if err != nil {
		return nil, classify(err)
	}
	c.cacheStop(stop)

	now := time.Now()
	out := &models.StopArrivals{
		Stop: models.StopArrivalsStop{
			ID:            stop.ID,
			Name:          stop.Name,
			Routes:        stopRoutes(stop),
			NorthArrivals: []models.Arrival{},
			SouthArrivals: []models.Arrival{},
		},
		Timestamp: now.UnixMilli(),
	}

	for _, st := range stop.StopTimes {
		if st.Trip == nil {
			continue
		}
		arrival := arrivalTime(st)
		if arrival == 0 || arrival < now.Unix() {
			continue
		}

		a := models.Arrival{
			RouteID:     st.Trip.Route.ID,
			Headsign:    st.Headsign,
			ArrivalTime: arrival,
			Direction:   arrivalDirection(st),
		}
		if a.Headsign == "" && st.Trip.Destination != nil {
			a.Headsign = st.Trip.Destination.Name
		}
		if st.Trip.Vehicle != nil {
			a.VehicleID = st.Trip.Vehicle.ID
		}

		if a.Direction == models.DirectionSouth {
			out.Stop.SouthArrivals = append(out.Stop.SouthArrivals, a)
		} else {
			out.Stop.NorthArrivals = append(out.Stop.NorthArrivals, a)
		}
	}

	sortArrivals(out.Stop.NorthArrivals)
	sortArrivals(out.Stop.SouthArrivals)
	return out, nil
}

func arrivalTime(st stopTimeJSON) int64 {
	if st.Arrival != nil && st.Arrival.Time > 0 {
		return int64(st.Arrival.Time)
	}
	if st.Departure != nil {
		return int64(st.Departure.Time)
	}
	return 0
}

func arrivalDirection(st stopTimeJSON) models.Direction {
	if st.Trip != nil && st.Trip.DirectionID != nil {
		if *st.Trip.DirectionID {
			return models.DirectionSouth
		}
		return models.DirectionNorth
	}
	if d, ok := models.DirectionFromStopID(st.Stop.ID); ok {
		return d
	}
	return models.DirectionNorth
}

func sortArrivals(a []models.Arrival) {
	sort.SliceStable(a, func(i, j int) bool { return a[i].ArrivalTime < a[j].ArrivalTime })
}

func stopRoutes(stop *stopJSON) []string {
	seen := make(map[string]bool)
	routes := []string{}
	for _, sm := range stop.ServiceMaps {
		for _, r := range sm.Routes {
			if r.ID != "" && !seen[r.ID] {
				seen[r.ID] = true
				routes = append(routes, r.ID)
			}
		}
	}
	sort.Strings(routes)
	return routes
}

func (c *Client) fetchStop(ctx context.Context, stopID string) (*stopJSON, error) {
	var stop stopJSON
	if err := c.getJSON(ctx, c.systemPath("stops", stopID), nil, &stop); err != nil {
		return nil, err
	}
	if stop.ID == "" {
		stop.ID = stopID
	}
	return &stop, nil
}

// cacheStop stores a stop's coordinates, and the same coordinates under each
// child platform id so suffixed lookups hit without a fetch.
func (c *Client) cacheStop(stop *stopJSON) (models.LatLon, bool) {
	if stop.Latitude == nil || stop.Longitude == nil {
		return models.LatLon{}, false
	}
	ll := models.LatLon{Lat: *stop.Latitude, Lon: *stop.Longitude}
	_ = c.stops.Set(stop.ID, ll)
	for _, child := range stop.ChildStops {
		if child.ID == "" {
			continue
		}
		if _, err := c.stops.GetIFPresent(child.ID); err == nil {
			continue
		}
		_ = c.stops.Set(child.ID, ll)
	}
	return ll, true
}

// CachedStops returns the number of cached stop coordinates
func (c *Client) CachedStops() int {
	return c.stops.Len(false)
}

func (c *Client) systemPath(parts ...string) string {
	escaped := make([]string, 0, len(parts)+2)
	escaped = append(escaped, "systems", url.PathEscape(c.system))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return "/" + strings.Join(escaped, "/")
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &statusError{path: path, code: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// settle records one attempted call. A 404 is an answer from a healthy
// upstream; a call the caller gave up on says nothing about the upstream.
func settle(ctx context.Context, b *breaker.Breaker, err error) {
	var se *statusError
	switch {
	case err == nil, errors.As(err, &se) && se.code == http.StatusNotFound:
		b.RecordSuccess()
	case ctx.Err() != nil:
		b.Abandon()
	default:
		b.RecordFailure()
	}
}

// classify maps a transport error onto the arrivals error taxonomy
func classify(err error) error {
	var se *statusError
	if errors.As(err, &se) {
		if se.code == http.StatusNotFound {
			return fmt.Errorf("%w: %v", models.ErrStopNotFound, err)
		}
		if se.code == http.StatusGatewayTimeout {
			return fmt.Errorf("%w: %v", models.ErrUpstreamTimeout, err)
		}
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrUpstreamTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", models.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
}
