package nearby

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mini-subway-live/realtime/internal/cache"
	"github.com/mini-subway-live/realtime/internal/models"
)

// ArrivalsSource answers per-stop arrivals queries (the backend API client)
type ArrivalsSource interface {
	StopArrivals(ctx context.Context, stopID string) (*models.StopArrivals, error)
}

// StationDepartures is the decision for one nearby station
type StationDepartures struct {
	Station NearbyStation    `json:"station"`
	North   []ProcessedTrain `json:"north"`
	South   []ProcessedTrain `json:"south"`
	// ErrorCode is set when arrivals could not be fetched (not_found, timeout, unavailable)
	ErrorCode string `json:"errorCode,omitempty"`
}

// Result is one completed nearby refresh
type Result struct {
	Location   models.LatLon       `json:"location"`
	Stations   []StationDepartures `json:"stations"`
	ComputedAt time.Time           `json:"computedAt"`
}

// EngineOptions tunes an Engine
type EngineOptions struct {
	RadiusKm    float64
	Debounce    time.Duration
	CacheTTL    time.Duration
	MaxStations int
	Parallelism int
}

// DefaultEngineOptions returns the rider-facing defaults
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		RadiusKm:    DefaultRadiusKm,
		Debounce:    500 * time.Millisecond,
		CacheTTL:    cache.DefaultTTL,
		MaxStations: 6,
		Parallelism: 4,
	}
}

// Engine turns location updates into ideal-departure decisions. Location
// updates are debounced; a refresh superseded by a newer one is cancelled and
// its result discarded.
type Engine struct {
	index  *Index
	loader *cache.Loader
	opts   EngineOptions
	now    func() time.Time

	mu       sync.Mutex
	timer    *time.Timer
	cancel   context.CancelFunc
	seq      uint64
	onResult func(Result)
	latest   *Result
	stopped  bool
}

// NewEngine creates an engine; each station's arrivals are cached for opts.CacheTTL
func NewEngine(index *Index, source ArrivalsSource, opts EngineOptions) *Engine {
	def := DefaultEngineOptions()
	if opts.RadiusKm <= 0 {
		opts.RadiusKm = def.RadiusKm
	}
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.MaxStations <= 0 {
		opts.MaxStations = def.MaxStations
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = def.Parallelism
	}

	return &Engine{
		index:  index,
		loader: cache.NewLoader(cache.NewMemory(opts.CacheTTL, nil), source.StopArrivals),
		opts:   opts,
		now:    time.Now,
	}
}

// OnResult registers the callback receiving every non-superseded result
func (e *Engine) OnResult(fn func(Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onResult = fn
}

// Latest returns the most recent result, if any
func (e *Engine) Latest() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return Result{}, false
	}
	return *e.latest, true
}

// UpdateLocation schedules a refresh once updates stop arriving for the
// debounce window
func (e *Engine) UpdateLocation(lat, lon float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.opts.Debounce, func() {
		e.start(lat, lon)
	})
}

// Stop cancels any pending or in-flight refresh
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.seq++
}

func (e *Engine) start(lat, lon float64) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	go func() {
		defer cancel()

		res := e.Refresh(ctx, lat, lon)
		if ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		if seq != e.seq {
			e.mu.Unlock()
			return
		}
		e.latest = &res
		fn := e.onResult
		e.mu.Unlock()

		if fn != nil {
			fn(res)
		}
	}()
}

// Refresh computes departures for the stations around (lat, lon) now.
// Per-station failures are reported on that station only.
func (e *Engine) Refresh(ctx context.Context, lat, lon float64) Result {
	stations := e.index.Nearby(lat, lon, e.opts.RadiusKm)
	if len(stations) > e.opts.MaxStations {
		stations = stations[:e.opts.MaxStations]
	}

	now := e.now()
	out := make([]StationDepartures, len(stations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for i, st := range stations {
		i, st := i, st
		g.Go(func() error {
			out[i] = e.departuresFor(gctx, st, now)
			return nil
		})
	}
	_ = g.Wait()

	return Result{
		Location:   models.LatLon{Lat: lat, Lon: lon},
		Stations:   out,
		ComputedAt: now,
	}
}

func (e *Engine) departuresFor(ctx context.Context, st NearbyStation, now time.Time) StationDepartures {
	sd := StationDepartures{
		Station: st,
		North:   []ProcessedTrain{},
		South:   []ProcessedTrain{},
	}

	arrivals, _, err := e.loader.Get(ctx, st.ID)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("Nearby: arrivals for %s failed: %v", st.ID, err)
		}
		sd.ErrorCode = models.ErrorCode(err)
		return sd
	}

	sd.North = SelectDepartures(arrivals.Stop.NorthArrivals, st.WalkingMinutes, now)
	sd.South = SelectDepartures(arrivals.Stop.SouthArrivals, st.WalkingMinutes, now)
	return sd
}
