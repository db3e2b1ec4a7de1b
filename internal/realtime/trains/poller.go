package trains

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mini-subway-live/realtime/internal/models"
	"github.com/mini-subway-live/realtime/internal/realtime/breaker"
	"github.com/mini-subway-live/realtime/internal/realtime/position"
)

// Options are the poller's timing and sizing knobs
type Options struct {
	PollInterval       time.Duration
	StalenessThreshold time.Duration
	TripFetchBatch     int

	StartupHealthAttempts int
	StartupHealthBackoff  time.Duration

	BreakerThreshold int
	BreakerRecovery  time.Duration
}

// DefaultOptions returns the production thresholds
func DefaultOptions() Options {
	return Options{
		PollInterval:          15 * time.Second,
		StalenessThreshold:    5 * time.Minute,
		TripFetchBatch:        50,
		StartupHealthAttempts: 30,
		StartupHealthBackoff:  2 * time.Second,
		BreakerThreshold:      breaker.DefaultThreshold,
		BreakerRecovery:       breaker.DefaultRecoveryTimeout,
	}
}

// FeedReport is the outcome of one feed within one cycle
type FeedReport struct {
	Status   models.FeedStatus
	Breaker  breaker.State
	Skipped  bool // breaker open, no call attempted
	Err      error
	Vehicles int
	Trains   int
	Dropped  int
}

// CycleReport summarizes one poll cycle
type CycleReport struct {
	Started  time.Time
	Duration time.Duration
	Trains   int
	Stale    int
	Changed  bool
	Feeds    []FeedReport
}

// CycleObserver receives a report after every cycle (metrics, journal)
type CycleObserver interface {
	ObserveCycle(CycleReport)
}

// feedState is owned by the poll loop
type feedState struct {
	source  Source
	breaker *breaker.Breaker
	status  models.FeedStatus
	trains  []models.Train // last good
}

// Poller is the Train Cache: a single loop that polls every feed, derives
// positions, filters stale trains, swaps the snapshot atomically and
// broadcasts only when the observable content changed.
type Poller struct {
	opts     Options
	upstream Upstream
	feeds    []*feedState
	now      func() time.Time

	onBreakerChange func(feed string, from, to breaker.State)

	snapshot atomic.Pointer[models.TrainSnapshot]

	// written only by the poll loop
	lastHash uint64
	hashed   bool

	mu          sync.RWMutex
	onBroadcast func(models.TrainSnapshot)
	observers   []CycleObserver
}

// Option customizes a Poller
type Option func(*Poller)

// WithClock replaces the wall clock (tests)
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithBreakerStateChange forwards breaker transitions of every feed
func WithBreakerStateChange(fn func(feed string, from, to breaker.State)) Option {
	return func(p *Poller) { p.onBreakerChange = fn }
}

// NewPoller creates a poller over one or more feeds, each with its own breaker
func NewPoller(sources []Source, upstream Upstream, opts Options, options ...Option) *Poller {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.StalenessThreshold <= 0 {
		opts.StalenessThreshold = def.StalenessThreshold
	}
	if opts.TripFetchBatch <= 0 {
		opts.TripFetchBatch = def.TripFetchBatch
	}
	if opts.StartupHealthAttempts <= 0 {
		opts.StartupHealthAttempts = def.StartupHealthAttempts
	}

	p := &Poller{
		opts:     opts,
		upstream: upstream,
		now:      time.Now,
	}
	for _, src := range sources {
		p.feeds = append(p.feeds, &feedState{
			source: src,
			status: models.FeedStatus{FeedID: src.Name()},
		})
	}
	for _, o := range options {
		o(p)
	}
	for _, f := range p.feeds {
		bopts := []breaker.Option{breaker.WithClock(func() time.Time { return p.now() })}
		if p.onBreakerChange != nil {
			bopts = append(bopts, breaker.WithStateChange(p.onBreakerChange))
		}
		f.breaker = breaker.New(f.source.Name(), opts.BreakerThreshold, opts.BreakerRecovery, bopts...)
	}

	p.snapshot.Store(&models.TrainSnapshot{
		Trains:       []models.Train{},
		FeedStatuses: p.feedStatuses(),
		Timestamp:    p.now().UnixMilli(),
	})
	return p
}

// OnBroadcast registers the callback invoked with every changed snapshot
func (p *Poller) OnBroadcast(fn func(models.TrainSnapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onBroadcast = fn
}

// Observe registers a cycle observer
func (p *Poller) Observe(o CycleObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

// WaitForUpstream blocks until the upstream reports healthy, retrying at a
// fixed backoff, while the stop coordinate cache is warmed concurrently. It
// gives up after the configured attempts and lets polling start anyway.
func (p *Poller) WaitForUpstream(ctx context.Context) {
	if p.upstream == nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := p.upstream.PreloadAllStopCoordinates(ctx)
		if err != nil {
			log.Printf("Warning: stop coordinate preload failed after %d stops: %v", n, err)
		}
	}()

	attempt := 0
	check := func() error {
		attempt++
		if p.upstream.CheckUpstreamHealth(ctx) {
			return nil
		}
		return fmt.Errorf("upstream not healthy (attempt %d/%d)", attempt, p.opts.StartupHealthAttempts)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.opts.StartupHealthBackoff), uint64(p.opts.StartupHealthAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(check, b, func(err error, next time.Duration) {
		log.Printf("Poller: %v, retrying in %v", err, next)
	})
	if err != nil {
		log.Printf("Warning: upstream still unhealthy after %d attempts, starting anyway", attempt)
	} else {
		log.Printf("Poller: upstream healthy after %d attempt(s)", attempt)
	}

	wg.Wait()
}

// Run polls immediately and then on every interval until ctx is cancelled.
// Cycles never overlap: the next tick is only handled after the current
// cycle returns.
func (p *Poller) Run(ctx context.Context) {
	p.PollOnce(ctx)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.PollOnce(ctx)
		case <-ctx.Done():
			log.Println("Polling loop stopped")
			return
		}
	}
}

// PollOnce runs a single cycle. Upstream errors never escape: they become
// FeedStatus and breaker changes.
func (p *Poller) PollOnce(ctx context.Context) CycleReport {
	started := p.now()
	report := CycleReport{Started: started, Feeds: make([]FeedReport, len(p.feeds))}

	var g errgroup.Group
	for i, f := range p.feeds {
		i, f := i, f
		g.Go(func() error {
			report.Feeds[i] = p.pollFeed(ctx, f, started)
			return nil
		})
	}
	_ = g.Wait()

	now := p.now()
	trains, stale := p.merge(now)

	snap := &models.TrainSnapshot{
		SnapshotID:   uuid.NewString(),
		Trains:       trains,
		FeedStatuses: p.feedStatuses(),
		Timestamp:    now.UnixMilli(),
	}
	p.snapshot.Store(snap)

	hash := contentHash(snap)
	report.Changed = !p.hashed || hash != p.lastHash
	p.lastHash, p.hashed = hash, true

	report.Trains = len(trains)
	report.Stale = stale
	report.Duration = p.now().Sub(started)

	p.mu.RLock()
	broadcast := p.onBroadcast
	observers := append([]CycleObserver(nil), p.observers...)
	p.mu.RUnlock()

	if report.Changed && broadcast != nil {
		broadcast(*snap)
	}
	for _, o := range observers {
		o.ObserveCycle(report)
	}

	log.Printf("Poller: %d trains from %d feeds in %v (changed=%t, stale=%d)",
		len(trains), len(p.feeds), report.Duration.Round(time.Millisecond), report.Changed, stale)
	return report
}

func (p *Poller) pollFeed(ctx context.Context, f *feedState, now time.Time) FeedReport {
	name := f.source.Name()

	if f.breaker.IsOpen() {
		f.status.IsHealthy = false
		return FeedReport{Status: f.status, Breaker: f.breaker.State(), Skipped: true}
	}

	vehicles, err := f.source.FetchVehicles(ctx)
	if err != nil {
		f.breaker.RecordFailure()
		state, failures, _ := f.breaker.Snapshot()
		f.status.IsHealthy = false
		f.status.ErrorCount = failures
		log.Printf("Poller: feed %s failed (%d consecutive, breaker %s): %v", name, failures, state, err)
		return FeedReport{Status: f.status, Breaker: state, Err: err}
	}
	f.breaker.RecordSuccess()

	trains, dropped := p.buildTrains(ctx, f.source, vehicles, now)
	f.trains = trains
	f.status = models.FeedStatus{
		FeedID:     name,
		LastUpdate: now,
		IsHealthy:  true,
		ErrorCount: 0,
	}
	if dropped > 0 {
		log.Printf("Poller: feed %s dropped %d of %d vehicles without route, stop or position", name, dropped, len(vehicles))
	}

	return FeedReport{
		Status:   f.status,
		Breaker:  breaker.Closed,
		Vehicles: len(vehicles),
		Trains:   len(trains),
		Dropped:  dropped,
	}
}

// buildTrains resolves schedules and coordinates, then derives one Train per
// usable vehicle
func (p *Poller) buildTrains(ctx context.Context, src Source, vehicles []models.Vehicle, now time.Time) ([]models.Train, int) {
	schedules := p.fetchSchedules(ctx, src, vehicles)

	var stopIDs []string
	seen := make(map[string]bool)
	addStop := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			stopIDs = append(stopIDs, id)
		}
	}
	for _, v := range vehicles {
		addStop(v.StopID)
		if s := schedules[v.TripID]; s != nil {
			for _, st := range s.Stops {
				addStop(st.StopID)
			}
		}
	}
	src.ResolveStops(ctx, stopIDs)

	byID := make(map[string]models.Train, len(vehicles))
	dropped := 0
	for _, v := range vehicles {
		if v.RouteID == "" || v.StopID == "" || v.ID == "" {
			dropped++
			continue
		}

		schedule := schedules[v.TripID]
		pos := position.Calculate(v, schedule, src, now)
		if pos == nil {
			dropped++
			continue
		}

		ts := now
		if !v.Timestamp.IsZero() {
			ts = v.Timestamp
		}

		t := models.Train{
			ID:        v.ID,
			Line:      v.RouteID,
			Direction: direction(v, schedule),
			Latitude:  pos.Latitude,
			Longitude: pos.Longitude,
			Timestamp: ts.UnixMilli(),
			StopID:    v.StopID,
			Status:    v.Status.TrainStatus(),
			PrevStop:  pos.PrevStop,
			NextStop:  pos.NextStop,
			Bearing:   pos.Bearing,
			Feed:      src.Name(),
		}
		if existing, ok := byID[t.ID]; ok && existing.Timestamp >= t.Timestamp {
			continue
		}
		byID[t.ID] = t
	}

	trains := make([]models.Train, 0, len(byID))
	for _, t := range byID {
		trains = append(trains, t)
	}
	return trains, dropped
}

// fetchSchedules fetches each referenced trip once, at most TripFetchBatch at a time
func (p *Poller) fetchSchedules(ctx context.Context, src Source, vehicles []models.Vehicle) map[string]*models.TripSchedule {
	type tripKey struct{ route, trip string }
	var keys []tripKey
	seen := make(map[string]bool)
	for _, v := range vehicles {
		if v.TripID == "" || v.RouteID == "" || v.StopID == "" || seen[v.TripID] {
			continue
		}
		seen[v.TripID] = true
		keys = append(keys, tripKey{v.RouteID, v.TripID})
	}

	results := make([]*models.TripSchedule, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.TripFetchBatch)
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			results[i] = src.FetchTripSchedule(gctx, k.route, k.trip)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]*models.TripSchedule, len(keys))
	for i, k := range keys {
		if results[i] != nil {
			out[k.trip] = results[i]
		}
	}
	return out
}

// merge combines the last-good trains of every feed, keeps one train per id
// and drops trains older than the staleness threshold
func (p *Poller) merge(now time.Time) ([]models.Train, int) {
	cutoff := now.Add(-p.opts.StalenessThreshold).UnixMilli()
	byID := make(map[string]models.Train)
	stale := 0

	for _, f := range p.feeds {
		for _, t := range f.trains {
			if t.Timestamp < cutoff {
				stale++
				continue
			}
			if existing, ok := byID[t.ID]; ok && existing.Timestamp >= t.Timestamp {
				continue
			}
			byID[t.ID] = t
		}
	}

	trains := make([]models.Train, 0, len(byID))
	for _, t := range byID {
		trains = append(trains, t)
	}
	sort.Slice(trains, func(i, j int) bool { return trains[i].ID < trains[j].ID })
	return trains, stale
}

func (p *Poller) feedStatuses() []models.FeedStatus {
	out := make([]models.FeedStatus, 0, len(p.feeds))
	for _, f := range p.feeds {
		out = append(out, f.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out
}

// direction uses the trip's direction flag, then the stop-id suffix, and
// defaults to north
func direction(v models.Vehicle, schedule *models.TripSchedule) models.Direction {
	flag := v.DirectionID
	if flag == nil && schedule != nil {
		flag = schedule.DirectionID
	}
	if flag != nil {
		if *flag {
			return models.DirectionSouth
		}
		return models.DirectionNorth
	}
	if d, ok := models.DirectionFromStopID(v.StopID); ok {
		return d
	}
	return models.DirectionNorth
}

// contentHash fingerprints what subscribers can observe: each train's id and
// position rounded to 5 decimals in id order, plus each feed's health flag
func contentHash(snap *models.TrainSnapshot) uint64 {
	h := xxhash.New()
	for _, t := range snap.Trains {
		fmt.Fprintf(h, "%s|%.5f|%.5f\n", t.ID, t.Latitude, t.Longitude)
	}
	for _, fs := range snap.FeedStatuses {
		fmt.Fprintf(h, "feed:%s|%t\n", fs.FeedID, fs.IsHealthy)
	}
	return h.Sum64()
}

// Snapshot returns the latest fully formed snapshot. The slices are copies;
// the published snapshot is never handed out.
func (p *Poller) Snapshot() models.TrainSnapshot {
	snap := *p.snapshot.Load()
	snap.Trains = slices.Clone(snap.Trains)
	snap.FeedStatuses = slices.Clone(snap.FeedStatuses)
	return snap
}

// CurrentTrains returns a copy of the trains of the latest snapshot
func (p *Poller) CurrentTrains() []models.Train {
	return slices.Clone(p.snapshot.Load().Trains)
}

// FeedStatuses returns a copy of the feed statuses of the latest snapshot
func (p *Poller) FeedStatuses() []models.FeedStatus {
	return slices.Clone(p.snapshot.Load().FeedStatuses)
}

// Train looks up one train of the latest snapshot by id
func (p *Poller) Train(id string) (models.Train, bool) {
	for _, t := range p.snapshot.Load().Trains {
		if t.ID == id {
			return t, true
		}
	}
	return models.Train{}, false
}

// BreakerInfo describes one feed's breaker for health reporting
type BreakerInfo struct {
	Feed            string    `json:"feed"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failureCount"`
	LastFailureTime time.Time `json:"lastFailureTime"`
}

// Breaker returns the named feed's breaker, or nil for an unknown feed. It
// satisfies breaker.Lookup so other upstream calls can share the circuit.
func (p *Poller) Breaker(name string) *breaker.Breaker {
	for _, f := range p.feeds {
		if f.source.Name() == name {
			return f.breaker
		}
	}
	return nil
}

// Breakers returns the breaker state of every feed
func (p *Poller) Breakers() []BreakerInfo {
	out := make([]BreakerInfo, 0, len(p.feeds))
	for _, f := range p.feeds {
		state, failures, last := f.breaker.Snapshot()
		out = append(out, BreakerInfo{
			Feed:            f.breaker.Name(),
			State:           state.String(),
			FailureCount:    failures,
			LastFailureTime: last,
		})
	}
	return out
}
