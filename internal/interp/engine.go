// Package interp animates trains between sparse snapshots. It is driven by
// an explicit per-frame call and owns all animation state; an Engine is not
// safe for concurrent use and must be driven from one loop.
package interp

import (
	"math"
	"sort"
	"time"

	"github.com/mini-subway-live/realtime/internal/geo"
	"github.com/mini-subway-live/realtime/internal/models"
)

// Options holds the animation constants
type Options struct {
	Transition        time.Duration // position blend after a segment change
	BearingTransition time.Duration
	BearingDeadband   float64 // degrees
	PulsePeriod       time.Duration
	PulseAmplitude    float64 // peak scale above 1.0
	PurgeAfterMisses  int     // consecutive snapshots a train may be absent before its state is dropped
}

// DefaultOptions returns the product defaults
func DefaultOptions() Options {
	return Options{
		Transition:        300 * time.Millisecond,
		BearingTransition: 300 * time.Millisecond,
		BearingDeadband:   1,
		PulsePeriod:       1500 * time.Millisecond,
		PulseAmplitude:    0.15,
		PurgeAfterMisses:  2,
	}
}

// AnimatedTrain is one train as rendered this frame. Latitude, Longitude and
// Bearing of the embedded Train carry the animated values.
type AnimatedTrain struct {
	models.Train
	Scale      float64 `json:"scale"`
	HasBearing bool    `json:"hasBearing"`
}

type segment struct {
	prev, next string
}

type state struct {
	seg    segment
	misses int

	rendered  models.LatLon
	from      models.LatLon
	moveStart time.Time
	moving    bool

	bearing     float64
	hasBearing  bool
	bearingFrom float64
	bearingTo   float64
	turnStart   time.Time
	turning     bool

	dwellStart time.Time
	dwelling   bool
}

// Engine turns the latest snapshot plus the wall clock into per-frame output
type Engine struct {
	opts   Options
	live   []models.Train
	states map[string]*state
}

// New creates an engine; zero option fields take defaults
func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.Transition <= 0 {
		opts.Transition = def.Transition
	}
	if opts.BearingTransition <= 0 {
		opts.BearingTransition = def.BearingTransition
	}
	if opts.BearingDeadband <= 0 {
		opts.BearingDeadband = def.BearingDeadband
	}
	if opts.PulsePeriod <= 0 {
		opts.PulsePeriod = def.PulsePeriod
	}
	if opts.PulseAmplitude <= 0 {
		opts.PulseAmplitude = def.PulseAmplitude
	}
	if opts.PurgeAfterMisses <= 0 {
		opts.PurgeAfterMisses = def.PurgeAfterMisses
	}
	return &Engine{opts: opts, states: make(map[string]*state)}
}

// SetTrains replaces the live set. Only live trains are rendered; state of an
// absent train survives PurgeAfterMisses-1 snapshots so a brief flap resumes
// smoothly.
func (e *Engine) SetTrains(trains []models.Train) {
	live := make([]models.Train, 0, len(trains))
	seen := make(map[string]bool, len(trains))
	for _, t := range trains {
		if t.ID == "" || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		live = append(live, t)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	e.live = live

	for id, s := range e.states {
		if seen[id] {
			s.misses = 0
			continue
		}
		s.misses++
		if s.misses >= e.opts.PurgeAfterMisses {
			delete(e.states, id)
		}
	}
}

// Tracked returns how many trains currently hold animation state
func (e *Engine) Tracked() int {
	return len(e.states)
}

// Frame computes the rendered value of every live train at now
func (e *Engine) Frame(now time.Time) []AnimatedTrain {
	out := make([]AnimatedTrain, 0, len(e.live))
	for _, t := range e.live {
		out = append(out, e.animate(t, now))
	}
	return out
}

func (e *Engine) animate(t models.Train, now time.Time) AnimatedTrain {
	target := Target(t, now)
	seg := segmentOf(t)

	s, ok := e.states[t.ID]
	if !ok {
		s = &state{seg: seg, rendered: target}
		e.states[t.ID] = s
	} else if seg != s.seg {
		s.seg = seg
		s.from = s.rendered
		s.moveStart = now
		s.moving = true
	}

	pos := target
	if s.moving {
		p := float64(now.Sub(s.moveStart)) / float64(e.opts.Transition)
		if p >= 1 {
			s.moving = false
		} else {
			k := EaseOutCubic(p)
			pos = models.LatLon{
				Lat: geo.Lerp(s.from.Lat, target.Lat, k),
				Lon: geo.Lerp(s.from.Lon, target.Lon, k),
			}
		}
	}
	s.rendered = pos

	out := AnimatedTrain{Train: t, Scale: 1}
	out.Latitude, out.Longitude = pos.Lat, pos.Lon

	if t.Bearing != nil {
		b := e.turn(s, geo.NormalizeBearing(*t.Bearing), now)
		out.Bearing = &b
		out.HasBearing = true
	} else {
		out.Bearing = nil
	}

	if t.Status == models.StatusAtStop {
		if !s.dwelling {
			s.dwelling = true
			s.dwellStart = now
		}
		out.Scale = e.pulse(now.Sub(s.dwellStart))
	} else {
		s.dwelling = false
	}

	return out
}

// turn advances the bearing animation toward target and returns the rendered bearing
func (e *Engine) turn(s *state, target float64, now time.Time) float64 {
	if !s.hasBearing {
		s.bearing, s.hasBearing = target, true
		return target
	}

	goal := s.bearing
	if s.turning {
		goal = s.bearingTo
	}
	if math.Abs(geo.AngleDelta(goal, target)) > e.opts.BearingDeadband {
		s.bearingFrom = s.bearing
		s.bearingTo = target
		s.turnStart = now
		s.turning = true
	}

	if s.turning {
		p := float64(now.Sub(s.turnStart)) / float64(e.opts.BearingTransition)
		if p >= 1 {
			s.turning = false
			s.bearing = s.bearingTo
		} else {
			s.bearing = InterpolateBearing(s.bearingFrom, s.bearingTo, EaseOutCubic(p))
		}
	}
	return s.bearing
}

// pulse oscillates between 1.0 and 1.0+amplitude, starting at 1.0
func (e *Engine) pulse(dwell time.Duration) float64 {
	phase := float64(dwell) / float64(e.opts.PulsePeriod)
	return 1 + e.opts.PulseAmplitude*(1-math.Cos(2*math.Pi*phase))/2
}

// Target is the position a train should be at now: linear between its timing
// anchors when it has them, otherwise its reported coordinates.
func Target(t models.Train, now time.Time) models.LatLon {
	if !t.HasTimingAnchors() {
		return models.LatLon{Lat: t.Latitude, Lon: t.Longitude}
	}
	nowSec := float64(now.UnixMilli()) / 1000
	p := geo.Progress(nowSec, float64(t.PrevStop.Time), float64(t.NextStop.Time))
	return models.LatLon{
		Lat: geo.Lerp(t.PrevStop.Latitude, t.NextStop.Latitude, p),
		Lon: geo.Lerp(t.PrevStop.Longitude, t.NextStop.Longitude, p),
	}
}

// InterpolateBearing rotates from -> to along the shortest arc; the result is in [0, 360)
func InterpolateBearing(from, to, t float64) float64 {
	return geo.NormalizeBearing(from + geo.AngleDelta(from, to)*t)
}

// EaseOutCubic is 1-(1-t)^3 on [0, 1]
func EaseOutCubic(t float64) float64 {
	t = geo.Clamp01(t)
	u := 1 - t
	return 1 - u*u*u
}

func segmentOf(t models.Train) segment {
	var s segment
	if t.PrevStop != nil {
		s.prev = t.PrevStop.StopID
	}
	if t.NextStop != nil {
		s.next = t.NextStop.StopID
	}
	return s
}
