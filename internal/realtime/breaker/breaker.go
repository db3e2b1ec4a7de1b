package breaker

import (
	"sync"
	"time"
)

// State is the circuit breaker state
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	DefaultThreshold       = 3
	DefaultRecoveryTimeout = 60 * time.Second
)

// Breaker isolates one upstream feed. Call IsOpen before every attempt and
// exactly one of RecordSuccess/RecordFailure after each attempted call.
//
// Open -> HalfOpen is evaluated lazily on IsOpen/State, there is no timer.
// HalfOpen admits one trial call; IsOpen reports true to everyone else until
// that trial is recorded or abandoned. A single success closes the circuit
// from any state.
type Breaker struct {
	mu              sync.Mutex
	name            string
	threshold       int
	recoveryTimeout time.Duration
	now             func() time.Time

	state           State
	failureCount    int
	lastFailureTime time.Time
	trialInFlight   bool

	onStateChange func(name string, from, to State)
}

// Lookup returns the breaker guarding the named feed, or nil when the feed
// is unknown
type Lookup func(name string) *Breaker

// Option customizes a Breaker
type Option func(*Breaker)

// WithClock replaces the wall clock (tests)
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback invoked (outside the lock) on every transition
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a closed breaker. Non-positive threshold or timeout fall back to
// the defaults.
func New(name string, threshold int, recoveryTimeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	b := &Breaker{
		name:            name,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the feed name this breaker guards
func (b *Breaker) Name() string {
	return b.name
}

// IsOpen reports whether the caller must skip the call. After the recovery
// timeout the first caller gets false and owns the half-open trial; it must
// then call RecordSuccess, RecordFailure or Abandon.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	from := b.state
	b.advance()
	to := b.state

	open := to == Open
	if to == HalfOpen {
		open = b.trialInFlight
		b.trialInFlight = true
	}
	b.mu.Unlock()

	b.notify(from, to)
	return open
}

// State returns the current state, applying the lazy Open -> HalfOpen
// transition. It never claims the half-open trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	from := b.state
	b.advance()
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return to
}

// advance applies Open -> HalfOpen once the recovery timeout has elapsed.
// Callers hold mu.
func (b *Breaker) advance() {
	if b.state == Open && b.now().Sub(b.lastFailureTime) >= b.recoveryTimeout {
		b.state = HalfOpen
		b.trialInFlight = false
	}
}

// Abandon releases a half-open trial that ended without an upstream verdict,
// e.g. because the caller's context was cancelled. State is unchanged.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

// RecordSuccess closes the circuit and resets the failure count
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failureCount = 0
	b.trialInFlight = false
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure counts a failure. A half-open trial failure re-opens the
// circuit immediately; a closed circuit opens once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failureCount++
	b.lastFailureTime = b.now()
	b.trialInFlight = false
	if b.state == HalfOpen || b.failureCount >= b.threshold {
		b.state = Open
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Snapshot returns state, failure count and last failure time in one read
func (b *Breaker) Snapshot() (State, int, time.Time) {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return state, b.failureCount, b.lastFailureTime
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
