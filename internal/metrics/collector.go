package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mini-subway-live/realtime/internal/realtime/breaker"
	"github.com/mini-subway-live/realtime/internal/realtime/trains"
)

// Collector bundles the service's Prometheus metrics and the running
// statistics of poll cycle latency. It observes the poller, the stream hub
// and the arrivals endpoint.
type Collector struct {
	gatherer prometheus.Gatherer

	Cycles         *prometheus.CounterVec
	CycleDurations prometheus.Histogram
	Trains         prometheus.Gauge
	Broadcasts     prometheus.Counter
	FeedHealthy    *prometheus.GaugeVec
	BreakerState   *prometheus.GaugeVec
	Subscribers    prometheus.Gauge
	Dropped        prometheus.Counter
	Arrivals       *prometheus.CounterVec

	cycleStats RunningStats
}

// NewCollector registers metrics against reg, defaulting to the global
// registry when nil. Registering twice returns the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.Cycles, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poller_cycles_total",
		Help: "Poll cycles, labeled by result (ok, partial, failed).",
	}, []string{"result"}), "poller_cycles_total"); err != nil {
		return nil, err
	}
	if c.CycleDurations, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "poller_cycle_duration_seconds",
		Help:    "Poll cycle latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
	}), "poller_cycle_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Trains, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "poller_trains",
		Help: "Trains in the current snapshot.",
	}), "poller_trains"); err != nil {
		return nil, err
	}
	if c.Broadcasts, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poller_broadcasts_total",
		Help: "Snapshots broadcast because their content changed.",
	}), "poller_broadcasts_total"); err != nil {
		return nil, err
	}
	if c.FeedHealthy, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_healthy",
		Help: "1 when the feed's last attempt succeeded, 0 otherwise.",
	}, []string{"feed"}), "feed_healthy"); err != nil {
		return nil, err
	}
	if c.BreakerState, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_breaker_state",
		Help: "Circuit breaker state per feed (0 closed, 1 open, 2 half-open).",
	}, []string{"feed"}), "feed_breaker_state"); err != nil {
		return nil, err
	}
	if c.Subscribers, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stream_subscribers",
		Help: "Connected stream subscribers.",
	}), "stream_subscribers"); err != nil {
		return nil, err
	}
	if c.Dropped, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_dropped_events_total",
		Help: "Subscribers disconnected because their queue was full.",
	}), "stream_dropped_events_total"); err != nil {
		return nil, err
	}
	if c.Arrivals, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arrivals_requests_total",
		Help: "Per-stop arrivals requests, labeled by result.",
	}, []string{"result"}), "arrivals_requests_total"); err != nil {
		return nil, err
	}

	return c, nil
}

// Handler exposes a ready-to-use /metrics handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ObserveCycle implements trains.CycleObserver
func (c *Collector) ObserveCycle(r trains.CycleReport) {
	if c == nil {
		return
	}

	failed := 0
	for _, f := range r.Feeds {
		healthy := 0.0
		if f.Status.IsHealthy {
			healthy = 1
		} else {
			failed++
		}
		c.FeedHealthy.WithLabelValues(f.Status.FeedID).Set(healthy)
		c.BreakerState.WithLabelValues(f.Status.FeedID).Set(float64(f.Breaker))
	}

	result := "ok"
	switch {
	case len(r.Feeds) > 0 && failed == len(r.Feeds):
		result = "failed"
	case failed > 0:
		result = "partial"
	}
	c.Cycles.WithLabelValues(result).Inc()

	seconds := r.Duration.Seconds()
	c.CycleDurations.Observe(seconds)
	c.cycleStats.Observe(seconds)
	c.Trains.Set(float64(r.Trains))
	if r.Changed {
		c.Broadcasts.Inc()
	}
}

// BreakerChanged records a breaker transition as it happens
func (c *Collector) BreakerChanged(feed string, _, to breaker.State) {
	if c == nil {
		return
	}
	c.BreakerState.WithLabelValues(feed).Set(float64(to))
}

// SubscribersChanged implements stream.Observer
func (c *Collector) SubscribersChanged(n int) {
	if c == nil {
		return
	}
	c.Subscribers.Set(float64(n))
}

// SubscriberDropped implements stream.Observer
func (c *Collector) SubscriberDropped() {
	if c == nil {
		return
	}
	c.Dropped.Inc()
}

// ArrivalsRequest counts one arrivals request outcome
func (c *Collector) ArrivalsRequest(result string) {
	if c == nil {
		return
	}
	c.Arrivals.WithLabelValues(result).Inc()
}

// CycleStats returns running statistics of poll cycle duration in seconds
func (c *Collector) CycleStats() StatsSummary {
	if c == nil {
		return StatsSummary{}
	}
	return c.cycleStats.Summary()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return g, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}
