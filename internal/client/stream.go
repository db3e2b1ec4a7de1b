package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mini-subway-live/realtime/internal/models"
)

// StreamOptions configures a Consumer
type StreamOptions struct {
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	FreshnessWindow time.Duration
}

// DefaultStreamOptions returns 1 s -> 30 s reconnect and a 30 s freshness window
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		ReconnectMin:    time.Second,
		ReconnectMax:    30 * time.Second,
		FreshnessWindow: 30 * time.Second,
	}
}

// ConnState is what presentation needs to know about the stream
type ConnState struct {
	Connected     bool
	Stale         bool
	LastUpdate    time.Time
	LastHeartbeat time.Time
	NextRetry     time.Duration
}

// Consumer holds a long-lived subscription to the train stream and
// reconnects with capped exponential backoff.
type Consumer struct {
	url    string
	client *http.Client
	opts   StreamOptions
	retry  *backoff.ExponentialBackOff
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	onSnapshot func(models.TrainSnapshot)
	onState    func(ConnState)

	mu            sync.Mutex
	connected     bool
	lastUpdate    time.Time
	lastHeartbeat time.Time
	nextRetry     time.Duration
}

// NewConsumer creates a consumer for the stream at url
func NewConsumer(url string, opts StreamOptions) *Consumer {
	def := DefaultStreamOptions()
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = def.ReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = def.FreshnessWindow
	}

	retry := &backoff.ExponentialBackOff{
		InitialInterval:     opts.ReconnectMin,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         opts.ReconnectMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	retry.Reset()

	return &Consumer{
		url: url,
		// no overall timeout: the response body is the stream
		client: &http.Client{},
		opts:   opts,
		retry:  retry,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// OnSnapshot registers the handler for every received snapshot
func (c *Consumer) OnSnapshot(fn func(models.TrainSnapshot)) {
	c.onSnapshot = fn
}

// OnState registers the handler for connection state changes
func (c *Consumer) OnState(fn func(ConnState)) {
	c.onState = fn
}

// Run keeps the subscription alive until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) {
	for {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			c.setConnected(false)
			log.Println("Stream: consumer stopped")
			return
		}

		c.setConnected(false)
		delay := c.retry.NextBackOff()
		c.mu.Lock()
		c.nextRetry = delay
		c.mu.Unlock()
		c.notify()

		log.Printf("Stream: disconnected (%v), reconnecting in %v", err, delay)
		if err := c.sleep(ctx, delay); err != nil {
			log.Println("Stream: consumer stopped")
			return
		}
	}
}

// connect opens one subscription and reads it until it ends
func (c *Consumer) connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// the open signal is the only place backoff resets
	c.retry.Reset()
	c.mu.Lock()
	c.nextRetry = 0
	c.mu.Unlock()
	c.setConnected(true)
	log.Printf("Stream: connected to %s", c.url)

	return c.read(resp)
}

func (c *Consumer) read(resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				c.dispatch([]byte(data.String()))
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// event names are repeated in the envelope; comments and ids are ignored
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return fmt.Errorf("stream closed by server")
}

func (c *Consumer) dispatch(payload []byte) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("Warning: undecodable stream event: %v", err)
		return
	}

	switch env.Type {
	case models.EventTrains:
		var snap models.TrainSnapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			log.Printf("Warning: undecodable trains event: %v", err)
			return
		}
		c.mu.Lock()
		c.lastUpdate = c.now()
		c.mu.Unlock()
		if c.onSnapshot != nil {
			c.onSnapshot(snap)
		}
		c.notify()
	case models.EventHeartbeat:
		c.mu.Lock()
		c.lastHeartbeat = c.now()
		c.mu.Unlock()
	}
}

// IsStale reports whether no trains event arrived within the freshness
// window, regardless of connection state
func (c *Consumer) IsStale(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleLocked(now)
}

func (c *Consumer) staleLocked(now time.Time) bool {
	return c.lastUpdate.IsZero() || now.Sub(c.lastUpdate) > c.opts.FreshnessWindow
}

// State returns the current connection state
func (c *Consumer) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnState{
		Connected:     c.connected,
		Stale:         c.staleLocked(c.now()),
		LastUpdate:    c.lastUpdate,
		LastHeartbeat: c.lastHeartbeat,
		NextRetry:     c.nextRetry,
	}
}

func (c *Consumer) setConnected(v bool) {
	c.mu.Lock()
	changed := c.connected != v
	c.connected = v
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

func (c *Consumer) notify() {
	if c.onState != nil {
		c.onState(c.State())
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
