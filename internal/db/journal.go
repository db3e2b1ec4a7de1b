package db

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mini-subway-live/realtime/internal/realtime/trains"
)

// FeedEvent is one recorded feed health transition
type FeedEvent struct {
	FeedID       string    `json:"feedId"`
	Healthy      bool      `json:"healthy"`
	ErrorCount   int       `json:"errorCount"`
	BreakerState string    `json:"breakerState"`
	Error        string    `json:"error,omitempty"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// CycleRecord is one recorded poll cycle summary
type CycleRecord struct {
	StartedAt    time.Time `json:"startedAt"`
	DurationMs   int64     `json:"durationMs"`
	Trains       int       `json:"trains"`
	Stale        int       `json:"stale"`
	Changed      bool      `json:"changed"`
	HealthyFeeds int       `json:"healthyFeeds"`
	TotalFeeds   int       `json:"totalFeeds"`
}

// InsertFeedEvent records a feed health transition
func (db *DB) InsertFeedEvent(ctx context.Context, ev FeedEvent) error {
	var errText *string
	if ev.Error != "" {
		errText = &ev.Error
	}
	_, err := db.exec(ctx, `
		INSERT INTO feed_events (feed_id, healthy, error_count, breaker_state, error, recorded_at_utc)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.FeedID, ev.Healthy, ev.ErrorCount, ev.BreakerState, errText, formatTime(ev.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert feed event: %w", err)
	}
	return nil
}

// InsertCycle records a poll cycle summary
func (db *DB) InsertCycle(ctx context.Context, c CycleRecord) error {
	_, err := db.exec(ctx, `
		INSERT INTO poll_cycles (started_at_utc, duration_ms, trains, stale, changed, healthy_feeds, total_feeds)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(c.StartedAt), c.DurationMs, c.Trains, c.Stale, c.Changed, c.HealthyFeeds, c.TotalFeeds,
	)
	if err != nil {
		return fmt.Errorf("failed to insert poll cycle: %w", err)
	}
	return nil
}

// RecentFeedEvents returns the newest transitions first, optionally for one feed
func (db *DB) RecentFeedEvents(ctx context.Context, feedID string, limit int) ([]FeedEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT feed_id, healthy, error_count, breaker_state, COALESCE(error, ''), recorded_at_utc
		FROM feed_events`
	args := []any{}
	if feedID != "" {
		query += " WHERE feed_id = ?"
		args = append(args, feedID)
	}
	query += " ORDER BY recorded_at_utc DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feed events: %w", err)
	}
	defer rows.Close()

	events := []FeedEvent{}
	for rows.Next() {
		var ev FeedEvent
		var recorded string
		if err := rows.Scan(&ev.FeedID, &ev.Healthy, &ev.ErrorCount, &ev.BreakerState, &ev.Error, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan feed event: %w", err)
		}
		ev.RecordedAt, _ = time.Parse(time.RFC3339, recorded)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecentCycles returns the newest cycle summaries first
func (db *DB) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT started_at_utc, duration_ms, trains, stale, changed, healthy_feeds, total_feeds
		FROM poll_cycles
		ORDER BY started_at_utc DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query poll cycles: %w", err)
	}
	defer rows.Close()

	cycles := []CycleRecord{}
	for rows.Next() {
		var c CycleRecord
		var started string
		if err := rows.Scan(&started, &c.DurationMs, &c.Trains, &c.Stale, &c.Changed, &c.HealthyFeeds, &c.TotalFeeds); err != nil {
			return nil, fmt.Errorf("failed to scan poll cycle: %w", err)
		}
		c.StartedAt, _ = time.Parse(time.RFC3339, started)
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// Journal records poll cycles and feed health flips as a trains.CycleObserver
type Journal struct {
	db        *DB
	retention time.Duration
	timeout   time.Duration

	mu      sync.Mutex
	healthy map[string]bool
}

// NewJournal creates a journal that prunes rows older than retention after
// every cycle
func NewJournal(db *DB, retention time.Duration) *Journal {
	return &Journal{
		db:        db,
		retention: retention,
		timeout:   5 * time.Second,
		healthy:   make(map[string]bool),
	}
}

// ObserveCycle implements trains.CycleObserver. Write failures are logged,
// never propagated to the poll loop.
func (j *Journal) ObserveCycle(r trains.CycleReport) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	healthyFeeds := 0
	for _, f := range r.Feeds {
		if f.Status.IsHealthy {
			healthyFeeds++
		}
		if !j.flipped(f.Status.FeedID, f.Status.IsHealthy) {
			continue
		}

		ev := FeedEvent{
			FeedID:       f.Status.FeedID,
			Healthy:      f.Status.IsHealthy,
			ErrorCount:   f.Status.ErrorCount,
			BreakerState: f.Breaker.String(),
			RecordedAt:   r.Started,
		}
		if f.Err != nil {
			ev.Error = f.Err.Error()
		}
		if err := j.db.InsertFeedEvent(ctx, ev); err != nil {
			log.Printf("Journal: %v", err)
		}
	}

	err := j.db.InsertCycle(ctx, CycleRecord{
		StartedAt:    r.Started,
		DurationMs:   r.Duration.Milliseconds(),
		Trains:       r.Trains,
		Stale:        r.Stale,
		Changed:      r.Changed,
		HealthyFeeds: healthyFeeds,
		TotalFeeds:   len(r.Feeds),
	})
	if err != nil {
		log.Printf("Journal: %v", err)
	}

	if err := j.db.Cleanup(ctx, r.Started, j.retention); err != nil {
		log.Printf("Journal: %v", err)
	}
}

// flipped reports whether the feed's health differs from the last recorded
// value; the first observation of a feed always counts.
func (j *Journal) flipped(feed string, healthy bool) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev, seen := j.healthy[feed]
	j.healthy[feed] = healthy
	return !seen || prev != healthy
}
