package db

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Cleanup deletes journal rows recorded before now-retention
func (db *DB) Cleanup(ctx context.Context, now time.Time, retention time.Duration) error {
	if retention < time.Hour {
		retention = time.Hour
	}
	cutoff := formatTime(now.Add(-retention))

	queries := []struct {
		name  string
		query string
	}{
		{name: "feed_events", query: "DELETE FROM feed_events WHERE recorded_at_utc < ?"},
		{name: "poll_cycles", query: "DELETE FROM poll_cycles WHERE started_at_utc < ?"},
	}

	totalDeleted := 0
	for _, q := range queries {
		result, err := db.exec(ctx, q.query, cutoff)
		if err != nil {
			return fmt.Errorf("failed to cleanup %s: %w", q.name, err)
		}
		rows, _ := result.RowsAffected()
		totalDeleted += int(rows)
	}

	if totalDeleted > 0 {
		log.Printf("Cleanup: deleted %d journal records older than %v", totalDeleted, retention)
	}
	return nil
}

// formatTime is the single on-disk time format; UTC RFC3339 sorts lexically
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
