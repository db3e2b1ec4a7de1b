package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-subway-live/realtime/internal/models"
	"github.com/mini-subway-live/realtime/internal/realtime/breaker"
	"github.com/mini-subway-live/realtime/internal/realtime/trains"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Connect(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func report(started time.Time, healthy map[string]bool) trains.CycleReport {
	r := trains.CycleReport{Started: started, Duration: 120 * time.Millisecond, Trains: 5}
	for _, feed := range []string{"ace", "l"} {
		fr := trains.FeedReport{Status: models.FeedStatus{FeedID: feed, IsHealthy: healthy[feed]}}
		if !healthy[feed] {
			fr.Err = errors.New("upstream returned 503")
			fr.Status.ErrorCount = 1
			fr.Breaker = breaker.Closed
		}
		r.Feeds = append(r.Feeds, fr)
	}
	return r
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.EnsureSchema(context.Background()))
}

func TestJournal_RecordsOnlyHealthFlips(t *testing.T) {
	db := openTestDB(t)
	j := NewJournal(db, 24*time.Hour)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Second)

	j.ObserveCycle(report(t0, map[string]bool{"ace": true, "l": true}))
	j.ObserveCycle(report(t0.Add(15*time.Second), map[string]bool{"ace": true, "l": true}))
	j.ObserveCycle(report(t0.Add(30*time.Second), map[string]bool{"ace": true, "l": false}))
	j.ObserveCycle(report(t0.Add(45*time.Second), map[string]bool{"ace": true, "l": false}))

	events, err := db.RecentFeedEvents(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, events, 3, "first sighting of each feed plus one flip")

	lEvents, err := db.RecentFeedEvents(ctx, "l", 10)
	require.NoError(t, err)
	require.Len(t, lEvents, 2)
	assert.False(t, lEvents[0].Healthy)
	assert.Equal(t, "upstream returned 503", lEvents[0].Error)
	assert.Equal(t, "closed", lEvents[0].BreakerState)
	assert.True(t, lEvents[1].Healthy)

	cycles, err := db.RecentCycles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cycles, 4)
	assert.Equal(t, 1, cycles[0].HealthyFeeds)
	assert.Equal(t, 2, cycles[0].TotalFeeds)
	assert.Equal(t, int64(120), cycles[0].DurationMs)
	assert.True(t, cycles[0].StartedAt.Equal(t0.Add(45*time.Second)))
}

func TestCleanup_RemovesOldRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, db.InsertCycle(ctx, CycleRecord{StartedAt: now.Add(-3 * time.Hour), TotalFeeds: 1}))
	require.NoError(t, db.InsertCycle(ctx, CycleRecord{StartedAt: now.Add(-30 * time.Minute), TotalFeeds: 1}))
	require.NoError(t, db.InsertFeedEvent(ctx, FeedEvent{FeedID: "g", BreakerState: "open", RecordedAt: now.Add(-5 * time.Hour)}))

	require.NoError(t, db.Cleanup(ctx, now, 2*time.Hour))

	cycles, err := db.RecentCycles(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, cycles, 1)

	events, err := db.RecentFeedEvents(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCleanup_ClampsRetentionToOneHour(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, db.InsertCycle(ctx, CycleRecord{StartedAt: now.Add(-30 * time.Minute), TotalFeeds: 1}))
	require.NoError(t, db.Cleanup(ctx, now, time.Minute))

	cycles, err := db.RecentCycles(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, cycles, 1)
}
