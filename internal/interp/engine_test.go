package interp

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-subway-live/realtime/internal/models"
)

func ptr(f float64) *float64 { return &f }

func anchored(id string, prevID string, prevLat, prevLon float64, prevT int64, nextID string, nextLat, nextLon float64, nextT int64) models.Train {
	return models.Train{
		ID:       id,
		Line:     "A",
		Status:   models.StatusInTransit,
		PrevStop: &models.StopTiming{StopID: prevID, Latitude: prevLat, Longitude: prevLon, Time: prevT},
		NextStop: &models.StopTiming{StopID: nextID, Latitude: nextLat, Longitude: nextLon, Time: nextT},
	}
}

func TestTarget_Midpoint(t *testing.T) {
	tr := anchored("t1", "A", 40.0, -74.0, 1000, "B", 41.0, -73.0, 1015)

	got := Target(tr, time.UnixMilli(1_007_500))
	assert.InDelta(t, 40.5, got.Lat, 1e-9)
	assert.InDelta(t, -73.5, got.Lon, 1e-9)

	e := New(Options{})
	e.SetTrains([]models.Train{tr})
	frame := e.Frame(time.UnixMilli(1_007_500))
	require.Len(t, frame, 1)
	assert.InDelta(t, 40.5, frame[0].Latitude, 1e-9)
	assert.InDelta(t, -73.5, frame[0].Longitude, 1e-9)
}

func TestTarget_Boundaries(t *testing.T) {
	tr := anchored("t1", "A", 40.0, -74.0, 1000, "B", 41.0, -73.0, 1015)

	tests := []struct {
		name string
		now  time.Time
		lat  float64
	}{
		{"at prev time", time.Unix(1000, 0), 40.0},
		{"at next time", time.Unix(1015, 0), 41.0},
		{"before prev clamps", time.Unix(900, 0), 40.0},
		{"after next clamps", time.Unix(2000, 0), 41.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.lat, Target(tr, tt.now).Lat, 1e-9)
		})
	}
}

func TestTarget_WithoutAnchorsUsesReportedPosition(t *testing.T) {
	tr := models.Train{ID: "t1", Latitude: 40.1, Longitude: -73.9}
	got := Target(tr, time.Unix(0, 0))
	assert.Equal(t, models.LatLon{Lat: 40.1, Lon: -73.9}, got)

	// degenerate span
	tr = anchored("t1", "A", 40.0, -74.0, 1000, "B", 41.0, -73.0, 1000)
	tr.Latitude, tr.Longitude = 40.7, -73.7
	assert.Equal(t, models.LatLon{Lat: 40.7, Lon: -73.7}, Target(tr, time.Unix(1000, 0)))
}

func TestEaseOutCubic(t *testing.T) {
	assert.Equal(t, 0.0, EaseOutCubic(0))
	assert.Equal(t, 1.0, EaseOutCubic(1))
	assert.InDelta(t, 0.875, EaseOutCubic(0.5), 1e-12)
	assert.Equal(t, 1.0, EaseOutCubic(2))
}

func TestInterpolateBearing_Wraparound(t *testing.T) {
	for p := 0.0; p <= 1.0; p += 0.05 {
		b := InterpolateBearing(350, 10, p)
		assert.True(t, b >= 350 || b <= 10, "progress %.2f gave %.3f", p, b)
		assert.True(t, b >= 0 && b < 360)
	}
	assert.InDelta(t, 0, InterpolateBearing(350, 10, 0.5), 1e-9)
	assert.InDelta(t, 355, InterpolateBearing(10, 340, 0.5), 1e-9)
}

func TestEngine_SegmentChangeEases(t *testing.T) {
	e := New(Options{})
	start := time.Unix(2000, 0)

	first := models.Train{ID: "t1", Latitude: 40.0, Longitude: -74.0, Status: models.StatusInTransit,
		PrevStop: &models.StopTiming{StopID: "A"}, NextStop: &models.StopTiming{StopID: "B"}}
	e.SetTrains([]models.Train{first})
	f := e.Frame(start)
	assert.InDelta(t, 40.0, f[0].Latitude, 1e-9)

	// anchors roll over to a new pair and the reported position jumps
	second := first
	second.Latitude = 41.0
	second.PrevStop = &models.StopTiming{StopID: "B"}
	second.NextStop = &models.StopTiming{StopID: "C"}
	e.SetTrains([]models.Train{second})

	f = e.Frame(start)
	assert.InDelta(t, 40.0, f[0].Latitude, 1e-9, "transition starts at the last rendered position")

	f = e.Frame(start.Add(150 * time.Millisecond))
	assert.InDelta(t, 40.875, f[0].Latitude, 1e-9)

	f = e.Frame(start.Add(300 * time.Millisecond))
	assert.InDelta(t, 41.0, f[0].Latitude, 1e-9)

	f = e.Frame(start.Add(time.Second))
	assert.InDelta(t, 41.0, f[0].Latitude, 1e-9)
}

func TestEngine_SameSegmentDoesNotRestartTransition(t *testing.T) {
	e := New(Options{})
	now := time.Unix(1000, 0)
	tr := anchored("t1", "A", 40.0, -74.0, 1000, "B", 41.0, -73.0, 1010)

	e.SetTrains([]models.Train{tr})
	e.Frame(now)
	e.SetTrains([]models.Train{tr})

	// target follows the clock directly
	f := e.Frame(now.Add(5 * time.Second))
	assert.InDelta(t, 40.5, f[0].Latitude, 1e-9)
}

func TestEngine_BearingTransition(t *testing.T) {
	e := New(Options{})
	now := time.Unix(3000, 0)

	tr := models.Train{ID: "t1", Status: models.StatusInTransit, Bearing: ptr(350)}
	e.SetTrains([]models.Train{tr})
	f := e.Frame(now)
	require.True(t, f[0].HasBearing)
	assert.InDelta(t, 350, *f[0].Bearing, 1e-9)

	tr.Bearing = ptr(10)
	e.SetTrains([]models.Train{tr})
	for ms := 0; ms <= 300; ms += 16 {
		f = e.Frame(now.Add(time.Duration(ms) * time.Millisecond))
		b := *f[0].Bearing
		assert.True(t, b >= 350 || b <= 10, "at %dms bearing %.3f took the long way", ms, b)
	}
	f = e.Frame(now.Add(400 * time.Millisecond))
	assert.InDelta(t, 10, *f[0].Bearing, 1e-9)
}

func TestEngine_BearingDeadband(t *testing.T) {
	e := New(Options{})
	now := time.Unix(3000, 0)

	tr := models.Train{ID: "t1", Status: models.StatusInTransit, Bearing: ptr(90)}
	e.SetTrains([]models.Train{tr})
	e.Frame(now)

	tr.Bearing = ptr(90.8)
	e.SetTrains([]models.Train{tr})
	f := e.Frame(now.Add(time.Second))
	assert.InDelta(t, 90, *f[0].Bearing, 1e-9, "changes within the deadband are ignored")

	tr.Bearing = nil
	e.SetTrains([]models.Train{tr})
	f = e.Frame(now.Add(2 * time.Second))
	assert.False(t, f[0].HasBearing)
	assert.Nil(t, f[0].Bearing)
}

func TestEngine_DwellPulse(t *testing.T) {
	e := New(Options{})
	start := time.Unix(4000, 0)

	tr := models.Train{ID: "t1", Status: models.StatusAtStop}
	e.SetTrains([]models.Train{tr})

	assert.InDelta(t, 1.0, e.Frame(start)[0].Scale, 1e-9)
	assert.InDelta(t, 1.15, e.Frame(start.Add(750 * time.Millisecond))[0].Scale, 1e-9)
	assert.InDelta(t, 1.0, e.Frame(start.Add(1500 * time.Millisecond))[0].Scale, 1e-9)

	for ms := 0; ms < 3000; ms += 37 {
		s := e.Frame(start.Add(time.Duration(ms) * time.Millisecond))[0].Scale
		assert.True(t, s >= 1.0-1e-12 && s <= 1.15+1e-12)
	}

	tr.Status = models.StatusInTransit
	e.SetTrains([]models.Train{tr})
	assert.Equal(t, 1.0, e.Frame(start.Add(3100 * time.Millisecond))[0].Scale)

	// a new dwell starts a fresh cycle
	tr.Status = models.StatusAtStop
	e.SetTrains([]models.Train{tr})
	later := start.Add(10 * time.Second)
	assert.InDelta(t, 1.0, e.Frame(later)[0].Scale, 1e-9)
	assert.InDelta(t, 1.15, e.Frame(later.Add(750 * time.Millisecond))[0].Scale, 1e-9)
}

func TestEngine_PurgeLifecycle(t *testing.T) {
	e := New(Options{})
	now := time.Unix(5000, 0)
	a := models.Train{ID: "a", Status: models.StatusInTransit}
	b := models.Train{ID: "b", Status: models.StatusInTransit}

	e.SetTrains([]models.Train{a, b})
	assert.Len(t, e.Frame(now), 2)
	assert.Equal(t, 2, e.Tracked())

	e.SetTrains([]models.Train{a})
	f := e.Frame(now)
	require.Len(t, f, 1, "absent trains are never rendered")
	assert.Equal(t, "a", f[0].ID)
	assert.Equal(t, 2, e.Tracked(), "one missed snapshot keeps state")

	e.SetTrains([]models.Train{a})
	assert.Equal(t, 1, e.Tracked())
}

func TestEngine_DuplicateIDsCollapse(t *testing.T) {
	e := New(Options{})
	e.SetTrains([]models.Train{{ID: "x", Latitude: 1}, {ID: "x", Latitude: 2}, {ID: ""}})
	f := e.Frame(time.Unix(0, 0))
	require.Len(t, f, 1)
	assert.Equal(t, 1.0, f[0].Latitude)
	assert.False(t, math.IsNaN(f[0].Scale))
}
