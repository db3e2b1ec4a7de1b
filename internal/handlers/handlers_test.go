package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-subway-live/realtime/internal/cache"
	"github.com/mini-subway-live/realtime/internal/db"
	"github.com/mini-subway-live/realtime/internal/metrics"
	"github.com/mini-subway-live/realtime/internal/models"
	"github.com/mini-subway-live/realtime/internal/nearby"
	"github.com/mini-subway-live/realtime/internal/realtime/breaker"
	"github.com/mini-subway-live/realtime/internal/realtime/trains"
	"github.com/mini-subway-live/realtime/internal/stream"
)

type fakePoller struct {
	snap models.TrainSnapshot
}

func (f *fakePoller) Snapshot() models.TrainSnapshot { return f.snap }

func (f *fakePoller) Train(id string) (models.Train, bool) {
	for _, t := range f.snap.Trains {
		if t.ID == id {
			return t, true
		}
	}
	return models.Train{}, false
}

func (f *fakePoller) Breakers() []trains.BreakerInfo {
	out := []trains.BreakerInfo{}
	for _, s := range f.snap.FeedStatuses {
		st := breaker.Closed
		if !s.IsHealthy {
			st = breaker.Open
		}
		out = append(out, trains.BreakerInfo{Feed: s.FeedID, State: st.String(), FailureCount: s.ErrorCount})
	}
	return out
}

type fakeJournal struct{}

func (fakeJournal) RecentFeedEvents(context.Context, string, int) ([]db.FeedEvent, error) {
	return []db.FeedEvent{{FeedID: "l", Healthy: false, BreakerState: "open"}}, nil
}

type resultCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *resultCounter) ArrivalsRequest(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[result]++
}

func testRouter(t *testing.T, poller *fakePoller, rec ArrivalsRecorder) http.Handler {
	t.Helper()

	load := func(_ context.Context, stopID string) (*models.StopArrivals, error) {
		switch stopID {
		case "nowhere":
			return nil, fmt.Errorf("lookup: %w", models.ErrStopNotFound)
		case "slow":
			return nil, models.ErrUpstreamTimeout
		case "down":
			return nil, models.ErrUpstreamUnavailable
		}
		return &models.StopArrivals{
			Stop: models.StopArrivalsStop{
				ID:            stopID,
				Name:          "14 St",
				Routes:        []string{"A", "C", "E"},
				NorthArrivals: []models.Arrival{{RouteID: "A", Direction: models.DirectionNorth, ArrivalTime: 100}},
				SouthArrivals: []models.Arrival{},
			},
			Timestamp: 1,
		}, nil
	}

	hub := stream.NewHub(4, poller.Snapshot)
	t.Cleanup(hub.Close)

	index := nearby.NewIndex([]models.Station{
		{ID: "A31", Name: "14 St", Latitude: 40.7402, Longitude: -74.0020},
		{ID: "L01", Name: "8 Av", Latitude: 40.7398, Longitude: -74.0027},
		{ID: "127", Name: "Times Sq", Latitude: 40.7553, Longitude: -73.9870},
	})

	return NewRouter(Router{
		Trains:   NewTrainHandler(poller, hub),
		Arrivals: NewArrivalsHandler(cache.NewLoader(cache.NewMemory(time.Minute, nil), load), rec, time.Second),
		Stations: NewStationHandler(index, 0),
		Health: NewHealthHandler(HealthDeps{
			Poller:      poller,
			Subscribers: hub.Count,
			CycleStats:  func() metrics.StatsSummary { return metrics.StatsSummary{Count: 3, Mean: 0.4} },
			Journal:     fakeJournal{},
		}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) }),
	}, []string{"http://localhost:5173"})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func samplePoller() *fakePoller {
	return &fakePoller{snap: models.TrainSnapshot{
		SnapshotID: "s1",
		Trains: []models.Train{
			{ID: "t1", Line: "A", Direction: models.DirectionNorth, Status: models.StatusInTransit},
			{ID: "t2", Line: "L", Direction: models.DirectionSouth, Status: models.StatusAtStop},
		},
		FeedStatuses: []models.FeedStatus{
			{FeedID: "ace", IsHealthy: true},
			{FeedID: "l", IsHealthy: false, ErrorCount: 3},
		},
		Timestamp: time.Now().UnixMilli(),
	}}
}

func TestGetAllTrains(t *testing.T) {
	h := testRouter(t, samplePoller(), nil)

	rec := get(t, h, "/api/trains")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age")

	var snap models.TrainSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Len(t, snap.Trains, 2)
	assert.Len(t, snap.FeedStatuses, 2)

	rec = get(t, h, "/api/trains?route_id=l")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Trains, 1)
	assert.Equal(t, "t2", snap.Trains[0].ID)
}

func TestGetAllTrains_EmptySnapshotHasArray(t *testing.T) {
	h := testRouter(t, &fakePoller{}, nil)
	rec := get(t, h, "/api/trains")
	assert.Contains(t, rec.Body.String(), `"trains":[]`)
}

func TestGetTrainByID(t *testing.T) {
	h := testRouter(t, samplePoller(), nil)

	rec := get(t, h, "/api/trains/t1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"t1"`)

	rec = get(t, h, "/api/trains/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body.Code)
	assert.Equal(t, "ghost", body.Details["trainId"])
}

func TestGetStopArrivals(t *testing.T) {
	counter := &resultCounter{}
	h := testRouter(t, samplePoller(), counter)

	rec := get(t, h, "/api/stops/A31/arrivals")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	var got models.StopArrivals
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"A", "C", "E"}, got.Stop.Routes)
	require.Len(t, got.Stop.NorthArrivals, 1)

	rec = get(t, h, "/api/stops/A31/arrivals")
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))

	tests := []struct {
		stop   string
		status int
		code   string
	}{
		{"nowhere", http.StatusNotFound, "not_found"},
		{"slow", http.StatusGatewayTimeout, "timeout"},
		{"down", http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.stop, func(t *testing.T) {
			rec := get(t, h, "/api/stops/"+tt.stop+"/arrivals")
			assert.Equal(t, tt.status, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, tt.stop, body.Details["stopId"])
		})
	}

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, map[string]int{"ok": 1, "hit": 1, "not_found": 1, "timeout": 1, "unavailable": 1}, counter.counts)
}

func TestGetNearby(t *testing.T) {
	h := testRouter(t, samplePoller(), nil)

	rec := get(t, h, "/api/stations/nearby?lat=40.7400&lon=-74.0023")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp NearbyStationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 0.8, resp.RadiusKm)
	require.Len(t, resp.Stations, 2)
	assert.LessOrEqual(t, resp.Stations[0].DistanceKm, resp.Stations[1].DistanceKm)

	rec = get(t, h, "/api/stations/nearby?lat=40.7400&lon=-74.0023&radius=3")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)

	for _, q := range []string{
		"lon=-74",
		"lat=40.7",
		"lat=abc&lon=-74",
		"lat=91&lon=-74",
		"lat=40.7&lon=-74&radius=0",
		"lat=40.7&lon=-74&radius=50",
		"lat=40.7&lon=-74&radius=x",
	} {
		assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/stations/nearby?"+q).Code, q)
	}
}

func TestHealth(t *testing.T) {
	poller := samplePoller()
	h := testRouter(t, poller, nil)

	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, 1, resp.HealthyFeeds)
	assert.Equal(t, 2, resp.TotalFeeds)

	poller.snap.FeedStatuses[0].IsHealthy = false
	rec = get(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	poller.snap.FeedStatuses[0].IsHealthy = true
	poller.snap.FeedStatuses[1].IsHealthy = true
	rec = get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestDetailedHealth(t *testing.T) {
	h := testRouter(t, samplePoller(), nil)

	rec := get(t, h, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp DetailedHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Feeds, 2)
	require.Len(t, resp.Breakers, 2)
	assert.Equal(t, "open", resp.Breakers[1].State)
	require.NotNil(t, resp.CycleStats)
	assert.Equal(t, 3, resp.CycleStats.Count)
	require.Len(t, resp.RecentEvents, 1)
	assert.Equal(t, "l", resp.RecentEvents[0].FeedID)
	assert.Less(t, resp.SnapshotAge, 60.0)
}

func TestMetricsAndCORS(t *testing.T) {
	h := testRouter(t, samplePoller(), nil)
	assert.Equal(t, "ok", get(t, h, "/metrics").Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api/trains", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamEndpoint(t *testing.T) {
	srv := httptest.NewServer(testRouter(t, samplePoller(), nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/trains/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "event: trains")
	assert.Contains(t, string(buf[:n]), `"id":"t1"`)
}
