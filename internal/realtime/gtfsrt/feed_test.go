package gtfsrt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/mini-subway-live/realtime/internal/config"
	"github.com/mini-subway-live/realtime/internal/models"
	"github.com/mini-subway-live/realtime/internal/realtime/breaker"
	"github.com/mini-subway-live/realtime/internal/static/stations"
)

func testDirectory() *stations.Directory {
	return stations.NewDirectory([]models.Station{
		{ID: "A41", Name: "Jay St-MetroTech", Latitude: 40.692, Longitude: -73.987, Routes: []string{"A", "C"}},
		{ID: "A42", Name: "Hoyt-Schermerhorn", Latitude: 40.688, Longitude: -73.985, Routes: []string{"A", "C"}},
		{ID: "A55", Name: "Euclid Av", Latitude: 40.675, Longitude: -73.872, Routes: []string{"A", "C"}},
	})
}

func stopTimeUpdate(stopID string, arrival, departure int64) *gtfs.TripUpdate_StopTimeUpdate {
	stu := &gtfs.TripUpdate_StopTimeUpdate{StopId: proto.String(stopID)}
	if arrival > 0 {
		stu.Arrival = &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(arrival)}
	}
	if departure > 0 {
		stu.Departure = &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(departure)}
	}
	return stu
}

func buildFeed(t *testing.T, now int64, entities ...*gtfs.FeedEntity) []byte {
	t.Helper()
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(uint64(now)),
		},
		Entity: entities,
	}
	body, err := proto.Marshal(msg)
	require.NoError(t, err)
	return body
}

func sampleFeed(t *testing.T, now int64) []byte {
	return buildFeed(t, now,
		&gtfs.FeedEntity{
			Id: proto.String("1"),
			TripUpdate: &gtfs.TripUpdate{
				Trip: &gtfs.TripDescriptor{TripId: proto.String("t1"), RouteId: proto.String("A")},
				StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{
					stopTimeUpdate("A42S", now+120, now+150),
					stopTimeUpdate("A55S", now+900, 0),
				},
			},
		},
		&gtfs.FeedEntity{
			Id: proto.String("2"),
			Vehicle: &gtfs.VehiclePosition{
				Trip:          &gtfs.TripDescriptor{TripId: proto.String("t1"), RouteId: proto.String("A")},
				StopId:        proto.String("A42S"),
				CurrentStatus: gtfs.VehiclePosition_INCOMING_AT.Enum(),
				Timestamp:     proto.Uint64(uint64(now - 10)),
			},
		},
		&gtfs.FeedEntity{
			Id: proto.String("3"),
			Vehicle: &gtfs.VehiclePosition{
				Trip:    &gtfs.TripDescriptor{TripId: proto.String("t2"), RouteId: proto.String("C"), DirectionId: proto.Uint32(0)},
				Vehicle: &gtfs.VehicleDescriptor{Id: proto.String("car-7")},
				StopId:  proto.String("A41N"),
			},
		},
	)
}

func serve(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestFeed_FetchVehicles(t *testing.T) {
	now := time.Now().Unix()
	var gotKey string
	url := serve(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		_, _ = w.Write(sampleFeed(t, now))
	})

	f := NewFeed(config.Feed{Name: "ace", URL: url}, "secret", time.Second, testDirectory())
	vehicles, err := f.FetchVehicles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	require.Len(t, vehicles, 2)

	v := vehicles[0]
	assert.Equal(t, "t1", v.ID, "trip id stands in for a missing vehicle descriptor")
	assert.Equal(t, "A", v.RouteID)
	assert.Equal(t, models.VehicleStatusIncoming, v.Status)
	assert.Equal(t, now-10, v.Timestamp.Unix())
	assert.Nil(t, v.DirectionID)

	v = vehicles[1]
	assert.Equal(t, "car-7", v.ID)
	assert.Equal(t, models.VehicleStatusUnknown, v.Status)
	assert.Equal(t, now, v.Timestamp.Unix(), "header timestamp is the fallback")
	require.NotNil(t, v.DirectionID)
	assert.False(t, *v.DirectionID)

	s := f.FetchTripSchedule(context.Background(), "A", "t1")
	require.NotNil(t, s)
	require.Len(t, s.Stops, 2)
	assert.Equal(t, now+120, s.Stops[0].Arrival)
	assert.Nil(t, f.FetchTripSchedule(context.Background(), "C", "t2"))

	ll, ok := f.StopCoordinate("A42S")
	require.True(t, ok)
	assert.InDelta(t, 40.688, ll.Lat, 1e-9)
}

func TestFeed_FetchVehicles_Errors(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) },
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("this is not a protobuf"))
		},
	}
	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			f := NewFeed(config.Feed{Name: name, URL: serve(t, h)}, "", time.Second, testDirectory())
			_, err := f.FetchVehicles(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestFeed_KeepsPassedStop(t *testing.T) {
	now := time.Now().Unix()
	var call atomic.Int32
	url := serve(t, func(w http.ResponseWriter, r *http.Request) {
		updates := []*gtfs.TripUpdate_StopTimeUpdate{
			stopTimeUpdate("A41S", now, now+30),
			stopTimeUpdate("A42S", now+120, now+150),
		}
		if call.Add(1) > 1 {
			updates = updates[1:] // train has left A41
		}
		_, _ = w.Write(buildFeed(t, now, &gtfs.FeedEntity{
			Id: proto.String("1"),
			TripUpdate: &gtfs.TripUpdate{
				Trip:           &gtfs.TripDescriptor{TripId: proto.String("t1"), RouteId: proto.String("A")},
				StopTimeUpdate: updates,
			},
		}))
	})

	f := NewFeed(config.Feed{Name: "ace", URL: url}, "", time.Second, testDirectory())
	_, err := f.FetchVehicles(context.Background())
	require.NoError(t, err)
	_, err = f.FetchVehicles(context.Background())
	require.NoError(t, err)

	s := f.FetchTripSchedule(context.Background(), "A", "t1")
	require.NotNil(t, s)
	require.Len(t, s.Stops, 2)
	assert.Equal(t, "A41S", s.Stops[0].StopID)
	assert.Equal(t, now+30, s.Stops[0].Departure)
}

func TestSet_StopArrivals(t *testing.T) {
	now := time.Now().Unix()
	var hits atomic.Int32
	url := serve(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(sampleFeed(t, now))
	})

	set := NewSet([]config.Feed{{Name: "ace", URL: url, Routes: []string{"A", "C", "E"}}}, "", time.Second, testDirectory())
	_, err := set.Feeds()[0].FetchVehicles(context.Background())
	require.NoError(t, err)

	out, err := set.StopArrivals(context.Background(), "A42")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "arrivals read the polled trip updates")
	assert.Equal(t, "Hoyt-Schermerhorn", out.Stop.Name)
	assert.Empty(t, out.Stop.NorthArrivals)
	require.Len(t, out.Stop.SouthArrivals, 1)

	a := out.Stop.SouthArrivals[0]
	assert.Equal(t, "A", a.RouteID)
	assert.Equal(t, now+120, a.ArrivalTime)
	assert.Equal(t, "Euclid Av", a.Headsign)
	assert.Equal(t, models.DirectionSouth, a.Direction)

	_, err = set.StopArrivals(context.Background(), "Z99")
	assert.ErrorIs(t, err, models.ErrStopNotFound)
}

func TestSet_StopArrivals_NotPolledYet(t *testing.T) {
	var hits atomic.Int32
	url := serve(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	set := NewSet([]config.Feed{{Name: "ace", URL: url}}, "", time.Second, testDirectory())

	_, err := set.StopArrivals(context.Background(), "A42")
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)
	assert.Equal(t, int32(0), hits.Load())
}

func TestSet_StopArrivals_OpenCircuitIsUnavailable(t *testing.T) {
	now := time.Now().Unix()
	url := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(sampleFeed(t, now))
	})
	set := NewSet([]config.Feed{{Name: "ace", URL: url, Routes: []string{"A", "C", "E"}}}, "", time.Second, testDirectory())
	_, err := set.Feeds()[0].FetchVehicles(context.Background())
	require.NoError(t, err)

	b := breaker.New("ace", 3, time.Minute)
	set.UseBreakers(func(name string) *breaker.Breaker {
		if name == "ace" {
			return b
		}
		return nil
	})

	_, err = set.StopArrivals(context.Background(), "A42")
	require.NoError(t, err, "closed circuit serves the last poll")

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	_, err = set.StopArrivals(context.Background(), "A42")
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)
	assert.Equal(t, models.CodeUnavailable, models.ErrorCode(err))
}

func TestSet_HealthAndPreload(t *testing.T) {
	now := time.Now().Unix()
	var gets atomic.Int32
	up := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		_, _ = w.Write(sampleFeed(t, now))
	})
	down := serve(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })

	healthy := NewSet([]config.Feed{{Name: "down", URL: down}, {Name: "up", URL: up}}, "", time.Second, testDirectory())
	assert.True(t, healthy.CheckUpstreamHealth(context.Background()))
	assert.Equal(t, int32(0), gets.Load(), "HEAD is enough when the server allows it")

	unhealthy := NewSet([]config.Feed{{Name: "down", URL: down}}, "", time.Second, testDirectory())
	assert.False(t, unhealthy.CheckUpstreamHealth(context.Background()))

	n, err := healthy.PreloadAllStopCoordinates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = NewSet(nil, "", time.Second, stations.NewDirectory(nil)).PreloadAllStopCoordinates(context.Background())
	assert.Error(t, err)
}

func TestSet_HealthFallsBackToGet(t *testing.T) {
	now := time.Now().Unix()
	var gets atomic.Int32
	url := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gets.Add(1)
		_, _ = w.Write(sampleFeed(t, now))
	})

	set := NewSet([]config.Feed{{Name: "ace", URL: url}}, "", time.Second, testDirectory())
	assert.True(t, set.CheckUpstreamHealth(context.Background()))
	assert.Equal(t, int32(1), gets.Load())
}

func TestSet_FeedsFor(t *testing.T) {
	set := NewSet([]config.Feed{
		{Name: "ace", URL: "http://x/ace", Routes: []string{"A", "C", "E"}},
		{Name: "g", URL: "http://x/g", Routes: []string{"G"}},
	}, "", time.Second, testDirectory())

	assert.Len(t, set.feedsFor([]string{"G"}), 1)
	assert.Len(t, set.feedsFor(nil), 2)
	assert.Len(t, set.feedsFor([]string{"Q"}), 2, "unknown routes fall back to every feed")
}
