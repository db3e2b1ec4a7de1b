package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mini-subway-live/realtime/internal/client"
	"github.com/mini-subway-live/realtime/internal/config"
	"github.com/mini-subway-live/realtime/internal/interp"
	"github.com/mini-subway-live/realtime/internal/models"
	"github.com/mini-subway-live/realtime/internal/nearby"
	"github.com/mini-subway-live/realtime/internal/static/stations"
)

const summaryEvery = 5 * time.Second

func main() {
	log.Println("Starting Realtime Watch Client...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := client.NewAPI(cfg.ServerURL, cfg.HTTPTimeout)

	// ═══════════════════════════════════════════════════════
	// PHASE 1: Stations and Nearby Engine
	// ═══════════════════════════════════════════════════════
	stationList, err := stations.Load(ctx, cfg.StationsFile, cfg.StationsDatabaseURL)
	if err != nil {
		log.Printf("Warning: station list unavailable, nearby disabled: %v", err)
	}
	engine := nearby.NewEngine(nearby.NewIndex(stationList), api, nearby.EngineOptions{
		RadiusKm: cfg.NearbyRadiusKm,
		Debounce: cfg.LocationDebounce,
		CacheTTL: cfg.ArrivalsCacheTTL,
	})
	defer engine.Stop()
	engine.OnResult(printDepartures)

	view := client.NewStationView(api, printArrivals)

	// ═══════════════════════════════════════════════════════
	// PHASE 2: Stream Consumer
	// ═══════════════════════════════════════════════════════
	snapshots := make(chan models.TrainSnapshot, 1)
	consumer := client.NewConsumer(api.StreamURL(), client.StreamOptions{
		ReconnectMin:    cfg.ReconnectMin,
		ReconnectMax:    cfg.ReconnectMax,
		FreshnessWindow: cfg.FreshnessWindow,
	})
	consumer.OnSnapshot(func(s models.TrainSnapshot) {
		// latest wins; the frame loop never blocks the stream
		select {
		case <-snapshots:
		default:
		}
		snapshots <- s
	})
	consumer.OnState(func(s client.ConnState) {
		if s.Connected {
			log.Println("Stream: live")
		} else if s.NextRetry > 0 {
			log.Printf("Stream: offline, retry in %v", s.NextRetry)
		}
	})
	go consumer.Run(ctx)

	// ═══════════════════════════════════════════════════════
	// PHASE 3: Frame Loop
	// ═══════════════════════════════════════════════════════
	go runFrames(ctx, cfg.FrameRate, snapshots, consumer)

	// ═══════════════════════════════════════════════════════
	// PHASE 4: Location Input
	// ═══════════════════════════════════════════════════════
	go readCommands(ctx, engine, view)

	log.Printf("Watching %s at %d fps", api.StreamURL(), cfg.FrameRate)
	log.Println("Commands: '<lat>,<lon>' update location, 'select <stopId>', 'clear'")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	cancel()
	view.Clear()
	time.Sleep(100 * time.Millisecond)
	log.Println("Goodbye!")
}

// runFrames owns the interpolation engine: snapshots replace its targets and
// every tick renders one frame
func runFrames(ctx context.Context, fps int, snapshots <-chan models.TrainSnapshot, consumer *client.Consumer) {
	engine := interp.New(interp.DefaultOptions())
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	var frames int
	lastSummary := time.Now()

	for {
		select {
		case snap := <-snapshots:
			engine.SetTrains(snap.Trains)
		case now := <-ticker.C:
			frame := engine.Frame(now)
			frames++

			if now.Sub(lastSummary) < summaryEvery {
				continue
			}
			dwelling, withBearing := 0, 0
			for _, t := range frame {
				if t.Scale > 1 {
					dwelling++
				}
				if t.HasBearing {
					withBearing++
				}
			}
			stale := ""
			if consumer.IsStale(now) {
				stale = " [stale]"
			}
			log.Printf("Frame: %d trains (%d dwelling, %d with bearing), %.0f fps%s",
				len(frame), dwelling, withBearing, float64(frames)/now.Sub(lastSummary).Seconds(), stale)
			frames = 0
			lastSummary = now
		case <-ctx.Done():
			log.Println("Frame loop stopped")
			return
		}
	}
}

func readCommands(ctx context.Context, engine *nearby.Engine, view *client.StationView) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "clear":
			view.Clear()
		case strings.HasPrefix(line, "select "):
			view.Select(strings.TrimSpace(strings.TrimPrefix(line, "select ")))
		default:
			lat, lon, err := parseLocation(line)
			if err != nil {
				log.Printf("Warning: %v", err)
				continue
			}
			engine.UpdateLocation(lat, lon)
		}
	}
}

func parseLocation(s string) (float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected '<lat>,<lon>', got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q", parts[0])
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q", parts[1])
	}
	return lat, lon, nil
}

func printDepartures(res nearby.Result) {
	if len(res.Stations) == 0 {
		log.Printf("Nearby: no stations around %.5f,%.5f", res.Location.Lat, res.Location.Lon)
		return
	}
	for _, st := range res.Stations {
		if st.ErrorCode != "" {
			log.Printf("Nearby: %s (%.2f km) arrivals %s", st.Station.Name, st.Station.DistanceKm, st.ErrorCode)
			continue
		}
		log.Printf("Nearby: %s (%.2f km, %d min walk) N[%s] S[%s]",
			st.Station.Name, st.Station.DistanceKm, st.Station.WalkingMinutes,
			describe(st.North), describe(st.South))
	}
}

func describe(trains []nearby.ProcessedTrain) string {
	parts := make([]string, 0, len(trains))
	for _, t := range trains {
		label := fmt.Sprintf("%s leave in %.1f min", t.RouteID, t.MinutesToLeave)
		if t.Alternative {
			label += " (alt, " + string(t.Classification) + ")"
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, "; ")
}

func printArrivals(stopID string, a *models.StopArrivals, err error) {
	if err != nil {
		log.Printf("Station %s: %s (%v)", stopID, models.ErrorCode(err), err)
		return
	}
	log.Printf("Station %s %s: %d north, %d south", a.Stop.ID, a.Stop.Name,
		len(a.Stop.NorthArrivals), len(a.Stop.SouthArrivals))
}
