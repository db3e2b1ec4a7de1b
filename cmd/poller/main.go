package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mini-subway-live/realtime/internal/cache"
	"github.com/mini-subway-live/realtime/internal/config"
	"github.com/mini-subway-live/realtime/internal/db"
	"github.com/mini-subway-live/realtime/internal/handlers"
	"github.com/mini-subway-live/realtime/internal/metrics"
	"github.com/mini-subway-live/realtime/internal/models"
	"github.com/mini-subway-live/realtime/internal/nearby"
	"github.com/mini-subway-live/realtime/internal/realtime/breaker"
	"github.com/mini-subway-live/realtime/internal/realtime/gtfsrt"
	"github.com/mini-subway-live/realtime/internal/realtime/trains"
	"github.com/mini-subway-live/realtime/internal/realtime/transiter"
	"github.com/mini-subway-live/realtime/internal/static/stations"
	"github.com/mini-subway-live/realtime/internal/stream"
)

// arrivalsUpstream is implemented by both upstream integrations
type arrivalsUpstream interface {
	trains.Upstream
	StopArrivals(ctx context.Context, stopID string) (*models.StopArrivals, error)
	UseBreakers(lookup breaker.Lookup)
}

func main() {
	log.Println("Starting Realtime Train Service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded: mode=%s, poll_interval=%v, staleness=%v",
		cfg.UpstreamMode, cfg.PollInterval, cfg.StalenessThreshold)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════
	// PHASE 1: Static Stations
	// ═══════════════════════════════════════════════════════
	stationList, err := stations.Load(ctx, cfg.StationsFile, cfg.StationsDatabaseURL)
	if err != nil {
		log.Printf("Warning: station list unavailable: %v", err)
		// Continue - nearby queries return nothing, transiter mode still resolves stops upstream
	}
	directory := stations.NewDirectory(stationList)
	index := nearby.NewIndex(stationList)

	// ═══════════════════════════════════════════════════════
	// PHASE 2: Upstream Feeds
	// ═══════════════════════════════════════════════════════
	var (
		sources  []trains.Source
		upstream arrivalsUpstream
	)
	switch cfg.UpstreamMode {
	case config.ModeGTFSRT:
		set := gtfsrt.NewSet(cfg.Feeds, cfg.FeedAPIKey, cfg.HTTPTimeout, directory)
		for _, f := range set.Feeds() {
			sources = append(sources, f)
		}
		upstream = set
		log.Printf("Upstream: %d GTFS-RT feeds", len(sources))
	default:
		client := transiter.NewClient(cfg.TransiterURL, cfg.TransiterSystem, cfg.HTTPTimeout, cfg.TripCacheTTL)
		sources = []trains.Source{client}
		upstream = client
		log.Printf("Upstream: Transiter %s (system %s)", cfg.TransiterURL, cfg.TransiterSystem)
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 3: Metrics, Journal, Caches
	// ═══════════════════════════════════════════════════════
	collector, err := metrics.NewCollector(nil)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	var journal *db.DB
	if cfg.DatabasePath != "" {
		journal, err = db.Connect(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer journal.Close()

		if err := journal.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure database schema: %v", err)
		}
		log.Println("Health journal initialized")
	}

	var arrivalsCache cache.Arrivals = cache.NewMemory(cfg.ArrivalsCacheTTL, nil)
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ArrivalsCacheTTL)
		if err != nil {
			log.Printf("Warning: %v, using in-process arrivals cache", err)
		} else {
			defer rc.Close()
			arrivalsCache = rc
			log.Printf("Arrivals cache: Redis %s", cfg.RedisAddr)
		}
	}
	loader := cache.NewLoader(arrivalsCache, upstream.StopArrivals)

	// ═══════════════════════════════════════════════════════
	// PHASE 4: Poller and Stream
	// ═══════════════════════════════════════════════════════
	poller := trains.NewPoller(sources, upstream, trains.Options{
		PollInterval:          cfg.PollInterval,
		StalenessThreshold:    cfg.StalenessThreshold,
		TripFetchBatch:        cfg.TripFetchBatch,
		StartupHealthAttempts: cfg.StartupHealthAttempts,
		StartupHealthBackoff:  cfg.StartupHealthBackoff,
		BreakerThreshold:      cfg.BreakerThreshold,
		BreakerRecovery:       cfg.BreakerRecoveryTimeout,
	}, trains.WithBreakerStateChange(func(feed string, from, to breaker.State) {
		log.Printf("Breaker %s: %s -> %s", feed, from, to)
		collector.BreakerChanged(feed, from, to)
	}))

	// arrivals share the poller's per-feed circuits
	upstream.UseBreakers(poller.Breaker)

	hub := stream.NewHub(cfg.SubscriberBuffer, poller.Snapshot)
	hub.SetObserver(collector)
	poller.OnBroadcast(hub.Broadcast)
	poller.Observe(collector)
	if journal != nil {
		poller.Observe(db.NewJournal(journal, cfg.RetentionDuration))
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 5: HTTP Server
	// ═══════════════════════════════════════════════════════
	healthDeps := handlers.HealthDeps{
		Poller:      poller,
		Subscribers: hub.Count,
		CycleStats:  collector.CycleStats,
	}
	if journal != nil {
		healthDeps.Journal = journal
	}

	router := handlers.NewRouter(handlers.Router{
		Trains:   handlers.NewTrainHandler(poller, hub),
		Arrivals: handlers.NewArrivalsHandler(loader, collector, cfg.HTTPTimeout),
		Stations: handlers.NewStationHandler(index, cfg.NearbyRadiusKm),
		Health:   handlers.NewHealthHandler(healthDeps),
		Metrics:  collector.Handler(),
	}, cfg.CORSOrigins)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("API server starting on :%s", cfg.Port)
		for _, route := range handlers.Routes {
			log.Printf("  %s", route)
		}
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// ═══════════════════════════════════════════════════════
	// PHASE 6: Start Polling Loops
	// ═══════════════════════════════════════════════════════
	go func() {
		poller.WaitForUpstream(ctx)
		poller.Run(ctx)
	}()
	go hub.RunHeartbeat(ctx, cfg.HeartbeatInterval)

	log.Printf("Poller running (poll every %v, heartbeat every %v)", cfg.PollInterval, cfg.HeartbeatInterval)

	// ═══════════════════════════════════════════════════════
	// PHASE 7: Graceful Shutdown
	// ═══════════════════════════════════════════════════════
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	cancel()
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Goodbye!")
}
