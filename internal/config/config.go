package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Upstream integration modes
const (
	ModeTransiter = "transiter"
	ModeGTFSRT    = "gtfsrt"
)

// Feed is one direct GTFS-RT feed
type Feed struct {
	Name   string   `yaml:"name" validate:"required"`
	URL    string   `yaml:"url" validate:"required,url"`
	Routes []string `yaml:"routes"`
}

// FeedsFile is the YAML document referenced by FEEDS_FILE
type FeedsFile struct {
	APIKey string `yaml:"apiKey"`
	Feeds  []Feed `yaml:"feeds" validate:"dive"`
}

// Config holds all configuration for the realtime service and client
type Config struct {
	// Upstream
	UpstreamMode    string `validate:"oneof=transiter gtfsrt"`
	TransiterURL    string `validate:"omitempty,url"`
	TransiterSystem string
	Feeds           []Feed `validate:"dive"`
	FeedAPIKey      string
	HTTPTimeout     time.Duration `validate:"gt=0"`

	// Poller
	PollInterval          time.Duration `validate:"gt=0"`
	StalenessThreshold    time.Duration `validate:"gt=0"`
	TripCacheTTL          time.Duration `validate:"gt=0"`
	TripFetchBatch        int           `validate:"gt=0"`
	StartupHealthAttempts int           `validate:"gte=1"`
	StartupHealthBackoff  time.Duration `validate:"gte=0"`

	// Circuit breaker
	BreakerThreshold       int           `validate:"gte=1"`
	BreakerRecoveryTimeout time.Duration `validate:"gt=0"`

	// Stream
	HeartbeatInterval time.Duration `validate:"gt=0"`
	SubscriberBuffer  int           `validate:"gte=1"`

	// Stations / nearby
	StationsFile        string
	StationsDatabaseURL string
	ArrivalsCacheTTL    time.Duration `validate:"gt=0"`

	// Shared cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	// Health journal
	DatabasePath      string
	RetentionDuration time.Duration `validate:"gt=0"`

	// HTTP server
	Port        string   `validate:"required,numeric"`
	CORSOrigins []string `validate:"min=1"`

	// Client
	ServerURL        string        `validate:"required,url"`
	FrameRate        int           `validate:"gt=0,lte=240"`
	ReconnectMin     time.Duration `validate:"gt=0"`
	ReconnectMax     time.Duration `validate:"gtefield=ReconnectMin"`
	FreshnessWindow  time.Duration `validate:"gt=0"`
	LocationDebounce time.Duration `validate:"gte=0"`
	NearbyRadiusKm   float64       `validate:"gt=0"`
}

// Load reads configuration from .env files and environment variables with
// sensible defaults, then validates it
func Load() (*Config, error) {
	// Base .env first, then .env.local overrides for local development
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	cfg := &Config{
		// Upstream
		UpstreamMode:    getEnv("UPSTREAM_MODE", ModeTransiter),
		TransiterURL:    getEnv("TRANSITER_URL", "http://localhost:8080"),
		TransiterSystem: getEnv("TRANSITER_SYSTEM", "us-ny-subway"),
		FeedAPIKey:      getEnv("MTA_API_KEY", ""),
		HTTPTimeout:     getEnvSeconds("HTTP_TIMEOUT_SECONDS", 10),

		// Poller
		PollInterval:          getEnvSeconds("POLL_INTERVAL_SECONDS", 15),
		StalenessThreshold:    time.Duration(getEnvInt("STALENESS_MINUTES", 5)) * time.Minute,
		TripCacheTTL:          getEnvSeconds("TRIP_CACHE_TTL_SECONDS", 30),
		TripFetchBatch:        getEnvInt("TRIP_FETCH_BATCH", 50),
		StartupHealthAttempts: getEnvInt("STARTUP_HEALTH_ATTEMPTS", 30),
		StartupHealthBackoff:  getEnvSeconds("STARTUP_HEALTH_BACKOFF_SECONDS", 2),

		// Circuit breaker
		BreakerThreshold:       getEnvInt("BREAKER_THRESHOLD", 3),
		BreakerRecoveryTimeout: getEnvSeconds("BREAKER_RECOVERY_SECONDS", 60),

		// Stream
		HeartbeatInterval: getEnvSeconds("HEARTBEAT_SECONDS", 5),
		SubscriberBuffer:  getEnvInt("SUBSCRIBER_BUFFER", 8),

		// Stations / nearby
		StationsFile:        getEnv("STATIONS_FILE", "data/stations.json"),
		StationsDatabaseURL: getEnv("STATIONS_DATABASE_URL", ""),
		ArrivalsCacheTTL:    getEnvSeconds("ARRIVALS_CACHE_TTL_SECONDS", 30),

		// Shared cache
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		// Health journal
		DatabasePath:      getEnv("SQLITE_DATABASE", ""),
		RetentionDuration: time.Duration(getEnvInt("RETENTION_HOURS", 24)) * time.Hour,

		// HTTP server
		Port:        getEnv("PORT", "8081"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:5173")),

		// Client
		ServerURL:        getEnv("SERVER_URL", "http://localhost:8081"),
		FrameRate:        getEnvInt("FRAME_RATE", 60),
		ReconnectMin:     getEnvSeconds("RECONNECT_MIN_SECONDS", 1),
		ReconnectMax:     getEnvSeconds("RECONNECT_MAX_SECONDS", 30),
		FreshnessWindow:  getEnvSeconds("FRESHNESS_SECONDS", 30),
		LocationDebounce: time.Duration(getEnvInt("LOCATION_DEBOUNCE_MS", 500)) * time.Millisecond,
		NearbyRadiusKm:   getEnvFloat("NEARBY_RADIUS_KM", 0.8),
	}

	feedsPath := getEnv("FEEDS_FILE", "")
	if feedsPath != "" {
		ff, err := LoadFeedsFile(feedsPath)
		if err != nil {
			return nil, err
		}
		cfg.Feeds = ff.Feeds
		if ff.APIKey != "" && cfg.FeedAPIKey == "" {
			cfg.FeedAPIKey = ff.APIKey
		}
	} else {
		cfg.Feeds = DefaultFeeds()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct-level constraints and the mode-specific upstream settings
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch c.UpstreamMode {
	case ModeTransiter:
		if c.TransiterURL == "" || c.TransiterSystem == "" {
			return fmt.Errorf("invalid configuration: transiter mode needs TRANSITER_URL and TRANSITER_SYSTEM")
		}
	case ModeGTFSRT:
		if len(c.Feeds) == 0 {
			return fmt.Errorf("invalid configuration: gtfsrt mode needs at least one feed")
		}
	}
	return nil
}

// LoadFeedsFile reads and validates a YAML feeds file
func LoadFeedsFile(path string) (*FeedsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feeds file: %w", err)
	}

	var ff FeedsFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("failed to parse feeds file: %w", err)
	}
	if len(ff.Feeds) == 0 {
		return nil, fmt.Errorf("feeds file %s lists no feeds", path)
	}
	if err := validator.New().Struct(ff); err != nil {
		return nil, fmt.Errorf("invalid feeds file: %w", err)
	}
	return &ff, nil
}

const mtaFeedBase = "https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/nyct%2Fgtfs"

// DefaultFeeds returns the NYC subway GTFS-RT feeds
func DefaultFeeds() []Feed {
	return []Feed{
		{Name: "1234567", URL: mtaFeedBase, Routes: []string{"1", "2", "3", "4", "5", "6", "7", "GS"}},
		{Name: "ace", URL: mtaFeedBase + "-ace", Routes: []string{"A", "C", "E", "H", "FS"}},
		{Name: "bdfm", URL: mtaFeedBase + "-bdfm", Routes: []string{"B", "D", "F", "M"}},
		{Name: "g", URL: mtaFeedBase + "-g", Routes: []string{"G"}},
		{Name: "jz", URL: mtaFeedBase + "-jz", Routes: []string{"J", "Z"}},
		{Name: "l", URL: mtaFeedBase + "-l", Routes: []string{"L"}},
		{Name: "nqrw", URL: mtaFeedBase + "-nqrw", Routes: []string{"N", "Q", "R", "W"}},
		{Name: "si", URL: mtaFeedBase + "-si", Routes: []string{"SI"}},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
