package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mini-subway-live/realtime/internal/models"
)

// Redis is an arrivals cache shared between backend replicas
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

// ArrivalsKey is the Redis key for a stop's arrivals
func ArrivalsKey(stopID string) string {
	return "arrivals:" + stopID
}

func (r *Redis) Get(ctx context.Context, stopID string) (*models.StopArrivals, error) {
	data, err := r.client.Get(ctx, ArrivalsKey(stopID)).Bytes()
	if err == redis.Nil {
		return nil, nil // cache miss
	}
	if err != nil {
		return nil, err
	}

	var a models.StopArrivals
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached arrivals: %w", err)
	}
	return &a, nil
}

func (r *Redis) Set(ctx context.Context, stopID string, a *models.StopArrivals) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal arrivals: %w", err)
	}
	return r.client.Set(ctx, ArrivalsKey(stopID), data, r.ttl).Err()
}

// Close closes the Redis client
func (r *Redis) Close() error {
	return r.client.Close()
}
