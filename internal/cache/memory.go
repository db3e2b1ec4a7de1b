package cache

import (
	"context"
	"errors"
	"time"

	"github.com/bluele/gcache"

	"github.com/mini-subway-live/realtime/internal/models"
)

const memorySize = 2048

// Memory is an in-process LRU arrivals cache with per-entry expiry
type Memory struct {
	c gcache.Cache
}

// NewMemory creates an in-process cache; clock may be nil
func NewMemory(ttl time.Duration, clock gcache.Clock) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	b := gcache.New(memorySize).LRU().Expiration(ttl)
	if clock != nil {
		b = b.Clock(clock)
	}
	return &Memory{c: b.Build()}
}

func (m *Memory) Get(_ context.Context, stopID string) (*models.StopArrivals, error) {
	v, err := m.c.Get(stopID)
	if errors.Is(err, gcache.KeyNotFoundError) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v.(*models.StopArrivals), nil
}

func (m *Memory) Set(_ context.Context, stopID string, a *models.StopArrivals) error {
	return m.c.Set(stopID, a)
}
