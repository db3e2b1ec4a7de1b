package cache

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mini-subway-live/realtime/internal/models"
)

// DefaultTTL is how long a per-stop arrivals answer stays fresh
const DefaultTTL = 30 * time.Second

// Arrivals stores per-stop arrivals answers. Get returns (nil, nil) on a miss.
type Arrivals interface {
	Get(ctx context.Context, stopID string) (*models.StopArrivals, error)
	Set(ctx context.Context, stopID string, a *models.StopArrivals) error
}

// LoadFunc fetches arrivals from the upstream on a cache miss
type LoadFunc func(ctx context.Context, stopID string) (*models.StopArrivals, error)

// Loader puts a cache in front of an upstream and collapses concurrent
// misses for the same stop into one upstream call.
type Loader struct {
	cache Arrivals
	load  LoadFunc
	group singleflight.Group
}

// NewLoader creates a read-through loader
func NewLoader(c Arrivals, load LoadFunc) *Loader {
	return &Loader{cache: c, load: load}
}

// Get returns cached arrivals or loads them. The boolean reports a cache hit.
// Cache failures degrade to a direct upstream call.
func (l *Loader) Get(ctx context.Context, stopID string) (*models.StopArrivals, bool, error) {
	if l.cache != nil {
		cached, err := l.cache.Get(ctx, stopID)
		if err != nil {
			log.Printf("Warning: arrivals cache read failed for %s: %v", stopID, err)
		} else if cached != nil {
			return cached, true, nil
		}
	}

	a, err := l.loadShared(ctx, stopID)
	// a shared load cancelled by another caller is retried under our context
	if err != nil && ctx.Err() == nil && errors.Is(err, context.Canceled) {
		a, err = l.loadShared(ctx, stopID)
	}
	if err != nil {
		return nil, false, err
	}
	return a, false, nil
}

func (l *Loader) loadShared(ctx context.Context, stopID string) (*models.StopArrivals, error) {
	v, err, _ := l.group.Do(stopID, func() (any, error) {
		a, err := l.load(ctx, stopID)
		if err != nil {
			return nil, err
		}
		if l.cache != nil {
			if err := l.cache.Set(ctx, stopID, a); err != nil {
				log.Printf("Warning: arrivals cache write failed for %s: %v", stopID, err)
			}
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.StopArrivals), nil
}
