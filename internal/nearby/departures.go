package nearby

import (
	"math"
	"sort"
	"time"

	"github.com/mini-subway-live/realtime/internal/models"
)

const (
	// WalkingSpeedKmh is 3 mph
	WalkingSpeedKmh = 4.828
	// EntryBufferMinutes covers getting from the street to the platform
	EntryBufferMinutes = 2

	IdealMinMinutes = 0.5
	IdealMaxMinutes = 3.0

	// MaxPerDirection caps ideal picks and fallback alternatives
	MaxPerDirection = 2
)

// Classification of an arrival relative to when the rider must leave
type Classification string

const (
	Ideal    Classification = "ideal"
	TooSoon  Classification = "too-soon"
	LongWait Classification = "long-wait"
)

// WalkingTimeMinutes estimates minutes to the platform, always rounding up
func WalkingTimeMinutes(distanceKm float64) int {
	if distanceKm < 0 {
		distanceKm = 0
	}
	return int(math.Ceil(distanceKm/WalkingSpeedKmh*60)) + EntryBufferMinutes
}

// MinutesToLeave is the slack between now and the latest departure time
// that still catches an arrival
func MinutesToLeave(arrivalTime int64, walkingMinutes int, now time.Time) float64 {
	leaveAt := float64(arrivalTime - int64(walkingMinutes)*60)
	nowSec := float64(now.UnixMilli()) / 1000
	return (leaveAt - nowSec) / 60
}

// Classify buckets minutesToLeave; both window edges are ideal
func Classify(minutesToLeave float64) Classification {
	switch {
	case minutesToLeave < IdealMinMinutes:
		return TooSoon
	case minutesToLeave <= IdealMaxMinutes:
		return Ideal
	default:
		return LongWait
	}
}

// ProcessedTrain is an arrival annotated with the rider-facing decision
type ProcessedTrain struct {
	models.Arrival
	LeaveAt        int64          `json:"leaveAt"` // epoch seconds
	MinutesToLeave float64        `json:"minutesToLeave"`
	Classification Classification `json:"classification"`
	Alternative    bool           `json:"alternative,omitempty"`
}

// SelectDepartures picks up to two ideal arrivals in arrival order. With no
// ideal arrival it falls back to the next one or two future arrivals, flagged
// as alternatives. Routes are not deduplicated.
func SelectDepartures(arrivals []models.Arrival, walkingMinutes int, now time.Time) []ProcessedTrain {
	processed := make([]ProcessedTrain, 0, len(arrivals))
	for _, a := range arrivals {
		m := MinutesToLeave(a.ArrivalTime, walkingMinutes, now)
		processed = append(processed, ProcessedTrain{
			Arrival:        a,
			LeaveAt:        a.ArrivalTime - int64(walkingMinutes)*60,
			MinutesToLeave: m,
			Classification: Classify(m),
		})
	}
	sort.SliceStable(processed, func(i, j int) bool {
		return processed[i].ArrivalTime < processed[j].ArrivalTime
	})

	picked := []ProcessedTrain{}
	for _, p := range processed {
		if p.Classification == Ideal {
			picked = append(picked, p)
			if len(picked) == MaxPerDirection {
				return picked
			}
		}
	}
	if len(picked) > 0 {
		return picked
	}

	nowSec := now.Unix()
	for _, p := range processed {
		if p.ArrivalTime <= nowSec {
			continue
		}
		p.Alternative = true
		picked = append(picked, p)
		if len(picked) == MaxPerDirection {
			break
		}
	}
	return picked
}
