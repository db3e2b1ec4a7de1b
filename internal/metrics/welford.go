package metrics

import (
	"math"
	"sync"
)

// WelfordState holds running statistics using Welford's online algorithm.
// Mean and standard deviation are updated in O(1) without keeping samples.
type WelfordState struct {
	Count int     // n - number of observations
	Mean  float64 // running mean
	M2    float64 // sum of squared differences from mean (for variance)
}

// Update adds a new observation
func (w *WelfordState) Update(newValue float64) {
	w.Count++
	delta := newValue - w.Mean
	w.Mean += delta / float64(w.Count)
	delta2 := newValue - w.Mean
	w.M2 += delta * delta2
}

// GetStdDev returns the population standard deviation.
// Returns 0 if fewer than 2 observations.
func (w *WelfordState) GetStdDev() float64 {
	if w.Count < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.Count))
}

// RunningStats is a WelfordState safe for concurrent use
type RunningStats struct {
	mu    sync.Mutex
	state WelfordState
	min   float64
	max   float64
}

// StatsSummary is a point-in-time copy of RunningStats
type StatsSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Observe records one value
func (r *RunningStats) Observe(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Count == 0 || v < r.min {
		r.min = v
	}
	if r.state.Count == 0 || v > r.max {
		r.max = v
	}
	r.state.Update(v)
}

// Summary returns the current statistics
func (r *RunningStats) Summary() StatsSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return StatsSummary{
		Count:  r.state.Count,
		Mean:   r.state.Mean,
		StdDev: r.state.GetStdDev(),
		Min:    r.min,
		Max:    r.max,
	}
}
