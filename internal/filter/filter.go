// Package filter implements the per-user state tracker: a scalar linear
// state-space (Kalman) filter over each user's reputation trajectory.
//
// The model is a random walk: the prediction step adds process noise Q to
// the variance and leaves the estimate unchanged; the update step blends in
// the observed post-transaction reputation weighted by the Kalman gain. A
// residual above the configured threshold marks a step change the filter
// would not produce from normal volatility.
package filter

import (
	"math"
	"sync"
	"time"
)

// Config holds the filter tuning knobs.
type Config struct {
	ProcessNoise      float64 // Q
	MeasurementNoise  float64 // R
	ResidualThreshold float64 // reputation points
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		ProcessNoise:      0.1,
		MeasurementNoise:  0.5,
		ResidualThreshold: 20.0,
	}
}

// initialVariance is the prior variance for a user never observed before.
// Reputation starts at zero in the lending network, so the prior estimate is 0.
const initialVariance = 1.0

// State is the recursive filter state for one user. Never deleted.
type State struct {
	Estimate        float64   `json:"estimate"`
	Variance        float64   `json:"estimateVariance"`
	LastObservation time.Time `json:"lastObservationTimestamp"`
	Observations    int       `json:"observations"`
}

// Result reports a single filter update.
type Result struct {
	Estimate float64 // posterior estimate after the update
	Variance float64 // posterior variance
	Residual float64 // |z - predicted estimate|
	Score    float64 // residual normalized to [0,1]
	Jump     bool    // residual exceeded the threshold
}

// Tracker owns the per-user filter states, keyed by userId.
type Tracker struct {
	mu     sync.RWMutex
	cfg    Config
	states map[string]*State
}

// NewTracker creates an empty tracker.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, states: make(map[string]*State)}
}

// Observe runs one predict/update cycle for userID against observation z
// (the post-transaction reputation value) and returns the result.
func (t *Tracker) Observe(userID string, z float64, at time.Time) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[userID]
	if !ok {
		st = &State{Estimate: 0, Variance: initialVariance}
		t.states[userID] = st
	}

	// Predict: random walk, no drift term.
	predicted := st.Estimate
	variance := st.Variance + t.cfg.ProcessNoise

	residual := math.Abs(z - predicted)

	// Update.
	gain := variance / (variance + t.cfg.MeasurementNoise)
	st.Estimate = predicted + gain*(z-predicted)
	st.Variance = (1 - gain) * variance
	st.LastObservation = at
	st.Observations++

	return Result{
		Estimate: st.Estimate,
		Variance: st.Variance,
		Residual: residual,
		Score:    normalizeResidual(residual, t.cfg.ResidualThreshold),
		Jump:     residual >= t.cfg.ResidualThreshold,
	}
}

// Get returns a copy of the filter state for userID.
func (t *Tracker) Get(userID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[userID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Len returns the number of tracked users.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// normalizeResidual maps a residual to [0,1]: the flag threshold sits at 0.5
// and twice the threshold saturates at 1.0. Deterministic so stored scores
// can be recomputed from stored residual-threshold config.
func normalizeResidual(residual, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	s := residual / (2 * threshold)
	if s > 1 {
		return 1
	}
	return s
}
