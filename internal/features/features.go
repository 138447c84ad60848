// Package features derives a fixed-width behavioral feature vector per user
// from a bounded rolling transaction window, and scores each vector against
// the population distribution.
//
// The feature vector is a cache: it is always recomputable from the raw
// window and nothing else owns it.
package features

import (
	"math"
	"sync"
	"time"
)

// Vector is the ordered behavioral feature tuple for one user.
type Vector struct {
	TransactionFrequency float64 `json:"transactionFrequency"` // transactions per day
	ReputationGrowthRate float64 `json:"reputationGrowthRate"` // reputation points per day
	ValueVariance        float64 `json:"transactionValueVariance"`
	TimingRegularity     float64 `json:"timingRegularity"`    // inverse coefficient of variation
	NetworkConnectivity  float64 `json:"networkConnectivity"` // distinct counterparties / transactions
}

func (v Vector) values() [5]float64 {
	return [5]float64{
		v.TransactionFrequency,
		v.ReputationGrowthRate,
		v.ValueVariance,
		v.TimingRegularity,
		v.NetworkConnectivity,
	}
}

// Sample is one transaction observation in a user's rolling window.
type Sample struct {
	Amount          float64
	ReputationDelta float64
	Counterparty    string
	At              time.Time
}

// Config bounds the rolling window.
type Config struct {
	WindowSize      int // max transactions kept per user
	WindowDays      int // max age of a sample
	MinTransactions int // below this, scoring is suppressed
}

// DefaultConfig returns the standard window bounds.
func DefaultConfig() Config {
	return Config{WindowSize: 100, WindowDays: 30, MinTransactions: 3}
}

// regularityCap bounds 1/CV when intervals are near-identical; a perfectly
// regular schedule would otherwise be infinite.
const regularityCap = 100.0

// minSpan floors the window duration so single-burst histories do not divide
// by zero.
const minSpan = time.Hour

// Extractor maintains the per-user rolling windows.
type Extractor struct {
	mu        sync.RWMutex
	cfg       Config
	histories map[string][]Sample
}

// NewExtractor creates an empty extractor.
func NewExtractor(cfg Config) *Extractor {
	if cfg.WindowSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Extractor{cfg: cfg, histories: make(map[string][]Sample)}
}

// Record appends a sample to the user's window, evicting by count and age.
func (e *Extractor) Record(userID string, s Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := append(e.histories[userID], s)
	cutoff := s.At.AddDate(0, 0, -e.cfg.WindowDays)
	start := 0
	for start < len(h) && h[start].At.Before(cutoff) {
		start++
	}
	h = h[start:]
	if len(h) > e.cfg.WindowSize {
		h = h[len(h)-e.cfg.WindowSize:]
	}
	e.histories[userID] = h
}

// Vector computes the feature vector for userID over the current window.
// ok is false while the user has fewer than MinTransactions samples
// ("insufficient data", not an anomaly).
func (e *Extractor) Vector(userID string, now time.Time) (Vector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h := e.windowed(userID, now)
	if len(h) < e.cfg.MinTransactions {
		return Vector{}, false
	}
	return compute(h), true
}

// AllVectors returns feature vectors for every user with enough samples.
// Used by the population refresh timer.
func (e *Extractor) AllVectors(now time.Time) []Vector {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Vector, 0, len(e.histories))
	for id := range e.histories {
		if h := e.windowed(id, now); len(h) >= e.cfg.MinTransactions {
			out = append(out, compute(h))
		}
	}
	return out
}

// Count returns the number of windowed samples for userID.
func (e *Extractor) Count(userID string, now time.Time) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.windowed(userID, now))
}

// windowed returns the age-filtered window. Caller holds at least a read lock.
func (e *Extractor) windowed(userID string, now time.Time) []Sample {
	h := e.histories[userID]
	cutoff := now.AddDate(0, 0, -e.cfg.WindowDays)
	start := 0
	for start < len(h) && h[start].At.Before(cutoff) {
		start++
	}
	return h[start:]
}

func compute(h []Sample) Vector {
	n := len(h)
	span := h[n-1].At.Sub(h[0].At)
	if span < minSpan {
		span = minSpan
	}
	days := span.Hours() / 24

	var repSum float64
	counterparties := make(map[string]struct{}, n)
	for _, s := range h {
		repSum += s.ReputationDelta
		counterparties[s.Counterparty] = struct{}{}
	}

	return Vector{
		TransactionFrequency: float64(n) / days,
		ReputationGrowthRate: repSum / days,
		ValueVariance:        sampleVariance(h),
		TimingRegularity:     timingRegularity(h),
		NetworkConnectivity:  float64(len(counterparties)) / float64(n),
	}
}

// sampleVariance is the n-1 variance of monetary amounts.
func sampleVariance(h []Sample) float64 {
	n := len(h)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, s := range h {
		sum += s.Amount
	}
	mean := sum / float64(n)
	var ss float64
	for _, s := range h {
		d := s.Amount - mean
		ss += d * d
	}
	return ss / float64(n-1)
}

// timingRegularity is the inverse coefficient of variation of the
// inter-transaction intervals. Low variation means a suspiciously regular
// schedule and a high score.
func timingRegularity(h []Sample) float64 {
	if len(h) < 3 {
		return 0
	}
	intervals := make([]float64, 0, len(h)-1)
	for i := 1; i < len(h); i++ {
		intervals = append(intervals, h[i].At.Sub(h[i-1].At).Seconds())
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return regularityCap
	}

	var ss float64
	for _, v := range intervals {
		d := v - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(len(intervals)))
	cv := std / mean
	if cv < 1.0/regularityCap {
		return regularityCap
	}
	return 1 / cv
}
