package engine

import (
	"time"
)

// Composite score weights. They sum to 1, so a clamped input keeps the
// composite inside [0,1].
const (
	weightKalman     = 0.30
	weightBehavioral = 0.25
	weightNetwork    = 0.30
	weightTemporal   = 0.15
)

// SubScores are the four analyzer outputs for one event, each already
// normalized to [0,1]. Partial marks that at least one analyzer degraded to
// a neutral value instead of producing a real score.
type SubScores struct {
	Kalman     float64
	Behavioral float64
	Network    float64
	Temporal   float64
	Partial    bool
}

// Composite returns the fixed weighted sum of the clamped sub-scores.
func Composite(s SubScores) float64 {
	return weightKalman*clamp01(s.Kalman) +
		weightBehavioral*clamp01(s.Behavioral) +
		weightNetwork*clamp01(s.Network) +
		weightTemporal*clamp01(s.Temporal)
}

// Confidence saturation points: past these, more of the same no longer
// makes the analysis more trustworthy.
const (
	confidenceFullTxCount = 20
	confidenceFullFlags   = 4
	confidenceFullSpan    = 30 * 24 * time.Hour
)

// Confidence scores how much to trust a record: observed transaction count,
// corroborating flags, and history span, each saturating.
func Confidence(txCount, flagCount int, span time.Duration) float64 {
	data := saturate(float64(txCount), confidenceFullTxCount)
	flags := saturate(float64(flagCount), confidenceFullFlags)
	age := saturate(span.Hours(), confidenceFullSpan.Hours())
	return 0.5*data + 0.3*flags + 0.2*age
}

func saturate(v, full float64) float64 {
	if full <= 0 || v >= full {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v / full
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
