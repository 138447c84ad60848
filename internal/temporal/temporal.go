// Package temporal flags abrupt deviations in each user's daily activity
// series. The series is decomposed into a moving-average trend and a
// day-of-week seasonal component; what neither explains is the residual, and
// a residual far outside its own historical spread is an anomaly. A direct
// spike rule catches single-day bursts regardless of seasonal fit.
package temporal

import (
	"math"
	"sync"
	"time"
)

// Config holds the detector tuning.
type Config struct {
	Sigma       float64 // residual threshold, in standard deviations
	SpikeFactor float64 // single-day count vs trailing average
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{Sigma: 3.0, SpikeFactor: 4.0}
}

const (
	// trendWindow is the moving-average span, in days.
	trendWindow = 14
	// minHistoryDays of observed series before the detector scores at all;
	// younger series evaluate neutral, not anomalous.
	minHistoryDays = 7
	// stdFloor keeps a perfectly-regular history from turning every
	// deviation into a maximal anomaly.
	stdFloor = 0.5
	// minSpikeCount is the smallest daily count the spike rule will flag;
	// low-volume users trip the ratio too easily.
	minSpikeCount = 4
	// maxSeriesDays caps a user's series. Record slides the window forward
	// past this horizon, so one skewed far-future timestamp cannot grow the
	// series without bound. Generous against trendWindow and the weekly
	// seasonal cycle.
	maxSeriesDays = 8 * trendWindow
)

// Result reports one evaluation of a user's series at a point in time.
type Result struct {
	Residual float64 // observed − trend − seasonal, today
	Std      float64 // historical residual standard deviation (floored)
	Score    float64 // normalized to [0,1]
	Anomaly  bool    // residual exceeded Sigma × Std
	Spike    bool    // today's count exceeded SpikeFactor × trailing average
	OK       bool    // false while the series is too young to score
}

// Detector owns the per-user daily series.
type Detector struct {
	mu     sync.RWMutex
	cfg    Config
	series map[string]*series
}

// series is one user's per-day transaction counts from its first observed
// day. Days are UTC.
type series struct {
	start  time.Time
	counts []float64
}

// NewDetector creates an empty detector.
func NewDetector(cfg Config) *Detector {
	if cfg.Sigma <= 0 {
		cfg = DefaultConfig()
	}
	return &Detector{cfg: cfg, series: make(map[string]*series)}
}

// Record counts one transaction for userID on the UTC day of at.
func (d *Detector) Record(userID string, at time.Time) {
	day := at.UTC().Truncate(24 * time.Hour)

	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.series[userID]
	if !ok {
		s = &series{start: day}
		d.series[userID] = s
	}
	idx := dayIndex(s.start, day)
	if idx < 0 {
		// Out-of-order event before the first observed day; fold it into
		// the first bucket rather than reindexing the series.
		idx = 0
	}
	if idx >= maxSeriesDays {
		// Slide the window so the series ends on day; the buckets rolled
		// off are past every horizon Evaluate looks at.
		shift := idx - maxSeriesDays + 1
		if shift >= len(s.counts) {
			s.counts = s.counts[:0]
		} else {
			s.counts = append(s.counts[:0], s.counts[shift:]...)
		}
		s.start = s.start.AddDate(0, 0, shift)
		idx = maxSeriesDays - 1
	}
	for len(s.counts) <= idx {
		s.counts = append(s.counts, 0)
	}
	s.counts[idx]++
}

// Evaluate scores userID's series as of the UTC day of at. Result.OK is
// false while the user has fewer than minHistoryDays of observed series.
func (d *Detector) Evaluate(userID string, at time.Time) Result {
	day := at.UTC().Truncate(24 * time.Hour)

	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.series[userID]
	if !ok {
		return Result{}
	}
	today := dayIndex(s.start, day)
	if today < 0 || today >= len(s.counts) || today+1 < minHistoryDays {
		return Result{}
	}
	counts := s.counts[:today+1]

	trend := movingAverage(counts, trendWindow)
	seasonal := seasonalMeans(counts, trend, s.start)

	// Residual history excludes today so the anomaly cannot dilute the
	// spread it is measured against.
	var residuals []float64
	for i := 0; i < today; i++ {
		residuals = append(residuals, counts[i]-trend[i]-seasonal[weekdayOf(s.start, i)])
	}
	std := populationStd(residuals)
	if std < stdFloor {
		std = stdFloor
	}

	residual := counts[today] - trend[today] - seasonal[weekdayOf(s.start, today)]

	return Result{
		Residual: residual,
		Std:      std,
		Score:    normalize(residual, d.cfg.Sigma, std),
		Anomaly:  math.Abs(residual) > d.cfg.Sigma*std,
		Spike:    d.isSpike(counts, today),
		OK:       true,
	}
}

// Len returns the number of tracked users.
func (d *Detector) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.series)
}

// isSpike applies the direct spike rule: today's count against the trailing
// average of the preceding window.
func (d *Detector) isSpike(counts []float64, today int) bool {
	if d.cfg.SpikeFactor <= 0 || today == 0 || counts[today] < minSpikeCount {
		return false
	}
	from := today - trendWindow
	if from < 0 {
		from = 0
	}
	var sum float64
	for _, c := range counts[from:today] {
		sum += c
	}
	avg := sum / float64(today-from)
	return counts[today] > d.cfg.SpikeFactor*avg
}

// movingAverage computes the trailing mean over up to window days at each
// index.
func movingAverage(counts []float64, window int) []float64 {
	out := make([]float64, len(counts))
	var sum float64
	for i, c := range counts {
		sum += c
		if i >= window {
			sum -= counts[i-window]
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}

// seasonalMeans returns the mean detrended value per weekday.
func seasonalMeans(counts, trend []float64, start time.Time) [7]float64 {
	var sums, ns [7]float64
	for i := range counts {
		w := weekdayOf(start, i)
		sums[w] += counts[i] - trend[i]
		ns[w]++
	}
	var out [7]float64
	for w := range out {
		if ns[w] > 0 {
			out[w] = sums[w] / ns[w]
		}
	}
	return out
}

func weekdayOf(start time.Time, idx int) int {
	return int(start.AddDate(0, 0, idx).Weekday())
}

// dayIndex returns the whole days from start to day. Both are UTC midnights;
// arithmetic on Unix seconds keeps extreme gaps from saturating a Duration.
func dayIndex(start, day time.Time) int {
	return int((day.Unix() - start.Unix()) / 86400)
}

func populationStd(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// normalize maps the residual to [0,1]: the flag threshold (Sigma stddevs)
// sits at 0.5 and twice the threshold saturates.
func normalize(residual, sigma, std float64) float64 {
	denom := 2 * sigma * std
	if denom <= 0 {
		return 0
	}
	s := math.Abs(residual) / denom
	if s > 1 {
		return 1
	}
	return s
}
