package features

import (
	"math"
	"sync"
	"time"
)

// Population holds per-feature mean and standard deviation across all users
// with enough history, recomputed on a schedule rather than per event.
type Population struct {
	Mean  [5]float64 `json:"mean"`
	Std   [5]float64 `json:"std"`
	Count int        `json:"count"`
	AsOf  time.Time  `json:"asOf"`
}

// stdFloor guards the z-score against a degenerate population where every
// user shares the same value for a feature.
const stdFloor = 1e-9

// minPopulation is the smallest population the scorer will score against;
// below this the distribution is too thin to mean anything.
const minPopulation = 3

// Scorer holds the current population snapshot and scores feature vectors
// against it.
type Scorer struct {
	mu        sync.RWMutex
	threshold float64
	pop       Population
	ready     bool
}

// NewScorer creates a scorer with the given anomaly threshold in normalized
// distance units.
func NewScorer(threshold float64) *Scorer {
	return &Scorer{threshold: threshold}
}

// Refresh recomputes the population statistics from the given vectors.
// Called by the scheduled refresh, never on the event path.
func (s *Scorer) Refresh(vectors []Vector, now time.Time) Population {
	var pop Population
	pop.Count = len(vectors)
	pop.AsOf = now

	if pop.Count > 0 {
		for _, v := range vectors {
			vals := v.values()
			for i, x := range vals {
				pop.Mean[i] += x
			}
		}
		for i := range pop.Mean {
			pop.Mean[i] /= float64(pop.Count)
		}
		for _, v := range vectors {
			vals := v.values()
			for i, x := range vals {
				d := x - pop.Mean[i]
				pop.Std[i] += d * d
			}
		}
		for i := range pop.Std {
			pop.Std[i] = math.Sqrt(pop.Std[i] / float64(pop.Count))
		}
	}

	s.mu.Lock()
	s.pop = pop
	s.ready = pop.Count >= minPopulation
	s.mu.Unlock()
	return pop
}

// Population returns the current snapshot.
func (s *Scorer) Population() (Population, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pop, s.ready
}

// Score computes the normalized distance of v from the population centroid:
// the RMS of the per-feature z-scores, scaled so three standard deviations
// map to 1.0. anomalous is true when the distance exceeds the threshold; ok
// is false while the population snapshot is too thin to score against.
func (s *Scorer) Score(v Vector) (score float64, anomalous, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready {
		return 0, false, false
	}

	vals := v.values()
	var ss float64
	for i, x := range vals {
		std := s.pop.Std[i]
		if std < stdFloor {
			continue
		}
		z := (x - s.pop.Mean[i]) / std
		ss += z * z
	}
	rms := math.Sqrt(ss / float64(len(vals)))

	score = rms / 3
	if score > 1 {
		score = 1
	}
	return score, score >= s.threshold, true
}
