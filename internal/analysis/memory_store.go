package analysis

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lendlens/lendlens/internal/idgen"
)

// MemoryStore is an in-memory analysis store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	analyses map[string]*ReputationAnalysis
	rings    map[string]*CollusionRing // keyed by structural key
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		analyses: make(map[string]*ReputationAnalysis),
		rings:    make(map[string]*CollusionRing),
	}
}

func (m *MemoryStore) UpsertAnalysis(ctx context.Context, a *ReputationAnalysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[a.UserID] = copyAnalysis(a)
	return nil
}

func (m *MemoryStore) GetAnalysis(ctx context.Context, userID string) (*ReputationAnalysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.analyses[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAnalysis(a), nil
}

func (m *MemoryStore) ListHighRisk(ctx context.Context, minScore float64) ([]*ReputationAnalysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ReputationAnalysis, 0)
	for _, a := range m.analyses {
		if a.RiskScore >= minScore {
			out = append(out, copyAnalysis(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (m *MemoryStore) ConfirmRing(ctx context.Context, pattern string, members []string, riskScore float64, at time.Time) (*CollusionRing, bool, error) {
	ring := &CollusionRing{Pattern: pattern, Members: append([]string(nil), members...)}
	key := ring.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.rings[key]; ok {
		existing.RiskScore = riskScore
		existing.LastConfirmed = at
		return copyRing(existing), false, nil
	}

	ring.ID = idgen.WithPrefix("ring_")
	ring.RiskScore = riskScore
	ring.FirstDetected = at
	ring.LastConfirmed = at
	m.rings[key] = ring
	return copyRing(ring), true, nil
}

func (m *MemoryStore) ListRings(ctx context.Context) ([]*CollusionRing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*CollusionRing, 0, len(m.rings))
	for _, r := range m.rings {
		out = append(out, copyRing(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastConfirmed.Equal(out[j].LastConfirmed) {
			return out[i].LastConfirmed.After(out[j].LastConfirmed)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) Counts(ctx context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.analyses), len(m.rings), nil
}

func copyAnalysis(a *ReputationAnalysis) *ReputationAnalysis {
	cp := *a
	cp.Flags = append([]Flag(nil), a.Flags...)
	cp.ReputationHistory = append([]ReputationPoint(nil), a.ReputationHistory...)
	cp.TransactionHistory = append([]TransactionRecord(nil), a.TransactionHistory...)
	return &cp
}

func copyRing(r *CollusionRing) *CollusionRing {
	cp := *r
	cp.Members = append([]string(nil), r.Members...)
	return &cp
}
