package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func sampleAnalysis(userID string, score float64) *ReputationAnalysis {
	return &ReputationAnalysis{
		UserID:            userID,
		CurrentReputation: 42,
		RiskScore:         score,
		Confidence:        0.6,
		Tier:              TierFor(score),
		TransactionCount:  7,
		FirstObserved:     t0,
		LastUpdated:       t0.Add(time.Hour),
	}
}

func TestMemoryStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := sampleAnalysis("alice", 0.4)
	a.AddFlag(FlagBehavioral)
	require.NoError(t, s.UpsertAnalysis(ctx, a))

	got, err := s.GetAnalysis(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, a.RiskScore, got.RiskScore)
	assert.True(t, got.HasFlag(FlagBehavioral))

	// The stored record is a copy: mutating the returned value must not
	// leak back into the store.
	got.RiskScore = 0.99
	again, err := s.GetAnalysis(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0.4, again.RiskScore)

	_, err = s.GetAnalysis(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListHighRisk(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, tc := range []struct {
		id    string
		score float64
	}{
		{"low", 0.2}, {"mid", 0.6}, {"high", 0.9},
	} {
		require.NoError(t, s.UpsertAnalysis(ctx, sampleAnalysis(tc.id, tc.score)))
	}

	got, err := s.ListHighRisk(ctx, 0.5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].UserID, "highest risk first")
	assert.Equal(t, "mid", got[1].UserID)
}

func TestMemoryStore_ConfirmRing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r1, created, err := s.ConfirmRing(ctx, "circular", []string{"a", "b", "c"}, 0.9, t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, r1.ID)
	assert.Equal(t, t0, r1.FirstDetected)

	// Same structure re-detected later: refresh, not duplicate.
	r2, created, err := s.ConfirmRing(ctx, "circular", []string{"a", "b", "c"}, 0.95, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, t0, r2.FirstDetected, "first detection is immutable")
	assert.Equal(t, t0.Add(time.Hour), r2.LastConfirmed)
	assert.Equal(t, 0.95, r2.RiskScore)

	// Same members under a different pattern is a different ring.
	_, created, err = s.ConfirmRing(ctx, "hub_spoke", []string{"a", "b", "c"}, 0.7, t0)
	require.NoError(t, err)
	assert.True(t, created)

	rings, err := s.ListRings(ctx)
	require.NoError(t, err)
	require.Len(t, rings, 2)
	assert.Equal(t, r1.ID, rings[0].ID, "most recently confirmed first")

	nAnalyses, nRings, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, nAnalyses)
	assert.Equal(t, 2, nRings)
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, TierLow, TierFor(0))
	assert.Equal(t, TierLow, TierFor(0.49))
	assert.Equal(t, TierMedium, TierFor(0.5))
	assert.Equal(t, TierMedium, TierFor(0.79))
	assert.Equal(t, TierHigh, TierFor(0.8))
	assert.Equal(t, TierHigh, TierFor(1.0))
}

func TestAddFlag_SortedSet(t *testing.T) {
	a := &ReputationAnalysis{}
	a.AddFlag(FlagTemporal)
	a.AddFlag(FlagBehavioral)
	a.AddFlag(FlagTemporal)

	assert.Equal(t, []Flag{FlagBehavioral, FlagTemporal}, a.Flags)
}

func TestAppendHistory_Bounded(t *testing.T) {
	a := &ReputationAnalysis{}
	for i := 0; i < historyLimit+10; i++ {
		a.AppendHistory(
			ReputationPoint{Sequence: uint64(i + 1)},
			TransactionRecord{Sequence: uint64(i + 1)},
		)
	}

	assert.Len(t, a.ReputationHistory, historyLimit)
	assert.Len(t, a.TransactionHistory, historyLimit)
	assert.Equal(t, uint64(11), a.ReputationHistory[0].Sequence, "oldest entries roll off")
}

func TestFlagValid(t *testing.T) {
	assert.True(t, FlagCollusion.Valid())
	assert.False(t, Flag("made_up").Valid())
}

func TestRingKey(t *testing.T) {
	r := &CollusionRing{Pattern: "circular", Members: []string{"a", "b"}}
	assert.Equal(t, "circular:a,b", r.Key())
}
