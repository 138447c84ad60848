package features

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// seed records n samples for userID, one every interval.
func seed(e *Extractor, userID string, n int, interval time.Duration, amount, repDelta float64, counterparty string) time.Time {
	at := t0
	for i := 0; i < n; i++ {
		e.Record(userID, Sample{
			Amount:          amount,
			ReputationDelta: repDelta,
			Counterparty:    counterparty,
			At:              at,
		})
		at = at.Add(interval)
	}
	return at
}

func TestVector_InsufficientData(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	e.Record("u1", Sample{Amount: 10, Counterparty: "c1", At: t0})
	e.Record("u1", Sample{Amount: 10, Counterparty: "c1", At: t0.Add(time.Hour)})

	_, ok := e.Vector("u1", t0.Add(2*time.Hour))
	assert.False(t, ok, "two samples are below the minimum, not an anomaly")
}

func TestVector_Features(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	// Four transactions, one per day, alternating counterparties.
	at := t0
	for i := 0; i < 4; i++ {
		e.Record("u1", Sample{
			Amount:          100,
			ReputationDelta: 2,
			Counterparty:    fmt.Sprintf("c%d", i%2),
			At:              at,
		})
		at = at.Add(24 * time.Hour)
	}

	v, ok := e.Vector("u1", at)
	require.True(t, ok)

	// Span is 3 days: 4 tx / 3 d, 8 rep / 3 d.
	assert.InDelta(t, 4.0/3.0, v.TransactionFrequency, 1e-9)
	assert.InDelta(t, 8.0/3.0, v.ReputationGrowthRate, 1e-9)
	assert.Equal(t, 0.0, v.ValueVariance, "identical amounts have zero variance")
	assert.Equal(t, regularityCap, v.TimingRegularity, "clockwork intervals hit the cap")
	assert.InDelta(t, 0.5, v.NetworkConnectivity, 1e-9, "2 distinct counterparties over 4 tx")
}

func TestVector_ConnectivityDropsWithRepeatedPartner(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	seed(e, "pair", 10, time.Hour, 50, 1, "only-partner")

	v, ok := e.Vector("pair", t0.Add(10*time.Hour))
	require.True(t, ok)
	assert.InDelta(t, 0.1, v.NetworkConnectivity, 1e-9)
}

func TestRecord_EvictsByCountAndAge(t *testing.T) {
	cfg := Config{WindowSize: 5, WindowDays: 30, MinTransactions: 3}
	e := NewExtractor(cfg)

	end := seed(e, "u1", 8, time.Hour, 10, 1, "c")
	assert.Equal(t, 5, e.Count("u1", end), "count cap")

	// A sample 31 days later ages everything else out.
	later := end.AddDate(0, 0, 31)
	e.Record("u1", Sample{Amount: 10, Counterparty: "c", At: later})
	assert.Equal(t, 1, e.Count("u1", later), "age cap")
}

func TestTimingRegularity_IrregularScheduleScoresLow(t *testing.T) {
	regular := []Sample{
		{At: t0}, {At: t0.Add(1 * time.Hour)}, {At: t0.Add(2 * time.Hour)}, {At: t0.Add(3 * time.Hour)},
	}
	irregular := []Sample{
		{At: t0}, {At: t0.Add(5 * time.Minute)}, {At: t0.Add(20 * time.Hour)}, {At: t0.Add(21 * time.Hour)},
	}
	assert.Greater(t, timingRegularity(regular), timingRegularity(irregular))
}

func TestScorer_NotReadyBelowMinPopulation(t *testing.T) {
	s := NewScorer(0.3)
	s.Refresh([]Vector{{TransactionFrequency: 1}}, t0)

	_, _, ok := s.Score(Vector{})
	assert.False(t, ok, "a one-user population is too thin to score against")
}

func TestScorer_OutlierScoresAboveThreshold(t *testing.T) {
	s := NewScorer(0.3)

	// A population of ordinary users plus one to give each feature spread.
	pop := []Vector{
		{TransactionFrequency: 1.0, ReputationGrowthRate: 0.5, ValueVariance: 10, TimingRegularity: 2, NetworkConnectivity: 0.8},
		{TransactionFrequency: 1.2, ReputationGrowthRate: 0.6, ValueVariance: 12, TimingRegularity: 3, NetworkConnectivity: 0.7},
		{TransactionFrequency: 0.8, ReputationGrowthRate: 0.4, ValueVariance: 8, TimingRegularity: 2.5, NetworkConnectivity: 0.9},
		{TransactionFrequency: 1.1, ReputationGrowthRate: 0.5, ValueVariance: 11, TimingRegularity: 2.2, NetworkConnectivity: 0.75},
	}
	s.Refresh(pop, t0)

	typical, anomalous, ok := s.Score(pop[0])
	require.True(t, ok)
	assert.False(t, anomalous)
	assert.Less(t, typical, 0.3)

	// Ten times the transaction rate, pure rep farming, one partner.
	outlier := Vector{
		TransactionFrequency: 12, ReputationGrowthRate: 6, ValueVariance: 0,
		TimingRegularity: regularityCap, NetworkConnectivity: 0.05,
	}
	score, anomalous, ok := s.Score(outlier)
	require.True(t, ok)
	assert.True(t, anomalous)
	assert.GreaterOrEqual(t, score, 0.3)
	assert.LessOrEqual(t, score, 1.0)
}

func TestScorer_DegenerateFeatureIsIgnored(t *testing.T) {
	s := NewScorer(0.3)

	// Every user has identical connectivity: that feature contributes no z.
	pop := []Vector{
		{TransactionFrequency: 1, NetworkConnectivity: 0.5},
		{TransactionFrequency: 2, NetworkConnectivity: 0.5},
		{TransactionFrequency: 3, NetworkConnectivity: 0.5},
	}
	s.Refresh(pop, t0)

	score, _, ok := s.Score(Vector{TransactionFrequency: 2, NetworkConnectivity: 0.9})
	require.True(t, ok)
	assert.Equal(t, 0.0, score, "only degenerate features differ, so distance is zero")
}

func TestRefresh_SnapshotStats(t *testing.T) {
	s := NewScorer(0.3)
	pop := s.Refresh([]Vector{
		{TransactionFrequency: 1},
		{TransactionFrequency: 2},
		{TransactionFrequency: 3},
	}, t0)

	assert.Equal(t, 3, pop.Count)
	assert.InDelta(t, 2.0, pop.Mean[0], 1e-9)
	assert.InDelta(t, 0.8164965809, pop.Std[0], 1e-6)
	assert.Equal(t, t0, pop.AsOf)
}

func TestAllVectors_SkipsThinUsers(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	end := seed(e, "rich", 10, time.Hour, 20, 1, "c")
	e.Record("thin", Sample{Amount: 5, Counterparty: "c", At: t0})

	vs := e.AllVectors(end)
	assert.Len(t, vs, 1)
}
