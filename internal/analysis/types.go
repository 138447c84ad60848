// Package analysis defines the persisted analysis records and the Store
// that owns them. The store is isolated from the lending ledger: its keys
// are userIds and opaque ring ids, never ledger identifiers, and nothing
// outside the engine writes to it.
package analysis

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for lookups of unknown users or rings.
	ErrNotFound = errors.New("analysis: not found")
)

// Flag is a closed anomaly kind. The aggregator's weighting is exhaustive
// over these; free-form strings never enter a record.
type Flag string

const (
	FlagReputationJump Flag = "unusual_reputation_jump"
	FlagBehavioral     Flag = "behavioral_anomaly"
	FlagCollusion      Flag = "collusion_detected"
	FlagTemporal       Flag = "temporal_anomaly"
)

// Valid reports whether f is one of the closed kinds.
func (f Flag) Valid() bool {
	switch f {
	case FlagReputationJump, FlagBehavioral, FlagCollusion, FlagTemporal:
		return true
	}
	return false
}

// Tier buckets a risk score.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// TierFor maps a risk score to its tier: [0,0.5) low, [0.5,0.8) medium,
// [0.8,1.0] high.
func TierFor(score float64) Tier {
	switch {
	case score >= 0.8:
		return TierHigh
	case score >= 0.5:
		return TierMedium
	default:
		return TierLow
	}
}

// ReputationPoint is one entry in a user's reputation history.
type ReputationPoint struct {
	Sequence   uint64    `json:"sequence"`
	Reputation float64   `json:"reputation"`
	At         time.Time `json:"at"`
}

// TransactionRecord is one entry in a user's transaction history.
type TransactionRecord struct {
	Sequence        uint64    `json:"sequence"`
	CounterpartyID  string    `json:"counterpartyId"`
	Kind            string    `json:"kind"`
	MonetaryAmount  float64   `json:"monetaryAmount"`
	ReputationDelta float64   `json:"reputationDelta"`
	At              time.Time `json:"at"`
}

// historyLimit bounds the in-record history logs. Older entries roll off;
// the record keeps the running totals either way.
const historyLimit = 500

// ReputationAnalysis is the per-user composite record. Created on the first
// observed event, updated on every subsequent one, never deleted.
type ReputationAnalysis struct {
	UserID            string  `json:"userId"`
	CurrentReputation float64 `json:"currentReputation"`
	RiskScore         float64 `json:"riskScore"`
	Confidence        float64 `json:"confidence"`
	Tier              Tier    `json:"tier"`
	Flags             []Flag  `json:"flags"`

	// Sub-scores, each normalized to [0,1].
	KalmanScore     float64 `json:"kalmanScore"`
	BehavioralScore float64 `json:"behavioralScore"`
	NetworkRisk     float64 `json:"networkRisk"`
	TemporalAnomaly float64 `json:"temporalAnomaly"`

	// Partial marks a record where at least one analyzer degraded to a
	// neutral sub-score (insufficient data or a numerical edge case).
	Partial bool `json:"partial"`

	TransactionCount   int                 `json:"transactionCount"`
	ReputationHistory  []ReputationPoint   `json:"reputationHistory"`
	TransactionHistory []TransactionRecord `json:"transactionHistory"`

	FirstObserved time.Time `json:"firstObserved"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// AddFlag records f once, keeping the set sorted.
func (a *ReputationAnalysis) AddFlag(f Flag) {
	for _, have := range a.Flags {
		if have == f {
			return
		}
	}
	a.Flags = append(a.Flags, f)
	sort.Slice(a.Flags, func(i, j int) bool { return a.Flags[i] < a.Flags[j] })
}

// HasFlag reports whether f is present.
func (a *ReputationAnalysis) HasFlag(f Flag) bool {
	for _, have := range a.Flags {
		if have == f {
			return true
		}
	}
	return false
}

// AppendHistory appends one observation to both logs, trimming to the
// in-record limit.
func (a *ReputationAnalysis) AppendHistory(rp ReputationPoint, tr TransactionRecord) {
	a.ReputationHistory = append(a.ReputationHistory, rp)
	if len(a.ReputationHistory) > historyLimit {
		a.ReputationHistory = a.ReputationHistory[len(a.ReputationHistory)-historyLimit:]
	}
	a.TransactionHistory = append(a.TransactionHistory, tr)
	if len(a.TransactionHistory) > historyLimit {
		a.TransactionHistory = a.TransactionHistory[len(a.TransactionHistory)-historyLimit:]
	}
}

// CollusionRing is a detected structural pattern. Immutable once created
// except for LastConfirmed and RiskScore refreshes.
type CollusionRing struct {
	ID            string    `json:"ringId"`
	Pattern       string    `json:"pattern"` // circular | hub_spoke | frequent_pair
	Members       []string  `json:"members"` // sorted userIds
	RiskScore     float64   `json:"riskScore"`
	FirstDetected time.Time `json:"firstDetected"`
	LastConfirmed time.Time `json:"lastConfirmed"`
}

// Key returns the structural identity of the ring: pattern plus sorted
// member set. Re-detections of the same structure refresh rather than
// duplicate.
func (r *CollusionRing) Key() string {
	return r.Pattern + ":" + strings.Join(r.Members, ",")
}
