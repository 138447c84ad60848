package analysis

import (
	"context"
	"time"
)

// Store is the persistence boundary for analyses and rings. The engine is
// the only writer; the reporting surface only reads.
type Store interface {
	// UpsertAnalysis writes the full record for its userId.
	UpsertAnalysis(ctx context.Context, a *ReputationAnalysis) error

	// GetAnalysis returns the record for userID, or ErrNotFound.
	GetAnalysis(ctx context.Context, userID string) (*ReputationAnalysis, error)

	// ListHighRisk returns every record with RiskScore >= minScore,
	// highest first.
	ListHighRisk(ctx context.Context, minScore float64) ([]*ReputationAnalysis, error)

	// ConfirmRing creates the ring if its structural key is new, otherwise
	// refreshes LastConfirmed and RiskScore on the existing record.
	// Returns the stored ring and whether it was newly created.
	ConfirmRing(ctx context.Context, pattern string, members []string, riskScore float64, at time.Time) (*CollusionRing, bool, error)

	// ListRings returns all rings, most recently confirmed first.
	ListRings(ctx context.Context) ([]*CollusionRing, error)

	// Counts returns the number of analyses and rings, for the stats
	// surface.
	Counts(ctx context.Context) (analyses, rings int, err error)
}
