package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lendlens/lendlens/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed analysis store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the analysis tables. Score bounds are enforced at the DB
// level so a buggy writer cannot persist an out-of-range record.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reputation_analyses (
			user_id             VARCHAR(128) PRIMARY KEY,
			current_reputation  DOUBLE PRECISION NOT NULL DEFAULT 0,
			risk_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
			confidence          DOUBLE PRECISION NOT NULL DEFAULT 0,
			tier                VARCHAR(10) NOT NULL DEFAULT 'low',
			flags               JSONB NOT NULL DEFAULT '[]',
			kalman_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
			behavioral_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
			network_risk        DOUBLE PRECISION NOT NULL DEFAULT 0,
			temporal_anomaly    DOUBLE PRECISION NOT NULL DEFAULT 0,
			partial             BOOLEAN NOT NULL DEFAULT FALSE,
			transaction_count   INTEGER NOT NULL DEFAULT 0,
			reputation_history  JSONB NOT NULL DEFAULT '[]',
			transaction_history JSONB NOT NULL DEFAULT '[]',
			first_observed      TIMESTAMPTZ NOT NULL,
			last_updated        TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_risk_score CHECK (risk_score >= 0 AND risk_score <= 1),
			CONSTRAINT chk_confidence CHECK (confidence >= 0 AND confidence <= 1)
		);

		CREATE INDEX IF NOT EXISTS idx_analyses_risk ON reputation_analyses(risk_score DESC);

		CREATE TABLE IF NOT EXISTS collusion_rings (
			id             VARCHAR(36) PRIMARY KEY,
			ring_key       VARCHAR(512) NOT NULL UNIQUE,
			pattern        VARCHAR(20) NOT NULL,
			members        JSONB NOT NULL,
			risk_score     DOUBLE PRECISION NOT NULL,
			first_detected TIMESTAMPTZ NOT NULL,
			last_confirmed TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_ring_score CHECK (risk_score >= 0 AND risk_score <= 1)
		);

		CREATE INDEX IF NOT EXISTS idx_rings_confirmed ON collusion_rings(last_confirmed DESC);
	`)
	return err
}

func (p *PostgresStore) UpsertAnalysis(ctx context.Context, a *ReputationAnalysis) error {
	flags, err := json.Marshal(a.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	repHist, err := json.Marshal(a.ReputationHistory)
	if err != nil {
		return fmt.Errorf("marshal reputation history: %w", err)
	}
	txHist, err := json.Marshal(a.TransactionHistory)
	if err != nil {
		return fmt.Errorf("marshal transaction history: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO reputation_analyses (
			user_id, current_reputation, risk_score, confidence, tier, flags,
			kalman_score, behavioral_score, network_risk, temporal_anomaly,
			partial, transaction_count, reputation_history, transaction_history,
			first_observed, last_updated
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (user_id) DO UPDATE SET
			current_reputation  = EXCLUDED.current_reputation,
			risk_score          = EXCLUDED.risk_score,
			confidence          = EXCLUDED.confidence,
			tier                = EXCLUDED.tier,
			flags               = EXCLUDED.flags,
			kalman_score        = EXCLUDED.kalman_score,
			behavioral_score    = EXCLUDED.behavioral_score,
			network_risk        = EXCLUDED.network_risk,
			temporal_anomaly    = EXCLUDED.temporal_anomaly,
			partial             = EXCLUDED.partial,
			transaction_count   = EXCLUDED.transaction_count,
			reputation_history  = EXCLUDED.reputation_history,
			transaction_history = EXCLUDED.transaction_history,
			last_updated        = EXCLUDED.last_updated
	`, a.UserID, a.CurrentReputation, a.RiskScore, a.Confidence, string(a.Tier), flags,
		a.KalmanScore, a.BehavioralScore, a.NetworkRisk, a.TemporalAnomaly,
		a.Partial, a.TransactionCount, repHist, txHist,
		a.FirstObserved, a.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to upsert analysis: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAnalysis(ctx context.Context, userID string) (*ReputationAnalysis, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT user_id, current_reputation, risk_score, confidence, tier, flags,
		       kalman_score, behavioral_score, network_risk, temporal_anomaly,
		       partial, transaction_count, reputation_history, transaction_history,
		       first_observed, last_updated
		FROM reputation_analyses WHERE user_id = $1
	`, userID)

	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) ListHighRisk(ctx context.Context, minScore float64) ([]*ReputationAnalysis, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, current_reputation, risk_score, confidence, tier, flags,
		       kalman_score, behavioral_score, network_risk, temporal_anomaly,
		       partial, transaction_count, reputation_history, transaction_history,
		       first_observed, last_updated
		FROM reputation_analyses
		WHERE risk_score >= $1
		ORDER BY risk_score DESC, user_id
	`, minScore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*ReputationAnalysis, 0)
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ConfirmRing(ctx context.Context, pattern string, members []string, riskScore float64, at time.Time) (*CollusionRing, bool, error) {
	ring := &CollusionRing{Pattern: pattern, Members: append([]string(nil), members...)}
	key := ring.Key()

	memberJSON, err := json.Marshal(ring.Members)
	if err != nil {
		return nil, false, fmt.Errorf("marshal members: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT id, first_detected FROM collusion_rings WHERE ring_key = $1 FOR UPDATE
	`, key).Scan(&ring.ID, &ring.FirstDetected)
	switch {
	case err == sql.ErrNoRows:
		ring.ID = idgen.WithPrefix("ring_")
		ring.RiskScore = riskScore
		ring.FirstDetected = at
		ring.LastConfirmed = at
		_, err = tx.ExecContext(ctx, `
			INSERT INTO collusion_rings (id, ring_key, pattern, members, risk_score, first_detected, last_confirmed)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, ring.ID, key, pattern, memberJSON, riskScore, at, at)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert ring: %w", err)
		}
		return ring, true, tx.Commit()

	case err != nil:
		return nil, false, err
	}

	ring.RiskScore = riskScore
	ring.LastConfirmed = at
	_, err = tx.ExecContext(ctx, `
		UPDATE collusion_rings SET risk_score = $2, last_confirmed = $3 WHERE id = $1
	`, ring.ID, riskScore, at)
	if err != nil {
		return nil, false, fmt.Errorf("failed to refresh ring: %w", err)
	}
	return ring, false, tx.Commit()
}

func (p *PostgresStore) ListRings(ctx context.Context) ([]*CollusionRing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, pattern, members, risk_score, first_detected, last_confirmed
		FROM collusion_rings
		ORDER BY last_confirmed DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*CollusionRing, 0)
	for rows.Next() {
		r := &CollusionRing{}
		var members []byte
		if err := rows.Scan(&r.ID, &r.Pattern, &members, &r.RiskScore, &r.FirstDetected, &r.LastConfirmed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(members, &r.Members); err != nil {
			return nil, fmt.Errorf("unmarshal members: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Counts(ctx context.Context) (int, int, error) {
	var analyses, rings int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reputation_analyses`).Scan(&analyses); err != nil {
		return 0, 0, err
	}
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collusion_rings`).Scan(&rings); err != nil {
		return 0, 0, err
	}
	return analyses, rings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*ReputationAnalysis, error) {
	a := &ReputationAnalysis{}
	var tier string
	var flags, repHist, txHist []byte

	err := row.Scan(&a.UserID, &a.CurrentReputation, &a.RiskScore, &a.Confidence, &tier, &flags,
		&a.KalmanScore, &a.BehavioralScore, &a.NetworkRisk, &a.TemporalAnomaly,
		&a.Partial, &a.TransactionCount, &repHist, &txHist,
		&a.FirstObserved, &a.LastUpdated)
	if err != nil {
		return nil, err
	}

	a.Tier = Tier(tier)
	if err := json.Unmarshal(flags, &a.Flags); err != nil {
		return nil, fmt.Errorf("unmarshal flags: %w", err)
	}
	if err := json.Unmarshal(repHist, &a.ReputationHistory); err != nil {
		return nil, fmt.Errorf("unmarshal reputation history: %w", err)
	}
	if err := json.Unmarshal(txHist, &a.TransactionHistory); err != nil {
		return nil, fmt.Errorf("unmarshal transaction history: %w", err)
	}
	return a, nil
}
