// Package event defines the canonical ledger event and the ingestor that
// validates, sequences, and fans events out to the analysis pipeline.
//
// The lending ledger is the only producer. Events are immutable facts;
// nothing in this subsystem ever writes back to the ledger.
package event

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a ledger transaction.
type Kind string

const (
	KindBorrow Kind = "borrow"
	KindRepay  Kind = "repay"
	KindLend   Kind = "lend"
)

// TransactionEvent is the canonical record for a single ledger event.
// Sequence is assigned by the Ingestor; all other fields come from the ledger.
type TransactionEvent struct {
	UserID          string    `json:"userId"`
	CounterpartyID  string    `json:"counterpartyId"`
	Kind            Kind      `json:"kind"`
	MonetaryAmount  float64   `json:"monetaryAmount"`
	ReputationDelta float64   `json:"reputationDelta"`
	Timestamp       time.Time `json:"timestamp"`
	Sequence        uint64    `json:"sequence"`
}

// ErrInvalid is returned for events that fail validation. Invalid events are
// dropped and counted; they never reach an analyzer.
var ErrInvalid = errors.New("event: invalid")

// Validate checks that the required fields are present and sane.
func (e *TransactionEvent) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalid)
	}
	if e.CounterpartyID == "" {
		return fmt.Errorf("%w: missing counterpartyId", ErrInvalid)
	}
	if e.UserID == e.CounterpartyID {
		return fmt.Errorf("%w: userId equals counterpartyId", ErrInvalid)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalid)
	}
	if e.MonetaryAmount < 0 {
		return fmt.Errorf("%w: negative monetaryAmount %f", ErrInvalid, e.MonetaryAmount)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalid)
	}
	return nil
}
