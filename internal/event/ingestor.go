package event

import (
	"log/slog"
	"sync/atomic"

	"github.com/lendlens/lendlens/internal/metrics"
)

// Sink receives validated, sequenced events. Submit must not block; it
// returns false if the event was dropped (e.g. a full queue).
type Sink interface {
	Submit(ev TransactionEvent) bool
}

// Ingestor normalizes raw ledger events: it validates required fields,
// assigns a monotonic sequence number, and fans the event out to every
// registered sink. Malformed events are dropped and counted, never
// propagated downstream.
type Ingestor struct {
	seq     atomic.Uint64
	dropped atomic.Uint64
	sinks   []Sink
	logger  *slog.Logger
}

// NewIngestor creates an ingestor fanning out to the given sinks.
func NewIngestor(logger *slog.Logger, sinks ...Sink) *Ingestor {
	return &Ingestor{sinks: sinks, logger: logger}
}

// Accept validates and sequences a raw event, then fans it out.
// Returns the sequenced event, or ErrInvalid (wrapped) if it was dropped.
func (in *Ingestor) Accept(raw TransactionEvent) (TransactionEvent, error) {
	if err := raw.Validate(); err != nil {
		in.dropped.Add(1)
		metrics.EventsDroppedTotal.WithLabelValues("malformed").Inc()
		in.logger.Warn("dropped malformed event", "user", raw.UserID, "error", err)
		return TransactionEvent{}, err
	}

	raw.Sequence = in.seq.Add(1)
	metrics.EventsIngestedTotal.Inc()

	for _, s := range in.sinks {
		if !s.Submit(raw) {
			in.dropped.Add(1)
			metrics.EventsDroppedTotal.WithLabelValues("queue_full").Inc()
			in.logger.Warn("dropped event on full queue", "user", raw.UserID, "seq", raw.Sequence)
		}
	}
	return raw, nil
}

// Sequence returns the last assigned sequence number.
func (in *Ingestor) Sequence() uint64 { return in.seq.Load() }

// Dropped returns the number of events dropped so far.
func (in *Ingestor) Dropped() uint64 { return in.dropped.Load() }
