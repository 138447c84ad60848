package event

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() TransactionEvent {
	return TransactionEvent{
		UserID:          "alice",
		CounterpartyID:  "bob",
		Kind:            KindBorrow,
		MonetaryAmount:  125.0,
		ReputationDelta: 2.0,
		Timestamp:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TransactionEvent)
		ok     bool
	}{
		{"valid", func(e *TransactionEvent) {}, true},
		{"zero amount is valid", func(e *TransactionEvent) { e.MonetaryAmount = 0 }, true},
		{"missing user", func(e *TransactionEvent) { e.UserID = "" }, false},
		{"missing counterparty", func(e *TransactionEvent) { e.CounterpartyID = "" }, false},
		{"self transaction", func(e *TransactionEvent) { e.CounterpartyID = "alice" }, false},
		{"missing kind", func(e *TransactionEvent) { e.Kind = "" }, false},
		{"negative amount", func(e *TransactionEvent) { e.MonetaryAmount = -1 }, false},
		{"zero timestamp", func(e *TransactionEvent) { e.Timestamp = time.Time{} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(&ev)
			err := ev.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

// recordingSink collects submitted events; reject makes Submit return false.
type recordingSink struct {
	mu     sync.Mutex
	events []TransactionEvent
	reject bool
}

func (s *recordingSink) Submit(ev TransactionEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func TestIngestor_AssignsMonotonicSequence(t *testing.T) {
	sink := &recordingSink{}
	in := NewIngestor(slog.Default(), sink)

	for i := 0; i < 5; i++ {
		_, err := in.Accept(validEvent())
		require.NoError(t, err)
	}

	require.Len(t, sink.events, 5)
	for i, ev := range sink.events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
	assert.Equal(t, uint64(5), in.Sequence())
}

func TestIngestor_DropsMalformed(t *testing.T) {
	sink := &recordingSink{}
	in := NewIngestor(slog.Default(), sink)

	bad := validEvent()
	bad.UserID = ""
	_, err := in.Accept(bad)
	require.True(t, errors.Is(err, ErrInvalid))

	assert.Empty(t, sink.events, "malformed event must not reach sinks")
	assert.Equal(t, uint64(1), in.Dropped())
	assert.Equal(t, uint64(0), in.Sequence(), "dropped events consume no sequence number")
}

func TestIngestor_CountsQueueFullDrops(t *testing.T) {
	sink := &recordingSink{reject: true}
	in := NewIngestor(slog.Default(), sink)

	_, err := in.Accept(validEvent())
	require.NoError(t, err, "queue-full drop is not an ingest error")
	assert.Equal(t, uint64(1), in.Dropped())
}
