package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestEventsDroppedTotal_Labels(t *testing.T) {
	EventsDroppedTotal.Reset()

	EventsDroppedTotal.WithLabelValues("malformed").Inc()
	EventsDroppedTotal.WithLabelValues("malformed").Inc()
	EventsDroppedTotal.WithLabelValues("queue_full").Inc()

	m := &dto.Metric{}
	counter, err := EventsDroppedTotal.GetMetricWithLabelValues("malformed")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 2.0 {
		t.Errorf("expected counter value 2, got %f", m.Counter.GetValue())
	}
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{102, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
