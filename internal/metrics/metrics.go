// Package metrics provides Prometheus instrumentation for the LendLens engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lendlens",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lendlens",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsIngestedTotal counts accepted ledger events.
	EventsIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lendlens",
		Name:      "events_ingested_total",
		Help:      "Total ledger events accepted by the ingestor.",
	})

	// EventsDroppedTotal counts rejected events by reason.
	EventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendlens",
		Name:      "events_dropped_total",
		Help:      "Total events dropped by reason (malformed, queue_full).",
	}, []string{"reason"})

	// AnalyzerDegradedTotal counts analyzer failures degraded to a neutral sub-score.
	AnalyzerDegradedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendlens",
		Name:      "analyzer_degraded_total",
		Help:      "Total per-event analyzer failures degraded to a neutral sub-score.",
	}, []string{"analyzer"})

	// FlagsRaisedTotal counts anomaly flags raised by kind.
	FlagsRaisedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendlens",
		Name:      "flags_raised_total",
		Help:      "Total anomaly flags raised by kind.",
	}, []string{"kind"})

	// StoreWriteRetriesTotal counts analysis store write retries.
	StoreWriteRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lendlens",
		Name:      "store_write_retries_total",
		Help:      "Total analysis store write attempts beyond the first.",
	})

	// StoreWriteFailuresTotal counts analysis store writes that exhausted retries.
	StoreWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lendlens",
		Name:      "store_write_failures_total",
		Help:      "Total analysis store writes that failed after all retries.",
	})

	// AlertsSentTotal counts alert deliveries by result.
	AlertsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendlens",
		Name:      "alerts_sent_total",
		Help:      "Total alert webhook deliveries by result.",
	}, []string{"result"})

	// TrackedUsers gauges the number of users with filter state.
	TrackedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendlens",
		Name:      "tracked_users",
		Help:      "Number of users currently tracked by the engine.",
	})

	// CollusionRings gauges the number of detected rings.
	CollusionRings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendlens",
		Name:      "collusion_rings",
		Help:      "Number of collusion rings currently recorded.",
	})

	// ActiveWebSocketClients tracks connected dashboard WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendlens",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendlens", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendlens", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendlens", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendlens", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsIngestedTotal,
		EventsDroppedTotal,
		AnalyzerDegradedTotal,
		FlagsRaisedTotal,
		StoreWriteRetriesTotal,
		StoreWriteFailuresTotal,
		AlertsSentTotal,
		TrackedUsers,
		CollusionRings,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
