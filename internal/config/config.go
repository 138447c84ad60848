// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)

	// State tracker (per-user filter)
	ProcessNoise      float64 // Q
	MeasurementNoise  float64 // R
	ResidualThreshold float64 // reputation points before unusual_reputation_jump

	// Behavioral scorer
	BehavioralThreshold float64 // normalized distance before behavioral_anomaly
	MinTransactions     int     // transactions before behavioral scoring starts
	WindowSize          int     // rolling window, max transactions
	WindowDays          int     // rolling window, max age in days
	PopulationRefresh   time.Duration

	// Relationship graph
	DecayHalfLife   time.Duration // edge weight half-life with no activity
	DecayInterval   time.Duration
	CycleMaxDepth   int
	MinInteractions float64 // minimum edge weight for a cycle edge
	PairMultiple    float64 // frequent-pair threshold vs population median
	HubPercentile   float64 // degree percentile for hub detection

	// Temporal detector
	TemporalSigma float64 // residual threshold in stddevs
	SpikeFactor   float64 // single period count vs trailing average

	// Engine
	Workers   int
	QueueSize int

	// HTTP surface
	CORSOrigins   []string // empty allows all origins
	RatePerMinute int      // per-IP limit on query endpoints
	RateBurst     int

	// Alerts
	AlertWebhookURL string // optional, alerts disabled if not set
	AlertSecret     string // HMAC secret for signing alert payloads
	AlertCooldown   time.Duration
	HighRiskScore   float64 // tier boundary that triggers alerts
}

// Defaults
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultProcessNoise      = 0.1
	DefaultMeasurementNoise  = 0.5
	DefaultResidualThreshold = 20.0

	DefaultBehavioralThreshold = 0.3
	DefaultMinTransactions     = 3
	DefaultWindowSize          = 100
	DefaultWindowDays          = 30

	DefaultCycleMaxDepth   = 6
	DefaultMinInteractions = 2.0
	DefaultPairMultiple    = 5.0
	DefaultHubPercentile   = 0.95

	DefaultTemporalSigma = 3.0
	DefaultSpikeFactor   = 4.0

	DefaultWorkers   = 8
	DefaultQueueSize = 1024

	DefaultRatePerMinute = 600
	DefaultRateBurst     = 100

	DefaultHighRiskScore = 0.8
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		ProcessNoise:      getEnvFloat("FILTER_PROCESS_NOISE", DefaultProcessNoise),
		MeasurementNoise:  getEnvFloat("FILTER_MEASUREMENT_NOISE", DefaultMeasurementNoise),
		ResidualThreshold: getEnvFloat("FILTER_RESIDUAL_THRESHOLD", DefaultResidualThreshold),

		BehavioralThreshold: getEnvFloat("BEHAVIORAL_THRESHOLD", DefaultBehavioralThreshold),
		MinTransactions:     int(getEnvInt64("MIN_TRANSACTIONS", DefaultMinTransactions)),
		WindowSize:          int(getEnvInt64("WINDOW_SIZE", DefaultWindowSize)),
		WindowDays:          int(getEnvInt64("WINDOW_DAYS", DefaultWindowDays)),
		PopulationRefresh:   getEnvDuration("POPULATION_REFRESH", 5*time.Minute),

		DecayHalfLife:   getEnvDuration("DECAY_HALF_LIFE", 90*24*time.Hour),
		DecayInterval:   getEnvDuration("DECAY_INTERVAL", time.Hour),
		CycleMaxDepth:   int(getEnvInt64("CYCLE_MAX_DEPTH", DefaultCycleMaxDepth)),
		MinInteractions: getEnvFloat("MIN_INTERACTIONS", DefaultMinInteractions),
		PairMultiple:    getEnvFloat("PAIR_MULTIPLE", DefaultPairMultiple),
		HubPercentile:   getEnvFloat("HUB_PERCENTILE", DefaultHubPercentile),

		TemporalSigma: getEnvFloat("TEMPORAL_SIGMA", DefaultTemporalSigma),
		SpikeFactor:   getEnvFloat("SPIKE_FACTOR", DefaultSpikeFactor),

		Workers:   int(getEnvInt64("ENGINE_WORKERS", DefaultWorkers)),
		QueueSize: int(getEnvInt64("ENGINE_QUEUE_SIZE", DefaultQueueSize)),

		CORSOrigins:   getEnvList("CORS_ALLOWED_ORIGINS"),
		RatePerMinute: int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRatePerMinute)),
		RateBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateBurst)),

		AlertWebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),
		AlertSecret:     os.Getenv("ALERT_SECRET"),
		AlertCooldown:   getEnvDuration("ALERT_COOLDOWN", 15*time.Minute),
		HighRiskScore:   getEnvFloat("HIGH_RISK_SCORE", DefaultHighRiskScore),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the tuning surface is internally consistent
func (c *Config) Validate() error {
	if c.ProcessNoise <= 0 || c.MeasurementNoise <= 0 {
		return fmt.Errorf("FILTER_PROCESS_NOISE and FILTER_MEASUREMENT_NOISE must be positive")
	}
	if c.ResidualThreshold <= 0 {
		return fmt.Errorf("FILTER_RESIDUAL_THRESHOLD must be positive")
	}
	if c.BehavioralThreshold <= 0 || c.BehavioralThreshold > 1 {
		return fmt.Errorf("BEHAVIORAL_THRESHOLD must be in (0, 1]")
	}
	if c.MinTransactions < 1 {
		return fmt.Errorf("MIN_TRANSACTIONS must be at least 1")
	}
	if c.WindowSize < c.MinTransactions {
		return fmt.Errorf("WINDOW_SIZE must be at least MIN_TRANSACTIONS")
	}
	if c.CycleMaxDepth < 2 {
		return fmt.Errorf("CYCLE_MAX_DEPTH must be at least 2")
	}
	if c.HubPercentile <= 0 || c.HubPercentile >= 1 {
		return fmt.Errorf("HUB_PERCENTILE must be in (0, 1)")
	}
	if c.HighRiskScore <= 0 || c.HighRiskScore > 1 {
		return fmt.Errorf("HIGH_RISK_SCORE must be in (0, 1]")
	}
	if c.Workers < 1 {
		return fmt.Errorf("ENGINE_WORKERS must be at least 1")
	}
	if c.RatePerMinute < 1 || c.RateBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be at least 1")
	}
	if c.AlertWebhookURL != "" && c.AlertSecret == "" {
		return fmt.Errorf("ALERT_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
