// Package alerts delivers fire-and-forget webhook notifications when a user
// crosses into the high-risk tier or a new collusion ring is confirmed.
// Delivery is best-effort: a few bounded retries, then the failure is logged
// and counted. Nothing in the pipeline ever waits on an alert.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lendlens/lendlens/internal/analysis"
	"github.com/lendlens/lendlens/internal/circuitbreaker"
	"github.com/lendlens/lendlens/internal/idgen"
	"github.com/lendlens/lendlens/internal/metrics"
	"github.com/lendlens/lendlens/internal/retry"
)

const (
	deliverAttempts  = 3
	deliverBaseDelay = 500 * time.Millisecond
	deliverTimeout   = 30 * time.Second

	breakerKey       = "webhook"
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// Kind labels an outgoing alert.
type Kind string

const (
	KindHighRisk Kind = "user.high_risk"
	KindNewRing  Kind = "ring.detected"
)

// Alert is the webhook payload.
type Alert struct {
	ID        string    `json:"alertId"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Notifier posts signed alerts to a single configured endpoint, with a
// per-user cooldown so a user oscillating around the tier boundary does not
// page repeatedly.
type Notifier struct {
	url      string
	secret   string
	cooldown time.Duration
	logger   *slog.Logger
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time // userId → last high-risk alert
	inflight sync.WaitGroup
}

// Option configures the notifier.
type Option func(*Notifier)

// WithClient overrides the HTTP client, for tests.
func WithClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithClock overrides the notifier clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a notifier posting to url, signing payloads with secret.
func New(url, secret string, cooldown time.Duration, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		url:      url,
		secret:   secret,
		cooldown: cooldown,
		logger:   logger.With("component", "alerts"),
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  circuitbreaker.New(breakerThreshold, breakerOpenFor),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NotifyHighRisk emits a user.high_risk alert, subject to the per-user
// cooldown. Never blocks.
func (n *Notifier) NotifyHighRisk(a *analysis.ReputationAnalysis) {
	if n == nil || n.url == "" {
		return
	}

	n.mu.Lock()
	if last, ok := n.lastSent[a.UserID]; ok && n.now().Sub(last) < n.cooldown {
		n.mu.Unlock()
		metrics.AlertsSentTotal.WithLabelValues("cooldown").Inc()
		return
	}
	n.lastSent[a.UserID] = n.now()
	n.mu.Unlock()

	n.emit(Alert{
		ID:        idgen.WithPrefix("alert_"),
		Kind:      KindHighRisk,
		Timestamp: n.now(),
		Data: map[string]any{
			"userId":     a.UserID,
			"riskScore":  a.RiskScore,
			"tier":       string(a.Tier),
			"confidence": a.Confidence,
			"flags":      a.Flags,
		},
	})
}

// NotifyRing emits a ring.detected alert for a newly confirmed ring. Rings
// are already deduplicated by structural identity, so no cooldown applies.
func (n *Notifier) NotifyRing(r *analysis.CollusionRing) {
	if n == nil || n.url == "" {
		return
	}
	n.emit(Alert{
		ID:        idgen.WithPrefix("alert_"),
		Kind:      KindNewRing,
		Timestamp: n.now(),
		Data: map[string]any{
			"ringId":    r.ID,
			"pattern":   r.Pattern,
			"members":   r.Members,
			"riskScore": r.RiskScore,
		},
	})
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in
// tests.
func (n *Notifier) Wait() {
	n.inflight.Wait()
}

func (n *Notifier) emit(a Alert) {
	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("panic delivering alert", "panic", fmt.Sprint(r))
			}
		}()

		// An unreachable endpoint trips the breaker; alerts are then dropped
		// on the floor until a trial delivery succeeds instead of burning retries.
		if !n.breaker.Allow(breakerKey) {
			metrics.AlertsSentTotal.WithLabelValues("suppressed").Inc()
			n.logger.Debug("alert suppressed, circuit open", "kind", a.Kind, "alert", a.ID)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()

		err := retry.Do(ctx, deliverAttempts, deliverBaseDelay, func() error {
			return n.post(ctx, a)
		})
		if err != nil {
			n.breaker.RecordFailure(breakerKey)
			metrics.AlertsSentTotal.WithLabelValues("failed").Inc()
			n.logger.Warn("alert delivery failed", "kind", a.Kind, "alert", a.ID, "error", err)
			return
		}
		n.breaker.RecordSuccess(breakerKey)
		metrics.AlertsSentTotal.WithLabelValues("delivered").Inc()
	}()
}

func (n *Notifier) post(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal alert: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-LendLens-Alert", string(a.Kind))
	req.Header.Set("X-LendLens-Timestamp", fmt.Sprintf("%d", a.Timestamp.Unix()))
	if n.secret != "" {
		req.Header.Set("X-LendLens-Signature", sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(fmt.Errorf("alert endpoint returned %d", resp.StatusCode))
	}
	return fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
