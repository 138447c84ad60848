package alerts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendlens/lendlens/internal/analysis"
)

type received struct {
	body      []byte
	signature string
	kind      string
}

func newServer(t *testing.T, status int) (*httptest.Server, *[]received, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{
			body:      body,
			signature: r.Header.Get("X-LendLens-Signature"),
			kind:      r.Header.Get("X-LendLens-Alert"),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &mu
}

func highRiskRecord() *analysis.ReputationAnalysis {
	return &analysis.ReputationAnalysis{
		UserID:     "alice",
		RiskScore:  0.85,
		Tier:       analysis.TierHigh,
		Confidence: 0.7,
		Flags:      []analysis.Flag{analysis.FlagReputationJump, analysis.FlagCollusion},
	}
}

func TestNotifyHighRisk_DeliversSignedPayload(t *testing.T) {
	srv, got, mu := newServer(t, http.StatusOK)
	n := New(srv.URL, "topsecret", time.Minute, slog.Default())

	n.NotifyHighRisk(highRiskRecord())
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 1)
	r := (*got)[0]
	assert.Equal(t, string(KindHighRisk), r.kind)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(r.body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.signature)

	var a Alert
	require.NoError(t, json.Unmarshal(r.body, &a))
	data := a.Data.(map[string]any)
	assert.Equal(t, "alice", data["userId"])
	assert.Equal(t, 0.85, data["riskScore"])
}

func TestNotifyHighRisk_CooldownSuppressesRepeats(t *testing.T) {
	srv, got, mu := newServer(t, http.StatusOK)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := New(srv.URL, "s", 15*time.Minute, slog.Default(),
		WithClock(func() time.Time { return now }))

	n.NotifyHighRisk(highRiskRecord())
	n.NotifyHighRisk(highRiskRecord())
	n.Wait()

	mu.Lock()
	assert.Len(t, *got, 1, "second alert inside the cooldown is suppressed")
	mu.Unlock()

	// Past the cooldown the next crossing alerts again.
	now = now.Add(16 * time.Minute)
	n.NotifyHighRisk(highRiskRecord())
	n.Wait()

	mu.Lock()
	assert.Len(t, *got, 2)
	mu.Unlock()
}

func TestNotifyHighRisk_CooldownIsPerUser(t *testing.T) {
	srv, got, mu := newServer(t, http.StatusOK)
	n := New(srv.URL, "s", time.Hour, slog.Default())

	a := highRiskRecord()
	b := highRiskRecord()
	b.UserID = "bob"
	n.NotifyHighRisk(a)
	n.NotifyHighRisk(b)
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *got, 2, "different users alert independently")
}

func TestNotifyRing(t *testing.T) {
	srv, got, mu := newServer(t, http.StatusOK)
	n := New(srv.URL, "s", time.Minute, slog.Default())

	n.NotifyRing(&analysis.CollusionRing{
		ID: "ring_1", Pattern: "circular", Members: []string{"a", "b"}, RiskScore: 0.92,
	})
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 1)
	assert.Equal(t, string(KindNewRing), (*got)[0].kind)
}

func TestEmit_ClientErrorDoesNotRetry(t *testing.T) {
	srv, got, mu := newServer(t, http.StatusBadRequest)
	n := New(srv.URL, "s", time.Minute, slog.Default())

	n.NotifyRing(&analysis.CollusionRing{ID: "ring_1", Pattern: "circular"})
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *got, 1, "a 4xx is permanent, not retried")
}

func TestEmit_ServerErrorRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n := New(srv.URL, "s", time.Minute, slog.Default())
	n.NotifyRing(&analysis.CollusionRing{ID: "ring_1", Pattern: "circular"})
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts, "retried once after the 500, then succeeded")
}

func TestEmit_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv, got, mu := newServer(t, http.StatusBadRequest)
	n := New(srv.URL, "s", time.Minute, slog.Default())

	// Each 4xx is a permanent delivery failure; the fifth trips the breaker.
	for i := 0; i < breakerThreshold; i++ {
		n.NotifyRing(&analysis.CollusionRing{ID: "ring_1", Pattern: "circular"})
		n.Wait()
	}

	mu.Lock()
	assert.Len(t, *got, breakerThreshold)
	mu.Unlock()

	n.NotifyRing(&analysis.CollusionRing{ID: "ring_1", Pattern: "circular"})
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *got, breakerThreshold, "alert after the breaker opens never reaches the endpoint")
}

func TestNotifier_DisabledWithoutURL(t *testing.T) {
	n := New("", "", time.Minute, slog.Default())
	n.NotifyHighRisk(highRiskRecord())
	n.NotifyRing(&analysis.CollusionRing{})
	n.Wait()
	// Nothing to assert beyond not panicking and not blocking.
}
