package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewLendLensClient(Config{APIURL: ts.URL})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "not_found",
			"message": "no analysis for user",
		})
	}))
	defer ts.Close()

	client := NewLendLensClient(Config{APIURL: ts.URL})
	_, err := client.GetAnalysis(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "no analysis for user")
}

func TestClient_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewLendLensClient(Config{APIURL: ts.URL})
	_, err := client.GetStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewLendLensClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_PathEscapesUserID(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewLendLensClient(Config{APIURL: ts.URL})
	_, err := client.GetAnalysis(context.Background(), "user/../admin")
	require.NoError(t, err)
	assert.Equal(t, "/v1/analyses/user%2F..%2Fadmin", gotPath)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetUserAnalysis(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/analyses/alice", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"userId":            "alice",
			"currentReputation": 72.5,
			"riskScore":         0.84,
			"confidence":        0.6,
			"tier":              "high",
			"flags":             []string{"unusual_reputation_jump", "collusion_detected"},
			"kalmanScore":       0.9,
			"behavioralScore":   0.2,
			"networkRisk":       0.95,
			"temporalAnomaly":   0.0,
			"transactionCount":  42,
		})
	}))
	defer cleanup()

	result, err := h.HandleGetUserAnalysis(context.Background(), makeRequest(map[string]any{"user_id": "alice"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "User alice")
	assert.Contains(t, text, "0.84")
	assert.Contains(t, text, "high tier")
	assert.Contains(t, text, "collusion_detected")
}

func TestHandleGetUserAnalysis_MissingUserID(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not reach the API")
	}))
	defer cleanup()

	result, err := h.HandleGetUserAnalysis(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListHighRisk(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0.9", r.URL.Query().Get("minScore"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"analyses": []map[string]any{
				{"userId": "mallory", "riskScore": 0.92, "tier": "high", "confidence": 0.7, "flags": []string{"collusion_detected"}},
			},
			"count": 1,
		})
	}))
	defer cleanup()

	result, err := h.HandleListHighRisk(context.Background(), makeRequest(map[string]any{"min_score": "0.9"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 user(s)")
	assert.Contains(t, text, "mallory")
}

func TestHandleListHighRisk_DefaultThreshold(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0.8", r.URL.Query().Get("minScore"))
		_ = json.NewEncoder(w).Encode(map[string]any{"analyses": []map[string]any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandleListHighRisk(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No users above")
}

func TestHandleListCollusionRings(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rings": []map[string]any{
				{
					"id": "ring_abc", "pattern": "circular",
					"members":   []string{"a", "b", "c"},
					"riskScore": 0.9,
				},
			},
			"count": 1,
		})
	}))
	defer cleanup()

	result, err := h.HandleListCollusionRings(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "ring_abc")
	assert.Contains(t, text, "circular")
	assert.Contains(t, text, "a, b, c")
}

func TestHandleExportUser(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/analyses/bob/export", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"userId": "bob", "riskScore": 0.1})
	}))
	defer cleanup()

	result, err := h.HandleExportUser(context.Background(), makeRequest(map[string]any{"user_id": "bob"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, `"userId": "bob"`)
}

func TestHandleGetEngineStats_APIDown(t *testing.T) {
	client := NewLendLensClient(Config{APIURL: "http://127.0.0.1:1"})
	h := NewHandlers(client)

	result, err := h.HandleGetEngineStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
