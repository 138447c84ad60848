package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the LendLens API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// LendLensClient is a pure HTTP client for the LendLens reporting API.
// Every endpoint it touches is read-only; the MCP surface can never
// mutate analysis state.
type LendLensClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewLendLensClient creates a new client for the LendLens API.
func NewLendLensClient(cfg Config) *LendLensClient {
	return &LendLensClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *LendLensClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetAnalysis returns the analysis record for a user.
func (c *LendLensClient) GetAnalysis(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/analyses/"+url.PathEscape(userID), nil, nil)
}

// ListHighRisk lists analyses at or above the given risk score.
func (c *LendLensClient) ListHighRisk(ctx context.Context, minScore string) (json.RawMessage, error) {
	q := url.Values{}
	if minScore != "" {
		q.Set("minScore", minScore)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/analyses", q, nil)
}

// ListRings lists confirmed collusion rings, most recently confirmed first.
func (c *LendLensClient) ListRings(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/rings", nil, nil)
}

// ExportAnalysis returns the user's full record including histories.
func (c *LendLensClient) ExportAnalysis(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/analyses/"+url.PathEscape(userID)+"/export", nil, nil)
}

// GetStats returns pipeline statistics.
func (c *LendLensClient) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/stats", nil, nil)
}
