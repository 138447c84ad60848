package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *LendLensClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *LendLensClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetUserAnalysis returns the analysis summary for one user.
func (h *Handlers) HandleGetUserAnalysis(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetAnalysis(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get analysis: %v", err)), nil
	}

	text, err := formatAnalysis(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analysis: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListHighRisk lists users above a risk threshold.
func (h *Handlers) HandleListHighRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	minScore := req.GetString("min_score", "0.8")

	raw, err := h.client.ListHighRisk(ctx, minScore)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list high-risk users: %v", err)), nil
	}

	text, err := formatAnalysisList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analyses: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListCollusionRings lists confirmed rings.
func (h *Handlers) HandleListCollusionRings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListRings(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list rings: %v", err)), nil
	}

	text, err := formatRingList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rings: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleExportUser returns the full record as pretty JSON.
func (h *Handlers) HandleExportUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.ExportAnalysis(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to export analysis: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleGetEngineStats returns pipeline statistics.
func (h *Handlers) HandleGetEngineStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

type analysisInfo struct {
	UserID            string   `json:"userId"`
	CurrentReputation float64  `json:"currentReputation"`
	RiskScore         float64  `json:"riskScore"`
	Confidence        float64  `json:"confidence"`
	Tier              string   `json:"tier"`
	Flags             []string `json:"flags"`
	KalmanScore       float64  `json:"kalmanScore"`
	BehavioralScore   float64  `json:"behavioralScore"`
	NetworkRisk       float64  `json:"networkRisk"`
	TemporalAnomaly   float64  `json:"temporalAnomaly"`
	Partial           bool     `json:"partial"`
	TransactionCount  int      `json:"transactionCount"`
}

func formatAnalysis(raw json.RawMessage) (string, error) {
	var a analysisInfo
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "User %s\n", a.UserID)
	fmt.Fprintf(&sb, "  Risk: %.2f (%s tier) | Confidence: %.2f\n", a.RiskScore, a.Tier, a.Confidence)
	fmt.Fprintf(&sb, "  Reputation: %.1f | Transactions: %d\n", a.CurrentReputation, a.TransactionCount)
	fmt.Fprintf(&sb, "  Sub-scores: kalman %.2f, behavioral %.2f, network %.2f, temporal %.2f\n",
		a.KalmanScore, a.BehavioralScore, a.NetworkRisk, a.TemporalAnomaly)
	if len(a.Flags) > 0 {
		fmt.Fprintf(&sb, "  Flags: %s\n", strings.Join(a.Flags, ", "))
	} else {
		sb.WriteString("  Flags: none\n")
	}
	if a.Partial {
		sb.WriteString("  Note: partial analysis — not all analyzers had enough data\n")
	}
	return sb.String(), nil
}

func formatAnalysisList(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Analyses []analysisInfo `json:"analyses"`
		Count    int            `json:"count"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}
	if wrapper.Count == 0 {
		return "No users above the requested risk score.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d user(s):\n\n", wrapper.Count)
	for i, a := range wrapper.Analyses {
		fmt.Fprintf(&sb, "%d. %s — risk %.2f (%s), confidence %.2f",
			i+1, a.UserID, a.RiskScore, a.Tier, a.Confidence)
		if len(a.Flags) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(a.Flags, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

type ringInfo struct {
	ID            string   `json:"id"`
	Pattern       string   `json:"pattern"`
	Members       []string `json:"members"`
	RiskScore     float64  `json:"riskScore"`
	FirstDetected string   `json:"firstDetected"`
	LastConfirmed string   `json:"lastConfirmed"`
}

func formatRingList(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Rings []ringInfo `json:"rings"`
		Count int        `json:"count"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}
	if wrapper.Count == 0 {
		return "No collusion rings confirmed.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d ring(s):\n\n", wrapper.Count)
	for i, r := range wrapper.Rings {
		fmt.Fprintf(&sb, "%d. %s (%s) — risk %.2f\n", i+1, r.ID, r.Pattern, r.RiskScore)
		fmt.Fprintf(&sb, "   Members: %s\n", strings.Join(r.Members, ", "))
		fmt.Fprintf(&sb, "   First detected: %s | Last confirmed: %s\n", r.FirstDetected, r.LastConfirmed)
		if i < len(wrapper.Rings)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
