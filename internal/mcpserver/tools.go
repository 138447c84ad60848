package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the LendLens MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetUserAnalysis = mcp.NewTool("get_user_analysis",
	mcp.WithDescription(
		"Get the current anomaly analysis for a lending network user. "+
			"Returns the composite risk score, tier (low/medium/high), confidence, "+
			"raised flags, and the per-analyzer sub-scores."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user's ledger identifier")),
)

var ToolListHighRisk = mcp.NewTool("list_high_risk",
	mcp.WithDescription(
		"List users whose composite risk score is at or above a threshold, "+
			"highest risk first. Use this to find who needs investigation."),
	mcp.WithString("min_score",
		mcp.Description("Minimum risk score in [0,1] (default 0.8)")),
)

var ToolListCollusionRings = mcp.NewTool("list_collusion_rings",
	mcp.WithDescription(
		"List confirmed collusion rings: circular lending loops, hub-and-spoke "+
			"structures, and abnormally frequent pairs. Most recently confirmed first."),
)

var ToolExportUser = mcp.NewTool("export_user",
	mcp.WithDescription(
		"Export a user's complete analysis record as JSON, including the "+
			"reputation history and transaction history behind the scores. "+
			"Use this when you need the raw evidence, not just the verdict."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user's ledger identifier")),
)

var ToolGetEngineStats = mcp.NewTool("get_engine_stats",
	mcp.WithDescription(
		"Get pipeline statistics: events ingested and dropped, users tracked, "+
			"graph size, behavioral population state, and stored record counts."),
)
