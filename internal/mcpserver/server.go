package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all LendLens tools
// registered. Every tool is a read of the analysis store; none can feed
// events in or change a score.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("lendlens", "1.0.0")
	client := NewLendLensClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetUserAnalysis, h.HandleGetUserAnalysis)
	s.AddTool(ToolListHighRisk, h.HandleListHighRisk)
	s.AddTool(ToolListCollusionRings, h.HandleListCollusionRings)
	s.AddTool(ToolExportUser, h.HandleExportUser)
	s.AddTool(ToolGetEngineStats, h.HandleGetEngineStats)

	return s
}
