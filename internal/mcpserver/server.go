// Package mcpserver exposes the monitor's watch, analysis, and sanity-check
// capabilities as MCP tools so LLM-driven review agents can call them over
// stdio.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all monitoring tools
// registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("proctor-monitoring", "1.0.0")
	client := NewProctorClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolWatchSession, h.HandleWatchSession)
	s.AddTool(ToolExecuteAnalysis, h.HandleExecuteAnalysis)
	s.AddTool(ToolFlagSanityChecks, h.HandleFlagSanityChecks)

	return s
}
