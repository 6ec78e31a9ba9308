package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the proctor MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolWatchSession = mcp.NewTool("watch_session",
	mcp.WithDescription(
		"Watch a live coding-assessment session for integrity violations. "+
			"Returns the session's current risk score, recorded violations, escalation alerts, "+
			"and activity counters. Use this to check on a candidate mid-assessment."),
	mcp.WithString("sessionId",
		mcp.Required(),
		mcp.Description("The assessment session to watch (e.g. 'sess-4f2a')")),
	mcp.WithBoolean("includeFileOperations",
		mcp.Description("Include the file-operation summary (edit and paste counters). Defaults to true.")),
	mcp.WithBoolean("includeTerminalEvents",
		mcp.Description("Include the terminal-activity summary. Defaults to true.")),
)

var ToolExecuteAnalysis = mcp.NewTool("execute_analysis",
	mcp.WithDescription(
		"Run static analysis over a candidate's code: token and fingerprint counts, quality "+
			"metrics, suspicious-construct matches, and overlap against the known-solution corpus "+
			"when one is loaded. If no code is passed, the session's most recent snapshot is analyzed."),
	mcp.WithString("sessionId",
		mcp.Required(),
		mcp.Description("The assessment session the code belongs to")),
	mcp.WithString("code",
		mcp.Description("Code to analyze directly. Omit to analyze the session's latest snapshot.")),
)

var ToolFlagSanityChecks = mcp.NewTool("flag_sanity_checks",
	mcp.WithDescription(
		"Re-run the sanity checks for a session against its full recorded history and return "+
			"the resulting risk assessment: score, classification, confidence, per-check results, "+
			"and a recommendation (clear / flag-for-review / auto-fail). Live session state is not touched."),
	mcp.WithString("sessionId",
		mcp.Required(),
		mcp.Description("The assessment session to evaluate")),
)
