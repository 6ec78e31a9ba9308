package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *ProctorClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *ProctorClient) *Handlers {
	return &Handlers{client: client}
}

// HandleWatchSession reports the live state of one session.
func (h *Handlers) HandleWatchSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("sessionId", "")
	if sessionID == "" {
		return mcp.NewToolResultError("sessionId is required"), nil
	}
	includeFileOps := req.GetBool("includeFileOperations", true)
	includeTerminal := req.GetBool("includeTerminalEvents", true)

	raw, err := h.client.WatchSession(ctx, sessionID, includeFileOps, includeTerminal)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to watch session: %v", err)), nil
	}

	text, err := formatWatchReport(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse watch report: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleExecuteAnalysis runs static analysis over candidate code.
func (h *Handlers) HandleExecuteAnalysis(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("sessionId", "")
	if sessionID == "" {
		return mcp.NewToolResultError("sessionId is required"), nil
	}
	code := req.GetString("code", "")

	raw, err := h.client.RunAnalysis(ctx, sessionID, code)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Analysis failed: %v", err)), nil
	}

	text, err := formatAnalysis(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analysis: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleFlagSanityChecks re-runs the sanity checks for a session.
func (h *Handlers) HandleFlagSanityChecks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("sessionId", "")
	if sessionID == "" {
		return mcp.NewToolResultError("sessionId is required"), nil
	}

	raw, err := h.client.RunSanityChecks(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Sanity checks failed: %v", err)), nil
	}

	text, err := formatAssessment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

// The wire shapes below mirror the monitor's JSON responses. The MCP binary
// stays a pure API consumer; it never imports the monitor's internals.

type watchViolation struct {
	Kind       string    `json:"kind"`
	Severity   int       `json:"severity"`
	DetectedAt time.Time `json:"detectedAt"`
	Evidence   struct {
		Path    string `json:"path"`
		Excerpt string `json:"excerpt"`
		Detail  string `json:"detail"`
	} `json:"evidence"`
}

func (v watchViolation) evidenceLine() string {
	switch {
	case v.Evidence.Detail != "":
		return v.Evidence.Detail
	case v.Evidence.Excerpt != "":
		return v.Evidence.Excerpt
	default:
		return v.Evidence.Path
	}
}

type watchAlert struct {
	Classification string    `json:"classification"`
	RiskScore      float64   `json:"riskScore"`
	Message        string    `json:"message"`
	RaisedAt       time.Time `json:"raisedAt"`
}

type watchReport struct {
	SessionID      string           `json:"sessionId"`
	Status         string           `json:"status"`
	RiskScore      float64          `json:"riskScore"`
	Violations     []watchViolation `json:"violations"`
	Alerts         []watchAlert     `json:"alerts"`
	EventsObserved int              `json:"eventsObserved"`
	LastEventAt    time.Time        `json:"lastEventAt"`

	FileOperations *struct {
		Count        int `json:"count"`
		ModifyEvents int `json:"modifyEvents"`
		PasteEvents  int `json:"pasteEvents"`
	} `json:"fileOperations"`
	TerminalEvents *struct {
		Count int `json:"count"`
	} `json:"terminalEvents"`
}

func formatWatchReport(raw json.RawMessage) (string, error) {
	var r watchReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s [%s]\n", r.SessionID, r.Status)
	fmt.Fprintf(&sb, "Risk score: %.1f/100\n", r.RiskScore)
	fmt.Fprintf(&sb, "Events observed: %d", r.EventsObserved)
	if !r.LastEventAt.IsZero() {
		fmt.Fprintf(&sb, " (last at %s)", r.LastEventAt.Format(time.RFC3339))
	}
	sb.WriteString("\n")

	if len(r.Violations) == 0 {
		sb.WriteString("\nNo violations recorded.\n")
	} else {
		fmt.Fprintf(&sb, "\nViolations (%d):\n", len(r.Violations))
		for i, v := range r.Violations {
			fmt.Fprintf(&sb, "%d. %s (severity %d) at %s\n", i+1, v.Kind, v.Severity, v.DetectedAt.Format(time.RFC3339))
			if line := v.evidenceLine(); line != "" {
				fmt.Fprintf(&sb, "   %s\n", line)
			}
		}
	}

	if len(r.Alerts) > 0 {
		fmt.Fprintf(&sb, "\nAlerts (%d):\n", len(r.Alerts))
		for _, a := range r.Alerts {
			fmt.Fprintf(&sb, "- [%s] %s\n", a.Classification, a.Message)
		}
	}

	if r.FileOperations != nil {
		fmt.Fprintf(&sb, "\nFile operations: %d total (%d edits, %d pastes)\n",
			r.FileOperations.Count, r.FileOperations.ModifyEvents, r.FileOperations.PasteEvents)
	}
	if r.TerminalEvents != nil {
		fmt.Fprintf(&sb, "Terminal commands: %d\n", r.TerminalEvents.Count)
	}

	return sb.String(), nil
}

type analysisResult struct {
	SessionID string `json:"sessionId"`

	Features struct {
		TokenCount         int      `json:"tokenCount"`
		Fingerprints       int      `json:"fingerprints"`
		CorpusOverlap      *float64 `json:"corpusOverlap"`
		NearestCorpusEntry string   `json:"nearestCorpusEntry"`
	} `json:"features"`

	Quality struct {
		TotalLines    int     `json:"totalLines"`
		NonEmptyLines int     `json:"nonEmptyLines"`
		CommentLines  int     `json:"commentLines"`
		CommentRatio  float64 `json:"commentRatio"`
		MaxIndent     int     `json:"maxIndent"`
		Complexity    string  `json:"complexity"`
	} `json:"qualityMetrics"`

	Matches []struct {
		RuleID   string `json:"ruleId"`
		Severity int    `json:"severity"`
		Line     int    `json:"line"`
		Excerpt  string `json:"excerpt"`
	} `json:"patternMatches"`
}

func formatAnalysis(raw json.RawMessage) (string, error) {
	var r analysisResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Code analysis")
	if r.SessionID != "" {
		fmt.Fprintf(&sb, " for session %s", r.SessionID)
	}
	sb.WriteString(":\n")
	fmt.Fprintf(&sb, "  Tokens: %d | Fingerprints: %d\n", r.Features.TokenCount, r.Features.Fingerprints)
	fmt.Fprintf(&sb, "  Lines: %d total, %d non-empty, %d comments (ratio %.2f)\n",
		r.Quality.TotalLines, r.Quality.NonEmptyLines, r.Quality.CommentLines, r.Quality.CommentRatio)
	fmt.Fprintf(&sb, "  Max indent: %d | Complexity: %s\n", r.Quality.MaxIndent, r.Quality.Complexity)

	if r.Features.CorpusOverlap != nil {
		fmt.Fprintf(&sb, "  Corpus overlap: %.0f%%", *r.Features.CorpusOverlap*100)
		if r.Features.NearestCorpusEntry != "" {
			fmt.Fprintf(&sb, " (nearest: %s)", r.Features.NearestCorpusEntry)
		}
		sb.WriteString("\n")
	}

	if len(r.Matches) == 0 {
		sb.WriteString("\nNo suspicious patterns matched.\n")
	} else {
		fmt.Fprintf(&sb, "\nSuspicious patterns (%d):\n", len(r.Matches))
		for _, m := range r.Matches {
			fmt.Fprintf(&sb, "- %s (severity %d) at line %d: %s\n", m.RuleID, m.Severity, m.Line, m.Excerpt)
		}
	}

	return sb.String(), nil
}

type assessmentResult struct {
	SessionID      string   `json:"sessionId"`
	Score          float64  `json:"score"`
	Classification string   `json:"classification"`
	Recommendation string   `json:"recommendation"`
	Confidence     float64  `json:"confidence"`
	Degraded       bool     `json:"degraded"`
	RedFlags       []string `json:"redFlags"`

	Checks []struct {
		Name   string `json:"name"`
		Result string `json:"result"`
		Detail string `json:"detail"`
	} `json:"checks"`

	ContributingViolations []watchViolation `json:"contributingViolations"`
}

func formatAssessment(raw json.RawMessage) (string, error) {
	var r assessmentResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Sanity assessment for session %s:\n", r.SessionID)
	fmt.Fprintf(&sb, "  Risk score: %.1f/100 (%s)\n", r.Score, r.Classification)
	fmt.Fprintf(&sb, "  Confidence: %.0f%%", r.Confidence*100)
	if r.Degraded {
		sb.WriteString(" (event history is incomplete, treat with caution)")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Recommendation: %s\n", r.Recommendation)

	if len(r.Checks) > 0 {
		sb.WriteString("\nChecks:\n")
		for _, c := range r.Checks {
			fmt.Fprintf(&sb, "- %s: %s", c.Name, c.Result)
			if c.Detail != "" {
				fmt.Fprintf(&sb, " (%s)", c.Detail)
			}
			sb.WriteString("\n")
		}
	}

	if len(r.RedFlags) > 0 {
		fmt.Fprintf(&sb, "\nRed flags: %s\n", strings.Join(r.RedFlags, "; "))
	}

	if len(r.ContributingViolations) > 0 {
		fmt.Fprintf(&sb, "\nContributing violations (%d):\n", len(r.ContributingViolations))
		for i, v := range r.ContributingViolations {
			fmt.Fprintf(&sb, "%d. %s (severity %d)\n", i+1, v.Kind, v.Severity)
		}
	}

	return sb.String(), nil
}
