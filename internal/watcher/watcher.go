// Package watcher maintains live integrity state for assessment sessions.
//
// Flow:
//  1. Ingress hands a canonical event to Apply → it lands on the session's
//     bounded queue (backpressure when full)
//  2. The session worker holds arrivals in a lateness window, releases them
//     in timestamp order, and runs the detector pipeline on each
//  3. Detector hits become append-only violations and move the risk score
//  4. A background sweep marks idle sessions, confirms terminations against
//     the session store, and evicts sessions nobody has touched in a while
//
// Sessions are created on their first event and rebuilt from the session
// store when the monitor has no memory of them. Store trouble never stops
// monitoring; it marks the session degraded so downstream confidence drops.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/promora/proctor/internal/analysis"
	"github.com/promora/proctor/internal/event"
)

var (
	// ErrSessionClosed rejects events for sessions already closed.
	ErrSessionClosed = errors.New("watcher: session closed")

	// ErrBackpressure rejects events when the session queue is full.
	// Callers are expected to retry.
	ErrBackpressure = errors.New("watcher: session queue full")

	// ErrSessionNotFound reports a session unknown to both memory and the
	// session store.
	ErrSessionNotFound = errors.New("watcher: session not found")
)

// Status is the lifecycle state of a monitored session.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusClosed Status = "closed"
)

// Violation kinds. Lexical rule hits use PatternKind(ruleID).
const (
	KindRapidPaste       = "rapid-paste"
	KindExternalCopy     = "external-copy"
	KindForbiddenCommand = "forbidden-command"
	KindIdleThenBurst    = "idle-then-burst"
	KindAIOveruse        = "ai-overuse"
)

// PatternKind returns the violation kind for a lexical rule hit.
func PatternKind(ruleID string) string { return "pattern-match:" + ruleID }

// Violation is a single recorded integrity finding. The history is
// append-only; only an ai-overuse episode updates its entry in place while
// the prompt rate stays over the limit.
type Violation struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Kind       string    `json:"kind"`
	Severity   int       `json:"severity"` // 1 (noise) .. 10 (unambiguous)
	Evidence   Evidence  `json:"evidence"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Evidence references the triggering event. It carries excerpts, never full
// payload copies.
type Evidence struct {
	EventType event.Type `json:"eventType"`
	EventAt   time.Time  `json:"eventAt"`
	Path      string     `json:"path,omitempty"`
	Excerpt   string     `json:"excerpt,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

// Alert is raised when a session's risk classification escalates.
type Alert struct {
	SessionID      string    `json:"sessionId"`
	Classification string    `json:"classification"`
	RiskScore      float64   `json:"riskScore"`
	Message        string    `json:"message"`
	RaisedAt       time.Time `json:"raisedAt"`
}

// DetectorFault wraps a panic recovered from a detector. It is logged and
// counted; it never propagates to the caller or aborts the event.
type DetectorFault struct {
	Detector string
	Err      error
}

func (f *DetectorFault) Error() string {
	return fmt.Sprintf("watcher: detector %s faulted: %v", f.Detector, f.Err)
}

func (f *DetectorFault) Unwrap() error { return f.Err }

// SessionSnapshot is a consistent copy of one session's state, safe to hold
// after the session itself moves on. The sanity aggregator consumes it.
type SessionSnapshot struct {
	SessionID    string     `json:"sessionId"`
	Status       Status     `json:"status"`
	OpenedAt     time.Time  `json:"openedAt"`
	FirstEventAt time.Time  `json:"firstEventAt"`
	LastEventAt  time.Time  `json:"lastEventAt"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`

	RiskScore  float64     `json:"riskScore"`
	Violations []Violation `json:"violations"`
	Alerts     []Alert     `json:"alerts,omitempty"`

	EventsObserved   int                             `json:"eventsObserved"`
	EventCounts      map[event.Type]int              `json:"eventCounts"`
	PromptCount      int                             `json:"promptCount"`
	ResponseCount    int                             `json:"responseCount"`
	PromptCategories map[analysis.PromptCategory]int `json:"promptCategories,omitempty"`
	ModifyEvents     int                             `json:"modifyEvents"`
	PasteEvents      int                             `json:"pasteEvents"` // editor pastes plus assistant-panel copies
	SnapshotCount    int                             `json:"snapshotCount"`
	SubmittedAt      *time.Time                      `json:"submittedAt,omitempty"`
	MeanEventGap     time.Duration                   `json:"meanEventGapNs,omitempty"`

	// Degraded means store replay failed at some point; the state may be
	// missing history and downstream confidence should be reduced.
	Degraded   bool `json:"degraded,omitempty"`
	LateEvents int  `json:"lateEvents,omitempty"`
	OutOfOrder bool `json:"outOfOrder,omitempty"`

	// Fingerprint history for full-session similarity checks. Shared sets,
	// read-only.
	SnapshotFingerprints   []analysis.Fingerprints `json:"-"`
	SubmissionFingerprints []analysis.Fingerprints `json:"-"`
	ResponseFingerprints   []analysis.Fingerprints `json:"-"`
}

// Notification types streamed to subscribers and webhook consumers.
const (
	NoteViolationRecorded = "violation.recorded"
	NoteRiskUpdated       = "risk.updated"
	NoteAlertEscalated    = "alert.escalated"
	NoteSessionIdle       = "session.idle"
	NoteSessionResumed    = "session.resumed"
	NoteSessionClosed     = "session.closed"
	NoteEventObserved     = "event.observed"
)

// Notification is one ordered update about a session. Fields beyond Type,
// SessionID, and At are set per type.
type Notification struct {
	Type           string       `json:"type"`
	SessionID      string       `json:"sessionId"`
	At             time.Time    `json:"at"`
	Status         Status       `json:"status,omitempty"`
	RiskScore      float64      `json:"riskScore,omitempty"`
	Classification string       `json:"classification,omitempty"`
	Violation      *Violation   `json:"violation,omitempty"`
	Alert          *Alert       `json:"alert,omitempty"`
	Event          *event.Event `json:"event,omitempty"`
}

// Notifier receives session notifications. Implementations must not block;
// the watcher calls them from session worker goroutines.
type Notifier interface {
	Notify(n Notification)
}

// ViolationRecorder persists violations for the audit trail. The watcher
// calls it asynchronously and best-effort; errors are logged, never
// surfaced.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, v Violation) error
}

// Config carries the watcher's thresholds. Zero fields are filled in by
// Normalize, so a partially built Config is safe to run with.
type Config struct {
	QueueDepth     int           // per-session queue capacity
	LatenessWindow time.Duration // reorder buffer for out-of-order arrivals
	IdleAfter      time.Duration // active → idle after this long without events
	EvictAfter     time.Duration // idle/closed session dropped from memory
	SweepInterval  time.Duration // sweep cadence
	SeverityWeight float64       // risk points per severity unit
	MaxEventDelta  float64       // cap on the risk increase from one event

	RapidPasteMinDelta  int           // chars; smaller edits never count
	RapidPasteMaxGap    time.Duration // max gap to the previous edit on the path
	RapidPasteMaxDelta  int           // chars; deltas at or above score max severity
	IdleBurstWindow     time.Duration // resume-to-burst window
	IdleBurstMinDelta   int           // chars
	AIRateWindow        time.Duration // ai-overuse sliding window
	AIRateMax           int           // prompts allowed per window
	ForbiddenCommands   []string      // substring denylist for terminal commands
	ForbiddenSeverity   int
	CorpusOverlap       float64 // answer-corpus containment that flags external-copy
	SnapshotReplaceRate float64 // snapshot fraction replaced at once

	// Classification cutoffs, used for escalation alerts.
	ClassifyLow    float64
	ClassifyMedium float64
	ClassifyHigh   float64
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		QueueDepth:     500,
		LatenessWindow: 3 * time.Second,
		IdleAfter:      60 * time.Second,
		EvictAfter:     30 * time.Minute,
		SweepInterval:  time.Minute,
		SeverityWeight: 3.0,
		MaxEventDelta:  25,

		RapidPasteMinDelta:  200,
		RapidPasteMaxGap:    2 * time.Second,
		RapidPasteMaxDelta:  2000,
		IdleBurstWindow:     10 * time.Second,
		IdleBurstMinDelta:   200,
		AIRateWindow:        60 * time.Second,
		AIRateMax:           6,
		ForbiddenCommands:   []string{"curl", "wget", "nc", "scp", "pip install", "npm install", "apt install", "apt-get install", "brew install", "git clone"},
		ForbiddenSeverity:   6,
		CorpusOverlap:       0.6,
		SnapshotReplaceRate: 0.5,

		ClassifyLow:    20,
		ClassifyMedium: 50,
		ClassifyHigh:   80,
	}
}

// Normalize fills zero or inconsistent fields with defaults.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.LatenessWindow < 0 {
		c.LatenessWindow = d.LatenessWindow
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = d.IdleAfter
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = d.EvictAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SeverityWeight <= 0 {
		c.SeverityWeight = d.SeverityWeight
	}
	if c.MaxEventDelta <= 0 {
		c.MaxEventDelta = d.MaxEventDelta
	}
	if c.RapidPasteMinDelta <= 0 {
		c.RapidPasteMinDelta = d.RapidPasteMinDelta
	}
	if c.RapidPasteMaxGap <= 0 {
		c.RapidPasteMaxGap = d.RapidPasteMaxGap
	}
	if c.RapidPasteMaxDelta <= c.RapidPasteMinDelta {
		c.RapidPasteMaxDelta = c.RapidPasteMinDelta * 10
	}
	if c.IdleBurstWindow <= 0 {
		c.IdleBurstWindow = d.IdleBurstWindow
	}
	if c.IdleBurstMinDelta <= 0 {
		c.IdleBurstMinDelta = d.IdleBurstMinDelta
	}
	if c.AIRateWindow <= 0 {
		c.AIRateWindow = d.AIRateWindow
	}
	if c.AIRateMax <= 0 {
		c.AIRateMax = d.AIRateMax
	}
	if c.ForbiddenCommands == nil {
		c.ForbiddenCommands = d.ForbiddenCommands
	}
	if c.ForbiddenSeverity <= 0 {
		c.ForbiddenSeverity = d.ForbiddenSeverity
	}
	if c.CorpusOverlap <= 0 {
		c.CorpusOverlap = d.CorpusOverlap
	}
	if c.SnapshotReplaceRate <= 0 {
		c.SnapshotReplaceRate = d.SnapshotReplaceRate
	}
	if c.ClassifyLow <= 0 {
		c.ClassifyLow = d.ClassifyLow
	}
	if c.ClassifyMedium <= c.ClassifyLow {
		c.ClassifyMedium = d.ClassifyMedium
	}
	if c.ClassifyHigh <= c.ClassifyMedium {
		c.ClassifyHigh = d.ClassifyHigh
	}
	return c
}

// classify maps a risk score to its tier name.
func (c *Config) classify(score float64) string {
	switch {
	case score < c.ClassifyLow:
		return "low"
	case score < c.ClassifyMedium:
		return "medium"
	case score < c.ClassifyHigh:
		return "high"
	default:
		return "critical"
	}
}

// tierRank orders tiers for escalation comparison. "low" is the floor and
// never alerts on its own.
func tierRank(tier string) int {
	switch tier {
	case "medium":
		return 1
	case "high":
		return 2
	case "critical":
		return 3
	default:
		return 0
	}
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
