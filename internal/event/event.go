// Package event defines the canonical event model for assessment sessions.
//
// Producers emit heterogeneous raw events (IDE file operations, terminal
// activity, AI-assistant traffic, code snapshots, submissions). Normalize
// folds them into one canonical Event with a closed set of payload kinds so
// downstream detectors can switch exhaustively on the payload type.
package event

import (
	"errors"
	"fmt"
	"time"
)

// Type tags the canonical event kinds.
type Type string

const (
	TypeFileOp        Type = "file_op"
	TypeTerminal      Type = "terminal"
	TypeAIInteraction Type = "ai_interaction"
	TypeSnapshot      Type = "snapshot"
	TypeSubmission    Type = "submission"

	// TypeUnknown carries events from producers this build does not know.
	// They pass through for generic pattern scanning instead of being rejected.
	TypeUnknown Type = "unknown"
)

// FileVerb is the closed set of file operation verbs.
type FileVerb string

const (
	FileCreate FileVerb = "create"
	FileModify FileVerb = "modify"
	FileDelete FileVerb = "delete"
	FileRename FileVerb = "rename"
)

// Direction distinguishes AI-assistant prompts from responses.
type Direction string

const (
	DirectionPrompt   Direction = "prompt"
	DirectionResponse Direction = "response"
)

// Event is an immutable, canonical session event.
type Event struct {
	SessionID string    `json:"sessionId"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Payload is the tagged variant over event kinds. The marker method seals the
// set so a type switch over payloads is exhaustive.
type Payload interface {
	isPayload()
}

// FileOp is the payload for file_op events.
type FileOp struct {
	Path string   `json:"path"`
	Verb FileVerb `json:"verb"`

	// RenamedTo is set for rename operations.
	RenamedTo string `json:"renamedTo,omitempty"`

	// ContentDelta is the signed size of the change in characters
	// (negative for deletions). Zero when the producer did not report it
	// and no content was attached.
	ContentDelta int `json:"contentDelta,omitempty"`

	// Content holds the inserted text when the producer supplies it.
	Content string `json:"content,omitempty"`

	// Pasted marks clipboard pastes; FromAI marks pastes sourced from the
	// AI assistant panel.
	Pasted bool `json:"pasted,omitempty"`
	FromAI bool `json:"fromAI,omitempty"`
}

// Terminal is the payload for terminal events.
type Terminal struct {
	Command string `json:"command"`

	// Spawned marks shell-spawn events as opposed to executed commands.
	Spawned bool `json:"spawned,omitempty"`
}

// AIInteraction is the payload for ai_interaction events.
type AIInteraction struct {
	Direction Direction `json:"direction"`
	Content   string    `json:"content,omitempty"`

	// Copied marks content the candidate copied out of the assistant panel
	// rather than traffic with the assistant itself. Copies carry
	// Direction=response because the content originates on the assistant
	// side.
	Copied bool `json:"copied,omitempty"`
}

// Snapshot is the payload for snapshot events (full code captures).
type Snapshot struct {
	Path     string `json:"path,omitempty"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// Submission is the payload for submission events.
type Submission struct {
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// Unknown is the payload for unrecognized producer event types. RawType keeps
// the producer's tag; Data keeps whatever was attached.
type Unknown struct {
	RawType string         `json:"rawType"`
	Data    map[string]any `json:"data,omitempty"`
}

func (FileOp) isPayload()        {}
func (Terminal) isPayload()      {}
func (AIInteraction) isPayload() {}
func (Snapshot) isPayload()      {}
func (Submission) isPayload()    {}
func (Unknown) isPayload()       {}

// MalformedError reports a raw event that failed normalization. The session
// stream is unaffected; only the offending event is rejected.
type MalformedError struct {
	EventType string
	Field     string
	Reason    string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("event: malformed %q event: field %s %s", e.EventType, e.Field, e.Reason)
}

// IsMalformed reports whether err is a normalization failure.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
