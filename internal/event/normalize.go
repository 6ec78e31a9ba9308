package event

import (
	"strings"
	"time"
)

// RawEvent is the wire shape produced by the IDE plugin and stored by the
// platform's session store. Data keys vary by producer version; Normalize
// accepts the known aliases.
type RawEvent struct {
	SessionID string         `json:"sessionId" binding:"required"`
	EventType string         `json:"eventType" binding:"required"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Producer event types, as emitted by the assessment IDE plugin.
const (
	rawFileCreated  = "file_created"
	rawFileModified = "file_modified"
	rawFileDeleted  = "file_deleted"
	rawFileRenamed  = "file_renamed"

	rawCommandExecuted = "command_executed"
	rawTerminalSpawned = "terminal_spawned"

	rawPromptSent       = "prompt_sent"
	rawResponseReceived = "response_received"

	rawCodeSnapshot      = "code_snapshot"
	rawSolutionSubmitted = "solution_submitted"

	rawCodePasted       = "code_pasted"
	rawCodePastedFromAI = "code_pasted_from_ai"
	rawCodeCopied       = "code_copied"
	rawCodeCopiedFromAI = "code_copied_from_ai"
)

// Normalize validates a raw event and folds it into the canonical shape.
// Unrecognized event types are passed through as TypeUnknown rather than
// rejected, so new producers do not break the pipeline.
func Normalize(raw RawEvent) (Event, error) {
	if strings.TrimSpace(raw.SessionID) == "" {
		return Event{}, &MalformedError{EventType: raw.EventType, Field: "sessionId", Reason: "is required"}
	}
	if raw.EventType == "" {
		return Event{}, &MalformedError{EventType: raw.EventType, Field: "eventType", Reason: "is required"}
	}
	if raw.Timestamp.IsZero() {
		return Event{}, &MalformedError{EventType: raw.EventType, Field: "timestamp", Reason: "is required"}
	}

	payload, err := normalizePayload(raw)
	if err != nil {
		return Event{}, err
	}

	return Event{
		SessionID: raw.SessionID,
		Type:      payloadType(payload),
		Timestamp: raw.Timestamp,
		Payload:   payload,
	}, nil
}

func normalizePayload(raw RawEvent) (Payload, error) {
	switch raw.EventType {
	case rawFileCreated:
		return normalizeFileOp(raw, FileCreate)
	case rawFileModified:
		return normalizeFileOp(raw, FileModify)
	case rawFileDeleted:
		return normalizeFileOp(raw, FileDelete)
	case rawFileRenamed:
		return normalizeFileOp(raw, FileRename)

	case rawCodePasted, rawCodePastedFromAI:
		p, err := normalizeFileOp(raw, FileModify)
		if err != nil {
			return nil, err
		}
		p.Pasted = true
		p.FromAI = raw.EventType == rawCodePastedFromAI
		return p, nil

	case rawCommandExecuted:
		cmd := dataString(raw.Data, "command", "cmd")
		if cmd == "" {
			return nil, &MalformedError{EventType: raw.EventType, Field: "command", Reason: "is required"}
		}
		return Terminal{Command: cmd}, nil

	case rawTerminalSpawned:
		// Shell spawns carry the shell binary as the command.
		cmd := dataString(raw.Data, "shell", "command", "cmd")
		if cmd == "" {
			return nil, &MalformedError{EventType: raw.EventType, Field: "shell", Reason: "is required"}
		}
		return Terminal{Command: cmd, Spawned: true}, nil

	case rawCodeCopied, rawCodeCopiedFromAI:
		// Copies are clipboard captures from the assistant panel; the older
		// plugin tag omits the _from_ai suffix but means the same thing.
		// There is no destination path, so they stay on the interaction side.
		return AIInteraction{
			Direction: DirectionResponse,
			Copied:    true,
			Content:   dataString(raw.Data, "content", "code", "text", "codeSnippet", "code_snippet"),
		}, nil

	case rawPromptSent:
		return AIInteraction{Direction: DirectionPrompt, Content: dataString(raw.Data, "content", "prompt", "text")}, nil

	case rawResponseReceived:
		return AIInteraction{Direction: DirectionResponse, Content: dataString(raw.Data, "content", "response", "text")}, nil

	case rawCodeSnapshot:
		content, ok := dataContent(raw.Data)
		if !ok {
			return nil, &MalformedError{EventType: raw.EventType, Field: "content", Reason: "is required"}
		}
		return Snapshot{
			Path:     dataString(raw.Data, "path", "filePath", "fileName", "file"),
			Content:  content,
			Language: dataString(raw.Data, "language", "lang"),
		}, nil

	case rawSolutionSubmitted:
		content, ok := dataContent(raw.Data)
		if !ok {
			return nil, &MalformedError{EventType: raw.EventType, Field: "content", Reason: "is required"}
		}
		return Submission{
			Content:  content,
			Language: dataString(raw.Data, "language", "lang"),
		}, nil

	default:
		return Unknown{RawType: raw.EventType, Data: raw.Data}, nil
	}
}

func normalizeFileOp(raw RawEvent, verb FileVerb) (FileOp, error) {
	path := dataString(raw.Data, "path", "filePath", "fileName", "file")
	if path == "" {
		return FileOp{}, &MalformedError{EventType: raw.EventType, Field: "path", Reason: "is required"}
	}

	p := FileOp{
		Path:    path,
		Verb:    verb,
		Content: dataString(raw.Data, "content", "code", "text", "codeSnippet", "code_snippet"),
	}

	if verb == FileRename {
		p.RenamedTo = dataString(raw.Data, "renamedTo", "newPath", "newName")
		if p.RenamedTo == "" {
			return FileOp{}, &MalformedError{EventType: raw.EventType, Field: "renamedTo", Reason: "is required"}
		}
	}

	if delta, ok := dataInt(raw.Data, "contentDelta", "delta", "chars"); ok {
		p.ContentDelta = delta
	} else if p.Content != "" {
		p.ContentDelta = len(p.Content)
	}
	if verb == FileDelete && p.ContentDelta > 0 {
		p.ContentDelta = -p.ContentDelta
	}

	return p, nil
}

func payloadType(p Payload) Type {
	switch p.(type) {
	case FileOp:
		return TypeFileOp
	case Terminal:
		return TypeTerminal
	case AIInteraction:
		return TypeAIInteraction
	case Snapshot:
		return TypeSnapshot
	case Submission:
		return TypeSubmission
	default:
		return TypeUnknown
	}
}

// dataString returns the first non-empty string value among the given keys.
func dataString(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// dataContent returns the content field, distinguishing "present but empty"
// (valid: an empty file snapshot) from absent.
func dataContent(data map[string]any) (string, bool) {
	for _, k := range []string{"content", "code", "text", "codeSnippet", "code_snippet"} {
		if v, ok := data[k]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// dataInt reads a numeric field that may arrive as float64 (JSON) or int.
func dataInt(data map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		v, ok := data[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		case int64:
			return int(n), true
		}
	}
	return 0, false
}
