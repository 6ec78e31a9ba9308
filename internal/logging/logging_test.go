package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level        string
		debugEnabled bool
		infoEnabled  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
		{"", false, true},        // default
		{"verbose", false, true}, // unknown falls back to info
	}

	for _, tt := range tests {
		t.Run("level_"+tt.level, func(t *testing.T) {
			logger := New(tt.level, "text")
			if logger == nil {
				t.Fatal("expected non-nil logger")
			}
			ctx := context.Background()
			if got := logger.Enabled(ctx, slog.LevelDebug); got != tt.debugEnabled {
				t.Errorf("debug enabled = %v, want %v", got, tt.debugEnabled)
			}
			if got := logger.Enabled(ctx, slog.LevelInfo); got != tt.infoEnabled {
				t.Errorf("info enabled = %v, want %v", got, tt.infoEnabled)
			}
		})
	}
}

func TestNewJSONFormat(t *testing.T) {
	if logger := New("info", "json"); logger == nil {
		t.Fatal("expected non-nil logger for JSON format")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("expected req-123, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-456")
	if id := RequestID(ctx); id != "req-456" {
		t.Errorf("latest request ID should win, got %q", id)
	}
}

func TestSessionIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := SessionID(ctx); id != "" {
		t.Errorf("expected empty session ID, got %q", id)
	}

	ctx = WithSessionID(ctx, "sess-42")
	if id := SessionID(ctx); id != "sess-42" {
		t.Errorf("expected sess-42, got %q", id)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if logger := FromContext(context.Background()); logger == nil {
		t.Fatal("expected default logger")
	}

	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("expected the custom logger back from context")
	}
}

// L must stamp every line with the request and session carried by the
// context, so a single session's activity can be grepped across handlers.
func TestLBindsRequestAndSession(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := context.Background()
	ctx = WithLogger(ctx, base)
	ctx = WithRequestID(ctx, "req-789")
	ctx = WithSessionID(ctx, "sess-42")

	L(ctx).Info("violation recorded")

	line := buf.String()
	if !strings.Contains(line, `"request_id":"req-789"`) {
		t.Errorf("log line missing request_id: %s", line)
	}
	if !strings.Contains(line, `"session_id":"sess-42"`) {
		t.Errorf("log line missing session_id: %s", line)
	}
}

func TestLWithoutIDsAddsNothing(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithLogger(context.Background(), base)
	L(ctx).Info("startup")

	line := buf.String()
	if strings.Contains(line, "request_id") || strings.Contains(line, "session_id") {
		t.Errorf("log line should carry no IDs: %s", line)
	}
}
