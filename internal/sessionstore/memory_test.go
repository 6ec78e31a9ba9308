package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/promora/proctor/internal/event"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

	store.Seed("sess-1", true,
		event.RawEvent{SessionID: "sess-1", EventType: "prompt_sent", Timestamp: base},
		event.RawEvent{SessionID: "sess-1", EventType: "file_modified", Timestamp: base.Add(2 * time.Minute)},
	)
	store.Append("sess-1", event.RawEvent{SessionID: "sess-1", EventType: "command_executed", Timestamp: base.Add(time.Minute)})

	events, err := store.GetEvents(context.Background(), "sess-1", time.Time{})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[1].EventType != "command_executed" {
		t.Errorf("events not time-sorted: %v", events)
	}

	events, err = store.GetEvents(context.Background(), "sess-1", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetEvents since failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "file_modified" {
		t.Errorf("since filter returned %v", events)
	}

	active, err := store.IsSessionActive(context.Background(), "sess-1")
	if err != nil || !active {
		t.Errorf("active = %v, err = %v", active, err)
	}

	store.SetActive("sess-1", false)
	active, _ = store.IsSessionActive(context.Background(), "sess-1")
	if active {
		t.Error("session should be inactive after SetActive(false)")
	}

	// Sessions with no liveness record read active, like the platform
	// store does for sessions it has no termination record for.
	if active, _ := store.IsSessionActive(context.Background(), "never-seen"); !active {
		t.Error("unmarked session should read active")
	}
}
