package sessionstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:     baseURL,
		MaxAttempts: 1,
		RetryBase:   time.Millisecond,
	}
}

func TestHTTPStoreGetEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/mcp-database/interactions/sess-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id": "7", "sessionId": "sess-1", "eventType": "prompt_sent", "timestamp": "2026-08-25T10:00:05Z", "prompt": "solve two sum"},
			{"event_type": "code_pasted_from_ai", "timestamp": 1787652012000, "code_snippet": "def twosum(): pass"}
		]`))
	})
	mux.HandleFunc("/api/mcp-database/file-operations/sess-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"event_type": "file_modified", "timestamp": "2026-08-25T10:00:01Z", "path": "main.py", "contentDelta": 40}]`))
	})
	mux.HandleFunc("/api/mcp-database/terminal-events/sess-1", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := NewHTTPStore(fastConfig(srv.URL))

	events, err := store.GetEvents(context.Background(), "sess-1", time.Time{})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	// Merged feeds come back time-sorted.
	if events[0].EventType != "file_modified" {
		t.Errorf("first event = %q, want file_modified", events[0].EventType)
	}
	if events[1].EventType != "prompt_sent" {
		t.Errorf("second event = %q, want prompt_sent", events[1].EventType)
	}
	if events[1].SessionID != "sess-1" {
		t.Errorf("sessionID = %q", events[1].SessionID)
	}
	if events[1].Data["prompt"] != "solve two sum" {
		t.Errorf("prompt data missing: %v", events[1].Data)
	}
	if _, leaked := events[1].Data["eventType"]; leaked {
		t.Error("envelope key leaked into data")
	}

	// snake_case type alias and epoch-millis timestamp.
	if events[2].EventType != "code_pasted_from_ai" {
		t.Errorf("third event = %q, want code_pasted_from_ai", events[2].EventType)
	}
	if events[2].Timestamp.IsZero() {
		t.Error("epoch-millis timestamp not decoded")
	}
	if events[2].Data["code_snippet"] != "def twosum(): pass" {
		t.Errorf("code_snippet data missing: %v", events[2].Data)
	}
}

func TestHTTPStoreGetEventsSince(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/mcp-database/interactions/sess-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"eventType": "prompt_sent", "timestamp": "2026-08-25T10:00:00Z"},
			{"eventType": "prompt_sent", "timestamp": "2026-08-25T10:05:00Z"}
		]`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := NewHTTPStore(fastConfig(srv.URL))

	since := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	events, err := store.GetEvents(context.Background(), "sess-1", since)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (strictly after since)", len(events))
	}
	if !events[0].Timestamp.After(since) {
		t.Errorf("event at %v not after since %v", events[0].Timestamp, since)
	}
}

func TestHTTPStoreUnknownSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	store := NewHTTPStore(fastConfig(srv.URL))

	events, err := store.GetEvents(context.Background(), "ghost", time.Time{})
	if err != nil {
		t.Fatalf("unknown session should read as empty: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}

	active, err := store.IsSessionActive(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unknown session status should not error: %v", err)
	}
	if active {
		t.Error("unknown session should read as inactive")
	}
}

func TestHTTPStoreIsSessionActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/mcp-database/session-status/sess-1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"isActive": true}`))
	}))
	defer srv.Close()

	store := NewHTTPStore(fastConfig(srv.URL))

	active, err := store.IsSessionActive(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("IsSessionActive failed: %v", err)
	}
	if !active {
		t.Error("want active")
	}
}

func TestHTTPStoreUnavailable(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewHTTPStore(fastConfig(srv.URL))

	// Five consecutive failures trip the breaker.
	for i := 0; i < 5; i++ {
		_, err := store.GetEvents(context.Background(), "sess-1", time.Time{})
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: err = %v, want ErrUnavailable", i, err)
		}
	}
	before := requests.Load()

	_, err := store.GetEvents(context.Background(), "sess-1", time.Time{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("open circuit err = %v, want ErrUnavailable", err)
	}
	if requests.Load() != before {
		t.Error("open circuit still reached the store")
	}
}

func TestHTTPStoreBadPayloadNotRetried(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(`{"not": "an array"}`))
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.MaxAttempts = 3
	store := NewHTTPStore(cfg)

	_, err := store.GetEvents(context.Background(), "sess-1", time.Time{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("made %d requests, want 1 (malformed payloads are not retryable)", got)
	}
}
