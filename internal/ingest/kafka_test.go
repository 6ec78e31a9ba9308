package ingest

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/promora/proctor/internal/event"
	"github.com/promora/proctor/internal/watcher"
)

// scriptedSource hands out a fixed sequence of messages and then reports
// io.EOF, so Bridge.Start runs to completion on the test goroutine.
type scriptedSource struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	pos       int
	committed []int64
}

func (s *scriptedSource) FetchMessage(context.Context) (kafka.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.msgs) {
		return kafka.Message{}, io.EOF
	}
	msg := s.msgs[s.pos]
	s.pos++
	return msg, nil
}

func (s *scriptedSource) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		s.committed = append(s.committed, msg.Offset)
	}
	return nil
}

func (s *scriptedSource) Close() error { return nil }

func (s *scriptedSource) committedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

func testBridge(src messageSource, applier Applier) *Bridge {
	return &Bridge{
		source:   src,
		ingestor: New(applier, testLogger()),
		logger:   testLogger(),
		stop:     make(chan struct{}, 1),
	}
}

func busMessage(t *testing.T, offset int64, sessionID, eventType string, data map[string]any) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event.RawEvent{
		SessionID: sessionID,
		EventType: eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		t.Fatalf("marshal raw event: %v", err)
	}
	return kafka.Message{Offset: offset, Value: value}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBridgeAppliesAndCommits(t *testing.T) {
	src := &scriptedSource{msgs: []kafka.Message{
		busMessage(t, 1, "sess-bus", "file_modified", map[string]any{"path": "main.py", "contentDelta": 12}),
		busMessage(t, 2, "sess-bus", "command_executed", map[string]any{"command": "ls"}),
	}}
	applier := &stubApplier{}

	testBridge(src, applier).Start(context.Background())

	if len(applier.events) != 2 {
		t.Fatalf("applied %d events, want 2", len(applier.events))
	}
	if applier.events[0].Type != event.TypeFileOp || applier.events[1].Type != event.TypeTerminal {
		t.Errorf("applied types = %s, %s", applier.events[0].Type, applier.events[1].Type)
	}
	if got := src.committedOffsets(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("committed offsets = %v, want [1 2]", got)
	}
}

func TestBridgeCommitsPoisonMessages(t *testing.T) {
	src := &scriptedSource{msgs: []kafka.Message{
		{Offset: 5, Value: []byte("not even json")},
		busMessage(t, 6, "sess-bus", "file_modified", map[string]any{"path": "a.py"}),
	}}
	applier := &stubApplier{}

	testBridge(src, applier).Start(context.Background())

	if len(applier.events) != 1 {
		t.Fatalf("applied %d events, want 1", len(applier.events))
	}
	if got := src.committedOffsets(); len(got) != 2 || got[0] != 5 || got[1] != 6 {
		t.Errorf("committed offsets = %v, want [5 6]", got)
	}
}

func TestBridgeCommitsMalformedEvents(t *testing.T) {
	// Decodable JSON that fails normalization: no session id.
	src := &scriptedSource{msgs: []kafka.Message{
		busMessage(t, 7, "", "file_modified", map[string]any{"path": "a.py"}),
	}}
	applier := &stubApplier{}

	testBridge(src, applier).Start(context.Background())

	if applier.callCount() != 0 {
		t.Errorf("malformed event reached the watcher")
	}
	if got := src.committedOffsets(); len(got) != 1 || got[0] != 7 {
		t.Errorf("committed offsets = %v, want [7]", got)
	}
}

func TestBridgeCommitsClosedSessionEvents(t *testing.T) {
	src := &scriptedSource{msgs: []kafka.Message{
		busMessage(t, 8, "sess-done", "file_modified", map[string]any{"path": "a.py"}),
	}}
	applier := &stubApplier{err: watcher.ErrSessionClosed}

	testBridge(src, applier).Start(context.Background())

	if applier.callCount() != 1 {
		t.Errorf("apply called %d times, want 1", applier.callCount())
	}
	if got := src.committedOffsets(); len(got) != 1 || got[0] != 8 {
		t.Errorf("committed offsets = %v, want [8]", got)
	}
}

func TestBridgeLeavesBackpressureUncommitted(t *testing.T) {
	src := &scriptedSource{msgs: []kafka.Message{
		busMessage(t, 9, "sess-hot", "file_modified", map[string]any{"path": "a.py"}),
	}}
	applier := &stubApplier{err: watcher.ErrBackpressure}

	testBridge(src, applier).Start(context.Background())

	if got := applier.callCount(); got != applyAttempts {
		t.Errorf("apply called %d times, want %d", got, applyAttempts)
	}
	if got := src.committedOffsets(); len(got) != 0 {
		t.Errorf("committed offsets = %v, want none", got)
	}
}

// blockingSource parks FetchMessage until Close, the way a real reader
// with no pending messages does.
type blockingSource struct {
	release chan struct{}
	closed  atomic.Bool
}

func newBlockingSource() *blockingSource {
	return &blockingSource{release: make(chan struct{})}
}

func (s *blockingSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-s.release:
		return kafka.Message{}, io.EOF
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (s *blockingSource) CommitMessages(context.Context, ...kafka.Message) error { return nil }

func (s *blockingSource) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.release)
	}
	return nil
}

func TestBridgeStopUnblocksFetch(t *testing.T) {
	src := newBlockingSource()
	b := testBridge(src, &stubApplier{})

	go b.Start(context.Background())
	waitFor(t, b.Running, "bridge never started")

	b.Stop()
	waitFor(t, func() bool { return !b.Running() }, "bridge did not stop")

	if !src.closed.Load() {
		t.Error("stop did not close the message source")
	}
}
