package watcher

import (
	"context"
	"math/rand"
	"sort"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/promora/proctor/internal/event"
	"github.com/promora/proctor/internal/sessionstore"
)

var propCommands = []string{
	"ls -la",
	"python3 main.py",
	"go test ./...",
	"curl http://paste.example/answers",
	"wget http://mirror.example/solutions.tar",
	"git status",
	"pip install requests",
	"cat notes.txt",
}

var propSnippets = []string{
	"def solve(xs):\n    return sum(x * 2 for x in xs)\n",
	"class Node:\n    def __init__(self, v):\n        self.v = v\n        self.next = None\n",
	"for i in range(10):\n    print(i)\n",
	"import os\nresult = eval(input())\n",
	"x = 1\n",
	"",
}

// drawEvent produces one arbitrary canonical event at the given timestamp,
// covering every payload kind including hostile extremes.
func drawEvent(t *rapid.T, sid string, ts time.Time, label string) event.Event {
	kind := rapid.IntRange(0, 4).Draw(t, label+"_kind")
	ev := event.Event{SessionID: sid, Timestamp: ts}

	switch kind {
	case 0:
		verb := rapid.SampledFrom([]event.FileVerb{
			event.FileCreate, event.FileModify, event.FileDelete,
		}).Draw(t, label+"_verb")
		ev.Type = event.TypeFileOp
		ev.Payload = event.FileOp{
			Path:         rapid.SampledFrom([]string{"main.py", "util.py", "test.py"}).Draw(t, label+"_path"),
			Verb:         verb,
			ContentDelta: rapid.IntRange(-100000, 100000).Draw(t, label+"_delta"),
			Content:      rapid.SampledFrom(propSnippets).Draw(t, label+"_content"),
			Pasted:       rapid.Bool().Draw(t, label+"_pasted"),
		}
	case 1:
		ev.Type = event.TypeTerminal
		ev.Payload = event.Terminal{
			Command: rapid.SampledFrom(propCommands).Draw(t, label+"_cmd"),
		}
	case 2:
		dir := event.DirectionPrompt
		if rapid.Bool().Draw(t, label+"_resp") {
			dir = event.DirectionResponse
		}
		ev.Type = event.TypeAIInteraction
		ev.Payload = event.AIInteraction{
			Direction: dir,
			Content:   rapid.StringN(0, 300, -1).Draw(t, label+"_text"),
		}
	case 3:
		ev.Type = event.TypeSnapshot
		ev.Payload = event.Snapshot{
			Path:    "main.py",
			Content: rapid.SampledFrom(propSnippets).Draw(t, label+"_snap"),
		}
	default:
		ev.Type = event.TypeSubmission
		ev.Payload = event.Submission{
			Content: rapid.SampledFrom(propSnippets).Draw(t, label+"_sub"),
		}
	}
	return ev
}

// The risk score stays inside [0,100], no single event raises it past the
// per-event cap, severities stay in 1..10, and the violation history never
// shrinks, for any event sequence whatsoever.
func TestScoreBoundsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := DefaultConfig()
		cfg.LatenessWindow = 0
		m := New(cfg, sessionstore.NewMemoryStore(), nil, testLogger())
		defer m.Stop()
		s := track(m, "prop-bounds")

		base := time.Unix(1_700_000_000, 0)
		n := rapid.IntRange(1, 60).Draw(t, "events")

		prevScore := 0.0
		prevViolations := 0
		for i := 0; i < n; i++ {
			// Unordered timestamps: late and idle-gap paths are exercised too.
			offset := time.Duration(rapid.IntRange(0, 180_000).Draw(t, "offset_ms")) * time.Millisecond
			ev := drawEvent(t, "prop-bounds", base.Add(offset), "ev")

			m.applyEvent(s, ev, false)
			snap := m.snapshotOf(s)

			if snap.RiskScore < 0 || snap.RiskScore > 100 {
				t.Fatalf("event %d: score %v escaped [0,100]", i, snap.RiskScore)
			}
			if rise := snap.RiskScore - prevScore; rise > m.cfg.MaxEventDelta+1e-9 {
				t.Fatalf("event %d: score rose by %v, cap is %v", i, rise, m.cfg.MaxEventDelta)
			}
			if len(snap.Violations) < prevViolations {
				t.Fatalf("event %d: violation history shrank from %d to %d", i, prevViolations, len(snap.Violations))
			}
			for _, v := range snap.Violations {
				if v.Severity < 1 || v.Severity > 10 {
					t.Fatalf("violation %s: severity %d out of range", v.ID, v.Severity)
				}
			}
			if snap.EventsObserved != i+1 {
				t.Fatalf("event %d: expected %d observed, got %d", i, i+1, snap.EventsObserved)
			}

			prevScore = snap.RiskScore
			prevViolations = len(snap.Violations)
		}
	})
}

// Delivering a session's events in any order through the lateness buffer
// converges on the same score and violation sequence as applying them in
// timestamp order directly: reordering within the window changes nothing.
func TestReorderEquivalenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		const sid = "prop-order"
		base := time.Unix(1_700_000_000, 0)

		n := rapid.IntRange(1, 25).Draw(t, "events")
		ordered := make([]event.Event, n)
		ts := base
		for i := 0; i < n; i++ {
			// Strictly increasing timestamps; ties would make the reference
			// order ambiguous.
			ts = ts.Add(time.Duration(rapid.IntRange(1, 5_000).Draw(t, "gap_ms")) * time.Millisecond)
			ordered[i] = drawEvent(t, sid, ts, "ev")
		}

		delivery := append([]event.Event(nil), ordered...)
		seed := rapid.Int64Range(0, 1<<62).Draw(t, "shuffle_seed")
		rand.New(rand.NewSource(seed)).Shuffle(len(delivery), func(i, j int) {
			delivery[i], delivery[j] = delivery[j], delivery[i]
		})

		// Shuffled delivery through the worker; the window is wide enough
		// that nothing releases until the close flush sorts it out.
		cfg := DefaultConfig()
		cfg.LatenessWindow = time.Hour
		buffered := New(cfg, sessionstore.NewMemoryStore(), nil, testLogger())
		defer buffered.Stop()

		ctx := context.Background()
		for _, ev := range delivery {
			if err := buffered.Apply(ctx, ev); err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
		}
		got, err := buffered.Close(ctx, sid)
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		// Reference: the same events applied directly in timestamp order.
		refCfg := DefaultConfig()
		refCfg.LatenessWindow = 0
		ref := New(refCfg, sessionstore.NewMemoryStore(), nil, testLogger())
		defer ref.Stop()
		rs := track(ref, sid)

		sorted := append([]event.Event(nil), ordered...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
		for _, ev := range sorted {
			ref.applyEvent(rs, ev, false)
		}
		want := ref.snapshotOf(rs)

		if got.EventsObserved != want.EventsObserved {
			t.Fatalf("observed %d events via buffer, %d directly", got.EventsObserved, want.EventsObserved)
		}
		if got.RiskScore != want.RiskScore {
			t.Fatalf("score diverged: %v via buffer, %v directly", got.RiskScore, want.RiskScore)
		}
		if got.LateEvents != 0 {
			t.Fatalf("buffered delivery counted %d late events", got.LateEvents)
		}
		if len(got.Violations) != len(want.Violations) {
			t.Fatalf("violation count diverged: %d via buffer, %d directly", len(got.Violations), len(want.Violations))
		}
		for i := range got.Violations {
			if got.Violations[i].Kind != want.Violations[i].Kind {
				t.Fatalf("violation %d kind diverged: %s via buffer, %s directly", i, got.Violations[i].Kind, want.Violations[i].Kind)
			}
			if got.Violations[i].Severity != want.Violations[i].Severity {
				t.Fatalf("violation %d severity diverged: %d via buffer, %d directly", i, got.Violations[i].Severity, want.Violations[i].Severity)
			}
		}
		if len(got.Alerts) != len(want.Alerts) {
			t.Fatalf("alert count diverged: %d via buffer, %d directly", len(got.Alerts), len(want.Alerts))
		}
		for i := range got.Alerts {
			if got.Alerts[i].Classification != want.Alerts[i].Classification {
				t.Fatalf("alert %d diverged: %s via buffer, %s directly", i, got.Alerts[i].Classification, want.Alerts[i].Classification)
			}
		}
	})
}
