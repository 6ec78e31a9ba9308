package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

// Keys mirror how the session store client scopes its breakers, one per
// upstream endpoint.

func TestBreakerAllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("store/events") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("store/events")
	b.RecordFailure("store/events")
	if !b.Allow("store/events") {
		t.Fatal("should still allow below the threshold")
	}

	b.RecordFailure("store/events")
	if b.Allow("store/events") {
		t.Fatal("should be open after 3 consecutive failures")
	}
	if b.State("store/events") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("store/events"))
	}
}

func TestBreakerOpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("store/events")
	b.RecordFailure("store/events")
	if b.Allow("store/events") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// One probe is let through, a second concurrent caller is not.
	if !b.Allow("store/events") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("store/events") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("store/events"))
	}
	if b.Allow("store/events") {
		t.Fatal("should reject second request while probing")
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("store/events")
	b.RecordFailure("store/events")
	time.Sleep(60 * time.Millisecond)
	b.Allow("store/events") // transitions to half-open

	b.RecordSuccess("store/events")
	if b.State("store/events") != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %v", b.State("store/events"))
	}
	if !b.Allow("store/events") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("store/events")
	b.RecordFailure("store/events")
	time.Sleep(60 * time.Millisecond)
	b.Allow("store/events") // transitions to half-open

	b.RecordFailure("store/events")
	if b.State("store/events") != StateOpen {
		t.Fatalf("expected StateOpen after probe failure, got %v", b.State("store/events"))
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("store/events")
	b.RecordFailure("store/events")
	b.RecordSuccess("store/events")

	// The reset means one more failure is far from the threshold.
	b.RecordFailure("store/events")
	if !b.Allow("store/events") {
		t.Fatal("should still be closed after a success reset the counter")
	}
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("store/events")
	b.RecordFailure("store/events")

	// An outage on the events endpoint must not block profile reads.
	if b.Allow("store/events") {
		t.Fatal("store/events should be open")
	}
	if !b.Allow("store/profile") {
		t.Fatal("store/profile should be closed")
	}
}

func TestBreakerUnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("store/never-called") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("store/never-called"))
	}
}

func TestBreakerDefaults(t *testing.T) {
	b := New(0, 0)
	if b.threshold != 5 {
		t.Fatalf("default threshold = %d, want 5", b.threshold)
	}
	if b.openDuration != 30*time.Second {
		t.Fatalf("default openDuration = %v, want 30s", b.openDuration)
	}
}

func TestBreakerOnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("store/events")
	b.RecordFailure("store/events") // trips closed to open

	// The callback runs on its own goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed to open, got %v to %v", transitions[0].from, transitions[0].to)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
