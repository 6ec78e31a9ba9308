// Package sessionstore reads raw session events and session liveness from
// the assessment platform's store. The monitor never writes here; the store
// is the source of truth the watcher replays from when it has to rebuild a
// session after eviction or restart.
package sessionstore

import (
	"context"
	"errors"
	"time"

	"github.com/promora/proctor/internal/event"
)

// ErrUnavailable indicates the store could not be reached or answered with a
// server error. Callers treat the affected session as degraded rather than
// failing the request.
var ErrUnavailable = errors.New("sessionstore: store unavailable")

// Store is the consumed interface over the platform's session store.
type Store interface {
	// GetEvents returns the session's raw events strictly after since,
	// ordered by timestamp. A zero since returns the full history.
	GetEvents(ctx context.Context, sessionID string, since time.Time) ([]event.RawEvent, error)

	// IsSessionActive reports whether the platform still considers the
	// session open.
	IsSessionActive(ctx context.Context, sessionID string) (bool, error)
}
