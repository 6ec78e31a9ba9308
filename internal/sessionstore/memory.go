package sessionstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/promora/proctor/internal/event"
)

// MemoryStore is a seedable in-memory Store for tests and demos.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]event.RawEvent
	active map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]event.RawEvent),
		active: make(map[string]bool),
	}
}

// Seed replaces the session's history and marks its liveness.
func (m *MemoryStore) Seed(sessionID string, active bool, events ...event.RawEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[sessionID] = append([]event.RawEvent(nil), events...)
	m.active[sessionID] = active
}

// Append adds one event to the session's history.
func (m *MemoryStore) Append(sessionID string, ev event.RawEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[sessionID] = append(m.events[sessionID], ev)
}

// SetActive marks the session's liveness.
func (m *MemoryStore) SetActive(sessionID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[sessionID] = active
}

func (m *MemoryStore) GetEvents(_ context.Context, sessionID string, since time.Time) ([]event.RawEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []event.RawEvent
	for _, ev := range m.events[sessionID] {
		if !since.IsZero() && !ev.Timestamp.After(since) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// IsSessionActive reports the seeded liveness. Sessions never marked are
// considered live, matching the platform store's behavior for sessions it
// has no termination record for.
func (m *MemoryStore) IsSessionActive(_ context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if active, ok := m.active[sessionID]; ok {
		return active, nil
	}
	return true, nil
}
