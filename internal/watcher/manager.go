package watcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/promora/proctor/internal/analysis"
	"github.com/promora/proctor/internal/event"
	"github.com/promora/proctor/internal/metrics"
	"github.com/promora/proctor/internal/sessionstore"
	"github.com/promora/proctor/internal/syncutil"
	"github.com/promora/proctor/internal/traces"
)

// Manager owns the session map. Sessions are created on first contact,
// rebuilt from the session store when unknown, and retired by the sweep.
type Manager struct {
	cfg       Config
	store     sessionstore.Store
	extractor *analysis.Extractor
	corpus    *analysis.Corpus
	detectors []Detector
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	locks    syncutil.ShardedMutex

	notifiers []Notifier
	recorder  ViolationRecorder

	stop chan struct{}
}

// New creates a manager. The store is consulted to rebuild unknown sessions
// and to confirm terminations; it may be a memory store in tests.
func New(cfg Config, store sessionstore.Store, extractor *analysis.Extractor, logger *slog.Logger) *Manager {
	if extractor == nil {
		extractor = analysis.NewExtractor(analysis.DefaultShingleSize, nil)
	}
	return &Manager{
		cfg:       cfg.Normalize(),
		store:     store,
		extractor: extractor,
		detectors: defaultDetectors(),
		logger:    logger,
		sessions:  make(map[string]*session),
		stop:      make(chan struct{}),
	}
}

// WithCorpus attaches a known-answer corpus for external-copy detection.
func (m *Manager) WithCorpus(c *analysis.Corpus) *Manager {
	m.corpus = c
	return m
}

// WithNotifier adds a notification sink (realtime hub, webhook emitter).
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifiers = append(m.notifiers, n)
	return m
}

// WithRecorder attaches the audit trail for asynchronous violation writes.
func (m *Manager) WithRecorder(r ViolationRecorder) *Manager {
	m.recorder = r
	return m
}

// Stop halts every session worker. Session state stays readable; Stop is
// for process shutdown, not session closure.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// SessionCount reports how many sessions are held in memory.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) notify(n Notification) {
	for _, sink := range m.notifiers {
		sink.Notify(n)
	}
}

// Apply enqueues one canonical event for its session. The first event of an
// unknown session triggers a store rebuild before anything is processed.
// Returns ErrSessionClosed after close and ErrBackpressure when the queue
// is full.
func (m *Manager) Apply(ctx context.Context, ev event.Event) error {
	ctx, span := traces.StartSpan(ctx, "watcher.Apply",
		traces.SessionID(ev.SessionID), traces.EventType(string(ev.Type)))
	defer span.End()

	s, _ := m.getOrCreate(ctx, ev.SessionID)
	if s.closing.Load() {
		span.SetStatus(codes.Error, "session closed")
		return ErrSessionClosed
	}

	select {
	case s.queue <- ev:
		metrics.EventsIngestedTotal.WithLabelValues(string(ev.Type)).Inc()
		metrics.SessionQueueDepth.Observe(float64(len(s.queue)))
		return nil
	default:
		metrics.BackpressureRejectedTotal.Inc()
		span.SetStatus(codes.Error, "backpressure")
		return ErrBackpressure
	}
}

// Get returns a snapshot of the session, rebuilding it from the store when
// it is not in memory. Unknown everywhere returns ErrSessionNotFound;
// unknown in memory with the store down returns sessionstore.ErrUnavailable
// because existence cannot be decided.
func (m *Manager) Get(ctx context.Context, id string) (*SessionSnapshot, error) {
	ctx, span := traces.StartSpan(ctx, "watcher.Get", traces.SessionID(id))
	defer span.End()

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return m.snapshotOf(s), nil
	}

	s, _ = m.getOrCreate(ctx, id)
	snap := m.snapshotOf(s)
	if snap.EventsObserved == 0 {
		m.remove(s)
		if snap.Degraded {
			span.SetStatus(codes.Error, "store unavailable")
			return nil, sessionstore.ErrUnavailable
		}
		return nil, ErrSessionNotFound
	}
	return snap, nil
}

// Replay forces a store re-sync: events newer than the session's watermark
// are fetched and applied, then a fresh snapshot is returned.
func (m *Manager) Replay(ctx context.Context, id string) (*SessionSnapshot, error) {
	ctx, span := traces.StartSpan(ctx, "watcher.Replay", traces.SessionID(id))
	defer span.End()

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return m.Get(ctx, id)
	}

	since := m.snapshotOf(s).LastEventAt
	if n := m.replayHistory(ctx, s, since); n > 0 {
		metrics.SessionsRebuiltTotal.Inc()
		m.logger.Info("session re-synced from store", "sessionId", id, "events", n)
	}
	return m.snapshotOf(s), nil
}

// Close requests a cooperative close: queued events drain first, then the
// session seals and rejects further events. Close is idempotent and waits
// for the drain (bounded by ctx).
func (m *Manager) Close(ctx context.Context, id string) (*SessionSnapshot, error) {
	ctx, span := traces.StartSpan(ctx, "watcher.Close", traces.SessionID(id))
	defer span.End()

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	if s.closing.CompareAndSwap(false, true) {
		close(s.closeCh)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		span.SetStatus(codes.Error, "close drain timed out")
		return nil, ctx.Err()
	}
	return m.snapshotOf(s), nil
}

// Evaluate runs the detector pipeline over a fixed event history and returns
// the resulting snapshot. Nothing is tracked: no worker starts, no
// notification fires, no violation is recorded, and any live session with
// the same id is untouched. Sanity checks use it to re-derive a verdict
// straight from raw events.
func (m *Manager) Evaluate(sessionID string, events []event.Event) *SessionSnapshot {
	ordered := append([]event.Event(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	s := newSession(sessionID, 1, time.Now())
	for _, ev := range ordered {
		m.applyLocked(s, ev)
	}
	return m.snapshotOf(s)
}

// getOrCreate returns the tracked session, creating and rebuilding it when
// unknown. The store replay runs before the worker starts draining, so live
// events queued meanwhile apply after history.
func (m *Manager) getOrCreate(ctx context.Context, id string) (*session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, false
	}

	m.mu.Lock()
	if s, ok = m.sessions[id]; ok {
		m.mu.Unlock()
		return s, false
	}
	s = newSession(id, m.cfg.QueueDepth, time.Now())
	m.sessions[id] = s
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()
	m.logger.Info("session tracked", "sessionId", id)

	if n := m.replayHistory(ctx, s, time.Time{}); n > 0 {
		metrics.SessionsRebuiltTotal.Inc()
		m.logger.Info("session rebuilt from store", "sessionId", id, "events", n)
	}

	if active, err := m.store.IsSessionActive(ctx, id); err == nil && !active {
		s.closing.Store(true)
		m.markClosed(s, "store reports session terminated")
		close(s.done)
		return s, true
	}

	go m.runSession(s)
	return s, true
}

// replayHistory pulls events newer than since from the store and applies
// them in timestamp order, silently. Store failure marks the session
// degraded and monitoring continues on what is in memory.
func (m *Manager) replayHistory(ctx context.Context, s *session, since time.Time) int {
	raws, err := m.store.GetEvents(ctx, s.id, since)
	if err != nil {
		unlock := m.locks.Lock(s.id)
		s.state.degraded = true
		unlock()
		m.logger.Warn("store replay failed; session degraded", "sessionId", s.id, "error", err)
		return 0
	}

	events := make([]event.Event, 0, len(raws))
	for _, raw := range raws {
		ev, err := event.Normalize(raw)
		if err != nil {
			// Malformed history is skipped the same way malformed ingress is.
			continue
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	for _, ev := range events {
		m.applyEvent(s, ev, true)
	}
	return len(events)
}

// markClosed seals the session state and announces the closure.
func (m *Manager) markClosed(s *session, reason string) {
	s.closing.Store(true)

	unlock := m.locks.Lock(s.id)
	st := s.state
	if st.status == StatusClosed {
		unlock()
		return
	}
	now := time.Now()
	st.status = StatusClosed
	st.closedAt = now
	st.lastArrival = now
	score := st.riskScore
	unlock()

	m.logger.Info("session closed", "sessionId", s.id, "reason", reason, "riskScore", score)
	m.notify(Notification{
		Type: NoteSessionClosed, SessionID: s.id, At: now,
		Status: StatusClosed, RiskScore: score,
	})
}

// remove drops a session from the map and stops its worker. Used for empty
// rebuild probes; the sweep wraps it for real evictions.
func (m *Manager) remove(s *session) {
	m.mu.Lock()
	_, ok := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.evictOnce.Do(func() { close(s.quit) })
	metrics.ActiveSessions.Dec()
}

// sweep walks every session once: active sessions idle past IdleAfter are
// marked idle (and their termination is checked against the store), and
// sessions untouched past EvictAfter are evicted. Runs under the per-key
// lock so it never races an in-flight apply.
func (m *Manager) sweep(ctx context.Context, now time.Time) {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var wentIdle, evict []*session
	for _, s := range sessions {
		unlock := m.locks.Lock(s.id)
		st := s.state
		idleFor := now.Sub(st.lastArrival)
		switch {
		case idleFor > m.cfg.EvictAfter:
			evict = append(evict, s)
		case st.status == StatusActive && idleFor > m.cfg.IdleAfter:
			st.status = StatusIdle
			wentIdle = append(wentIdle, s)
		}
		unlock()
	}

	for _, s := range wentIdle {
		m.logger.Info("session idle", "sessionId", s.id)
		m.notify(Notification{
			Type: NoteSessionIdle, SessionID: s.id, At: now, Status: StatusIdle,
		})

		// Idle is the moment to ask the store whether the session actually
		// ended. Confirmed terminations close cooperatively.
		active, err := m.store.IsSessionActive(ctx, s.id)
		if err == nil && !active {
			if s.closing.CompareAndSwap(false, true) {
				close(s.closeCh)
			}
		}
	}

	for _, s := range evict {
		m.remove(s)
		metrics.SessionsEvictedTotal.Inc()
		m.logger.Info("session evicted", "sessionId", s.id)
	}
}

// snapshotOf copies the session state under its lock.
func (m *Manager) snapshotOf(s *session) *SessionSnapshot {
	unlock := m.locks.Lock(s.id)
	defer unlock()

	st := s.state
	snap := &SessionSnapshot{
		SessionID:      s.id,
		Status:         st.status,
		OpenedAt:       st.openedAt,
		FirstEventAt:   st.firstEventAt,
		LastEventAt:    st.lastEventAt,
		RiskScore:      st.riskScore,
		Violations:     append([]Violation(nil), st.violations...),
		Alerts:         append([]Alert(nil), st.alerts...),
		EventsObserved: st.eventsObserved,
		EventCounts:    make(map[event.Type]int, len(st.eventCounts)),
		PromptCount:    st.promptCount,
		ResponseCount:  st.responseCount,
		ModifyEvents:   st.modifyEvents,
		PasteEvents:    st.pasteEvents,
		SnapshotCount:  st.snapshotCount,
		Degraded:       st.degraded,
		LateEvents:     st.lateEvents,
		OutOfOrder:     st.outOfOrder,

		SnapshotFingerprints:   append([]analysis.Fingerprints(nil), st.snapshotFPs...),
		SubmissionFingerprints: append([]analysis.Fingerprints(nil), st.submissionFPs...),
		ResponseFingerprints:   append([]analysis.Fingerprints(nil), st.responseFPs...),
	}
	for k, v := range st.eventCounts {
		snap.EventCounts[k] = v
	}
	if len(st.promptCats) > 0 {
		snap.PromptCategories = make(map[analysis.PromptCategory]int, len(st.promptCats))
		for k, v := range st.promptCats {
			snap.PromptCategories[k] = v
		}
	}
	if !st.closedAt.IsZero() {
		t := st.closedAt
		snap.ClosedAt = &t
	}
	if !st.submittedAt.IsZero() {
		t := st.submittedAt
		snap.SubmittedAt = &t
	}
	if st.gapCount > 0 {
		snap.MeanEventGap = st.gapSum / time.Duration(st.gapCount)
	}
	return snap
}
