package watcher

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/promora/proctor/internal/analysis"
	"github.com/promora/proctor/internal/event"
	"github.com/promora/proctor/internal/idgen"
	"github.com/promora/proctor/internal/metrics"
)

// Bounds on the fingerprint history kept per session.
const (
	maxSnapshotHistory = 16
	maxResponseHistory = 32
)

// session pairs the mutable state with its worker plumbing. State access is
// serialized by the manager's sharded per-key mutex, so the worker, the
// sweep, and snapshot readers never race.
type session struct {
	id      string
	queue   chan event.Event
	quit    chan struct{} // eviction / manager shutdown
	closeCh chan struct{} // cooperative close requested
	done    chan struct{} // closed once the worker finished the close drain

	closing   atomic.Bool
	evictOnce sync.Once

	state *sessionState
}

func newSession(id string, queueDepth int, now time.Time) *session {
	return &session{
		id:      id,
		queue:   make(chan event.Event, queueDepth),
		quit:    make(chan struct{}),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
		state:   newSessionState(now),
	}
}

type sessionState struct {
	status      Status
	openedAt    time.Time
	closedAt    time.Time
	lastArrival time.Time // wall clock; drives the idle/evict sweep

	firstEventAt time.Time
	lastEventAt  time.Time // watermark: max event timestamp applied

	riskScore  float64
	lastTier   string
	violations []Violation
	alerts     []Alert

	eventsObserved int
	eventCounts    map[event.Type]int
	promptCount    int
	responseCount  int
	promptCats     map[analysis.PromptCategory]int
	modifyEvents   int
	pasteEvents    int
	snapshotCount  int
	submittedAt    time.Time
	gapSum         time.Duration
	gapCount       int

	degraded   bool
	lateEvents int
	outOfOrder bool

	// Detector working state.
	lastEditAt    map[string]time.Time
	resumedAt     time.Time
	promptTimes   []time.Time
	aiEpisode     int // index into violations of the live ai-overuse episode, -1 none
	prevSnapshot  analysis.Fingerprints
	deletedFP     analysis.Fingerprints
	snapshotFPs   []analysis.Fingerprints
	submissionFPs []analysis.Fingerprints
	responseFPs   []analysis.Fingerprints
}

func newSessionState(now time.Time) *sessionState {
	return &sessionState{
		status:      StatusActive,
		openedAt:    now,
		lastArrival: now,
		lastTier:    "low",
		eventCounts: make(map[event.Type]int),
		promptCats:  make(map[analysis.PromptCategory]int),
		lastEditAt:  make(map[string]time.Time),
		aiEpisode:   -1,
		deletedFP:   make(analysis.Fingerprints),
	}
}

// heldEvent is an arrival waiting out the lateness window.
type heldEvent struct {
	ev      event.Event
	arrived time.Time
}

// runSession drains the session queue through the lateness buffer. Arrivals
// are held until either the watermark moved past them or their hold expired,
// then released in timestamp order.
func (m *Manager) runSession(s *session) {
	tick := m.cfg.LatenessWindow / 2
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var pending []heldEvent
	var maxSeen time.Time

	for {
		select {
		case <-m.stop:
			return
		case <-s.quit:
			return
		case ev := <-s.queue:
			if ev.Timestamp.After(maxSeen) {
				maxSeen = ev.Timestamp
			}
			pending = insertByTime(pending, heldEvent{ev: ev, arrived: time.Now()})
			pending = m.releaseDue(s, pending, maxSeen, false)
		case <-ticker.C:
			pending = m.releaseDue(s, pending, maxSeen, false)
		case <-s.closeCh:
			// Cooperative close: drain whatever already arrived, flush the
			// buffer in order, then seal the session.
			for {
				select {
				case ev := <-s.queue:
					pending = insertByTime(pending, heldEvent{ev: ev, arrived: time.Now()})
					continue
				default:
				}
				break
			}
			m.releaseDue(s, pending, maxSeen, true)
			m.markClosed(s, "close requested")
			close(s.done)
			return
		}
	}
}

// releaseDue applies buffered events whose hold is over. The buffer is
// sorted by event timestamp and released from the front, so an event is
// never applied ahead of an older one still being held.
func (m *Manager) releaseDue(s *session, pending []heldEvent, maxSeen time.Time, force bool) []heldEvent {
	window := m.cfg.LatenessWindow
	horizon := maxSeen.Add(-window)
	now := time.Now()

	for len(pending) > 0 {
		front := pending[0]
		settled := !front.ev.Timestamp.After(horizon)
		expired := !now.Before(front.arrived.Add(window))
		if !force && !settled && !expired {
			break
		}
		pending = pending[1:]
		m.applyEvent(s, front.ev, false)
	}
	return pending
}

// insertByTime keeps the buffer sorted by event timestamp, preserving
// arrival order among equal timestamps.
func insertByTime(pending []heldEvent, he heldEvent) []heldEvent {
	i := sort.Search(len(pending), func(i int) bool {
		return pending[i].ev.Timestamp.After(he.ev.Timestamp)
	})
	pending = append(pending, heldEvent{})
	copy(pending[i+1:], pending[i:])
	pending[i] = he
	return pending
}

// applyEvent runs one event through lifecycle bookkeeping, the detector
// pipeline, and the risk update. Notifications are emitted after the state
// lock is released; replayed history stays silent so subscribers only see
// live activity.
func (m *Manager) applyEvent(s *session, ev event.Event, replay bool) {
	notes, recorded := m.applyLocked(s, ev)

	if !replay {
		for _, n := range notes {
			m.notify(n)
		}
	}
	if m.recorder != nil && len(recorded) > 0 {
		go m.recordViolations(recorded)
	}
}

func (m *Manager) applyLocked(s *session, ev event.Event) (notes []Notification, recorded []Violation) {
	unlock := m.locks.Lock(s.id)
	defer unlock()

	st := s.state
	if st.status == StatusClosed {
		return nil, nil
	}

	timer := prometheus.NewTimer(metrics.EventApplyDuration)
	defer timer.ObserveDuration()

	now := time.Now()

	// Ordering bookkeeping against the pre-event watermark.
	if !st.lastEventAt.IsZero() && ev.Timestamp.Before(st.lastEventAt) {
		st.lateEvents++
		st.outOfOrder = true
		metrics.LateEventsTotal.Inc()
	}

	// Lifecycle: resume from idle, whether the sweep marked it or the gap
	// between event timestamps says so.
	wasIdle := st.status == StatusIdle
	gapIdle := !st.lastEventAt.IsZero() && ev.Timestamp.Sub(st.lastEventAt) > m.cfg.IdleAfter
	if wasIdle || gapIdle {
		st.resumedAt = ev.Timestamp
		if wasIdle {
			st.status = StatusActive
			notes = append(notes, Notification{
				Type: NoteSessionResumed, SessionID: s.id, At: now, Status: StatusActive,
			})
		}
	}

	ec := &evalContext{
		cfg:       &m.cfg,
		extractor: m.extractor,
		corpus:    m.corpus,
		st:        st,
		ev:        ev,
		now:       now,
	}

	var severitySum, adjust int
	for _, d := range m.detectors {
		vios, fault := safeEvaluate(d, ec)
		if fault != nil {
			metrics.DetectorFaultsTotal.WithLabelValues(d.Name()).Inc()
			m.logger.Error("detector fault isolated",
				"detector", d.Name(),
				"sessionId", s.id,
				"eventType", string(ev.Type),
				"error", fault.Err,
			)
			continue
		}
		for _, v := range vios {
			v.SessionID = s.id

			// A live ai-overuse episode is updated in place; the score
			// follows the severity difference instead of re-counting it.
			if v.Kind == KindAIOveruse && st.aiEpisode >= 0 && st.aiEpisode < len(st.violations) {
				old := st.violations[st.aiEpisode]
				v.ID = old.ID
				adjust += v.Severity - old.Severity
				st.violations[st.aiEpisode] = v
				continue
			}

			v.ID = idgen.WithPrefix("vio_")
			st.violations = append(st.violations, v)
			if v.Kind == KindAIOveruse {
				st.aiEpisode = len(st.violations) - 1
			}
			severitySum += v.Severity
			metrics.ViolationsTotal.WithLabelValues(v.Kind).Inc()
			recorded = append(recorded, v)

			vv := v
			notes = append(notes, Notification{
				Type: NoteViolationRecorded, SessionID: s.id, At: now, Violation: &vv,
			})
			m.logger.Warn("violation recorded",
				"sessionId", s.id,
				"violationId", v.ID,
				"kind", v.Kind,
				"severity", v.Severity,
			)
		}
	}

	if severitySum != 0 || adjust != 0 {
		delta := (float64(severitySum) + float64(adjust)) * m.cfg.SeverityWeight
		if delta > m.cfg.MaxEventDelta {
			delta = m.cfg.MaxEventDelta
		}
		st.riskScore = clampScore(st.riskScore + delta)

		tier := m.cfg.classify(st.riskScore)
		notes = append(notes, Notification{
			Type: NoteRiskUpdated, SessionID: s.id, At: now,
			RiskScore: st.riskScore, Classification: tier,
		})
		if tierRank(tier) > tierRank(st.lastTier) {
			alert := Alert{
				SessionID:      s.id,
				Classification: tier,
				RiskScore:      st.riskScore,
				Message:        "session risk escalated to " + tier,
				RaisedAt:       now,
			}
			st.alerts = append(st.alerts, alert)
			metrics.AlertsTotal.WithLabelValues(tier).Inc()
			aa := alert
			notes = append(notes, Notification{
				Type: NoteAlertEscalated, SessionID: s.id, At: now,
				RiskScore: st.riskScore, Classification: tier, Alert: &aa,
			})
			m.logger.Warn("session risk escalated",
				"sessionId", s.id,
				"classification", tier,
				"riskScore", st.riskScore,
			)
		}
		st.lastTier = tier
	}

	m.updateState(st, ev, ec, now)

	evCopy := ev
	notes = append(notes, Notification{
		Type: NoteEventObserved, SessionID: s.id, At: now,
		Event: &evCopy, RiskScore: st.riskScore,
	})
	return notes, recorded
}

// updateState advances counters, windows, and fingerprint history after the
// detectors saw the pre-event state.
func (m *Manager) updateState(st *sessionState, ev event.Event, ec *evalContext, now time.Time) {
	st.eventsObserved++
	st.eventCounts[ev.Type]++
	if st.firstEventAt.IsZero() || ev.Timestamp.Before(st.firstEventAt) {
		st.firstEventAt = ev.Timestamp
	}
	if !st.lastEventAt.IsZero() {
		if gap := ev.Timestamp.Sub(st.lastEventAt); gap > 0 {
			st.gapSum += gap
			st.gapCount++
		}
	}
	if ev.Timestamp.After(st.lastEventAt) {
		st.lastEventAt = ev.Timestamp
	}
	st.lastArrival = now

	switch p := ev.Payload.(type) {
	case event.FileOp:
		st.lastEditAt[p.Path] = ev.Timestamp
		if p.Verb == event.FileRename && p.RenamedTo != "" {
			st.lastEditAt[p.RenamedTo] = ev.Timestamp
		}
		if p.Pasted {
			st.pasteEvents++
		} else if p.Verb == event.FileCreate || p.Verb == event.FileModify {
			st.modifyEvents++
		}
		if p.Verb == event.FileDelete && p.Content != "" {
			st.deletedFP.Merge(ec.fingerprints())
		}

	case event.AIInteraction:
		switch {
		case p.Direction == event.DirectionPrompt:
			st.promptCount++
			st.promptCats[analysis.ClassifyPrompt(p.Content)]++
		case p.Copied:
			// Panel copies count as clipboard traffic, and the copied text is
			// assistant output for submission-overlap purposes.
			st.pasteEvents++
			if fp := ec.fingerprints(); fp.Len() > 0 {
				st.responseFPs = appendBounded(st.responseFPs, fp, maxResponseHistory)
			}
		default:
			st.responseCount++
			if fp := ec.fingerprints(); fp.Len() > 0 {
				st.responseFPs = appendBounded(st.responseFPs, fp, maxResponseHistory)
			}
		}

	case event.Snapshot:
		st.snapshotCount++
		if fp := ec.fingerprints(); fp.Len() > 0 {
			if st.prevSnapshot.Len() > 0 {
				st.deletedFP.Merge(st.prevSnapshot.Diff(fp))
			}
			st.prevSnapshot = fp
			st.snapshotFPs = appendBounded(st.snapshotFPs, fp, maxSnapshotHistory)
		}

	case event.Submission:
		if st.submittedAt.IsZero() {
			st.submittedAt = ev.Timestamp
		}
		if fp := ec.fingerprints(); fp.Len() > 0 {
			st.submissionFPs = append(st.submissionFPs, fp)
		}
	}
}

func appendBounded(history []analysis.Fingerprints, fp analysis.Fingerprints, bound int) []analysis.Fingerprints {
	history = append(history, fp)
	if len(history) > bound {
		history = history[len(history)-bound:]
	}
	return history
}

// recordViolations ships new violations to the audit trail without blocking
// the pipeline.
func (m *Manager) recordViolations(vios []Violation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, v := range vios {
		if err := m.recorder.RecordViolation(ctx, v); err != nil {
			m.logger.Warn("audit write failed",
				"violationId", v.ID,
				"sessionId", v.SessionID,
				"error", err,
			)
		}
	}
}
