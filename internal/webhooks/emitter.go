package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/promora/proctor/internal/idgen"
	"github.com/promora/proctor/internal/sanity"
	"github.com/promora/proctor/internal/watcher"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proctor",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proctor",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit integrity events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned,
// and a nil Emitter is safe to call, so callers need no wiring checks.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// Subscriber lookup may hit the database; session workers call this, so
	// the whole dispatch runs off the caller's goroutine.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.d.Dispatch(ctx, event); err != nil {
			webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
			e.logger.Warn("webhook emit failed", "event", eventType, "error", err)
		}
	}()
}

// EmitViolationRecorded emits a violation.recorded event.
func (e *Emitter) EmitViolationRecorded(v watcher.Violation) {
	e.emit(EventViolationRecorded, map[string]interface{}{
		"sessionId":   v.SessionID,
		"violationId": v.ID,
		"kind":        v.Kind,
		"severity":    v.Severity,
		"evidence":    v.Evidence,
		"detectedAt":  v.DetectedAt,
	})
}

// EmitAlertEscalated emits an alert.escalated event.
func (e *Emitter) EmitAlertEscalated(a watcher.Alert) {
	e.emit(EventAlertEscalated, map[string]interface{}{
		"sessionId":      a.SessionID,
		"classification": a.Classification,
		"riskScore":      a.RiskScore,
		"message":        a.Message,
		"raisedAt":       a.RaisedAt,
	})
}

// EmitAssessmentCompleted emits an assessment.completed event.
func (e *Emitter) EmitAssessmentCompleted(a *sanity.RiskAssessment) {
	e.emit(EventAssessmentCompleted, map[string]interface{}{
		"sessionId":      a.SessionID,
		"assessmentId":   a.ID,
		"score":          a.Score,
		"classification": a.Classification,
		"recommendation": a.Recommendation,
		"confidence":     a.Confidence,
		"profile":        a.Profile,
		"redFlags":       a.RedFlags,
	})
}

// EmitSessionClosed emits a session.closed event.
func (e *Emitter) EmitSessionClosed(sessionID string, riskScore float64, closedAt time.Time) {
	e.emit(EventSessionClosed, map[string]interface{}{
		"sessionId": sessionID,
		"riskScore": riskScore,
		"closedAt":  closedAt,
	})
}
