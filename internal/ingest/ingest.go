// Package ingest is the monitor's front door. Every entry path, the HTTP
// API and the Kafka bridge alike, funnels raw producer events through one
// Ingestor so malformed rejects and backpressure behave the same everywhere.
package ingest

import (
	"context"
	"log/slog"

	"github.com/promora/proctor/internal/event"
	"github.com/promora/proctor/internal/metrics"
)

// Applier receives canonical events. *watcher.Manager satisfies it.
type Applier interface {
	Apply(ctx context.Context, ev event.Event) error
}

// Ingestor normalizes raw events and hands them to the watcher.
type Ingestor struct {
	applier Applier
	logger  *slog.Logger
}

// New creates an ingestor in front of the given applier.
func New(applier Applier, logger *slog.Logger) *Ingestor {
	return &Ingestor{applier: applier, logger: logger}
}

// Ingest normalizes one raw event and applies it. Malformed events are
// counted and rejected without touching the session; watcher rejections
// (closed session, backpressure) pass through unchanged.
func (i *Ingestor) Ingest(ctx context.Context, raw event.RawEvent) error {
	ev, err := event.Normalize(raw)
	if err != nil {
		metrics.MalformedEventsTotal.Inc()
		i.logger.Debug("rejected malformed event",
			"sessionId", raw.SessionID,
			"eventType", raw.EventType,
			"error", err,
		)
		return err
	}
	return i.applier.Apply(ctx, ev)
}
