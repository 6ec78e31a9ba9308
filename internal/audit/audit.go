// Package audit persists the monitor's derived outputs, violations and
// final assessments, so reviewers can query what the monitor decided long
// after sessions close.
//
// This is an audit log, not the source of truth: everything in it stays
// rebuildable from the session store. Writers call it asynchronously and
// tolerate failures; a down audit store never blocks the pipeline.
package audit

import (
	"context"
	"time"

	"github.com/promora/proctor/internal/sanity"
	"github.com/promora/proctor/internal/watcher"
)

// defaultListLimit caps list reads when the caller does not say how many.
const defaultListLimit = 50

// Store is the audit trail. It satisfies watcher.ViolationRecorder,
// sanity.Recorder, and sanity.KindCountSource, so one store wires into the
// whole pipeline.
type Store interface {
	RecordViolation(ctx context.Context, v watcher.Violation) error
	RecordAssessment(ctx context.Context, a *sanity.RiskAssessment) error

	// ListViolations and ListAssessments return the most recent entries
	// first, up to limit (defaulted when <= 0).
	ListViolations(ctx context.Context, sessionID string, limit int) ([]watcher.Violation, error)
	ListAssessments(ctx context.Context, sessionID string, limit int) ([]*sanity.RiskAssessment, error)

	// ViolationKindCounts reports how many violations of each kind were
	// recorded after since, across all sessions. The baseline worker feeds
	// on it.
	ViolationKindCounts(ctx context.Context, since time.Time) (map[string]int, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
