package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/promora/proctor/internal/sanity"
	"github.com/promora/proctor/internal/watcher"
)

// PostgresStore persists the audit trail in PostgreSQL. Schema lives in
// migrations/; run cmd/migrate before pointing the monitor at a database.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordViolation(ctx context.Context, v watcher.Violation) error {
	evidence, err := json.Marshal(v.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}

	// Upsert because an ai-overuse episode updates its violation in place.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO violations (id, session_id, kind, severity, evidence, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET severity = EXCLUDED.severity,
		    evidence = EXCLUDED.evidence,
		    detected_at = EXCLUDED.detected_at`,
		v.ID, v.SessionID, v.Kind, v.Severity, evidence, v.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record violation: %w", err)
	}
	return nil
}

// assessmentDetail is the JSONB payload carrying the assessment's slices;
// scalar columns stay queryable.
type assessmentDetail struct {
	ContributingViolations []watcher.Violation  `json:"contributingViolations,omitempty"`
	RedFlags               []string             `json:"redFlags,omitempty"`
	AnomalyNotes           []sanity.AnomalyNote `json:"anomalyNotes,omitempty"`
	Checks                 []sanity.Check       `json:"checks,omitempty"`
}

func (s *PostgresStore) RecordAssessment(ctx context.Context, a *sanity.RiskAssessment) error {
	detail, err := json.Marshal(assessmentDetail{
		ContributingViolations: a.ContributingViolations,
		RedFlags:               a.RedFlags,
		AnomalyNotes:           a.AnomalyNotes,
		Checks:                 a.Checks,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal assessment detail: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assessments
			(id, session_id, score, classification, recommendation, confidence, degraded, profile, detail, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.SessionID, a.Score, a.Classification, a.Recommendation,
		a.Confidence, a.Degraded, a.Profile, detail, a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListViolations(ctx context.Context, sessionID string, limit int) ([]watcher.Violation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, severity, evidence, detected_at
		FROM violations
		WHERE session_id = $1
		ORDER BY detected_at DESC
		LIMIT $2`,
		sessionID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []watcher.Violation
	for rows.Next() {
		var (
			v        watcher.Violation
			evidence []byte
		)
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Kind, &v.Severity, &evidence, &v.DetectedAt); err != nil {
			continue
		}
		_ = json.Unmarshal(evidence, &v.Evidence)
		result = append(result, v)
	}
	return result, nil
}

func (s *PostgresStore) ListAssessments(ctx context.Context, sessionID string, limit int) ([]*sanity.RiskAssessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, score, classification, recommendation, confidence, degraded, profile, detail, evaluated_at
		FROM assessments
		WHERE session_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2`,
		sessionID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*sanity.RiskAssessment
	for rows.Next() {
		var (
			a      sanity.RiskAssessment
			detail []byte
		)
		if err := rows.Scan(
			&a.ID, &a.SessionID, &a.Score, &a.Classification, &a.Recommendation,
			&a.Confidence, &a.Degraded, &a.Profile, &detail, &a.EvaluatedAt,
		); err != nil {
			continue
		}
		var d assessmentDetail
		_ = json.Unmarshal(detail, &d)
		a.ContributingViolations = d.ContributingViolations
		a.RedFlags = d.RedFlags
		a.AnomalyNotes = d.AnomalyNotes
		a.Checks = d.Checks
		result = append(result, &a)
	}
	return result, nil
}

func (s *PostgresStore) ViolationKindCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*)
		FROM violations
		WHERE detected_at > $1
		GROUP BY kind`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count violations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			continue
		}
		counts[kind] = n
	}
	return counts, nil
}
