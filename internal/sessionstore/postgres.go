package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/promora/proctor/internal/event"
)

// PostgresStore reads session events directly from the platform database for
// co-located deployments, skipping the HTTP hop. It is read-only; the
// session_events and sessions tables belong to the platform.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the platform database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetEvents(ctx context.Context, sessionID string, since time.Time) ([]event.RawEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT event_type, occurred_at, data
		FROM session_events
		WHERE session_id = $1 AND occurred_at > $2
		ORDER BY occurred_at ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []event.RawEvent
	for rows.Next() {
		var (
			eventType  string
			occurredAt time.Time
			data       []byte
		)
		if err := rows.Scan(&eventType, &occurredAt, &data); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrUnavailable, err)
		}

		raw := event.RawEvent{SessionID: sessionID, EventType: eventType, Timestamp: occurredAt}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &raw.Data); err != nil {
				return nil, fmt.Errorf("%w: decode event data: %v", ErrUnavailable, err)
			}
		}
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate events: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (p *PostgresStore) IsSessionActive(ctx context.Context, sessionID string) (bool, error) {
	var active bool
	err := p.db.QueryRowContext(ctx,
		`SELECT closed_at IS NULL FROM sessions WHERE id = $1`, sessionID,
	).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: query session status: %v", ErrUnavailable, err)
	}
	return active, nil
}
