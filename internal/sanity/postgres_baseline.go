package sanity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// baselineName keys the single fleet-wide row in the baselines table.
const baselineName = "violation-mix"

// PostgresBaselineStore persists the fleet baseline so restarts do not fall
// back to the uniform default. Schema lives in migrations/.
type PostgresBaselineStore struct {
	db *sql.DB
}

var _ BaselineStore = (*PostgresBaselineStore)(nil)

// NewPostgresBaselineStore creates a baseline store backed by PostgreSQL.
func NewPostgresBaselineStore(db *sql.DB) *PostgresBaselineStore {
	return &PostgresBaselineStore{db: db}
}

func (s *PostgresBaselineStore) SaveBaseline(ctx context.Context, b *Baseline) error {
	mix, err := json.Marshal(b.Mix)
	if err != nil {
		return fmt.Errorf("failed to encode baseline mix: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO baselines (name, mix, sample_size, computed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET mix = EXCLUDED.mix,
		    sample_size = EXCLUDED.sample_size,
		    computed_at = EXCLUDED.computed_at`,
		baselineName, mix, b.SampleSize, b.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	return nil
}

func (s *PostgresBaselineStore) GetBaseline(ctx context.Context) (*Baseline, error) {
	var (
		raw []byte
		b   Baseline
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT mix, sample_size, computed_at
		FROM baselines
		WHERE name = $1`,
		baselineName,
	).Scan(&raw, &b.SampleSize, &b.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}
	if err := json.Unmarshal(raw, &b.Mix); err != nil {
		return nil, fmt.Errorf("failed to decode baseline mix: %w", err)
	}
	return &b, nil
}
