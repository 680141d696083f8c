package calibration

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps parameters in a Postgres table keyed by (module, channel).
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to dsn and makes sure the calibration table exists.
func NewPGStore(ctx context.Context, dsn string, maxConns int) (*PGStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PGStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS calibration (
			module     TEXT NOT NULL,
			channel    TEXT NOT NULL,
			gain       DOUBLE PRECISION NOT NULL,
			"offset"   DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (module, channel)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create calibration table: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, m Module, channel string) (Param, error) {
	var p Param
	err := s.pool.QueryRow(ctx, `
		SELECT gain, "offset" FROM calibration
		WHERE module = $1 AND channel = $2
	`, string(m), channel).Scan(&p.Gain, &p.Offset)
	if errors.Is(err, pgx.ErrNoRows) {
		return Param{}, fmt.Errorf("%w: %s/%s", ErrCalibKeyMissing, m, channel)
	}
	if err != nil {
		return Param{}, fmt.Errorf("failed to query calibration: %w", err)
	}
	return p, nil
}

func (s *PGStore) Set(ctx context.Context, m Module, channel string, p Param) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calibration (module, channel, gain, "offset")
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (module, channel)
		DO UPDATE SET gain = EXCLUDED.gain, "offset" = EXCLUDED."offset", updated_at = now()
	`, string(m), channel, p.Gain, p.Offset)
	if err != nil {
		return fmt.Errorf("failed to save calibration: %w", err)
	}
	return nil
}

// Delete removes one channel's parameters.
func (s *PGStore) Delete(ctx context.Context, m Module, channel string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM calibration WHERE module = $1 AND channel = $2`, string(m), channel)
	if err != nil {
		return fmt.Errorf("failed to delete calibration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrCalibKeyMissing, m, channel)
	}
	return nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}
