package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// CursorStore keeps the high-water run of each production. Every change appends a row and
// the newest row wins, so the history stays available for audit.
type CursorStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewCursorStore returns a store over conn.
func NewCursorStore(conn *Connection, logger *slog.Logger) (*CursorStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is nil", ErrStatusStoreFailed)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &CursorStore{conn: conn, logger: logger}, nil
}

// Get returns the cursor for key. When the tag has no cursor yet, the newest cursor of the
// same dst type, build and version under any tag is adopted and recorded for key.
// Returns ErrNotFound when neither exists.
func (s *CursorStore) Get(ctx context.Context, key CursorKey) (int, error) {
	run, err := s.latest(ctx, `SELECT lastrun FROM production_cursor
		WHERE dsttype = $1 AND build = $2 AND version = $3 AND tag = $4
		ORDER BY id DESC LIMIT 1`, key.DstType, key.Build, key.Version, key.DBTag)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return run, err
	}

	run, err = s.latest(ctx, `SELECT lastrun FROM production_cursor
		WHERE dsttype = $1 AND build = $2 AND version = $3
		ORDER BY id DESC LIMIT 1`, key.DstType, key.Build, key.Version)
	if err != nil {
		return 0, fmt.Errorf("cursor %s/%s/%s/%s: %w", key.DstType, key.Build, key.DBTag, key.Version, err)
	}

	s.logger.Info("Adopting cursor from another tag",
		slog.String("dsttype", key.DstType),
		slog.String("dbtag", key.DBTag),
		slog.Int("run", run))

	if err := s.Set(ctx, key, run); err != nil {
		return 0, err
	}

	return run, nil
}

// Set records run as the cursor for key.
func (s *CursorStore) Set(ctx context.Context, key CursorKey, run int) error {
	err := s.conn.WithRetry(ctx, func() error {
		_, err := s.conn.ExecContext(ctx, `
			INSERT INTO production_cursor (dsttype, build, tag, version, lastrun)
			VALUES ($1, $2, $3, $4, $5)`,
			key.DstType, key.Build, key.DBTag, key.Version, run)

		return err
	})
	if err != nil {
		return fmt.Errorf("%w: set cursor: %w", ErrStatusStoreFailed, err)
	}

	return nil
}

func (s *CursorStore) latest(ctx context.Context, query string, args ...any) (int, error) {
	var run int

	err := s.conn.WithRetry(ctx, func() error {
		return s.conn.QueryRowContext(ctx, query, args...).Scan(&run)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("%w: get cursor: %w", ErrStatusStoreFailed, err)
	}

	return run, nil
}
