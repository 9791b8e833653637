package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InvalidRunStore manages the invalid run list.
type InvalidRunStore struct {
	conn *Connection
}

// NewInvalidRunStore returns a store over conn.
func NewInvalidRunStore(conn *Connection) (*InvalidRunStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is nil", ErrStatusStoreFailed)
	}

	return &InvalidRunStore{conn: conn}, nil
}

// Add records an exclusion and returns its id. A zero CreatedAt means now.
func (s *InvalidRunStore) Add(ctx context.Context, r InvalidRun) (int, error) {
	if (r.LastRun != OpenRange && r.FirstRun > r.LastRun) || r.FirstSeg > r.LastSeg {
		return 0, fmt.Errorf("%w: empty invalid run range", ErrStatusStoreFailed)
	}

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var expiresAt any
	if r.ExpiresAt != nil {
		expiresAt = r.ExpiresAt.UTC()
	}

	var id int

	err := s.conn.WithRetry(ctx, func() error {
		return s.conn.QueryRowContext(ctx, `
			INSERT INTO invalid_run_list (dstname, first_run, last_run, first_segment, last_segment, reason, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			r.DstName, r.FirstRun, r.LastRun, r.FirstSeg, r.LastSeg, r.Reason, createdAt.UTC(), expiresAt,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: add invalid run: %w", ErrStatusStoreFailed, err)
	}

	return id, nil
}

// Active returns the entries for dstName and the ALL entries that are in force at now.
func (s *InvalidRunStore) Active(ctx context.Context, dstName string, now time.Time) ([]InvalidRun, error) {
	var out []InvalidRun

	err := s.conn.WithRetry(ctx, func() error {
		out = out[:0]

		rows, err := s.conn.QueryContext(ctx, `
			SELECT id, dstname, first_run, last_run, first_segment, last_segment, reason, created_at, expires_at
			FROM invalid_run_list
			WHERE (dstname = $1 OR UPPER(dstname) = $2) AND created_at <= $3 AND (expires_at IS NULL OR expires_at > $3)
			ORDER BY first_run`, dstName, AllProductions, now.UTC())
		if err != nil {
			return err
		}

		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				r         InvalidRun
				expiresAt sql.NullTime
			)

			if err := rows.Scan(&r.ID, &r.DstName, &r.FirstRun, &r.LastRun, &r.FirstSeg, &r.LastSeg,
				&r.Reason, &r.CreatedAt, &expiresAt); err != nil {
				return err
			}

			r.ExpiresAt = nullTime(expiresAt)
			out = append(out, r)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: active invalid runs: %w", ErrStatusStoreFailed, err)
	}

	return out, nil
}
