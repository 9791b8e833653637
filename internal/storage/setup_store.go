package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetupStore persists production setups. Rows are create-then-fetch and never updated.
type SetupStore struct {
	conn *Connection
}

// NewSetupStore returns a store over conn.
func NewSetupStore(conn *Connection) (*SetupStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is nil", ErrStatusStoreFailed)
	}

	return &SetupStore{conn: conn}, nil
}

// Find returns the setup with exactly key, or ErrNotFound. IsClean and IsCurrent are left false.
func (s *SetupStore) Find(ctx context.Context, key SetupKey) (*ProductionSetup, error) {
	var (
		setup    ProductionSetup
		revision sql.NullInt64
	)

	err := s.conn.WithRetry(ctx, func() error {
		return s.conn.QueryRowContext(ctx, `
			SELECT id, name, build, dbtag, hash, revision, repo, dir
			FROM production_setup
			WHERE name = $1 AND build = $2 AND dbtag = $3 AND hash = $4
			  AND COALESCE(revision, -1) = COALESCE($5::int, -1)
			ORDER BY id LIMIT 1`,
			key.Name, key.Build, key.DBTag, key.Hash, revisionArg(key.Revision),
		).Scan(&setup.ID, &setup.Name, &setup.Build, &setup.DBTag, &setup.Hash, &revision, &setup.Repo, &setup.Dir)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: production setup %s/%s/%s/%s", ErrNotFound, key.Name, key.Build, key.DBTag, key.Hash)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: find setup: %w", ErrStatusStoreFailed, err)
	}

	if revision.Valid {
		r := int(revision.Int64)
		setup.Revision = &r
	}

	return &setup, nil
}

// Create inserts the setup unless a row with the same key exists. Concurrent callers
// converge on one row; the loser's insert is silently dropped.
func (s *SetupStore) Create(ctx context.Context, key SetupKey, repo, dir string) error {
	err := s.conn.WithRetry(ctx, func() error {
		_, err := s.conn.ExecContext(ctx, `
			INSERT INTO production_setup (name, build, dbtag, hash, revision, repo, dir)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING`,
			key.Name, key.Build, key.DBTag, key.Hash, revisionArg(key.Revision), repo, dir)

		return err
	})
	if err != nil {
		return fmt.Errorf("%w: create setup: %w", ErrStatusStoreFailed, err)
	}

	return nil
}

func revisionArg(r *int) any {
	if r == nil {
		return nil
	}

	return *r
}
