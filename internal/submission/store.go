package submission

import (
	"context"

	"github.com/sphenix-prod/slurp/internal/storage"
)

// Tx is an open submission transaction.
type Tx interface {
	InsertSubmitting(ctx context.Context, setup storage.ProductionSetup, rows []storage.StatusInsert) ([]int, error)
	Commit() error
	Rollback() error
}

// Store is the part of the status store a submission writes to.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	UpdateSubmitted(ctx context.Context, updates []storage.SubmittedUpdate) (int64, error)
	DeleteByID(ctx context.Context, ids []int) (int64, error)
}

type statusStore struct {
	*storage.StatusStore
}

// NewStore adapts the status store.
func NewStore(s *storage.StatusStore) Store {
	return statusStore{s}
}

func (s statusStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.StatusStore.Begin(ctx)
	if err != nil {
		return nil, err
	}

	return tx, nil
}
