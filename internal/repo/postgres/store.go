package postgres

import (
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// Store groups the stores sharing one connection pool.
type Store struct {
	*RunStore
	*EdgeStore
	*ProjectStore
}

var _ repo.Store = (*Store)(nil)

func NewStore(db TxDB) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		RunStore:     NewRunStore(db),
		EdgeStore:    NewEdgeStore(db),
		ProjectStore: NewProjectStore(db),
	}
}
