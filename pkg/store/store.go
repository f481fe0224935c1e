// Package store persists per-match result records grouped by run.
package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/swgillespie/apollo/tourney/pkg/match"
)

// Store records game results under a run identifier.
type Store interface {
	Init(ctx context.Context) error
	SaveResult(ctx context.Context, runID string, result match.GameResult) error
	// Results returns the results of a run ordered by game id. ok is false
	// when the run is unknown.
	Results(ctx context.Context, runID string) (results []match.GameResult, ok bool, err error)
	// Runs lists every run id in the store.
	Runs(ctx context.Context) ([]string, error)
}

// NewStore opens a store backend by name.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, errors.Errorf("unsupported store backend: %s", kind)
	}
}

// CloseIfSupported closes stores that hold resources.
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
