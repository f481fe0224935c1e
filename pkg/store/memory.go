package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/swgillespie/apollo/tourney/pkg/match"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]map[int]match.GameResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]map[int]match.GameResult)
	return nil
}

func (s *MemoryStore) SaveResult(_ context.Context, runID string, result match.GameResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("memory store is not initialized")
	}
	games, ok := s.runs[runID]
	if !ok {
		games = make(map[int]match.GameResult)
		s.runs[runID] = games
	}
	games[result.GameID] = result
	return nil
}

func (s *MemoryStore) Results(_ context.Context, runID string) ([]match.GameResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	games, ok := s.runs[runID]
	if !ok {
		return nil, false, nil
	}
	results := make([]match.GameResult, 0, len(games))
	for _, r := range games {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].GameID < results[j].GameID })
	return results, true, nil
}

func (s *MemoryStore) Runs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]string, 0, len(s.runs))
	for id := range s.runs {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	return runs, nil
}
