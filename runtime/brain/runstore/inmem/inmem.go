// Package inmem provides an in-memory implementation of runstore.Store for
// tests and single-process deployments. Records are held in a map keyed by
// run id with no durability across restarts.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/brainstack/brains/runtime/brain"
	"github.com/brainstack/brains/runtime/brain/runstore"
)

// Store implements runstore.Store in memory. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]brain.Run
}

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[string]brain.Run)}
}

func (s *Store) Upsert(_ context.Context, r brain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.BrainRunID] = r
	return nil
}

func (s *Store) Load(_ context.Context, runID string) (brain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[runID]
	if !ok {
		return brain.Run{}, runstore.ErrNotFound
	}
	return r, nil
}

func (s *Store) ActiveByBrain(_ context.Context, brainType string) ([]brain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []brain.Run
	for _, r := range s.records {
		if r.Type == brainType && r.Status == brain.StatusRunning {
			out = append(out, r)
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (s *Store) HistoryByBrain(_ context.Context, brainType string, limit int) ([]brain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []brain.Run
	for _, r := range s.records {
		if r.Type == brainType {
			out = append(out, r)
		}
	}
	sortByCreatedDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ByStatus(_ context.Context, status brain.Status) ([]brain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []brain.Run
	for _, r := range s.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

func sortByCreatedDesc(runs []brain.Run) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt > runs[j].CreatedAt })
}
