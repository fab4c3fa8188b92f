// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/linnemanlabs/arbiter/internal/triage"
)

// DefaultCapacity is the number of results kept when New is given zero.
const DefaultCapacity = 10000

// Store holds the most recent triage results in memory. Suitable for
// dev/testing and single-replica deployments without a database.
type Store struct {
	mu      sync.RWMutex
	results *lru.Cache[string, *triage.Result] // triage ID -> result
	byAlert map[string]string                  // alert ID -> latest triage ID (dedup)
}

// New initializes a Store bounded to capacity results; older results are
// evicted least-recently-used first.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Store{byAlert: make(map[string]string)}
	// The evict callback runs inside Add, which Put calls with mu held.
	cache, err := lru.NewWithEvict(capacity, func(id string, r *triage.Result) {
		if s.byAlert[r.AlertID] == id {
			delete(s.byAlert, r.AlertID)
		}
	})
	if err != nil {
		panic(err)
	}
	s.results = cache
	return s
}

// Get retrieves a triage result by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results.Get(id)
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// GetByAlertID retrieves the most recent triage for an alert, for
// deduplication. Returns a copy.
func (s *Store) GetByAlertID(_ context.Context, alertID string) (*triage.Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAlert[alertID]
	if !ok {
		return nil, false, nil
	}
	r, ok := s.results.Peek(id)
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// Put stores a copy of the triage result.
func (s *Store) Put(_ context.Context, r *triage.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results.Add(r.ID, r.Clone())

	if cur, ok := s.byAlert[r.AlertID]; ok && cur != r.ID {
		if prev, ok := s.results.Peek(cur); ok && prev.CreatedAt.After(r.CreatedAt) {
			return nil
		}
	}
	s.byAlert[r.AlertID] = r.ID
	return nil
}

// Len returns the number of stored results.
func (s *Store) Len() int {
	return s.results.Len()
}
