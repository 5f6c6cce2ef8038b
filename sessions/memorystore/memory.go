// Package memorystore provides an in-memory sessions.Store. Records are lost
// when the process exits.
package memorystore

import (
	"context"
	"slices"
	"sync"

	"github.com/ggoodman/zkproxy/sessions"
)

type Store struct {
	mu      sync.RWMutex
	records map[int64]*sessions.Record
}

var _ sessions.Store = (*Store)(nil)

func New() *Store {
	return &Store{records: make(map[int64]*sessions.Record)}
}

func (s *Store) Put(ctx context.Context, rec *sessions.Record) error {
	s.mu.Lock()
	s.records[rec.ID] = rec.Clone()
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*sessions.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, sessions.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) List(ctx context.Context) ([]*sessions.Record, error) {
	s.mu.RLock()
	out := make([]*sessions.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *sessions.Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}
