// Package memory provides an in-process reference range store.
package memory

import (
	"context"
	"sync"

	"labcore/internal/infra/persistence/rangesql"
	"labcore/pkg/domain"
)

var _ domain.RangeStore = (*Store)(nil)

// Store keeps reference ranges in a map keyed by ID.
type Store struct {
	mu   sync.RWMutex
	rows map[string]domain.ReferenceRange
}

// NewStore constructs an empty store, optionally preloaded with ranges.
// Invalid seed rows are rejected.
func NewStore(seed ...domain.ReferenceRange) (*Store, error) {
	s := &Store{rows: make(map[string]domain.ReferenceRange, len(seed))}
	if err := s.UpsertRanges(context.Background(), seed); err != nil {
		return nil, err
	}
	return s, nil
}

// FetchActiveRanges returns active rows for code ordered by ID.
func (s *Store) FetchActiveRanges(ctx context.Context, code string) ([]domain.ReferenceRange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rangesql.FilterActive(s.snapshot(), code), nil
}

// UpsertRanges inserts or replaces rows by ID. Nothing is written when any
// row is invalid.
func (s *Store) UpsertRanges(ctx context.Context, ranges []domain.ReferenceRange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range ranges {
		s.rows[r.ID] = r.Clone()
	}
	return nil
}

// ListRanges returns every row ordered by ID.
func (s *Store) ListRanges(ctx context.Context) ([]domain.ReferenceRange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := s.snapshot()
	rangesql.SortByID(out)
	return out, nil
}

// Deactivate marks a row inactive, reporting whether it existed.
func (s *Store) Deactivate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return false
	}
	r.Active = false
	s.rows[id] = r
	return true
}

func (s *Store) snapshot() []domain.ReferenceRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReferenceRange, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r.Clone())
	}
	return out
}
