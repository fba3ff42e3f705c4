package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process position store.
type MemoryStore struct {
	positions map[string]*Position
	mtx       sync.Mutex
}

var _ Store = (*MemoryStore)(nil)
var _ ClosedStore = (*MemoryStore)(nil)

// NewMemoryStore initializes a new in-memory position store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]*Position)}
}

// PersistPositions atomically creates the provided positions.
func (s *MemoryStore) PersistPositions(ctx context.Context, positions []*Position) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	keys := make(map[string]struct{}, len(s.positions))
	for _, pos := range s.positions {
		keys[pos.OpportunityKey] = struct{}{}
	}

	for _, pos := range positions {
		if _, ok := s.positions[pos.ID]; ok {
			return fmt.Errorf("position %s already exists", pos.ID)
		}
		if _, ok := keys[pos.OpportunityKey]; ok {
			return fmt.Errorf("opportunity %s: %w", pos.OpportunityKey, ErrDuplicateOpportunity)
		}
		keys[pos.OpportunityKey] = struct{}{}
	}

	for _, pos := range positions {
		s.positions[pos.ID] = pos.Clone()
	}

	return nil
}

// UpdatePosition updates the provided position.
func (s *MemoryStore) UpdatePosition(ctx context.Context, position *Position) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.positions[position.ID]; !ok {
		return fmt.Errorf("no position found with id %s", position.ID)
	}
	s.positions[position.ID] = position.Clone()

	return nil
}

// FetchOpenPositions returns all positions not yet closed.
func (s *MemoryStore) FetchOpenPositions(ctx context.Context) ([]*Position, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var set []*Position
	for _, pos := range s.positions {
		if pos.Status != Closed {
			set = append(set, pos.Clone())
		}
	}

	return set, nil
}

// FetchClosedPositions returns up to limit of the most recently closed positions.
func (s *MemoryStore) FetchClosedPositions(ctx context.Context, limit int) ([]*Position, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var set []*Position
	for _, pos := range s.positions {
		if pos.Status == Closed {
			set = append(set, pos.Clone())
		}
	}

	sort.Slice(set, func(i, j int) bool {
		return set[i].ExitTime.After(set[j].ExitTime)
	})
	if limit > 0 && len(set) > limit {
		set = set[:limit]
	}

	return set, nil
}

// FetchOpportunityKeys returns the opportunity keys of positions opened since the provided time.
func (s *MemoryStore) FetchOpportunityKeys(ctx context.Context, since time.Time) ([]string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var keys []string
	for _, pos := range s.positions {
		if !pos.EntryTime.Before(since) {
			keys = append(keys, pos.OpportunityKey)
		}
	}

	return keys, nil
}
