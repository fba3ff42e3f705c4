package position

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Book tracks open positions by id along with the opportunities already taken. Tracked
// positions are never mutated in place, updates swap in a new copy through Replace.
type Book struct {
	positions     map[string]*Position
	opportunities map[string]struct{}
	mtx           sync.RWMutex
}

// NewBook initializes a new position book.
func NewBook() *Book {
	return &Book{
		positions:     make(map[string]*Position),
		opportunities: make(map[string]struct{}),
	}
}

// Add tracks the provided open position.
func (b *Book) Add(position *Position) error {
	if position == nil {
		return fmt.Errorf("position cannot be nil")
	}
	if position.Status == Closed {
		return fmt.Errorf("%s: %w", position.ID, ErrPositionClosed)
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if _, ok := b.positions[position.ID]; ok {
		// do nothing if the position is already tracked.
		return nil
	}

	b.positions[position.ID] = position
	if position.OpportunityKey != "" {
		b.opportunities[position.OpportunityKey] = struct{}{}
	}

	return nil
}

// Remove stops tracking the position with the provided id. Its opportunity is released only
// when forget is set.
func (b *Book) Remove(id string, forget bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	pos, ok := b.positions[id]
	if !ok {
		return
	}

	delete(b.positions, id)
	if forget {
		delete(b.opportunities, pos.OpportunityKey)
	}
}

// Replace swaps the tracked position with the provided copy of the same id. It reports
// false when the position is no longer tracked.
func (b *Book) Replace(position *Position) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if _, ok := b.positions[position.ID]; !ok {
		return false
	}

	b.positions[position.ID] = position
	return true
}

// MarkOpportunity records the provided opportunity as taken.
func (b *Book) MarkOpportunity(key string) {
	b.mtx.Lock()
	b.opportunities[key] = struct{}{}
	b.mtx.Unlock()
}

// HasOpportunity checks whether the provided opportunity has been taken.
func (b *Book) HasOpportunity(key string) bool {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	_, ok := b.opportunities[key]
	return ok
}

// Fetch returns the tracked position with the provided id.
func (b *Book) Fetch(id string) (*Position, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	pos, ok := b.positions[id]
	return pos, ok
}

// Len returns the number of tracked positions.
func (b *Book) Len() int {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	return len(b.positions)
}

// Positions returns the tracked positions ordered by entry time.
func (b *Book) Positions() []*Position {
	b.mtx.RLock()
	set := make([]*Position, 0, len(b.positions))
	for _, pos := range b.positions {
		set = append(set, pos)
	}
	b.mtx.RUnlock()

	slices.SortFunc(set, func(a, b *Position) int {
		if c := a.EntryTime.Compare(b.EntryTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return set
}

// Counts returns the number of tracked positions per strategy.
func (b *Book) Counts() map[string]int {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	counts := make(map[string]int)
	for _, pos := range b.positions {
		counts[pos.StrategyID]++
	}

	return counts
}

// Reset replaces the tracked positions and opportunities.
func (b *Book) Reset(positions []*Position, opportunities []string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.positions = make(map[string]*Position, len(positions))
	b.opportunities = make(map[string]struct{}, len(opportunities)+len(positions))
	for _, pos := range positions {
		if pos.Status == Closed {
			continue
		}
		b.positions[pos.ID] = pos
		b.opportunities[pos.OpportunityKey] = struct{}{}
	}
	for _, key := range opportunities {
		b.opportunities[key] = struct{}{}
	}
}
