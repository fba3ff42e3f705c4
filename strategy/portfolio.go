package strategy

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Store defines the requirements for persisting strategies.
type Store interface {
	// FetchStrategies returns all stored strategies.
	FetchStrategies(ctx context.Context) ([]*Strategy, error)
	// PersistStrategy creates or updates the provided strategy.
	PersistStrategy(ctx context.Context, strategy *Strategy) error
}

// Portfolio holds the strategies evaluated by the scanner. Strategies handed out for a scan
// cycle are copies, updates between cycles never mutate them.
type Portfolio struct {
	store         Store
	strategies    map[string]*Strategy
	strategiesMtx sync.RWMutex
}

// NewPortfolio initializes a new portfolio with the provided strategies. The store is
// optional.
func NewPortfolio(strategies []*Strategy, store Store) (*Portfolio, error) {
	p := &Portfolio{
		store:      store,
		strategies: make(map[string]*Strategy, len(strategies)),
	}

	for _, s := range strategies {
		if s == nil {
			return nil, fmt.Errorf("strategy cannot be nil")
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, ok := p.strategies[s.ID]; ok {
			return nil, fmt.Errorf("duplicate strategy id: %s", s.ID)
		}

		p.strategies[s.ID] = s.Clone()
	}

	return p, nil
}

// Snapshot returns copies of all enabled strategies, ordered by id.
func (p *Portfolio) Snapshot() []*Strategy {
	p.strategiesMtx.RLock()
	defer p.strategiesMtx.RUnlock()

	set := make([]*Strategy, 0, len(p.strategies))
	for _, s := range p.strategies {
		if s.Disabled {
			continue
		}
		set = append(set, s.Clone())
	}

	slices.SortFunc(set, func(a, b *Strategy) int {
		return strings.Compare(a.ID, b.ID)
	})

	return set
}

// Fetch returns a copy of the strategy with the provided id.
func (p *Portfolio) Fetch(id string) (*Strategy, bool) {
	p.strategiesMtx.RLock()
	defer p.strategiesMtx.RUnlock()

	s, ok := p.strategies[id]
	if !ok {
		return nil, false
	}

	return s.Clone(), true
}

// Len returns the number of strategies held, enabled or not.
func (p *Portfolio) Len() int {
	p.strategiesMtx.RLock()
	defer p.strategiesMtx.RUnlock()

	return len(p.strategies)
}

// RecordTrade records the outcome of a closed live trade for the provided strategy and
// persists the updated statistics.
func (p *Portfolio) RecordTrade(ctx context.Context, id string, pnlPercent float64) error {
	p.strategiesMtx.Lock()
	s, ok := p.strategies[id]
	if !ok {
		p.strategiesMtx.Unlock()
		return fmt.Errorf("no strategy found with id %s", id)
	}

	s.Live.Record(pnlPercent)
	updated := s.Clone()
	p.strategiesMtx.Unlock()

	if p.store == nil {
		return nil
	}

	if err := p.store.PersistStrategy(ctx, updated); err != nil {
		return fmt.Errorf("persisting strategy %s: %w", id, err)
	}

	return nil
}

// Sync persists all held strategies to the store.
func (p *Portfolio) Sync(ctx context.Context) error {
	if p.store == nil {
		return nil
	}

	p.strategiesMtx.RLock()
	set := make([]*Strategy, 0, len(p.strategies))
	for _, s := range p.strategies {
		set = append(set, s.Clone())
	}
	p.strategiesMtx.RUnlock()

	for _, s := range set {
		if err := p.store.PersistStrategy(ctx, s); err != nil {
			return fmt.Errorf("persisting strategy %s: %w", s.ID, err)
		}
	}

	return nil
}

// Reload replaces strategy definitions with the stored ones. Stored strategies that fail
// validation are skipped and reported.
func (p *Portfolio) Reload(ctx context.Context) error {
	if p.store == nil {
		return nil
	}

	stored, err := p.store.FetchStrategies(ctx)
	if err != nil {
		return fmt.Errorf("fetching strategies: %w", err)
	}

	var invalid []string
	p.strategiesMtx.Lock()
	for _, s := range stored {
		if err := s.Validate(); err != nil {
			invalid = append(invalid, s.ID)
			continue
		}
		p.strategies[s.ID] = s.Clone()
	}
	p.strategiesMtx.Unlock()

	if len(invalid) > 0 {
		return fmt.Errorf("skipped invalid stored strategies: %s", strings.Join(invalid, ","))
	}

	return nil
}
