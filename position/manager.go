package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/sentinel/shared"
	"github.com/rs/zerolog"
)

var (
	// ErrDuplicateOpportunity is returned when a strategy attempts to reopen an opportunity.
	ErrDuplicateOpportunity = errors.New("opportunity already taken")
	// ErrPositionCap is returned when a strategy is at its open position cap.
	ErrPositionCap = errors.New("strategy position cap reached")
)

const (
	// defaultMomentumWindow is the default number of closed trades tracked for momentum.
	defaultMomentumWindow = 20
	// opportunityLookback is how far back taken opportunities are loaded on startup.
	opportunityLookback = time.Hour * 24 * 7
)

// Store defines the requirements for persisting positions.
type Store interface {
	// PersistPositions atomically creates the provided positions.
	PersistPositions(ctx context.Context, positions []*Position) error
	// UpdatePosition updates the provided position.
	UpdatePosition(ctx context.Context, position *Position) error
	// FetchOpenPositions returns all positions not yet closed.
	FetchOpenPositions(ctx context.Context) ([]*Position, error)
	// FetchOpportunityKeys returns the opportunity keys of positions opened since the
	// provided time.
	FetchOpportunityKeys(ctx context.Context, since time.Time) ([]string, error)
}

// ClosedStore defines the optional requirement for stores able to list closed positions.
// The momentum of a loaded manager is seeded from it.
type ClosedStore interface {
	// FetchClosedPositions returns up to limit of the most recently closed positions, most
	// recent first.
	FetchClosedPositions(ctx context.Context, limit int) ([]*Position, error)
}

// ManagerConfig represents the position manager configuration.
type ManagerConfig struct {
	// Venue is the trading venue orders are placed on.
	Venue shared.Venue
	// Store persists positions.
	Store Store
	// Notify relays the provided event.
	Notify func(event shared.Event)
	// OnClose is called with every closed position after it has been persisted.
	OnClose func(ctx context.Context, position *Position)
	// MomentumWindow is the number of closed trades performance momentum is tracked over.
	MomentumWindow int32
	// CallTimeout bounds every venue and store call.
	CallTimeout time.Duration
	// RetryAttempts and RetryBackoff bound the retries of venue and store calls.
	RetryAttempts int
	RetryBackoff  time.Duration
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the application logger.
	Logger zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ManagerConfig) Validate() error {
	var errs error

	if cfg.Venue == nil {
		errs = errors.Join(errs, fmt.Errorf("no venue provided"))
	}
	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("no position store provided"))
	}
	if cfg.Notify == nil {
		errs = errors.Join(errs, fmt.Errorf("no notify function provided"))
	}

	return errs
}

// Rejection represents a trade request that did not result in an open position.
type Rejection struct {
	Request *shared.TradeRequest
	Reason  string
	Err     error
}

// BatchResult represents the outcome of opening a batch of positions.
type BatchResult struct {
	Opened   []*Position
	Rejected []Rejection
}

// MonitorResult represents the outcome of a monitoring pass over open positions.
type MonitorResult struct {
	Checked   int
	Activated int
	Closed    []*Position
	Errors    []error
}

// Manager owns open positions through their lifecycles.
type Manager struct {
	cfg        *ManagerConfig
	book       *Book
	momentum   *Momentum
	unsynced   []*Position
	unsyncedMu sync.Mutex
	batchMtx   sync.Mutex
	monitorMtx sync.Mutex
}

// NewPositionManager initializes a new position manager.
func NewPositionManager(cfg *ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MomentumWindow <= 0 {
		cfg.MomentumWindow = defaultMomentumWindow
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = shared.DefaultRetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = shared.DefaultRetryBackoff
	}

	momentum, err := NewMomentum(cfg.MomentumWindow)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:      cfg,
		book:     NewBook(),
		momentum: momentum,
	}, nil
}

// call runs the provided external call with the configured timeout and retries.
func (m *Manager) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return shared.Retry(ctx, m.cfg.RetryAttempts, m.cfg.RetryBackoff, func(ctx context.Context) error {
		return shared.WithTimeout(ctx, m.cfg.CallTimeout, fn)
	})
}

// Load replaces the tracked positions with the stored open positions.
func (m *Manager) Load(ctx context.Context) error {
	m.batchMtx.Lock()
	defer m.batchMtx.Unlock()
	m.monitorMtx.Lock()
	defer m.monitorMtx.Unlock()

	var open []*Position
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		open, err = m.cfg.Store.FetchOpenPositions(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetching open positions: %w", err)
	}

	var keys []string
	since := m.cfg.Now().Add(-opportunityLookback)
	err = m.call(ctx, func(ctx context.Context) error {
		var err error
		keys, err = m.cfg.Store.FetchOpportunityKeys(ctx, since)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetching opportunity keys: %w", err)
	}

	m.book.Reset(open, keys)
	m.cfg.Logger.Info().Msgf("loaded %d open positions", m.book.Len())

	closedStore, ok := m.cfg.Store.(ClosedStore)
	if !ok {
		return nil
	}

	var closed []*Position
	err = m.call(ctx, func(ctx context.Context) error {
		var err error
		closed, err = closedStore.FetchClosedPositions(ctx, int(m.cfg.MomentumWindow))
		return err
	})
	if err != nil {
		return fmt.Errorf("fetching closed positions: %w", err)
	}

	// Replay oldest first.
	pnls := make([]float64, 0, len(closed))
	for idx := len(closed) - 1; idx >= 0; idx-- {
		pnls = append(pnls, closed[idx].PNLPercent)
	}
	m.momentum.Seed(pnls)
	m.cfg.Logger.Info().Msgf("seeded momentum from %d closed positions", len(pnls))

	return nil
}

// Positions returns copies of the open positions. Tracked positions are only ever swapped,
// never mutated, so copying them does not contend with a running monitor pass.
func (m *Manager) Positions() []*Position {
	set := m.book.Positions()
	for idx := range set {
		set[idx] = set[idx].Clone()
	}

	return set
}

// OpenCounts returns the number of open positions per strategy.
func (m *Manager) OpenCounts() map[string]int {
	return m.book.Counts()
}

// HasOpportunity checks whether the provided opportunity has already been taken.
func (m *Manager) HasOpportunity(key string) bool {
	return m.book.HasOpportunity(key)
}

// Momentum returns the rolling performance momentum score.
func (m *Manager) Momentum() float64 {
	return m.momentum.Score()
}

// OpenBatch places orders for the provided trade requests and opens positions for the
// filled ones as a single batch. Positions are tracked optimistically and rolled back if
// persisting the batch fails, in which case the fills are unwound on the venue.
func (m *Manager) OpenBatch(ctx context.Context, reqs []*shared.TradeRequest) (*BatchResult, error) {
	m.batchMtx.Lock()
	defer m.batchMtx.Unlock()

	res := &BatchResult{}
	counts := m.book.Counts()
	seen := make(map[string]struct{}, len(reqs))
	accepted := make([]*shared.TradeRequest, 0, len(reqs))
	for _, req := range reqs {
		_, dup := seen[req.OpportunityKey]
		switch {
		case dup || m.book.HasOpportunity(req.OpportunityKey):
			res.Rejected = append(res.Rejected, Rejection{
				Request: req,
				Reason:  ErrDuplicateOpportunity.Error(),
				Err:     ErrDuplicateOpportunity,
			})
			continue
		case req.MaxPositions > 0 && counts[req.StrategyID] >= req.MaxPositions:
			res.Rejected = append(res.Rejected, Rejection{
				Request: req,
				Reason:  ErrPositionCap.Error(),
				Err:     ErrPositionCap,
			})
			continue
		}

		seen[req.OpportunityKey] = struct{}{}
		counts[req.StrategyID]++
		accepted = append(accepted, req)
	}

	if len(accepted) == 0 {
		return res, nil
	}

	orders := make([]shared.OrderRequest, 0, len(accepted))
	for _, req := range accepted {
		orders = append(orders, shared.OrderRequest{
			ClientID:   req.OpportunityKey,
			Instrument: req.Instrument,
			Direction:  req.Direction,
			Quantity:   req.Quantity,
		})
	}

	var fills []shared.OrderResult
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		fills, err = m.cfg.Venue.PlaceOrders(ctx, orders)
		return err
	})
	if err != nil {
		for _, req := range accepted {
			res.Rejected = append(res.Rejected, Rejection{Request: req, Reason: "order placement failed", Err: err})
		}
		return res, fmt.Errorf("placing orders: %w", err)
	}

	byClientID := make(map[string]*shared.OrderResult, len(fills))
	for idx := range fills {
		byClientID[fills[idx].ClientID] = &fills[idx]
	}

	now := m.cfg.Now()
	batch := make([]*Position, 0, len(accepted))
	for _, req := range accepted {
		fill, ok := byClientID[req.OpportunityKey]
		if !ok || !fill.Filled {
			reason := "order not filled"
			if ok && fill.Rejection != "" {
				reason = fill.Rejection
			}
			res.Rejected = append(res.Rejected, Rejection{Request: req, Reason: reason})
			continue
		}

		pos, err := NewPosition(req, fill, now)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{Request: req, Reason: err.Error(), Err: err})
			continue
		}

		batch = append(batch, pos)
	}

	if len(batch) == 0 {
		return res, nil
	}

	// Track the batch optimistically before persisting it.
	for _, pos := range batch {
		if err := m.book.Add(pos); err != nil {
			m.rollback(batch)
			return res, fmt.Errorf("tracking position: %w", err)
		}
	}

	err = m.call(ctx, func(ctx context.Context) error {
		return m.cfg.Store.PersistPositions(ctx, batch)
	})
	if err != nil {
		m.rollback(batch)
		m.unwind(ctx, batch)
		for _, pos := range batch {
			res.Rejected = append(res.Rejected, Rejection{
				Request: requestFor(accepted, pos.OpportunityKey),
				Reason:  "persisting position failed",
				Err:     err,
			})
		}
		return res, fmt.Errorf("persisting positions: %w", err)
	}

	for _, pos := range batch {
		res.Opened = append(res.Opened, pos.Clone())

		event := shared.NewEvent(shared.PositionOpenEvent,
			fmt.Sprintf("opened %s position %s for %s @ %f (qty %f, sl %f, tp %f)",
				pos.Direction.String(), pos.ID, pos.Instrument, pos.EntryPrice,
				pos.Quantity, pos.StopLoss, pos.TakeProfit))
		event.StrategyID = pos.StrategyID
		event.Instrument = pos.Instrument
		event.Fields = map[string]any{
			"positionId": pos.ID,
			"conviction": pos.Conviction.Score,
			"notional":   pos.Notional,
		}
		m.cfg.Notify(event)
	}

	return res, nil
}

// requestFor returns the request of the provided opportunity.
func requestFor(reqs []*shared.TradeRequest, key string) *shared.TradeRequest {
	for _, req := range reqs {
		if req.OpportunityKey == key {
			return req
		}
	}

	return nil
}

// rollback untracks the provided positions and releases their opportunities.
func (m *Manager) rollback(batch []*Position) {
	for _, pos := range batch {
		m.book.Remove(pos.ID, true)
	}

	m.cfg.Logger.Warn().Msgf("rolled back %d optimistically tracked positions", len(batch))
}

// unwind places best-effort reduce only orders for fills whose positions were rolled back.
func (m *Manager) unwind(ctx context.Context, batch []*Position) {
	orders := make([]shared.OrderRequest, 0, len(batch))
	for _, pos := range batch {
		orders = append(orders, shared.OrderRequest{
			ClientID:   pos.OpportunityKey + "/unwind",
			Instrument: pos.Instrument,
			Direction:  pos.Direction.Opposite(),
			Quantity:   pos.Quantity,
			ReduceOnly: true,
		})
	}

	err := m.call(ctx, func(ctx context.Context) error {
		_, err := m.cfg.Venue.PlaceOrders(ctx, orders)
		return err
	})
	if err != nil {
		m.cfg.Logger.Error().Err(err).Msgf("unwinding %d rolled back fills", len(orders))
	}
}

// syncUnsynced retries persisting closed positions whose updates previously failed.
func (m *Manager) syncUnsynced(ctx context.Context) []error {
	m.unsyncedMu.Lock()
	pending := m.unsynced
	m.unsynced = nil
	m.unsyncedMu.Unlock()

	var errs []error
	var failed []*Position
	for _, pos := range pending {
		err := m.call(ctx, func(ctx context.Context) error {
			return m.cfg.Store.UpdatePosition(ctx, pos)
		})
		if err != nil {
			failed = append(failed, pos)
			errs = append(errs, fmt.Errorf("syncing closed position %s: %w", pos.ID, err))
			continue
		}

		m.closed(ctx, pos)
	}

	if len(failed) > 0 {
		m.unsyncedMu.Lock()
		m.unsynced = append(m.unsynced, failed...)
		m.unsyncedMu.Unlock()
	}

	return errs
}

// Unsynced returns the number of closed positions pending persistence.
func (m *Manager) Unsynced() int {
	m.unsyncedMu.Lock()
	defer m.unsyncedMu.Unlock()

	return len(m.unsynced)
}

// Monitor evaluates every open position against the provided prices, falling back to the
// venue for instruments without one. Trailing stops are updated before exits are checked
// and positions meeting an exit condition are closed on the venue.
func (m *Manager) Monitor(ctx context.Context, prices map[string]float64) *MonitorResult {
	m.monitorMtx.Lock()
	defer m.monitorMtx.Unlock()

	res := &MonitorResult{}
	res.Errors = append(res.Errors, m.syncUnsynced(ctx)...)

	for _, tracked := range m.book.Positions() {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err())
			break
		}

		// Updates happen on a copy so concurrent readers of the book never observe them.
		pos := tracked.Clone()
		price, ok := prices[pos.Instrument]
		if !ok || price <= 0 {
			err := m.call(ctx, func(ctx context.Context) error {
				var err error
				price, err = m.cfg.Venue.FetchPrice(ctx, pos.Instrument)
				return err
			})
			if err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("fetching %s price: %w", pos.Instrument, err))
				continue
			}
		}

		res.Checked++
		wasTrailing := pos.IsTrailing
		changed := pos.UpdateTrailing(price)
		if changed && !wasTrailing {
			res.Activated++
			m.cfg.Logger.Info().Msgf("trailing activated for %s (%s) at %f, stop %f",
				pos.ID, pos.Instrument, price, pos.TrailingStop)
		}

		reason, exitPrice := pos.CheckExit(price, m.cfg.Now())
		if reason == shared.NotClosed {
			m.book.Replace(pos)
			if changed {
				err := m.call(ctx, func(ctx context.Context) error {
					return m.cfg.Store.UpdatePosition(ctx, pos.Clone())
				})
				if err != nil {
					res.Errors = append(res.Errors, fmt.Errorf("persisting trailing state of %s: %w", pos.ID, err))
				}
			}
			continue
		}

		closed, err := m.close(ctx, pos, reason, exitPrice)
		if err != nil {
			res.Errors = append(res.Errors, err)
		}
		if closed == nil {
			// The close order failed, keep the updated trailing state for the next pass.
			m.book.Replace(pos)
		}
		if closed != nil {
			res.Closed = append(res.Closed, closed)
		}
	}

	return res
}

// close closes the provided position on the venue and persists it. A position whose close
// order fails stays open for the next pass. A position whose persistence fails is retried on
// the next pass.
func (m *Manager) close(ctx context.Context, pos *Position, reason shared.CloseReason, price float64) (*Position, error) {
	order := shared.OrderRequest{
		ClientID:   pos.ID + "/close",
		Instrument: pos.Instrument,
		Direction:  pos.Direction.Opposite(),
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	}

	var fills []shared.OrderResult
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		fills, err = m.cfg.Venue.PlaceOrders(ctx, []shared.OrderRequest{order})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("placing close order for %s: %w", pos.ID, err)
	}
	if len(fills) == 0 || !fills[0].Filled {
		detail := "no fill"
		if len(fills) > 0 && fills[0].Rejection != "" {
			detail = fills[0].Rejection
		}
		return nil, fmt.Errorf("close order for %s rejected: %s", pos.ID, detail)
	}

	if err := pos.Close(reason, price, m.cfg.Now()); err != nil {
		return nil, err
	}
	m.book.Remove(pos.ID, false)

	closed := pos.Clone()
	err = m.call(ctx, func(ctx context.Context) error {
		return m.cfg.Store.UpdatePosition(ctx, closed)
	})
	if err != nil {
		m.unsyncedMu.Lock()
		m.unsynced = append(m.unsynced, closed)
		m.unsyncedMu.Unlock()
		return closed, fmt.Errorf("persisting closed position %s: %w", pos.ID, err)
	}

	m.closed(ctx, closed)
	return closed, nil
}

// closed records the outcome of a persisted closed position.
func (m *Manager) closed(ctx context.Context, pos *Position) {
	m.momentum.Record(pos.PNLPercent)

	event := shared.NewEvent(shared.PositionCloseEvent,
		fmt.Sprintf("closed %s position %s for %s @ %f (%s, pnl %.2f%%)",
			pos.Direction.String(), pos.ID, pos.Instrument, pos.ExitPrice,
			pos.CloseReason.String(), pos.PNLPercent))
	event.StrategyID = pos.StrategyID
	event.Instrument = pos.Instrument
	event.Fields = map[string]any{
		"positionId": pos.ID,
		"reason":     pos.CloseReason.String(),
		"pnlPercent": pos.PNLPercent,
	}
	m.cfg.Notify(event)

	if m.cfg.OnClose != nil {
		m.cfg.OnClose(ctx, pos)
	}
}
