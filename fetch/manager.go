package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/sentinel/shared"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultMaxConcurrency is the default number of concurrent candle fetches.
	defaultMaxConcurrency = 8
)

// ManagerConfig represents the configuration for the fetch manager.
type ManagerConfig struct {
	// Source represents the market data source.
	Source shared.MarketFetcher
	// CallTimeout bounds each fetch attempt.
	CallTimeout time.Duration
	// RetryAttempts is the number of attempts per fetch.
	RetryAttempts int
	// RetryBackoff is the initial backoff between attempts.
	RetryBackoff time.Duration
	// MaxConcurrency bounds the number of concurrent fetches.
	MaxConcurrency int
	// Logger represents the application logger.
	Logger zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ManagerConfig) Validate() error {
	var errs error
	if cfg.Source == nil {
		errs = errors.Join(errs, fmt.Errorf("market data source cannot be nil"))
	}
	if cfg.CallTimeout < 0 {
		errs = errors.Join(errs, fmt.Errorf("call timeout cannot be negative"))
	}
	if cfg.RetryAttempts < 0 {
		errs = errors.Join(errs, fmt.Errorf("retry attempts cannot be negative"))
	}
	if cfg.MaxConcurrency < 0 {
		errs = errors.Join(errs, fmt.Errorf("max concurrency cannot be negative"))
	}
	return errs
}

// Request represents a candle fetch for an instrument and timeframe.
type Request struct {
	Instrument string
	Timeframe  shared.Timeframe
	Count      int
}

// Key returns the grouping key of the request.
func (r *Request) Key() string {
	return r.Instrument + "/" + r.Timeframe.String()
}

// Result represents the outcome of a candle fetch.
type Result struct {
	Request
	Candles []shared.Candlestick
	Err     error
}

// lastPrice is the most recent close observed for an instrument.
type lastPrice struct {
	price float64
	date  time.Time
}

// Manager fronts a market data source with timeouts, retries and bounded fan out.
type Manager struct {
	cfg        *ManagerConfig
	prices     map[string]lastPrice
	pricesMtx  sync.RWMutex
	attempts   int
	maxWorkers int
}

// Ensure the fetch manager implements the MarketFetcher interface.
var _ shared.MarketFetcher = (*Manager)(nil)

// NewManager initializes the fetch manager.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating fetch manager config: %w", err)
	}

	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = shared.DefaultRetryAttempts
	}

	workers := cfg.MaxConcurrency
	if workers == 0 {
		workers = defaultMaxConcurrency
	}

	return &Manager{
		cfg:        cfg,
		prices:     make(map[string]lastPrice),
		attempts:   attempts,
		maxWorkers: workers,
	}, nil
}

// recordPrice tracks the latest close of the provided candles.
func (m *Manager) recordPrice(instrument string, candles []shared.Candlestick) {
	if len(candles) == 0 {
		return
	}

	last := candles[len(candles)-1]

	m.pricesMtx.Lock()
	defer m.pricesMtx.Unlock()

	cur, ok := m.prices[instrument]
	if ok && cur.date.After(last.Date) {
		return
	}

	m.prices[instrument] = lastPrice{price: last.Close, date: last.Date}
}

// FetchCandles fetches candles from the source, retrying transient failures.
func (m *Manager) FetchCandles(ctx context.Context, instrument string, timeframe shared.Timeframe, count int) ([]shared.Candlestick, error) {
	var candles []shared.Candlestick
	err := shared.Retry(ctx, m.attempts, m.cfg.RetryBackoff, func(ctx context.Context) error {
		return shared.WithTimeout(ctx, m.cfg.CallTimeout, func(ctx context.Context) error {
			var err error
			candles, err = m.cfg.Source.FetchCandles(ctx, instrument, timeframe, count)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s candles for %s: %w", timeframe.String(), instrument, err)
	}

	m.recordPrice(instrument, candles)

	return candles, nil
}

// FetchAll fetches the provided requests concurrently. A failed request is reported in its
// result and never aborts the others. Results follow the order of the requests.
func (m *Manager) FetchAll(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))

	var g errgroup.Group
	g.SetLimit(m.maxWorkers)

	for idx := range reqs {
		results[idx].Request = reqs[idx]
		g.Go(func() error {
			req := reqs[idx]
			if err := ctx.Err(); err != nil {
				results[idx].Err = err
				return nil
			}

			candles, err := m.FetchCandles(ctx, req.Instrument, req.Timeframe, req.Count)
			if err != nil {
				m.cfg.Logger.Error().Msgf("fetching %s: %v", req.Key(), err)
				results[idx].Err = err
				return nil
			}

			results[idx].Candles = candles
			return nil
		})
	}

	_ = g.Wait()

	return results
}

// LastPrice returns the most recent close fetched for the provided instrument.
func (m *Manager) LastPrice(instrument string) (float64, bool) {
	m.pricesMtx.RLock()
	defer m.pricesMtx.RUnlock()

	p, ok := m.prices[instrument]
	return p.price, ok
}

// LastPrices returns the most recent closes fetched for all instruments.
func (m *Manager) LastPrices() map[string]float64 {
	m.pricesMtx.RLock()
	defer m.pricesMtx.RUnlock()

	out := make(map[string]float64, len(m.prices))
	for k, v := range m.prices {
		out[k] = v.price
	}

	return out
}
