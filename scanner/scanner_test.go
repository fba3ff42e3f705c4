package scanner

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/sentinel/fetch"
	"github.com/dnldd/sentinel/indicator"
	"github.com/dnldd/sentinel/position"
	"github.com/dnldd/sentinel/regime"
	"github.com/dnldd/sentinel/risk"
	"github.com/dnldd/sentinel/shared"
	"github.com/dnldd/sentinel/strategy"
	"github.com/dnldd/sentinel/venue"
	"github.com/google/go-cmp/cmp"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

var seriesStart = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

type mockLeader struct {
	leader bool
}

func (l *mockLeader) IsLeader() bool {
	return l.leader
}

type mockFetcher struct {
	series map[string][]shared.Candlestick
	errs   map[string]error
	calls  int
	mtx    sync.Mutex
}

func (f *mockFetcher) FetchCandles(ctx context.Context, instrument string, timeframe shared.Timeframe, count int) ([]shared.Candlestick, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.calls++
	key := strategy.GroupKey(instrument, timeframe)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}

	candles, ok := f.series[key]
	if !ok {
		return nil, errors.New("no series")
	}
	if count > 0 && len(candles) > count {
		candles = candles[len(candles)-count:]
	}

	return candles, nil
}

func (f *mockFetcher) FetchAll(ctx context.Context, reqs []fetch.Request) []fetch.Result {
	results := make([]fetch.Result, len(reqs))
	for idx := range reqs {
		results[idx].Request = reqs[idx]
		results[idx].Candles, results[idx].Err = f.FetchCandles(ctx, reqs[idx].Instrument,
			reqs[idx].Timeframe, reqs[idx].Count)
	}

	return results
}

type mockVenue struct {
	balance     float64
	instruments map[string]*shared.InstrumentInfo
}

func (v *mockVenue) FetchBalance(ctx context.Context) (float64, error) {
	return v.balance, nil
}

func (v *mockVenue) FetchPrice(ctx context.Context, instrument string) (float64, error) {
	return 0, errors.New("no price")
}

func (v *mockVenue) FetchInstrument(ctx context.Context, instrument string) (*shared.InstrumentInfo, error) {
	info, ok := v.instruments[instrument]
	if !ok {
		return nil, errors.Join(errors.New("unknown instrument"), shared.ErrPermanent)
	}

	return info, nil
}

func (v *mockVenue) PlaceOrders(ctx context.Context, orders []shared.OrderRequest) ([]shared.OrderResult, error) {
	return nil, errors.New("not supported")
}

type mockLifecycle struct {
	counts    map[string]int
	taken     map[string]bool
	momentum  float64
	open      []*position.Position
	rejects   map[string]error
	batches   [][]*shared.TradeRequest
	monitored []map[string]float64
	mtx       sync.Mutex
}

func (l *mockLifecycle) Positions() []*position.Position {
	return l.open
}

func (l *mockLifecycle) OpenCounts() map[string]int {
	counts := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		counts[k] = v
	}
	return counts
}

func (l *mockLifecycle) HasOpportunity(key string) bool {
	return l.taken[key]
}

func (l *mockLifecycle) Momentum() float64 {
	return l.momentum
}

func (l *mockLifecycle) Monitor(ctx context.Context, prices map[string]float64) *position.MonitorResult {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.monitored = append(l.monitored, prices)
	return &position.MonitorResult{Checked: len(l.open)}
}

func (l *mockLifecycle) OpenBatch(ctx context.Context, reqs []*shared.TradeRequest) (*position.BatchResult, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.batches = append(l.batches, reqs)
	res := &position.BatchResult{}
	for _, req := range reqs {
		if err, ok := l.rejects[req.StrategyID]; ok {
			res.Rejected = append(res.Rejected, position.Rejection{Request: req, Reason: err.Error(), Err: err})
			continue
		}
		res.Opened = append(res.Opened, &position.Position{
			ID:             "pos-" + req.OpportunityKey,
			StrategyID:     req.StrategyID,
			Instrument:     req.Instrument,
			OpportunityKey: req.OpportunityKey,
		})
	}

	return res, nil
}

type mockObserver struct {
	cycles []string
	blocks []string
	opened int
	mtx    sync.Mutex
}

func (o *mockObserver) ObserveCycle(result string, dur time.Duration, evaluated int, skipped int) {
	o.cycles = append(o.cycles, result)
}

func (o *mockObserver) ObserveSignal(strategyID string) {}

func (o *mockObserver) ObserveBlock(reason string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.blocks = append(o.blocks, reason)
}

func (o *mockObserver) ObservePositionOpened(strategyID string) {
	o.opened++
}

func (o *mockObserver) SetRegime(state string, confidence float64) {}

func (o *mockObserver) SetMomentum(score float64) {}

func (o *mockObserver) SetOpenPositions(n int) {}

// setupSeries creates n hourly candles steadily rising by one per candle.
func setupSeries(instrument string, n int) []shared.Candlestick {
	candles := make([]shared.Candlestick, n)
	for idx := range candles {
		open := 100 + float64(idx)
		candles[idx] = shared.Candlestick{
			Open:      open,
			High:      open + 1.5,
			Low:       open - 1,
			Close:     open + 0.5,
			Volume:    1000,
			Market:    instrument,
			Timeframe: shared.OneHour,
			Date:      seriesStart.Add(time.Hour * time.Duration(idx)),
		}
	}

	return candles
}

// setupTrendStrategy creates a strategy entering when price is above its 20 period ema.
func setupTrendStrategy(id string, instrument string, direction shared.Direction) *strategy.Strategy {
	return &strategy.Strategy{
		ID:         id,
		Instrument: instrument,
		Timeframe:  shared.OneHour,
		Direction:  direction,
		Conditions: []strategy.Condition{
			{Indicator: indicator.EMA, Period: 20, Value: "price_above"},
		},
		Risk: strategy.Risk{
			StopLossATR:   2.5,
			TakeProfitATR: 3,
			TimeExit:      time.Hour * 24,
			ATRPeriod:     14,
		},
		MaxPositions: 1,
	}
}

func setupInstrument(instrument string) *shared.InstrumentInfo {
	return &shared.InstrumentInfo{
		Instrument:  instrument,
		Tradeable:   true,
		StepSize:    0.001,
		MinQuantity: 0.001,
		MinNotional: 5,
		Precision:   3,
	}
}

type harness struct {
	scanner   *Scanner
	leader    *mockLeader
	fetcher   *mockFetcher
	venue     *mockVenue
	lifecycle *mockLifecycle
	observer  *mockObserver
	events    []shared.Event
	eventsMtx sync.Mutex
}

func (h *harness) categories() map[shared.EventCategory]int {
	h.eventsMtx.Lock()
	defer h.eventsMtx.Unlock()

	out := make(map[shared.EventCategory]int)
	for _, event := range h.events {
		out[event.Category]++
	}
	return out
}

func setupScanner(t *testing.T, cfg *Config, detector *regime.Detector, strategies ...*strategy.Strategy) *harness {
	t.Helper()

	portfolio, err := strategy.NewPortfolio(strategies, nil)
	assert.NoError(t, err)

	validator, err := risk.NewValidator(&risk.ValidatorConfig{
		DefaultNotional:   100,
		RiskPercent:       1,
		MinTradeValue:     10,
		MaxBalancePercent: 100,
	})
	assert.NoError(t, err)

	if cfg == nil {
		cfg = &Config{
			Interval:              time.Minute,
			CandleCount:           60,
			ConvictionThreshold:   50,
			CorrelationPenalty:    0.1,
			MaxCorrelationPenalty: 0.5,
			CallTimeout:           time.Second,
		}
	}

	h := &harness{
		leader:    &mockLeader{leader: true},
		fetcher:   &mockFetcher{series: make(map[string][]shared.Candlestick), errs: make(map[string]error)},
		venue:     &mockVenue{balance: 10000, instruments: make(map[string]*shared.InstrumentInfo)},
		lifecycle: &mockLifecycle{counts: make(map[string]int), taken: make(map[string]bool), momentum: 50},
		observer:  &mockObserver{},
	}

	h.scanner, err = NewScanner(&ScannerConfig{
		Config:    cfg,
		Leader:    h.leader,
		Portfolio: portfolio,
		Fetcher:   h.fetcher,
		Positions: h.lifecycle,
		Venue:     h.venue,
		Detector:  detector,
		Validator: validator,
		Notify: func(event shared.Event) {
			h.eventsMtx.Lock()
			h.events = append(h.events, event)
			h.eventsMtx.Unlock()
		},
		Observer: h.observer,
		Now:      func() time.Time { return seriesStart.Add(time.Hour * 60) },
		Logger:   log.Logger,
	})
	assert.NoError(t, err)

	return h
}

func approx(t *testing.T, want float64, got float64) {
	t.Helper()
	if math.Abs(want-got) > 1e-6 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Interval:              time.Minute,
			CandleCount:           250,
			MinRegimeConfidence:   30,
			ConvictionThreshold:   50,
			CorrelationPenalty:    0.1,
			MaxCorrelationPenalty: 0.5,
		}
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(cfg *Config) {}},
		{name: "no interval", mutate: func(cfg *Config) { cfg.Interval = 0 }, wantErr: true},
		{name: "short history", mutate: func(cfg *Config) { cfg.CandleCount = 49 }, wantErr: true},
		{name: "regime confidence", mutate: func(cfg *Config) { cfg.MinRegimeConfidence = 101 }, wantErr: true},
		{name: "threshold", mutate: func(cfg *Config) { cfg.ConvictionThreshold = -1 }, wantErr: true},
		{name: "penalty", mutate: func(cfg *Config) { cfg.MaxCorrelationPenalty = 2 }, wantErr: true},
		{name: "instrument slots", mutate: func(cfg *Config) { cfg.InstrumentSlots = -1 }, wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := valid()
			test.mutate(cfg)
			err := cfg.Validate()
			if test.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	// Ensure missing collaborators are reported.
	err := (&ScannerConfig{Config: valid()}).Validate()
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no candle fetcher provided"))
}

func TestRunCycleNotLeader(t *testing.T) {
	h := setupScanner(t, nil, nil, setupTrendStrategy("trend", "BTCUSD", shared.Long))
	h.fetcher.series["BTCUSD/1h"] = setupSeries("BTCUSD", 60)
	h.leader.leader = false

	// Ensure a non leader skips the cycle without touching positions or market data.
	stats := h.scanner.RunCycle(context.Background())
	assert.Equal(t, resultSkipped, stats.Result)
	assert.Equal(t, shared.ReasonNotLeader, stats.SkipReason)
	assert.Equal(t, 0, h.fetcher.calls)
	assert.Equal(t, 0, len(h.lifecycle.monitored))
	assert.Equal(t, 0, len(h.lifecycle.batches))
	assert.Equal(t, []string{resultSkipped}, h.observer.cycles)

	last := h.scanner.LastStats()
	assert.NotNil(t, last)
	assert.Equal(t, shared.ReasonNotLeader, last.SkipReason)
}

func TestRunCycleOpensPosition(t *testing.T) {
	h := setupScanner(t, nil, nil, setupTrendStrategy("trend", "BTCUSD", shared.Long))
	candles := setupSeries("BTCUSD", 60)
	h.fetcher.series["BTCUSD/1h"] = candles
	h.venue.instruments["BTCUSD"] = setupInstrument("BTCUSD")

	stats := h.scanner.RunCycle(context.Background())
	assert.Equal(t, resultCompleted, stats.Result)
	assert.Equal(t, 1, stats.Groups)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Evaluated)
	assert.Equal(t, 1, stats.Matched)
	assert.Equal(t, 1, stats.SignalsFound)
	assert.Equal(t, 1, stats.TradesRequested)
	assert.Equal(t, 1, stats.TradesExecuted)
	assert.Equal(t, 0, stats.Blocked)
	assert.Equal(t, 0, stats.Skipped)
	assert.True(t, stats.AverageStrength > 50)
	approx(t, 50, stats.Threshold)

	// Ensure open positions were monitored with the freshly fetched close.
	assert.Equal(t, 1, len(h.lifecycle.monitored))
	if diff := cmp.Diff(map[string]float64{"BTCUSD": 159.5}, h.lifecycle.monitored[0]); diff != "" {
		t.Errorf("unexpected monitor prices (-want +got):\n%s", diff)
	}

	// Ensure the trade request is bracketed by the atr multipliers and keyed by the last candle.
	assert.Equal(t, 1, len(h.lifecycle.batches))
	req := h.lifecycle.batches[0][0]
	assert.Equal(t, "trend", req.StrategyID)
	assert.Equal(t, shared.OpportunityKey("trend", candles[59].Date), req.OpportunityKey)
	assert.Equal(t, shared.Long, req.Direction)
	approx(t, 159.5, req.Price)
	approx(t, 0.626, req.Quantity)
	approx(t, 159.5-2.5*2.5, req.StopLoss)
	approx(t, 159.5+2.5*3, req.TakeProfit)
	assert.Equal(t, time.Hour*24, req.TimeExit)
	assert.True(t, req.Conviction.Score >= stats.Threshold)
	assert.Equal(t, 1, h.observer.opened)

	cats := h.categories()
	assert.Equal(t, 1, cats[shared.SignalEvent])
	assert.Equal(t, 1, cats[shared.CycleEvent])
}

func TestRunCycleSkipsGroups(t *testing.T) {
	h := setupScanner(t, nil, nil,
		setupTrendStrategy("failed", "ETHUSD", shared.Long),
		setupTrendStrategy("short-history", "SOLUSD", shared.Long),
		setupTrendStrategy("taken", "BTCUSD", shared.Long),
	)
	h.fetcher.errs["ETHUSD/1h"] = errors.New("upstream unavailable")
	h.fetcher.series["SOLUSD/1h"] = setupSeries("SOLUSD", 30)
	candles := setupSeries("BTCUSD", 60)
	h.fetcher.series["BTCUSD/1h"] = candles
	h.venue.instruments["BTCUSD"] = setupInstrument("BTCUSD")
	h.lifecycle.taken[shared.OpportunityKey("taken", candles[59].Date)] = true

	// Ensure failed and short groups are skipped without aborting the cycle.
	stats := h.scanner.RunCycle(context.Background())
	assert.Equal(t, resultCompleted, stats.Result)
	assert.Equal(t, 3, stats.Groups)
	assert.Equal(t, 2, stats.GroupsSkipped)
	assert.Equal(t, 3, stats.Skipped)
	assert.Equal(t, 0, stats.Evaluated)
	want := map[string]int{
		shared.ReasonFetchFailed:         1,
		shared.ReasonInsufficientCandles: 1,
		shared.ReasonOpportunityTaken:    1,
	}
	if diff := cmp.Diff(want, stats.SkipReasons); diff != "" {
		t.Errorf("unexpected skip reasons (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, len(h.lifecycle.batches))
}

func TestRunCycleFilters(t *testing.T) {
	capped := setupTrendStrategy("capped", "BTCUSD", shared.Long)
	halted := setupTrendStrategy("halted", "XAUUSD", shared.Long)
	unmatched := setupTrendStrategy("unmatched", "ETHUSD", shared.Long)
	unmatched.Conditions = []strategy.Condition{{Indicator: indicator.EMA, Period: 20, Value: "price_below"}}

	h := setupScanner(t, nil, nil, capped, halted, unmatched)
	for _, inst := range []string{"BTCUSD", "XAUUSD", "ETHUSD"} {
		h.fetcher.series[inst+"/1h"] = setupSeries(inst, 60)
		h.venue.instruments[inst] = setupInstrument(inst)
	}
	h.venue.instruments["XAUUSD"].Tradeable = false
	h.lifecycle.counts["capped"] = 1

	stats := h.scanner.RunCycle(context.Background())
	assert.Equal(t, 1, stats.Evaluated)
	assert.Equal(t, 1, stats.Unmatched)
	assert.Equal(t, 2, stats.Blocked)
	want := map[string]int{
		shared.ReasonPositionCap:  1,
		shared.ReasonNotTradeable: 1,
	}
	if diff := cmp.Diff(want, stats.BlockReasons); diff != "" {
		t.Errorf("unexpected block reasons (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, len(h.lifecycle.batches))
	assert.Equal(t, 2, len(h.observer.blocks))
}

func TestRunCycleLowConviction(t *testing.T) {
	cfg := &Config{
		Interval:            time.Minute,
		CandleCount:         60,
		ConvictionThreshold: 95,
		CallTimeout:         time.Second,
	}
	h := setupScanner(t, cfg, nil, setupTrendStrategy("trend", "BTCUSD", shared.Long))
	h.fetcher.series["BTCUSD/1h"] = setupSeries("BTCUSD", 60)
	h.venue.instruments["BTCUSD"] = setupInstrument("BTCUSD")

	// Ensure a score below the dynamic threshold is blocked with the audited values.
	stats := h.scanner.RunCycle(context.Background())
	assert.Equal(t, 1, stats.BlockReasons[shared.ReasonLowConviction])
	assert.Equal(t, 0, len(h.lifecycle.batches))

	var found bool
	for _, event := range h.events {
		if event.Category == shared.BlockEvent && strings.Contains(event.Message, "threshold 95.0") {
			found = true
		}
	}
	assert.True(t, found)

	// Ensure positive momentum lowers the threshold enough to accept the same score.
	h.lifecycle.momentum = 100
	stats = h.scanner.RunCycle(context.Background())
	approx(t, 70, stats.Threshold)
	assert.Equal(t, 0, stats.BlockReasons[shared.ReasonLowConviction])
	assert.Equal(t, 1, stats.TradesExecuted)
}

func TestRunCycleRanksPerInstrument(t *testing.T) {
	tests := []struct {
		name     string
		balance  float64
		slots    int
		open     []*position.Position
		beta     shared.Direction
		want     []string
		rankedOf int
		slotted  int
	}{
		{
			name:    "no constraint keeps every candidate",
			balance: 10000,
			beta:    shared.Long,
			want:    []string{"alpha", "beta"},
		},
		{
			name:     "insufficient capital ranks",
			balance:  150,
			beta:     shared.Long,
			want:     []string{"alpha"},
			rankedOf: 1,
		},
		{
			name:     "instrument slots rank",
			balance:  10000,
			slots:    1,
			beta:     shared.Long,
			want:     []string{"alpha"},
			rankedOf: 1,
		},
		{
			name:     "opposite directions rank",
			balance:  10000,
			beta:     shared.Short,
			want:     []string{"alpha"},
			rankedOf: 1,
		},
		{
			name:    "full instrument slots block",
			balance: 10000,
			slots:   1,
			open:    []*position.Position{{ID: "held", StrategyID: "other", Instrument: "BTCUSD"}},
			beta:    shared.Long,
			slotted: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alpha := setupTrendStrategy("alpha", "BTCUSD", shared.Long)
			alpha.Backtest = strategy.Performance{Trades: 20, Wins: 15, GrossProfit: 30, GrossLoss: 10}
			beta := setupTrendStrategy("beta", "BTCUSD", tt.beta)

			cfg := &Config{
				Interval:            time.Minute,
				CandleCount:         60,
				ConvictionThreshold: 0,
				CallTimeout:         time.Second,
				InstrumentSlots:     tt.slots,
			}
			h := setupScanner(t, cfg, nil, alpha, beta)
			h.fetcher.series["BTCUSD/1h"] = setupSeries("BTCUSD", 60)
			h.venue.instruments["BTCUSD"] = setupInstrument("BTCUSD")
			h.venue.balance = tt.balance
			h.lifecycle.open = tt.open

			stats := h.scanner.RunCycle(context.Background())
			assert.Equal(t, 1, stats.Groups)
			assert.Equal(t, 2, stats.Matched)
			assert.Equal(t, tt.rankedOf, stats.BlockReasons[shared.ReasonRankedOut])
			assert.Equal(t, tt.slotted, stats.BlockReasons[shared.ReasonInstrumentSlots])

			var got []string
			for _, batch := range h.lifecycle.batches {
				for _, req := range batch {
					got = append(got, req.StrategyID)
				}
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("unexpected traded strategies (-want +got):\n%s", diff)
			}
		})
	}
}

// countingProvider counts indicator computations per instrument.
type countingProvider struct {
	provider *indicator.Provider
	counts   map[string]int
	mtx      sync.Mutex
}

func (p *countingProvider) Compute(candles []shared.Candlestick, enabled map[string]indicator.Spec) indicator.Set {
	p.mtx.Lock()
	p.counts[candles[0].Market]++
	p.mtx.Unlock()

	return p.provider.Compute(candles, enabled)
}

func TestRunCycleComputesOncePerGroup(t *testing.T) {
	rsi := setupTrendStrategy("rsi", "BTCUSD", shared.Long)
	rsi.Conditions = []strategy.Condition{{Indicator: indicator.RSI, Period: 14, Value: "above", Threshold: 50}}
	capped := setupTrendStrategy("capped", "XAUUSD", shared.Long)

	h := setupScanner(t, nil, nil,
		setupTrendStrategy("trend", "BTCUSD", shared.Long),
		rsi,
		setupTrendStrategy("eth", "ETHUSD", shared.Long),
		capped,
	)
	for _, inst := range []string{"BTCUSD", "ETHUSD", "XAUUSD"} {
		h.fetcher.series[inst+"/1h"] = setupSeries(inst, 60)
		h.venue.instruments[inst] = setupInstrument(inst)
	}
	h.lifecycle.counts["capped"] = 1
	counter := &countingProvider{provider: indicator.NewProvider(), counts: make(map[string]int)}
	h.scanner.provider = counter

	// Ensure indicators are computed once per evaluated group, shared by its strategies, and
	// not at all for groups without eligible strategies.
	stats := h.scanner.RunCycle(context.Background())
	assert.Equal(t, 3, stats.Groups)
	assert.Equal(t, 3, stats.Evaluated)
	if diff := cmp.Diff(map[string]int{"BTCUSD": 1, "ETHUSD": 1}, counter.counts); diff != "" {
		t.Errorf("unexpected computations (-want +got):\n%s", diff)
	}

	h.scanner.RunCycle(context.Background())
	if diff := cmp.Diff(map[string]int{"BTCUSD": 2, "ETHUSD": 2}, counter.counts); diff != "" {
		t.Errorf("unexpected computations (-want +got):\n%s", diff)
	}
}

// Ensure scan cycles drive the position manager, with its concurrent monitoring, safely.
func TestRunCycleWithPositionManager(t *testing.T) {
	ctx := context.Background()
	now := seriesStart.Add(time.Hour * 60)

	trailing := func(strat *strategy.Strategy) *strategy.Strategy {
		strat.Risk.Trailing = true
		strat.Risk.TrailActivatePct = 1
		strat.Risk.TrailOffsetPct = 0.5
		return strat
	}
	h := setupScanner(t, nil, nil,
		trailing(setupTrendStrategy("trend", "BTCUSD", shared.Long)),
		trailing(setupTrendStrategy("eth", "ETHUSD", shared.Long)),
	)

	var pricesMtx sync.Mutex
	prices := make(map[string]float64)
	setSeries := func(n int) {
		pricesMtx.Lock()
		defer pricesMtx.Unlock()
		for _, inst := range []string{"BTCUSD", "ETHUSD"} {
			candles := setupSeries(inst, n)
			h.fetcher.mtx.Lock()
			h.fetcher.series[inst+"/1h"] = candles
			h.fetcher.mtx.Unlock()
			prices[inst] = candles[len(candles)-1].Close
		}
	}
	setSeries(60)

	rules := venue.InstrumentConfig{StepSize: 0.001, MinQuantity: 0.001, MinNotional: 5, Precision: 3}
	paper, err := venue.NewPaper(&venue.PaperConfig{
		Balance:     10000,
		Instruments: map[string]venue.InstrumentConfig{"BTCUSD": rules, "ETHUSD": rules},
		Prices: func(instrument string) (float64, bool) {
			pricesMtx.Lock()
			defer pricesMtx.Unlock()
			price, ok := prices[instrument]
			return price, ok
		},
		Logger: log.Logger,
	})
	assert.NoError(t, err)

	store := position.NewMemoryStore()
	mgr, err := position.NewPositionManager(&position.ManagerConfig{
		Venue:         paper,
		Store:         store,
		Notify:        func(event shared.Event) {},
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
		Now:           func() time.Time { return now },
		Logger:        log.Logger,
	})
	assert.NoError(t, err)
	h.scanner.cfg.Positions = mgr
	h.scanner.cfg.Venue = paper

	// Read open positions throughout the cycles the way the status api does.
	done := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, pos := range mgr.Positions() {
				_ = pos.IsTrailing && pos.TrailingStop > 0
			}
			_ = mgr.OpenCounts()
		}
	}()

	// Ensure the first cycle opens a position per instrument.
	stats := h.scanner.RunCycle(ctx)
	assert.Equal(t, resultCompleted, stats.Result)
	assert.Equal(t, 2, stats.TradesExecuted)
	assert.Equal(t, 2, len(mgr.Positions()))

	// Ensure later cycles monitor the open positions with the fetched closes, activating their
	// trailing stops, while the capped strategies are blocked from reopening.
	setSeries(70)
	stats = h.scanner.RunCycle(ctx)
	assert.Equal(t, 2, stats.Monitored)
	assert.Equal(t, 2, stats.TrailsActivated)
	assert.Equal(t, 0, stats.TradesExecuted)
	assert.Equal(t, 2, stats.BlockReasons[shared.ReasonPositionCap])

	for range 3 {
		h.scanner.RunCycle(ctx)
	}
	close(done)
	<-readerDone

	for _, pos := range mgr.Positions() {
		assert.True(t, pos.IsTrailing)
		assert.Equal(t, position.Trailing, pos.Status)
		approx(t, 169.5, pos.Extreme)
	}

	open, err := store.FetchOpenPositions(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(open))
	for _, pos := range open {
		assert.True(t, pos.IsTrailing)
	}
}

func TestRunCycleBatchRejections(t *testing.T) {
	h := setupScanner(t, nil, nil, setupTrendStrategy("trend", "BTCUSD", shared.Long))
	h.fetcher.series["BTCUSD/1h"] = setupSeries("BTCUSD", 60)
	h.venue.instruments["BTCUSD"] = setupInstrument("BTCUSD")
	h.lifecycle.rejects = map[string]error{"trend": position.ErrPositionCap}

	// Ensure rejections by the lifecycle manager are recorded as post evaluation blocks.
	stats := h.scanner.RunCycle(context.Background())
	assert.Equal(t, 0, stats.TradesExecuted)
	assert.Equal(t, 1, stats.BlockReasons[postReason(shared.ReasonPositionCap)])
}

func TestRunCycleRegimeGate(t *testing.T) {
	detector, err := regime.NewDetector(&regime.DetectorConfig{
		Instrument:    "SPX",
		Timeframe:     shared.OneHour,
		FastPeriod:    5,
		SlowPeriod:    20,
		SlopeLookback: 3,
		ATRPeriod:     14,
	})
	assert.NoError(t, err)

	cfg := &Config{
		Interval:            time.Minute,
		CandleCount:         60,
		MinRegimeConfidence: 99,
		ConvictionThreshold: 50,
		CallTimeout:         time.Second,
	}
	h := setupScanner(t, cfg, detector, setupTrendStrategy("short", "BTCUSD", shared.Short))
	h.fetcher.series["SPX/1h"] = setupSeries("SPX", 60)
	h.fetcher.series["BTCUSD/1h"] = setupSeries("BTCUSD", 60)
	h.venue.instruments["BTCUSD"] = setupInstrument("BTCUSD")

	// Ensure a low confidence regime skips evaluation but still monitors open positions.
	stats := h.scanner.RunCycle(context.Background())
	assert.Equal(t, resultSkipped, stats.Result)
	assert.True(t, strings.HasPrefix(stats.SkipReason, shared.ReasonRegimeLowConfidence))
	assert.Equal(t, 0, stats.Evaluated)
	assert.Equal(t, 1, len(h.lifecycle.monitored))
	assert.Equal(t, 0, len(h.lifecycle.monitored[0]))

	// Ensure strategies opposing a confident bullish regime are blocked.
	cfg.MinRegimeConfidence = 0
	stats = h.scanner.RunCycle(context.Background())
	assert.Equal(t, resultCompleted, stats.Result)
	assert.True(t, strings.HasPrefix(stats.Regime, "bullish"))
	assert.Equal(t, 1, stats.BlockReasons[shared.ReasonRegimeMismatch])
}

func TestRunCycleCancelled(t *testing.T) {
	h := setupScanner(t, nil, nil, setupTrendStrategy("trend", "BTCUSD", shared.Long))
	h.fetcher.series["BTCUSD/1h"] = setupSeries("BTCUSD", 60)
	h.venue.instruments["BTCUSD"] = setupInstrument("BTCUSD")

	// Ensure a cancelled cycle discards its evaluated groups.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats := h.scanner.RunCycle(ctx)
	assert.Equal(t, resultCancelled, stats.Result)
	assert.Equal(t, shared.ReasonCancelled, stats.SkipReason)
	assert.Equal(t, 0, len(h.lifecycle.batches))
}

func TestCycleStatsClone(t *testing.T) {
	stats := newCycleStats(seriesStart)
	stats.skip(shared.ReasonFetchFailed)
	stats.block(shared.ReasonPositionCap)
	stats.fail(errors.New("boom"))

	// Ensure clones do not share reason maps.
	c := stats.Clone()
	c.skip(shared.ReasonFetchFailed)
	assert.Equal(t, 1, stats.SkipReasons[shared.ReasonFetchFailed])
	assert.Equal(t, 2, c.SkipReasons[shared.ReasonFetchFailed])
	assert.Equal(t, 1, c.Blocked)
	assert.Equal(t, []string{"boom"}, c.Errors)
	assert.True(t, strings.Contains(stats.String(), "1 skipped, 1 blocked"))
}
