package scanner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dnldd/sentinel/engine"
	"github.com/dnldd/sentinel/fetch"
	"github.com/dnldd/sentinel/indicator"
	"github.com/dnldd/sentinel/position"
	"github.com/dnldd/sentinel/regime"
	"github.com/dnldd/sentinel/risk"
	"github.com/dnldd/sentinel/shared"
	"github.com/dnldd/sentinel/strategy"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	// MinCandles is the candle history a group requires to be evaluated.
	MinCandles = 50
	// maxGroupWorkers is the maximum number of groups evaluated concurrently.
	maxGroupWorkers = 8
)

// Config represents the scan cycle settings.
type Config struct {
	// Interval is the time between scan cycles.
	Interval time.Duration `yaml:"interval" default:"1m"`
	// CandleCount is the number of candles fetched per group.
	CandleCount int `yaml:"candle_count" default:"250" validate:"gte=50"`
	// MinRegimeConfidence is the regime confidence required to run a cycle.
	MinRegimeConfidence float64 `yaml:"min_regime_confidence" default:"30" validate:"gte=0,lte=100"`
	// ConvictionThreshold is the base conviction threshold before momentum adjustment.
	ConvictionThreshold float64 `yaml:"conviction_threshold" default:"50" validate:"gte=0,lte=100"`
	// CorrelationPenalty is the strength penalty per open position in the same correlation group.
	CorrelationPenalty float64 `yaml:"correlation_penalty" default:"0.1" validate:"gte=0,lte=1"`
	// MaxCorrelationPenalty caps the combined correlation penalty.
	MaxCorrelationPenalty float64 `yaml:"max_correlation_penalty" default:"0.5" validate:"gte=0,lte=1"`
	// CallTimeout bounds every venue call made by the scanner.
	CallTimeout time.Duration `yaml:"call_timeout" default:"10s"`
	// InstrumentSlots caps the open positions per instrument across strategies, zero for no cap.
	InstrumentSlots int `yaml:"instrument_slots" validate:"gte=0"`
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.Interval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("scan interval must be positive"))
	}
	if cfg.CandleCount < MinCandles {
		errs = errors.Join(errs, fmt.Errorf("candle count must be at least %d", MinCandles))
	}
	if cfg.MinRegimeConfidence < 0 || cfg.MinRegimeConfidence > 100 {
		errs = errors.Join(errs, fmt.Errorf("min regime confidence must be within [0, 100]"))
	}
	if cfg.ConvictionThreshold < 0 || cfg.ConvictionThreshold > 100 {
		errs = errors.Join(errs, fmt.Errorf("conviction threshold must be within [0, 100]"))
	}
	if cfg.CorrelationPenalty < 0 || cfg.CorrelationPenalty > 1 ||
		cfg.MaxCorrelationPenalty < 0 || cfg.MaxCorrelationPenalty > 1 {
		errs = errors.Join(errs, fmt.Errorf("correlation penalties must be within [0, 1]"))
	}
	if cfg.InstrumentSlots < 0 {
		errs = errors.Join(errs, fmt.Errorf("instrument slots cannot be negative"))
	}

	return errs
}

// Leadership defines the requirements for checking leadership.
type Leadership interface {
	// IsLeader checks whether this session currently holds leadership.
	IsLeader() bool
}

// Strategies defines the requirements of the strategy source.
type Strategies interface {
	// Snapshot returns copies of all enabled strategies.
	Snapshot() []*strategy.Strategy
}

// Fetcher defines the requirements of the candle source.
type Fetcher interface {
	// FetchCandles fetches candles for a single instrument and timeframe.
	FetchCandles(ctx context.Context, instrument string, timeframe shared.Timeframe, count int) ([]shared.Candlestick, error)
	// FetchAll fetches the provided requests concurrently, reporting a result per request.
	FetchAll(ctx context.Context, reqs []fetch.Request) []fetch.Result
}

// Lifecycle defines the requirements of the position lifecycle manager.
type Lifecycle interface {
	// Positions returns copies of the open positions.
	Positions() []*position.Position
	// OpenCounts returns the number of open positions per strategy.
	OpenCounts() map[string]int
	// HasOpportunity checks whether the provided opportunity has already been taken.
	HasOpportunity(key string) bool
	// Momentum returns the rolling performance momentum score.
	Momentum() float64
	// Monitor evaluates every open position against the provided prices.
	Monitor(ctx context.Context, prices map[string]float64) *position.MonitorResult
	// OpenBatch opens positions for the provided trade requests as a single batch.
	OpenBatch(ctx context.Context, reqs []*shared.TradeRequest) (*position.BatchResult, error)
}

// Indicators defines the requirements for computing indicator sets.
type Indicators interface {
	// Compute computes the enabled indicators over the provided candles.
	Compute(candles []shared.Candlestick, enabled map[string]indicator.Spec) indicator.Set
}

// Observer defines the requirements for recording scan metrics.
type Observer interface {
	ObserveCycle(result string, dur time.Duration, evaluated int, skipped int)
	ObserveSignal(strategyID string)
	ObserveBlock(reason string)
	ObservePositionOpened(strategyID string)
	SetRegime(state string, confidence float64)
	SetMomentum(score float64)
	SetOpenPositions(n int)
}

// ScannerConfig represents the scanner configuration.
type ScannerConfig struct {
	// Config holds the scan cycle settings.
	Config *Config
	// Leader reports whether this session may scan.
	Leader Leadership
	// Portfolio supplies the strategies evaluated each cycle.
	Portfolio Strategies
	// Fetcher supplies candles.
	Fetcher Fetcher
	// Positions owns the open positions.
	Positions Lifecycle
	// Venue supplies balances and instrument rules.
	Venue shared.Venue
	// Detector derives the market regime, optional.
	Detector *regime.Detector
	// Validator sizes positions.
	Validator *risk.Validator
	// Indicators computes the indicator set of every group, defaults to the standard provider.
	Indicators Indicators
	// Notify relays the provided event.
	Notify func(event shared.Event)
	// Observer records scan metrics, optional.
	Observer Observer
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the application logger.
	Logger zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ScannerConfig) Validate() error {
	var errs error

	if cfg.Config == nil {
		errs = errors.Join(errs, fmt.Errorf("no scan config provided"))
	} else if err := cfg.Config.Validate(); err != nil {
		errs = errors.Join(errs, err)
	}
	if cfg.Leader == nil {
		errs = errors.Join(errs, fmt.Errorf("no leadership provided"))
	}
	if cfg.Portfolio == nil {
		errs = errors.Join(errs, fmt.Errorf("no strategy portfolio provided"))
	}
	if cfg.Fetcher == nil {
		errs = errors.Join(errs, fmt.Errorf("no candle fetcher provided"))
	}
	if cfg.Positions == nil {
		errs = errors.Join(errs, fmt.Errorf("no position manager provided"))
	}
	if cfg.Venue == nil {
		errs = errors.Join(errs, fmt.Errorf("no venue provided"))
	}
	if cfg.Validator == nil {
		errs = errors.Join(errs, fmt.Errorf("no position size validator provided"))
	}
	if cfg.Notify == nil {
		errs = errors.Join(errs, fmt.Errorf("no notify function provided"))
	}

	return errs
}

// decision represents a strategy skipped or blocked during a cycle.
type decision struct {
	strategy *strategy.Strategy
	reason   string
	detail   string
}

// candidate represents a strategy that passed evaluation, conviction and sizing.
type candidate struct {
	strategy *strategy.Strategy
	request  *shared.TradeRequest
}

// outcome represents the result of evaluating a single group.
type outcome struct {
	key         string
	skipped     bool
	skips       []decision
	blocks      []decision
	evaluated   int
	unmatched   int
	signals     int
	matched     int
	strengthSum float64
	candidates  []*candidate
	errs        []error
}

// cycle holds the state shared by the groups of a single cycle.
type cycle struct {
	regime     *shared.Regime
	momentum   float64
	balance    float64
	counts     map[string]int
	penalties  map[string]float64
	strategies map[string]*strategy.Strategy
}

// Scanner runs scan cycles over the strategy portfolio.
type Scanner struct {
	cfg       *ScannerConfig
	evaluator *engine.Evaluator
	scorer    *engine.Scorer
	provider  Indicators
	running   atomic.Bool
	cancel    context.CancelFunc
	cancelMtx sync.Mutex
	last      *CycleStats
	lastMtx   sync.RWMutex
}

// NewScanner initializes a new scanner.
func NewScanner(cfg *ScannerConfig) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating scanner config: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Indicators == nil {
		cfg.Indicators = indicator.NewProvider()
	}

	return &Scanner{
		cfg:       cfg,
		evaluator: engine.NewEvaluator(),
		scorer:    engine.NewScorer(),
		provider:  cfg.Indicators,
	}, nil
}

// LastStats returns a copy of the stats of the most recent cycle.
func (s *Scanner) LastStats() *CycleStats {
	s.lastMtx.RLock()
	defer s.lastMtx.RUnlock()

	if s.last == nil {
		return nil
	}
	return s.last.Clone()
}

// Abort cancels the running cycle, if any.
func (s *Scanner) Abort() {
	s.cancelMtx.Lock()
	defer s.cancelMtx.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// call runs the provided venue call with the configured timeout and retries.
func (s *Scanner) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return shared.Retry(ctx, shared.DefaultRetryAttempts, shared.DefaultRetryBackoff, func(ctx context.Context) error {
		return shared.WithTimeout(ctx, s.cfg.Config.CallTimeout, fn)
	})
}

// notify relays an event about the provided strategy.
func (s *Scanner) notify(category shared.EventCategory, strat *strategy.Strategy, msg string, fields map[string]any) {
	event := shared.NewEvent(category, msg)
	if strat != nil {
		event.StrategyID = strat.ID
		event.Instrument = strat.Instrument
	}
	event.Fields = fields
	s.cfg.Notify(event)
}

// skip records a skipped strategy.
func (s *Scanner) skip(stats *CycleStats, d decision) {
	stats.skip(d.reason)

	msg := fmt.Sprintf("skipped %s: %s", d.strategy.ID, d.reason)
	if d.detail != "" {
		msg = fmt.Sprintf("%s (%s)", msg, d.detail)
	}
	s.notify(shared.EvaluationEvent, d.strategy, msg, map[string]any{"reason": d.reason})
}

// block records a blocked strategy.
func (s *Scanner) block(stats *CycleStats, d decision) {
	stats.block(d.reason)
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveBlock(d.reason)
	}

	msg := fmt.Sprintf("blocked %s: %s", d.strategy.ID, d.reason)
	if d.detail != "" {
		msg = fmt.Sprintf("%s (%s)", msg, d.detail)
	}
	s.notify(shared.BlockEvent, d.strategy, msg, map[string]any{"reason": d.reason, "detail": d.detail})
}

// RunCycle runs a single scan cycle. Per group and per strategy failures are recorded in the
// returned stats and never abort the cycle.
func (s *Scanner) RunCycle(ctx context.Context) *CycleStats {
	stats := newCycleStats(s.cfg.Now())
	if !s.running.CompareAndSwap(false, true) {
		stats.Result = resultSkipped
		stats.SkipReason = shared.ReasonCycleRunning
		return stats
	}
	defer s.running.Store(false)

	cctx, cancel := context.WithCancel(ctx)
	s.cancelMtx.Lock()
	s.cancel = cancel
	s.cancelMtx.Unlock()
	defer func() {
		s.cancelMtx.Lock()
		s.cancel = nil
		s.cancelMtx.Unlock()
		cancel()
	}()

	s.run(cctx, stats)

	stats.Duration = s.cfg.Now().Sub(stats.Started)
	if stats.Matched > 0 {
		stats.AverageStrength = stats.AverageStrength / float64(stats.Matched)
	}

	s.finish(stats)

	return stats
}

// finish records and reports the provided cycle stats.
func (s *Scanner) finish(stats *CycleStats) {
	s.lastMtx.Lock()
	s.last = stats.Clone()
	s.lastMtx.Unlock()

	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveCycle(stats.Result, stats.Duration, stats.Evaluated, stats.Skipped)
		s.cfg.Observer.SetMomentum(stats.Momentum)
		s.cfg.Observer.SetOpenPositions(len(s.cfg.Positions.Positions()))
	}

	s.notify(shared.CycleEvent, nil, stats.String(), map[string]any{
		"result":    stats.Result,
		"evaluated": stats.Evaluated,
		"skipped":   stats.Skipped,
		"blocked":   stats.Blocked,
		"signals":   stats.SignalsFound,
		"executed":  stats.TradesExecuted,
	})

	switch stats.Result {
	case resultCompleted:
		s.cfg.Logger.Info().Msg(stats.String())
	default:
		s.cfg.Logger.Debug().Msg(stats.String())
	}
}

// gate checks whether the cycle may evaluate strategies, returning the regime to evaluate
// them under. An empty reason allows the cycle.
func (s *Scanner) gate(ctx context.Context) (*shared.Regime, string, string) {
	if !s.cfg.Leader.IsLeader() {
		return nil, shared.ReasonNotLeader, ""
	}
	if s.cfg.Detector == nil {
		return nil, "", ""
	}

	dcfg := s.cfg.Detector.Config()
	count := max(s.cfg.Config.CandleCount, dcfg.MinCandles())
	candles, err := s.cfg.Fetcher.FetchCandles(ctx, dcfg.Instrument, dcfg.Timeframe, count)
	if err != nil {
		return nil, shared.ReasonRegimeUnavailable, err.Error()
	}

	reg, err := s.cfg.Detector.Detect(candles)
	if err != nil {
		return nil, shared.ReasonRegimeUnavailable, err.Error()
	}

	if s.cfg.Observer != nil {
		s.cfg.Observer.SetRegime(reg.State(), reg.Confidence)
	}

	if reg.Confidence < s.cfg.Config.MinRegimeConfidence {
		return reg, shared.ReasonRegimeLowConfidence,
			fmt.Sprintf("%s below %.1f", reg.String(), s.cfg.Config.MinRegimeConfidence)
	}

	return reg, "", ""
}

// run drives the states of a cycle.
func (s *Scanner) run(ctx context.Context, stats *CycleStats) {
	// GATE
	reg, reason, detail := s.gate(ctx)
	if reg != nil {
		stats.Regime = reg.String()
	}
	stats.Momentum = s.cfg.Positions.Momentum()
	stats.Threshold = engine.DynamicThreshold(s.cfg.Config.ConvictionThreshold, stats.Momentum)
	if reason != "" {
		stats.Result = resultSkipped
		stats.SkipReason = reason
		if detail != "" {
			stats.SkipReason = fmt.Sprintf("%s: %s", reason, detail)
		}

		// Open positions still need exits when only the regime gate fails.
		if reason != shared.ReasonNotLeader {
			s.monitor(ctx, stats, nil)
		}
		return
	}

	// GROUP
	strategies := s.cfg.Portfolio.Snapshot()
	stats.Processed = len(strategies)
	groups := make(map[string][]*strategy.Strategy)
	keys := make([]string, 0)
	for _, strat := range strategies {
		key := strat.GroupKey()
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], strat)
	}
	slices.Sort(keys)
	stats.Groups = len(keys)

	// FETCH
	reqs := make([]fetch.Request, 0, len(keys))
	for _, key := range keys {
		first := groups[key][0]
		reqs = append(reqs, fetch.Request{
			Instrument: first.Instrument,
			Timeframe:  first.Timeframe,
			Count:      s.cfg.Config.CandleCount,
		})
	}
	results := s.cfg.Fetcher.FetchAll(ctx, reqs)

	// Monitor open positions with the freshly fetched prices while groups are evaluated.
	var monitorWg sync.WaitGroup
	monitorStats := newCycleStats(stats.Started)
	monitorWg.Add(1)
	go func() {
		defer monitorWg.Done()
		s.monitor(ctx, monitorStats, latestCloses(results))
	}()

	cyc := s.prepare(ctx, stats, reg, strategies)

	// EVALUATE
	outcomes := make([]*outcome, len(results))
	var g errgroup.Group
	g.SetLimit(maxGroupWorkers)
	for idx := range results {
		g.Go(func() error {
			res := &results[idx]
			outcomes[idx] = s.evaluateGroup(ctx, cyc, res, groups[res.Key()])
			return nil
		})
	}
	_ = g.Wait()
	monitorWg.Wait()

	stats.Monitored = monitorStats.Monitored
	stats.TrailsActivated = monitorStats.TrailsActivated
	stats.PositionsClosed = monitorStats.PositionsClosed
	stats.Errors = append(stats.Errors, monitorStats.Errors...)

	if ctx.Err() != nil {
		stats.Result = resultCancelled
		stats.SkipReason = shared.ReasonCancelled
		return
	}

	// AGGREGATE group outcomes.
	var candidates []*candidate
	for _, out := range outcomes {
		if out.skipped {
			stats.GroupsSkipped++
		}
		stats.Evaluated += out.evaluated
		stats.Unmatched += out.unmatched
		stats.SignalsFound += out.signals
		stats.Matched += out.matched
		stats.AverageStrength += out.strengthSum
		for _, d := range out.skips {
			s.skip(stats, d)
		}
		for _, d := range out.blocks {
			s.block(stats, d)
		}
		for _, err := range out.errs {
			stats.fail(err)
		}
		candidates = append(candidates, out.candidates...)
	}

	// RANK/FILTER
	selected := s.filter(ctx, stats, reg, cyc.balance, candidates)
	if len(selected) == 0 {
		return
	}

	// BATCH-EXECUTE
	if ctx.Err() != nil {
		stats.Result = resultCancelled
		stats.SkipReason = shared.ReasonCancelled
		return
	}

	s.execute(ctx, stats, selected)
}

// latestCloses returns the most recent close per instrument of the provided results.
func latestCloses(results []fetch.Result) map[string]float64 {
	prices := make(map[string]float64)
	dates := make(map[string]time.Time)
	for idx := range results {
		res := &results[idx]
		if res.Err != nil || len(res.Candles) == 0 {
			continue
		}

		last := res.Candles[len(res.Candles)-1]
		if date, ok := dates[res.Instrument]; ok && date.After(last.Date) {
			continue
		}
		prices[res.Instrument] = last.Close
		dates[res.Instrument] = last.Date
	}

	return prices
}

// monitor delegates the open positions to the lifecycle manager.
func (s *Scanner) monitor(ctx context.Context, stats *CycleStats, prices map[string]float64) {
	res := s.cfg.Positions.Monitor(ctx, prices)
	stats.Monitored = res.Checked
	stats.TrailsActivated = res.Activated
	stats.PositionsClosed = len(res.Closed)
	for _, err := range res.Errors {
		stats.fail(err)
	}
}

// prepare gathers the state shared by the groups of the cycle.
func (s *Scanner) prepare(ctx context.Context, stats *CycleStats, reg *shared.Regime, strategies []*strategy.Strategy) *cycle {
	cyc := &cycle{
		regime:     reg,
		momentum:   stats.Momentum,
		counts:     s.cfg.Positions.OpenCounts(),
		penalties:  make(map[string]float64),
		strategies: make(map[string]*strategy.Strategy, len(strategies)),
	}
	for _, strat := range strategies {
		cyc.strategies[strat.ID] = strat
	}

	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		cyc.balance, err = s.cfg.Venue.FetchBalance(ctx)
		return err
	})
	if err != nil {
		stats.fail(fmt.Errorf("fetching balance: %w", err))
	}

	// Correlation penalties grow with the open positions of each correlation group.
	open := make(map[string]int)
	for _, pos := range s.cfg.Positions.Positions() {
		strat, ok := cyc.strategies[pos.StrategyID]
		if !ok || strat.CorrelationGroup == "" {
			continue
		}
		open[strat.CorrelationGroup]++
	}
	for group, n := range open {
		cyc.penalties[group] = min(float64(n)*s.cfg.Config.CorrelationPenalty, s.cfg.Config.MaxCorrelationPenalty)
	}

	return cyc
}

// prefilter checks the provided strategy against instrument rules, the regime and its position
// cap, returning the block reason if any.
func prefilter(strat *strategy.Strategy, info *shared.InstrumentInfo, reg *shared.Regime, counts map[string]int) (string, string) {
	switch {
	case info == nil || !info.Tradeable:
		return shared.ReasonNotTradeable, strat.Instrument
	case reg != nil && !strat.AllowRegimeOpposed && reg.Opposes(strat.Direction):
		return shared.ReasonRegimeMismatch, fmt.Sprintf("%s vs %s", strat.Direction.String(), reg.String())
	case counts[strat.ID] >= strat.MaxPositions:
		return shared.ReasonPositionCap, fmt.Sprintf("%d/%d open", counts[strat.ID], strat.MaxPositions)
	}

	return "", ""
}

// instrument fetches the trading rules of the provided instrument.
func (s *Scanner) instrument(ctx context.Context, instrument string) (*shared.InstrumentInfo, error) {
	var info *shared.InstrumentInfo
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		info, err = s.cfg.Venue.FetchInstrument(ctx, instrument)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s rules: %w", instrument, err)
	}

	return info, nil
}

// evaluateGroup evaluates the strategies of a single instrument-timeframe group. Indicators
// are computed once and shared by every strategy of the group.
func (s *Scanner) evaluateGroup(ctx context.Context, cyc *cycle, res *fetch.Result, group []*strategy.Strategy) *outcome {
	out := &outcome{key: res.Key()}
	skipAll := func(reason string, detail string) *outcome {
		out.skipped = true
		for _, strat := range group {
			out.skips = append(out.skips, decision{strategy: strat, reason: reason, detail: detail})
		}
		return out
	}

	switch {
	case res.Err != nil:
		return skipAll(shared.ReasonFetchFailed, res.Err.Error())
	case len(res.Candles) < MinCandles:
		return skipAll(shared.ReasonInsufficientCandles,
			fmt.Sprintf("%d of %d candles", len(res.Candles), MinCandles))
	}

	info, err := s.instrument(ctx, res.Instrument)
	if err != nil {
		out.errs = append(out.errs, err)
		out.skipped = true
		for _, strat := range group {
			out.blocks = append(out.blocks, decision{strategy: strat, reason: shared.ReasonEvaluationError, detail: err.Error()})
		}
		return out
	}

	candles := res.Candles
	last := candles[len(candles)-1]

	eligible := make([]*strategy.Strategy, 0, len(group))
	for _, strat := range group {
		if reason, detail := prefilter(strat, info, cyc.regime, cyc.counts); reason != "" {
			out.blocks = append(out.blocks, decision{strategy: strat, reason: reason, detail: detail})
			continue
		}

		key := shared.OpportunityKey(strat.ID, last.Date)
		if s.cfg.Positions.HasOpportunity(key) {
			out.skips = append(out.skips, decision{strategy: strat, reason: shared.ReasonOpportunityTaken, detail: key})
			continue
		}

		eligible = append(eligible, strat)
	}

	if len(eligible) == 0 {
		return out
	}

	enabled := make(map[string]indicator.Spec)
	for _, strat := range eligible {
		for key, spec := range strat.Indicators() {
			enabled[key] = spec
		}
	}
	set := s.provider.Compute(candles, enabled)

	for _, strat := range eligible {
		if ctx.Err() != nil {
			return out
		}

		cand, d, blocked := s.evaluateStrategy(cyc, strat, set, candles, info, out)
		switch {
		case cand != nil:
			out.candidates = append(out.candidates, cand)
		case blocked:
			out.blocks = append(out.blocks, d)
		case d.reason != "":
			out.skips = append(out.skips, d)
		}
	}

	return out
}

// evaluateStrategy runs evaluation, conviction scoring and sizing for a single strategy. It
// returns either a candidate or the decision that stopped the strategy.
func (s *Scanner) evaluateStrategy(cyc *cycle, strat *strategy.Strategy, set indicator.Set, candles []shared.Candlestick, info *shared.InstrumentInfo, out *outcome) (*candidate, decision, bool) {
	last := candles[len(candles)-1]
	eval := s.evaluator.Evaluate(&engine.Input{
		Strategy:           strat,
		Indicators:         set,
		Candles:            candles,
		Regime:             cyc.regime,
		CorrelationPenalty: cyc.penalties[strat.CorrelationGroup],
	})
	out.evaluated++

	if !eval.Matched {
		out.unmatched++
		s.notify(shared.EvaluationEvent, strat,
			fmt.Sprintf("%s: %s (%s)", strat.ID, shared.ReasonNoMatch, eval.Reason),
			map[string]any{"reason": eval.Reason})
		return nil, decision{}, false
	}

	out.matched++
	out.signals += len(eval.Signals)
	out.strengthSum += eval.Strength
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveSignal(strat.ID)
	}

	labels := make([]string, 0, len(eval.Signals))
	for idx := range eval.Signals {
		labels = append(labels, eval.Signals[idx].Type+":"+eval.Signals[idx].Value)
	}
	s.notify(shared.SignalEvent, strat,
		fmt.Sprintf("%s matched %s %s with strength %.1f", strat.ID, strat.Direction.String(),
			strat.Instrument, eval.Strength),
		map[string]any{"strength": eval.Strength, "signals": labels})

	atrKey := strat.ATRSpec().Key()
	atr, ok := set.Last(atrKey)
	if !ok || atr <= 0 {
		return nil, decision{strategy: strat, reason: shared.ReasonATRUnavailable, detail: atrKey}, false
	}

	conviction := s.scorer.Score(&engine.ScoreInput{
		Signals:    eval.Signals,
		Indicators: set,
		Candles:    candles,
		Regime:     cyc.regime,
		Direction:  strat.Direction,
		EntryPrice: last.Close,
		ATRKey:     atrKey,
		Live:       &strat.Live,
	})
	check := engine.CheckConviction(conviction.Score, s.cfg.Config.ConvictionThreshold, cyc.momentum)
	if !check.Passed {
		return nil, decision{strategy: strat, reason: shared.ReasonLowConviction, detail: check.String()}, true
	}

	size := s.cfg.Validator.Size(&risk.SizeInput{
		Balance:     cyc.balance,
		Price:       last.Close,
		Direction:   strat.Direction,
		ATR:         atr,
		StopLossATR: strat.Risk.StopLossATR,
		Multiplier:  conviction.Multiplier,
		Instrument:  info,
	})
	if !size.Valid {
		return nil, decision{strategy: strat, reason: shared.ReasonInvalidSize, detail: size.Rejection}, true
	}

	req := &shared.TradeRequest{
		StrategyID:     strat.ID,
		MaxPositions:   strat.MaxPositions,
		Instrument:     strat.Instrument,
		Timeframe:      strat.Timeframe,
		Direction:      strat.Direction,
		Price:          last.Close,
		Quantity:       size.Quantity,
		Notional:       size.Notional,
		StopLoss:       risk.StopPrice(last.Close, atr, strat.Risk.StopLossATR, strat.Direction),
		TakeProfit:     risk.TargetPrice(last.Close, atr, strat.Risk.TakeProfitATR, strat.Direction),
		Trailing:       strat.Risk.Trailing,
		TrailActivate:  strat.Risk.TrailActivatePct,
		TrailOffset:    strat.Risk.TrailOffsetPct,
		TimeExit:       strat.Risk.TimeExit,
		Strength:       eval.Strength,
		Signals:        eval.Signals,
		Conviction:     conviction,
		OpportunityKey: shared.OpportunityKey(strat.ID, last.Date),
		CreatedOn:      s.cfg.Now(),
	}

	return &candidate{strategy: strat, request: req}, decision{}, false
}

// filter repeats the pre-evaluation checks against fresh instrument rules and position counts,
// then ranks the surviving candidates of an instrument when capital or slot constraints force
// a choice among them.
func (s *Scanner) filter(ctx context.Context, stats *CycleStats, reg *shared.Regime, balance float64, candidates []*candidate) []*candidate {
	if len(candidates) == 0 {
		return nil
	}

	counts := s.cfg.Positions.OpenCounts()
	rules := make(map[string]*shared.InstrumentInfo)
	byInstrument := make(map[string][]*candidate)
	instruments := make([]string, 0)
	var notional float64
	for _, cand := range candidates {
		inst := cand.strategy.Instrument
		info, ok := rules[inst]
		if !ok {
			var err error
			info, err = s.instrument(ctx, inst)
			if err != nil {
				stats.fail(err)
			}
			rules[inst] = info
		}

		if reason, detail := prefilter(cand.strategy, info, reg, counts); reason != "" {
			s.block(stats, decision{strategy: cand.strategy, reason: postReason(reason), detail: detail})
			continue
		}

		if _, ok := byInstrument[inst]; !ok {
			instruments = append(instruments, inst)
		}
		byInstrument[inst] = append(byInstrument[inst], cand)
		notional += cand.request.Notional
	}

	capitalShort := notional > balance
	slots := s.cfg.Config.InstrumentSlots
	open := make(map[string]int)
	if slots > 0 {
		for _, pos := range s.cfg.Positions.Positions() {
			open[pos.Instrument]++
		}
	}

	selected := make([]*candidate, 0, len(candidates))
	for _, inst := range instruments {
		group := byInstrument[inst]

		keep := len(group)
		if slots > 0 {
			keep = min(keep, slots-open[inst])
			if keep <= 0 {
				detail := fmt.Sprintf("%d/%d open on %s", open[inst], slots, inst)
				for _, cand := range group {
					s.block(stats, decision{strategy: cand.strategy, reason: shared.ReasonInstrumentSlots, detail: detail})
				}
				continue
			}
		}
		if capitalShort || mixedDirections(group) {
			keep = min(keep, 1)
		}
		if keep == len(group) {
			selected = append(selected, group...)
			continue
		}

		selected = append(selected, s.rank(stats, inst, group, keep, counts)...)
	}

	return selected
}

// mixedDirections checks whether the provided candidates trade opposite directions.
func mixedDirections(group []*candidate) bool {
	for _, cand := range group[1:] {
		if cand.strategy.Direction != group[0].strategy.Direction {
			return true
		}
	}

	return false
}

// rank selects up to keep of the provided candidates of an instrument by strategy rank,
// blocking the rest.
func (s *Scanner) rank(stats *CycleStats, inst string, group []*candidate, keep int, counts map[string]int) []*candidate {
	remaining := make([]*strategy.Strategy, 0, len(group))
	for _, cand := range group {
		remaining = append(remaining, cand.strategy)
	}

	chosen := make(map[string]struct{}, keep)
	ids := make([]string, 0, keep)
	for len(chosen) < keep {
		best := strategy.Rank(remaining, counts)
		if best == nil {
			break
		}
		chosen[best.ID] = struct{}{}
		ids = append(ids, best.ID)
		remaining = slices.DeleteFunc(remaining, func(strat *strategy.Strategy) bool {
			return strat.ID == best.ID
		})
	}

	detail := "no eligible strategy"
	if len(ids) > 0 {
		detail = fmt.Sprintf("%s selected for %s", strings.Join(ids, ","), inst)
	}

	selected := make([]*candidate, 0, len(ids))
	for _, cand := range group {
		if _, ok := chosen[cand.strategy.ID]; ok {
			selected = append(selected, cand)
			continue
		}
		s.block(stats, decision{strategy: cand.strategy, reason: shared.ReasonRankedOut, detail: detail})
	}

	return selected
}

// execute hands the selected trade requests to the lifecycle manager as one batch.
func (s *Scanner) execute(ctx context.Context, stats *CycleStats, selected []*candidate) {
	reqs := make([]*shared.TradeRequest, 0, len(selected))
	byStrategy := make(map[string]*strategy.Strategy, len(selected))
	for _, cand := range selected {
		reqs = append(reqs, cand.request)
		byStrategy[cand.strategy.ID] = cand.strategy
	}
	stats.TradesRequested = len(reqs)

	res, err := s.cfg.Positions.OpenBatch(ctx, reqs)
	if err != nil {
		stats.fail(fmt.Errorf("opening batch: %w", err))
	}
	if res == nil {
		return
	}

	stats.TradesExecuted = len(res.Opened)
	for _, pos := range res.Opened {
		if s.cfg.Observer != nil {
			s.cfg.Observer.ObservePositionOpened(pos.StrategyID)
		}
	}

	for _, rej := range res.Rejected {
		if rej.Request == nil {
			continue
		}
		strat, ok := byStrategy[rej.Request.StrategyID]
		if !ok {
			continue
		}

		reason := shared.ReasonOrderRejected
		switch {
		case errors.Is(rej.Err, position.ErrPositionCap):
			reason = postReason(shared.ReasonPositionCap)
		case errors.Is(rej.Err, position.ErrDuplicateOpportunity):
			reason = shared.ReasonOpportunityTaken
		}
		s.block(stats, decision{strategy: strat, reason: reason, detail: rej.Reason})
	}
}
