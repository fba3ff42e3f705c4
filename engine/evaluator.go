package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/dnldd/sentinel/indicator"
	"github.com/dnldd/sentinel/shared"
	"github.com/dnldd/sentinel/strategy"
)

const (
	// alignedRegimeBoost scales strength when the strategy trades with the regime.
	alignedRegimeBoost = 1.1
	// opposedRegimeDampener scales strength when the strategy trades against the regime.
	opposedRegimeDampener = 0.8
	// atrExpansionLookback is the number of candles an atr expansion is measured over.
	atrExpansionLookback = 5
)

// Signal priorities.
const (
	statePriority = 1
	eventPriority = 2
)

// Input represents the inputs of a strategy evaluation.
type Input struct {
	// Strategy is the strategy being evaluated.
	Strategy *strategy.Strategy
	// Indicators is the indicator set shared by the strategy's instrument-timeframe group.
	Indicators indicator.Set
	// Candles is the candle sequence the indicators were computed from.
	Candles []shared.Candlestick
	// Regime is the prevailing market regime, optional.
	Regime *shared.Regime
	// CorrelationPenalty is the fraction (0-1) strength is reduced by for correlated exposure.
	CorrelationPenalty float64
}

// Evaluation represents the outcome of a strategy evaluation.
type Evaluation struct {
	Matched  bool
	Strength float64
	Signals  []shared.Signal
	Reason   string
}

// Evaluator matches strategy conditions against indicator data of the most recent candle.
type Evaluator struct{}

// NewEvaluator initializes a new signal evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate evaluates the conditions of the provided strategy. A strategy matches only if
// all of its required conditions match. Missing indicator data fails the affected condition.
func (e *Evaluator) Evaluate(in *Input) *Evaluation {
	if in == nil || in.Strategy == nil {
		return &Evaluation{Reason: "no strategy provided"}
	}
	if len(in.Candles) == 0 {
		return &Evaluation{Reason: "no candles provided"}
	}

	idx := len(in.Candles) - 1
	signals := make([]shared.Signal, 0, len(in.Strategy.Conditions))
	var failures []string
	var strength float64
	required := 0
	for cidx := range in.Strategy.Conditions {
		cond := &in.Strategy.Conditions[cidx]
		if !cond.Optional {
			required++
		}

		signal, reason := evaluateCondition(cond, in.Indicators, in.Candles, idx)
		if signal == nil {
			if !cond.Optional {
				failures = append(failures, reason)
			}
			continue
		}

		weight := cond.Weight
		if weight <= 0 {
			weight = 1
		}
		signal.Strength = clamp(signal.Strength, 0, 100)
		strength += signal.Strength * weight
		signals = append(signals, *signal)
	}

	if len(failures) > 0 {
		return &Evaluation{
			Signals: signals,
			Reason:  strings.Join(failures, "; "),
		}
	}
	if required == 0 && len(signals) == 0 {
		return &Evaluation{Reason: "no optional conditions matched"}
	}

	strength = adjustStrength(strength, in.Strategy.Direction, in.Regime, in.CorrelationPenalty)
	if in.Strategy.MinStrength > 0 && strength < in.Strategy.MinStrength {
		return &Evaluation{
			Strength: strength,
			Signals:  signals,
			Reason: fmt.Sprintf("combined strength %.1f below minimum %.1f",
				strength, in.Strategy.MinStrength),
		}
	}

	return &Evaluation{
		Matched:  true,
		Strength: strength,
		Signals:  signals,
	}
}

// adjustStrength scales the provided strength by regime alignment and correlation penalty.
func adjustStrength(strength float64, direction shared.Direction, regime *shared.Regime, penalty float64) float64 {
	if regime != nil {
		switch {
		case regime.Aligns(direction):
			strength *= alignedRegimeBoost
		case regime.Opposes(direction):
			strength *= opposedRegimeDampener
		}
	}

	return strength * (1 - clamp(penalty, 0, 1))
}

// clamp bounds the provided value to [lo, hi].
func clamp(v float64, lo float64, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// seriesKey returns the series key of the first indicator spec of the condition.
func seriesKey(cond *strategy.Condition) string {
	specs := cond.Specs()
	if len(specs) == 0 {
		return ""
	}

	return specs[0].Key()
}

// evaluateCondition evaluates a single condition against the candle at the provided index,
// returning the produced signal or the reason it did not match.
func evaluateCondition(cond *strategy.Condition, set indicator.Set, candles []shared.Candlestick, idx int) (*shared.Signal, string) {
	switch cond.Indicator {
	case indicator.RSI:
		return evaluateRSI(cond, set, idx)
	case indicator.EMA, indicator.SMA:
		return evaluateAverage(cond, set, candles, idx)
	case indicator.MACD:
		return evaluateMACD(cond, set, idx)
	case indicator.Bollinger:
		return evaluateBollinger(cond, set, candles, idx)
	case indicator.Volume:
		return evaluateVolume(cond, set, candles, idx)
	case indicator.ATR:
		return evaluateATR(cond, set, idx)
	case indicator.VWAPType:
		return evaluateVWAP(cond, set, candles, idx)
	case "candle":
		return evaluateCandle(cond, candles, idx)
	default:
		return nil, fmt.Sprintf("unsupported indicator %q", cond.Indicator)
	}
}

// missing returns the reason for unusable indicator data.
func missing(key string) string {
	return fmt.Sprintf("%s: insufficient data", key)
}

// newSignal creates a signal for the provided condition.
func newSignal(cond *strategy.Condition, strength float64, event bool, idx int) *shared.Signal {
	priority := statePriority
	if event {
		priority = eventPriority
	}

	return &shared.Signal{
		Type:     cond.Indicator,
		Value:    cond.Value,
		Strength: strength,
		Priority: priority,
		IsEvent:  event,
		Index:    idx,
	}
}

func evaluateRSI(cond *strategy.Condition, set indicator.Set, idx int) (*shared.Signal, string) {
	key := seriesKey(cond)
	rsi, ok := set.At(key, idx)
	if !ok {
		return nil, missing(key)
	}

	switch cond.Value {
	case "oversold", "below":
		threshold := cond.Threshold
		if threshold <= 0 {
			threshold = 30
		}
		if rsi >= threshold {
			return nil, fmt.Sprintf("%s %.1f not below %.1f", key, rsi, threshold)
		}
		return newSignal(cond, 50+(threshold-rsi)/threshold*50, false, idx), ""

	case "overbought", "above":
		threshold := cond.Threshold
		if threshold <= 0 {
			threshold = 70
		}
		if rsi <= threshold {
			return nil, fmt.Sprintf("%s %.1f not above %.1f", key, rsi, threshold)
		}
		return newSignal(cond, 50+(rsi-threshold)/(100-threshold)*50, false, idx), ""

	default:
		return nil, fmt.Sprintf("%s: unsupported value %q", key, cond.Value)
	}
}

// crossed reports whether series a crossed series b at the provided index, upward when up
// is set and downward otherwise.
func crossed(set indicator.Set, a string, b string, idx int, up bool) (bool, bool) {
	curA, okA := set.At(a, idx)
	curB, okB := set.At(b, idx)
	prevA, okPA := set.At(a, idx-1)
	prevB, okPB := set.At(b, idx-1)
	if !okA || !okB || !okPA || !okPB {
		return false, false
	}

	if up {
		return prevA <= prevB && curA > curB, true
	}

	return prevA >= prevB && curA < curB, true
}

func evaluateAverage(cond *strategy.Condition, set indicator.Set, candles []shared.Candlestick, idx int) (*shared.Signal, string) {
	specs := cond.Specs()
	switch cond.Value {
	case "bullish_cross", "bearish_cross":
		fast, slow := specs[0].Key(), specs[1].Key()
		hit, ok := crossed(set, fast, slow, idx, cond.Value == "bullish_cross")
		if !ok {
			return nil, missing(fast + "/" + slow)
		}
		if !hit {
			return nil, fmt.Sprintf("%s/%s: no %s", fast, slow, strings.ReplaceAll(cond.Value, "_", " "))
		}
		return newSignal(cond, 80, true, idx), ""

	case "price_above", "price_below":
		key := specs[0].Key()
		avg, ok := set.At(key, idx)
		if !ok || avg == 0 {
			return nil, missing(key)
		}

		distance := (candles[idx].Close - avg) / avg * 100
		if cond.Value == "price_below" {
			distance = -distance
		}
		if distance <= 0 {
			return nil, fmt.Sprintf("%s: price not %s average", key, strings.TrimPrefix(cond.Value, "price_"))
		}
		return newSignal(cond, 50+math.Min(distance*10, 50), false, idx), ""

	default:
		return nil, fmt.Sprintf("%s: unsupported value %q", cond.Indicator, cond.Value)
	}
}

func evaluateMACD(cond *strategy.Condition, set indicator.Set, idx int) (*shared.Signal, string) {
	key := seriesKey(cond)
	switch cond.Value {
	case "bullish_cross", "bearish_cross":
		hit, ok := crossed(set, key, key+indicator.SignalSuffix, idx, cond.Value == "bullish_cross")
		if !ok {
			return nil, missing(key)
		}
		if !hit {
			return nil, fmt.Sprintf("%s: no %s", key, strings.ReplaceAll(cond.Value, "_", " "))
		}
		return newSignal(cond, 75, true, idx), ""

	case "histogram_positive", "histogram_negative":
		hist, ok := set.At(key+indicator.HistogramSuffix, idx)
		if !ok {
			return nil, missing(key + indicator.HistogramSuffix)
		}
		if cond.Value == "histogram_negative" {
			hist = -hist
		}
		if hist <= 0 {
			return nil, fmt.Sprintf("%s: histogram not %s", key, strings.TrimPrefix(cond.Value, "histogram_"))
		}
		return newSignal(cond, 60, false, idx), ""

	default:
		return nil, fmt.Sprintf("%s: unsupported value %q", key, cond.Value)
	}
}

func evaluateBollinger(cond *strategy.Condition, set indicator.Set, candles []shared.Candlestick, idx int) (*shared.Signal, string) {
	key := seriesKey(cond)
	switch cond.Value {
	case "lower_touch":
		lower, ok := set.At(key+indicator.LowerSuffix, idx)
		if !ok {
			return nil, missing(key)
		}
		if candles[idx].Low > lower {
			return nil, fmt.Sprintf("%s: lower band not touched", key)
		}
		return newSignal(cond, 70, true, idx), ""

	case "upper_touch":
		upper, ok := set.At(key+indicator.UpperSuffix, idx)
		if !ok {
			return nil, missing(key)
		}
		if candles[idx].High < upper {
			return nil, fmt.Sprintf("%s: upper band not touched", key)
		}
		return newSignal(cond, 70, true, idx), ""

	case "squeeze":
		width, ok := set.At(key+indicator.WidthSuffix, idx)
		if !ok {
			return nil, missing(key)
		}
		threshold := cond.Threshold
		if threshold <= 0 {
			threshold = 0.04
		}
		if width >= threshold {
			return nil, fmt.Sprintf("%s: band width %.4f not below %.4f", key, width, threshold)
		}
		return newSignal(cond, 50+(threshold-width)/threshold*50, false, idx), ""

	default:
		return nil, fmt.Sprintf("%s: unsupported value %q", key, cond.Value)
	}
}

func evaluateVolume(cond *strategy.Condition, set indicator.Set, candles []shared.Candlestick, idx int) (*shared.Signal, string) {
	key := seriesKey(cond)
	avg, ok := set.At(key, idx)
	if !ok || avg <= 0 {
		return nil, missing(key)
	}

	threshold := cond.Threshold
	if threshold <= 0 {
		threshold = 1.5
	}

	ratio := candles[idx].Volume / avg
	if ratio < threshold {
		return nil, fmt.Sprintf("%s: volume %.2fx average, below %.2fx", key, ratio, threshold)
	}

	return newSignal(cond, 50+(ratio-threshold)*25, true, idx), ""
}

func evaluateATR(cond *strategy.Condition, set indicator.Set, idx int) (*shared.Signal, string) {
	key := seriesKey(cond)
	cur, ok := set.At(key, idx)
	prev, okPrev := set.At(key, idx-atrExpansionLookback)
	if !ok || !okPrev || prev == 0 {
		return nil, missing(key)
	}

	threshold := cond.Threshold
	if threshold <= 0 {
		threshold = 10
	}

	expansion := (cur - prev) / prev * 100
	if expansion < threshold {
		return nil, fmt.Sprintf("%s: expansion %.1f%% below %.1f%%", key, expansion, threshold)
	}

	return newSignal(cond, 50+(expansion-threshold), false, idx), ""
}

func evaluateVWAP(cond *strategy.Condition, set indicator.Set, candles []shared.Candlestick, idx int) (*shared.Signal, string) {
	key := seriesKey(cond)
	vwap, ok := set.At(key, idx)
	if !ok || vwap == 0 {
		return nil, missing(key)
	}

	distance := (candles[idx].Close - vwap) / vwap * 100
	switch cond.Value {
	case "price_above":
	case "price_below":
		distance = -distance
	default:
		return nil, fmt.Sprintf("%s: unsupported value %q", key, cond.Value)
	}
	if distance <= 0 {
		return nil, fmt.Sprintf("%s: price not %s vwap", key, strings.TrimPrefix(cond.Value, "price_"))
	}

	return newSignal(cond, 50+math.Min(distance*10, 50), false, idx), ""
}

func evaluateCandle(cond *strategy.Condition, candles []shared.Candlestick, idx int) (*shared.Signal, string) {
	cur := &candles[idx]
	switch cond.Value {
	case "bullish_engulfing", "bearish_engulfing":
		if idx == 0 {
			return nil, missing("candle")
		}
		want := shared.Bullish
		if cond.Value == "bearish_engulfing" {
			want = shared.Bearish
		}
		if cur.FetchSentiment() != want || !cur.IsEngulfing(&candles[idx-1]) {
			return nil, fmt.Sprintf("candle: no %s", strings.ReplaceAll(cond.Value, "_", " "))
		}
		return newSignal(cond, 70, true, idx), ""

	case "marubozu", "pinbar":
		want := shared.Marubozu
		if cond.Value == "pinbar" {
			want = shared.Pinbar
		}
		if cur.FetchKind() != want {
			return nil, fmt.Sprintf("candle: not a %s", cond.Value)
		}
		return newSignal(cond, 60, true, idx), ""

	default:
		return nil, fmt.Sprintf("candle: unsupported value %q", cond.Value)
	}
}
