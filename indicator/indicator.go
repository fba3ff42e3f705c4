package indicator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dnldd/sentinel/shared"
)

// Indicator types.
const (
	SMA       = "sma"
	EMA       = "ema"
	RSI       = "rsi"
	MACD      = "macd"
	Bollinger = "bollinger"
	ATR       = "atr"
	Volume    = "volume"
	VWAPType  = "vwap"
)

// Series suffixes for structured indicators.
const (
	SignalSuffix    = "_signal"
	HistogramSuffix = "_hist"
	UpperSuffix     = "_upper"
	LowerSuffix     = "_lower"
	WidthSuffix     = "_width"
)

// Spec represents the configuration of an enabled indicator.
type Spec struct {
	Type   string  `yaml:"type"`
	Period int     `yaml:"period"`
	Fast   int     `yaml:"fast"`
	Slow   int     `yaml:"slow"`
	Signal int     `yaml:"signal"`
	StdDev float64 `yaml:"stddev"`
}

// Normalize fills unset parameters with their conventional defaults.
func (s Spec) Normalize() Spec {
	s.Type = strings.ToLower(s.Type)
	switch s.Type {
	case RSI, ATR:
		if s.Period <= 0 {
			s.Period = 14
		}
	case SMA, EMA, Volume:
		if s.Period <= 0 {
			s.Period = 20
		}
	case Bollinger:
		if s.Period <= 0 {
			s.Period = 20
		}
		if s.StdDev <= 0 {
			s.StdDev = 2
		}
	case MACD:
		if s.Fast <= 0 {
			s.Fast = 12
		}
		if s.Slow <= 0 {
			s.Slow = 26
		}
		if s.Signal <= 0 {
			s.Signal = 9
		}
	}

	return s
}

// Key returns the unique series key of the indicator.
func (s Spec) Key() string {
	s = s.Normalize()
	switch s.Type {
	case MACD:
		return fmt.Sprintf("%s_%d_%d_%d", s.Type, s.Fast, s.Slow, s.Signal)
	case Bollinger:
		return fmt.Sprintf("%s_%d_%g", s.Type, s.Period, s.StdDev)
	case VWAPType:
		return s.Type
	default:
		return fmt.Sprintf("%s_%d", s.Type, s.Period)
	}
}

// Set maps indicator series keys to values aligned by index with the candles they were
// computed from. Entries that cannot be computed yet are NaN.
type Set map[string][]float64

// At returns the value of the series at the provided index and whether it is usable.
func (s Set) At(key string, idx int) (float64, bool) {
	series, ok := s[key]
	if !ok || idx < 0 || idx >= len(series) {
		return 0, false
	}

	v := series[idx]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}

	return v, true
}

// Last returns the most recent value of the series and whether it is usable.
func (s Set) Last(key string) (float64, bool) {
	return s.At(key, len(s[key])-1)
}

// Keys returns the sorted series keys of the set.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// Provider computes indicator sets from candles.
type Provider struct{}

// NewProvider initializes a new indicator provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Compute calculates all enabled indicators over the provided candles. Unknown indicator
// types are ignored and short histories produce NaN entries instead of errors.
func (p *Provider) Compute(candles []shared.Candlestick, enabled map[string]Spec) Set {
	set := make(Set, len(enabled))
	if len(candles) == 0 {
		return set
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for idx := range candles {
		closes[idx] = candles[idx].Close
		volumes[idx] = candles[idx].Volume
	}

	for _, spec := range enabled {
		spec = spec.Normalize()
		key := spec.Key()
		if _, ok := set[key]; ok {
			continue
		}

		switch spec.Type {
		case SMA:
			set[key] = SimpleMovingAverage(closes, spec.Period)
		case EMA:
			set[key] = ExponentialMovingAverage(closes, spec.Period)
		case RSI:
			set[key] = RelativeStrengthIndex(closes, spec.Period)
		case ATR:
			set[key] = AverageTrueRange(candles, spec.Period)
		case Volume:
			set[key] = SimpleMovingAverage(volumes, spec.Period)
		case MACD:
			line, signal, hist := MovingAverageConvergenceDivergence(closes, spec.Fast, spec.Slow, spec.Signal)
			set[key] = line
			set[key+SignalSuffix] = signal
			set[key+HistogramSuffix] = hist
		case Bollinger:
			middle, upper, lower, width := BollingerBands(closes, spec.Period, spec.StdDev)
			set[key] = middle
			set[key+UpperSuffix] = upper
			set[key+LowerSuffix] = lower
			set[key+WidthSuffix] = width
		case VWAPType:
			set[key] = SessionVWAP(candles)
		}
	}

	return set
}
