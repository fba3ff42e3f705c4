package regime

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dnldd/sentinel/indicator"
	"github.com/dnldd/sentinel/shared"
)

// DetectorConfig represents the regime detector configuration.
type DetectorConfig struct {
	// Instrument is the reference instrument the regime is derived from.
	Instrument string `yaml:"instrument" default:"BTCUSD" validate:"required"`
	// Timeframe is the timeframe of the reference candles.
	Timeframe shared.Timeframe `yaml:"timeframe"`
	// FastPeriod and SlowPeriod are the trend ema periods.
	FastPeriod int `yaml:"fast_period" default:"50" validate:"gt=0"`
	SlowPeriod int `yaml:"slow_period" default:"200" validate:"gt=0"`
	// SlopeLookback is the number of candles the fast ema slope is measured over.
	SlopeLookback int `yaml:"slope_lookback" default:"10" validate:"gt=0"`
	// ATRPeriod is the period of the atr used to normalise distances.
	ATRPeriod int `yaml:"atr_period" default:"14" validate:"gt=0"`
}

// Validate asserts the config sane inputs.
func (cfg *DetectorConfig) Validate() error {
	var errs error

	if cfg.Instrument == "" {
		errs = errors.Join(errs, fmt.Errorf("regime instrument cannot be an empty string"))
	}
	if cfg.FastPeriod <= 0 || cfg.SlowPeriod <= 0 {
		errs = errors.Join(errs, fmt.Errorf("regime ema periods must be positive"))
	}
	if cfg.FastPeriod >= cfg.SlowPeriod {
		errs = errors.Join(errs, fmt.Errorf("regime fast period must be less than the slow period"))
	}
	if cfg.SlopeLookback <= 0 || cfg.ATRPeriod <= 0 {
		errs = errors.Join(errs, fmt.Errorf("regime slope lookback and atr period must be positive"))
	}

	return errs
}

// MinCandles returns the number of candles required to detect the regime.
func (cfg *DetectorConfig) MinCandles() int {
	return max(cfg.SlowPeriod, cfg.FastPeriod+cfg.SlopeLookback, cfg.ATRPeriod+1)
}

// Detector classifies the prevailing market regime from a reference instrument.
type Detector struct {
	cfg *DetectorConfig
}

// NewDetector initializes a new regime detector.
func NewDetector(cfg *DetectorConfig) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Detector{cfg: cfg}, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() *DetectorConfig {
	return d.cfg
}

// Detect derives the regime from the provided reference candles. A bullish regime requires
// price above a rising fast ema above the slow ema, a bearish regime the reverse. Confidence
// grows with the atr normalised ema spread and slope.
func (d *Detector) Detect(candles []shared.Candlestick) (*shared.Regime, error) {
	if len(candles) < d.cfg.MinCandles() {
		return nil, fmt.Errorf("regime requires %d candles, got %d", d.cfg.MinCandles(), len(candles))
	}

	closes := make([]float64, len(candles))
	for idx := range candles {
		closes[idx] = candles[idx].Close
	}

	last := len(candles) - 1
	fast := indicator.ExponentialMovingAverage(closes, d.cfg.FastPeriod)
	slow := indicator.ExponentialMovingAverage(closes, d.cfg.SlowPeriod)
	atr := indicator.AverageTrueRange(candles, d.cfg.ATRPeriod)

	set := indicator.Set{"fast": fast, "slow": slow, "atr": atr}
	curFast, okFast := set.At("fast", last)
	prevFast, okPrev := set.At("fast", last-d.cfg.SlopeLookback)
	curSlow, okSlow := set.At("slow", last)
	curATR, okATR := set.At("atr", last)
	if !okFast || !okPrev || !okSlow || !okATR {
		return nil, fmt.Errorf("regime indicators unavailable")
	}

	price := closes[last]
	regime := &shared.Regime{
		Instrument: d.cfg.Instrument,
		Sentiment:  shared.Neutral,
		UpdatedOn:  candles[last].Date,
	}
	if regime.UpdatedOn.IsZero() {
		regime.UpdatedOn = time.Now()
	}

	if curATR == 0 {
		regime.Confidence = 100
		return regime, nil
	}

	spread := (curFast - curSlow) / curATR
	slope := (curFast - prevFast) / curATR
	trend := math.Min(100, math.Abs(spread)*20+math.Abs(slope)*20)

	switch {
	case price > curFast && curFast > curSlow && slope > 0:
		regime.Sentiment = shared.Bullish
		regime.Confidence = trend
	case price < curFast && curFast < curSlow && slope < 0:
		regime.Sentiment = shared.Bearish
		regime.Confidence = trend
	default:
		regime.Confidence = math.Max(0, 100-trend)
	}

	return regime, nil
}
