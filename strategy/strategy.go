package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/sentinel/indicator"
	"github.com/dnldd/sentinel/shared"
)

// Condition represents a single signal condition of a strategy.
type Condition struct {
	// Indicator is the indicator family evaluated by the condition.
	Indicator string `yaml:"indicator" json:"indicator"`
	// Period, Fast, Slow, Signal and StdDev parameterise the indicator.
	Period int     `yaml:"period" json:"period,omitempty"`
	Fast   int     `yaml:"fast" json:"fast,omitempty"`
	Slow   int     `yaml:"slow" json:"slow,omitempty"`
	Signal int     `yaml:"signal" json:"signal,omitempty"`
	StdDev float64 `yaml:"stddev" json:"stddev,omitempty"`
	// Value is the expected semantic value, e.g. "bullish_cross".
	Value string `yaml:"value" json:"value"`
	// Threshold is the numeric threshold the value is compared against.
	Threshold float64 `yaml:"threshold" json:"threshold,omitempty"`
	// Optional conditions contribute strength without being required for a match.
	Optional bool `yaml:"optional" json:"optional,omitempty"`
	// Weight scales the strength of the condition, defaults to one.
	Weight float64 `yaml:"weight" json:"weight,omitempty"`
}

// Specs returns the indicator specs required to evaluate the condition.
func (c *Condition) Specs() []indicator.Spec {
	switch c.Indicator {
	case indicator.EMA, indicator.SMA:
		switch c.Value {
		case "bullish_cross", "bearish_cross":
			fast := c.Fast
			if fast <= 0 {
				fast = 9
			}
			slow := c.Slow
			if slow <= 0 {
				slow = 21
			}
			return []indicator.Spec{
				{Type: c.Indicator, Period: fast},
				{Type: c.Indicator, Period: slow},
			}
		}
		return []indicator.Spec{{Type: c.Indicator, Period: c.Period}}
	case indicator.MACD:
		return []indicator.Spec{{Type: c.Indicator, Fast: c.Fast, Slow: c.Slow, Signal: c.Signal}}
	case indicator.Bollinger:
		return []indicator.Spec{{Type: c.Indicator, Period: c.Period, StdDev: c.StdDev}}
	case "candle":
		return nil
	default:
		return []indicator.Spec{{Type: c.Indicator, Period: c.Period}}
	}
}

// Risk represents the risk parameters of a strategy.
type Risk struct {
	StopLossATR      float64       `yaml:"stop_loss_atr" json:"stopLossAtr" default:"2.5"`
	TakeProfitATR    float64       `yaml:"take_profit_atr" json:"takeProfitAtr" default:"3"`
	Trailing         bool          `yaml:"trailing" json:"trailing"`
	TrailActivatePct float64       `yaml:"trail_activate_pct" json:"trailActivatePct" default:"1"`
	TrailOffsetPct   float64       `yaml:"trail_offset_pct" json:"trailOffsetPct" default:"0.5"`
	TimeExit         time.Duration `yaml:"time_exit" json:"timeExit" default:"24h"`
	ATRPeriod        int           `yaml:"atr_period" json:"atrPeriod" default:"14"`
}

// Performance represents the rolling trade statistics of a strategy.
type Performance struct {
	Trades      int     `yaml:"trades" json:"trades"`
	Wins        int     `yaml:"wins" json:"wins"`
	GrossProfit float64 `yaml:"gross_profit" json:"grossProfit"`
	GrossLoss   float64 `yaml:"gross_loss" json:"grossLoss"`
}

// WinRate returns the win rate as a percentage.
func (p *Performance) WinRate() float64 {
	if p.Trades == 0 {
		return 0
	}

	return float64(p.Wins) / float64(p.Trades) * 100
}

// Losses returns the number of losing trades.
func (p *Performance) Losses() int {
	return p.Trades - p.Wins
}

// ProfitFactor returns gross profit over gross loss. A profitable history without losses
// reports the gross profit capped at maxProfitFactor.
func (p *Performance) ProfitFactor() float64 {
	const maxProfitFactor = 10

	switch {
	case p.GrossLoss == 0 && p.GrossProfit == 0:
		return 0
	case p.GrossLoss == 0:
		return maxProfitFactor
	}

	pf := p.GrossProfit / p.GrossLoss
	if pf > maxProfitFactor {
		return maxProfitFactor
	}

	return pf
}

// Record adds the provided trade outcome (pnl percent) to the statistics.
func (p *Performance) Record(pnlPercent float64) {
	p.Trades++
	switch {
	case pnlPercent > 0:
		p.Wins++
		p.GrossProfit += pnlPercent
	default:
		p.GrossLoss -= pnlPercent
	}
}

// Strategy represents a user-defined trading strategy.
type Strategy struct {
	ID                 string           `yaml:"id" json:"id" validate:"required"`
	Name               string           `yaml:"name" json:"name"`
	Instrument         string           `yaml:"instrument" json:"instrument" validate:"required"`
	Timeframe          shared.Timeframe `yaml:"timeframe" json:"timeframe"`
	Direction          shared.Direction `yaml:"direction" json:"direction"`
	Disabled           bool             `yaml:"disabled" json:"disabled"`
	Conditions         []Condition      `yaml:"conditions" json:"conditions" validate:"required,min=1"`
	Risk               Risk             `yaml:"risk" json:"risk"`
	MaxPositions       int              `yaml:"max_positions" json:"maxPositions" default:"1"`
	MinStrength        float64          `yaml:"min_strength" json:"minStrength"`
	CorrelationGroup   string           `yaml:"correlation_group" json:"correlationGroup,omitempty"`
	AllowRegimeOpposed bool             `yaml:"allow_regime_opposed" json:"allowRegimeOpposed"`
	Backtest           Performance      `yaml:"backtest" json:"backtest"`
	Live               Performance      `yaml:"live" json:"live"`
}

// Validate asserts the strategy has sane inputs.
func (s *Strategy) Validate() error {
	var errs error

	if s.ID == "" {
		errs = errors.Join(errs, fmt.Errorf("strategy id cannot be an empty string"))
	}
	if s.Instrument == "" {
		errs = errors.Join(errs, fmt.Errorf("strategy %s: instrument cannot be an empty string", s.ID))
	}
	if len(s.Conditions) == 0 {
		errs = errors.Join(errs, fmt.Errorf("strategy %s: no conditions provided", s.ID))
	}
	if s.MaxPositions <= 0 {
		errs = errors.Join(errs, fmt.Errorf("strategy %s: max positions must be positive", s.ID))
	}
	if s.Risk.StopLossATR <= 0 {
		errs = errors.Join(errs, fmt.Errorf("strategy %s: stop loss atr multiplier must be positive", s.ID))
	}
	if s.Risk.TakeProfitATR <= 0 {
		errs = errors.Join(errs, fmt.Errorf("strategy %s: take profit atr multiplier must be positive", s.ID))
	}
	if s.Risk.Trailing && (s.Risk.TrailActivatePct <= 0 || s.Risk.TrailOffsetPct <= 0) {
		errs = errors.Join(errs, fmt.Errorf("strategy %s: trailing percentages must be positive", s.ID))
	}

	return errs
}

// GroupKey returns the instrument-timeframe group of the strategy.
func (s *Strategy) GroupKey() string {
	return GroupKey(s.Instrument, s.Timeframe)
}

// GroupKey returns the key of the provided instrument-timeframe group.
func GroupKey(instrument string, timeframe shared.Timeframe) string {
	return instrument + "/" + timeframe.String()
}

// ATRSpec returns the indicator spec of the ATR used to size and bracket positions.
func (s *Strategy) ATRSpec() indicator.Spec {
	return indicator.Spec{Type: indicator.ATR, Period: s.Risk.ATRPeriod}
}

// Indicators returns the enabled indicator configuration the strategy requires.
func (s *Strategy) Indicators() map[string]indicator.Spec {
	set := make(map[string]indicator.Spec)
	atr := s.ATRSpec()
	set[atr.Key()] = atr
	for idx := range s.Conditions {
		for _, spec := range s.Conditions[idx].Specs() {
			set[spec.Key()] = spec
		}
	}

	return set
}

// Clone returns a deep copy of the strategy.
func (s *Strategy) Clone() *Strategy {
	c := *s
	c.Conditions = make([]Condition, len(s.Conditions))
	copy(c.Conditions, s.Conditions)

	return &c
}
