package risk

import (
	"errors"
	"fmt"

	"github.com/dnldd/sentinel/shared"
	"github.com/shopspring/decimal"
)

// ValidatorConfig represents the position size validator configuration.
type ValidatorConfig struct {
	// UseAdjustedSize sizes positions from risk and volatility instead of the default notional.
	UseAdjustedSize bool `yaml:"use_adjusted_size"`
	// DefaultNotional is the notional of fixed size positions.
	DefaultNotional float64 `yaml:"default_notional" default:"100" validate:"gte=0"`
	// RiskPercent is the percentage of balance risked per position in volatility mode.
	RiskPercent float64 `yaml:"risk_percent" default:"1" validate:"gt=0,lte=100"`
	// MinTradeValue is the minimum notional of a position.
	MinTradeValue float64 `yaml:"min_trade_value" default:"10" validate:"gte=0"`
	// MaxBalancePercent caps the notional of a position as a percentage of balance.
	MaxBalancePercent float64 `yaml:"max_balance_percent" default:"100" validate:"gt=0,lte=100"`
}

// Validate asserts the config sane inputs.
func (cfg *ValidatorConfig) Validate() error {
	var errs error

	if !cfg.UseAdjustedSize && cfg.DefaultNotional <= 0 {
		errs = errors.Join(errs, fmt.Errorf("default notional must be positive in fixed size mode"))
	}
	if cfg.RiskPercent <= 0 || cfg.RiskPercent > 100 {
		errs = errors.Join(errs, fmt.Errorf("risk percent must be within (0, 100]"))
	}
	if cfg.MinTradeValue < 0 {
		errs = errors.Join(errs, fmt.Errorf("min trade value cannot be negative"))
	}
	if cfg.MaxBalancePercent <= 0 || cfg.MaxBalancePercent > 100 {
		errs = errors.Join(errs, fmt.Errorf("max balance percent must be within (0, 100]"))
	}

	return errs
}

// SizeInput represents the inputs of a position size validation.
type SizeInput struct {
	Balance     float64
	Price       float64
	Direction   shared.Direction
	ATR         float64
	StopLossATR float64
	Multiplier  float64
	Instrument  *shared.InstrumentInfo
}

// SizeResult represents the outcome of a position size validation.
type SizeResult struct {
	Valid     bool
	Notional  float64
	Quantity  float64
	StopPrice float64
	Rejection string
}

// reject creates an invalid size result with the provided detail.
func reject(format string, args ...any) *SizeResult {
	return &SizeResult{Rejection: fmt.Sprintf(format, args...)}
}

// Validator converts conviction and risk parameters into venue compliant order quantities.
type Validator struct {
	cfg *ValidatorConfig
}

// NewValidator initializes a new position size validator.
func NewValidator(cfg *ValidatorConfig) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Validator{cfg: cfg}, nil
}

// StopPrice returns the atr implied stop price for the provided entry.
func StopPrice(price float64, atr float64, multiplier float64, direction shared.Direction) float64 {
	distance := atr * multiplier
	if direction == shared.Short {
		return price + distance
	}

	return price - distance
}

// TargetPrice returns the atr implied take profit price for the provided entry.
func TargetPrice(price float64, atr float64, multiplier float64, direction shared.Direction) float64 {
	distance := atr * multiplier
	if direction == shared.Short {
		return price - distance
	}

	return price + distance
}

// Size computes the order quantity for the provided inputs or rejects the trade with a
// specific detail.
func (v *Validator) Size(in *SizeInput) *SizeResult {
	switch {
	case in == nil:
		return reject("no size input provided")
	case in.Instrument == nil:
		return reject("no instrument rules available")
	case !in.Instrument.Tradeable:
		return reject("%s is not tradeable", in.Instrument.Instrument)
	case in.Balance <= 0:
		return reject("no available balance")
	case in.Price <= 0:
		return reject("invalid price %f", in.Price)
	case in.ATR <= 0 && v.cfg.UseAdjustedSize:
		return reject("atr unavailable for volatility sizing")
	}

	var notional float64
	switch {
	case v.cfg.UseAdjustedSize:
		risked := in.Balance * v.cfg.RiskPercent / 100
		distance := in.ATR * in.StopLossATR
		if distance <= 0 {
			return reject("invalid stop distance %f", distance)
		}

		multiplier := in.Multiplier
		if multiplier <= 0 {
			multiplier = 1
		}
		notional = risked / distance * in.Price * multiplier
	default:
		notional = v.cfg.DefaultNotional
	}

	maxNotional := in.Balance * v.cfg.MaxBalancePercent / 100
	if notional > maxNotional {
		notional = maxNotional
	}
	if notional < v.cfg.MinTradeValue {
		return reject("notional %.2f below minimum trade value %.2f", notional, v.cfg.MinTradeValue)
	}

	quantity, err := RoundQuantity(notional/in.Price, in.Instrument)
	if err != nil {
		return reject("%v", err)
	}

	qty := quantity.InexactFloat64()
	rounded := quantity.Mul(decimal.NewFromFloat(in.Price)).InexactFloat64()
	switch {
	case rounded < v.cfg.MinTradeValue:
		return reject("rounded notional %.2f below minimum trade value %.2f", rounded, v.cfg.MinTradeValue)
	case rounded < in.Instrument.MinNotional:
		return reject("rounded notional %.2f below venue minimum %.2f", rounded, in.Instrument.MinNotional)
	}

	stop := 0.0
	if in.ATR > 0 && in.StopLossATR > 0 {
		stop = StopPrice(in.Price, in.ATR, in.StopLossATR, in.Direction)
	}

	return &SizeResult{
		Valid:     true,
		Notional:  rounded,
		Quantity:  qty,
		StopPrice: stop,
	}
}

// RoundQuantity floors the provided quantity to the instrument's step size and precision,
// erroring when the result falls below the venue minimum.
func RoundQuantity(quantity float64, info *shared.InstrumentInfo) (decimal.Decimal, error) {
	qty := decimal.NewFromFloat(quantity)
	if info.StepSize > 0 {
		step := decimal.NewFromFloat(info.StepSize)
		qty = qty.Div(step).Floor().Mul(step)
	}
	if info.Precision > 0 {
		qty = qty.Truncate(info.Precision)
	}

	switch {
	case !qty.IsPositive():
		return decimal.Zero, fmt.Errorf("quantity %s rounds to zero with step %g", decimal.NewFromFloat(quantity).String(), info.StepSize)
	case qty.LessThan(decimal.NewFromFloat(info.MinQuantity)):
		return decimal.Zero, fmt.Errorf("quantity %s below venue minimum %g", qty.String(), info.MinQuantity)
	}

	return qty, nil
}
