package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dnldd/sentinel/shared"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// InstrumentConfig represents the trading rules of a paper instrument.
type InstrumentConfig struct {
	// Halted marks the instrument as not tradeable.
	Halted bool `yaml:"halted"`
	// StepSize is the quantity increment accepted.
	StepSize float64 `yaml:"step_size" validate:"gte=0"`
	// MinQuantity is the smallest accepted quantity.
	MinQuantity float64 `yaml:"min_quantity" validate:"gte=0"`
	// MinNotional is the smallest accepted order value.
	MinNotional float64 `yaml:"min_notional" validate:"gte=0"`
	// Precision is the number of decimal places of the quantity.
	Precision int32 `yaml:"precision" validate:"gte=0"`
}

// PaperConfig represents the configuration of the paper trading venue.
type PaperConfig struct {
	// Balance is the starting quote balance.
	Balance float64 `yaml:"balance" default:"10000" validate:"gt=0"`
	// FeePercent is the fee charged on every fill's notional.
	FeePercent float64 `yaml:"fee_percent" validate:"gte=0,lt=100"`
	// Instruments maps instruments to their trading rules.
	Instruments map[string]InstrumentConfig `yaml:"instruments"`
	// Prices returns the latest known price of an instrument.
	Prices func(instrument string) (float64, bool) `yaml:"-"`
	// Logger represents the application logger.
	Logger zerolog.Logger `yaml:"-"`
}

// Validate asserts the config sane inputs.
func (cfg *PaperConfig) Validate() error {
	var errs error
	if cfg.Balance <= 0 {
		errs = errors.Join(errs, fmt.Errorf("paper balance must be positive"))
	}
	if cfg.FeePercent < 0 || cfg.FeePercent >= 100 {
		errs = errors.Join(errs, fmt.Errorf("fee percent must be in [0, 100)"))
	}
	if len(cfg.Instruments) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no paper instruments provided"))
	}
	if cfg.Prices == nil {
		errs = errors.Join(errs, fmt.Errorf("price source cannot be nil"))
	}
	return errs
}

// lot is the open exposure of an instrument in one direction.
type lot struct {
	quantity decimal.Decimal
	entry    decimal.Decimal
}

// Paper is a simulated venue filling market orders at the latest known price.
type Paper struct {
	cfg       *PaperConfig
	balance   decimal.Decimal
	fee       decimal.Decimal
	lots      map[string]map[shared.Direction]*lot
	overrides map[string]float64
	fills     map[string]shared.OrderResult
	mtx       sync.Mutex
}

// Ensure the paper venue implements the Venue interface.
var _ shared.Venue = (*Paper)(nil)

// NewPaper initializes a new paper trading venue.
func NewPaper(cfg *PaperConfig) (*Paper, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating paper config: %w", err)
	}

	return &Paper{
		cfg:       cfg,
		balance:   decimal.NewFromFloat(cfg.Balance),
		fee:       decimal.NewFromFloat(cfg.FeePercent).Div(decimal.NewFromInt(100)),
		lots:      make(map[string]map[shared.Direction]*lot),
		overrides: make(map[string]float64),
		fills:     make(map[string]shared.OrderResult),
	}, nil
}

// SetPrice pins the price of the provided instrument, taking precedence over the price source.
func (p *Paper) SetPrice(instrument string, price float64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if price <= 0 {
		delete(p.overrides, instrument)
		return
	}
	p.overrides[instrument] = price
}

// price returns the current price of the provided instrument. Callers must hold the lock.
func (p *Paper) price(instrument string) (float64, error) {
	if price, ok := p.overrides[instrument]; ok {
		return price, nil
	}

	price, ok := p.cfg.Prices(instrument)
	if !ok || price <= 0 {
		return 0, fmt.Errorf("no price available for %s", instrument)
	}

	return price, nil
}

// FetchBalance returns the available quote balance.
func (p *Paper) FetchBalance(ctx context.Context) (float64, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.balance.InexactFloat64(), nil
}

// FetchPrice returns the current price of the provided instrument.
func (p *Paper) FetchPrice(ctx context.Context, instrument string) (float64, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.price(instrument)
}

// FetchInstrument returns the trading rules of the provided instrument.
func (p *Paper) FetchInstrument(ctx context.Context, instrument string) (*shared.InstrumentInfo, error) {
	rules, ok := p.cfg.Instruments[instrument]
	if !ok {
		return nil, fmt.Errorf("unknown instrument %s: %w", instrument, shared.ErrPermanent)
	}

	return &shared.InstrumentInfo{
		Instrument:  instrument,
		Tradeable:   !rules.Halted,
		StepSize:    rules.StepSize,
		MinQuantity: rules.MinQuantity,
		MinNotional: rules.MinNotional,
		Precision:   rules.Precision,
	}, nil
}

// Exposure returns the open quantity of the provided instrument in the provided direction.
func (p *Paper) Exposure(instrument string, direction shared.Direction) float64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	l, ok := p.lots[instrument][direction]
	if !ok {
		return 0
	}
	return l.quantity.InexactFloat64()
}

// PlaceOrders fills the provided orders in sequence. Orders repeating the client id of a
// filled order return the original fill without filling again.
func (p *Paper) PlaceOrders(ctx context.Context, orders []shared.OrderRequest) ([]shared.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	results := make([]shared.OrderResult, 0, len(orders))
	for idx := range orders {
		order := orders[idx]
		if order.ClientID != "" {
			if prev, ok := p.fills[order.ClientID]; ok {
				results = append(results, prev)
				continue
			}
		}

		res := p.fill(&order)
		if res.Filled {
			p.cfg.Logger.Info().Msgf("paper fill %s %s %.8f %s @ %.8f",
				order.ClientID, order.Direction.String(), res.Quantity, order.Instrument, res.Price)
		}
		if order.ClientID != "" && res.Filled {
			p.fills[order.ClientID] = res
		}

		results = append(results, res)
	}

	return results, nil
}

// fill executes a single order. Callers must hold the lock.
func (p *Paper) fill(order *shared.OrderRequest) shared.OrderResult {
	res := shared.OrderResult{ClientID: order.ClientID}

	rules, ok := p.cfg.Instruments[order.Instrument]
	switch {
	case !ok:
		res.Rejection = fmt.Sprintf("unknown instrument %s", order.Instrument)
		return res
	case rules.Halted && !order.ReduceOnly:
		res.Rejection = fmt.Sprintf("%s is not tradeable", order.Instrument)
		return res
	case order.Quantity <= 0:
		res.Rejection = fmt.Sprintf("invalid quantity %.8f", order.Quantity)
		return res
	}

	price, err := p.price(order.Instrument)
	if err != nil {
		res.Rejection = err.Error()
		return res
	}

	qty := decimal.NewFromFloat(order.Quantity)
	px := decimal.NewFromFloat(price)
	notional := qty.Mul(px)
	fee := notional.Mul(p.fee)

	if order.ReduceOnly {
		held := p.lots[order.Instrument][order.Direction.Opposite()]
		if held == nil || held.quantity.LessThan(qty) {
			res.Rejection = fmt.Sprintf("reduce only order exceeds open %s exposure",
				order.Direction.Opposite().String())
			return res
		}

		// Release the margin and settle the profit or loss of the reduced lot.
		margin := qty.Mul(held.entry)
		pnl := px.Sub(held.entry).Mul(qty)
		if order.Direction == shared.Long {
			pnl = pnl.Neg()
		}

		p.balance = p.balance.Add(margin).Add(pnl).Sub(fee)
		held.quantity = held.quantity.Sub(qty)
		if held.quantity.IsZero() {
			delete(p.lots[order.Instrument], order.Direction.Opposite())
		}
	} else {
		if notional.Add(fee).GreaterThan(p.balance) {
			res.Rejection = fmt.Sprintf("insufficient balance %s for notional %s",
				p.balance.StringFixed(2), notional.StringFixed(2))
			return res
		}

		p.balance = p.balance.Sub(notional).Sub(fee)

		byDirection, ok := p.lots[order.Instrument]
		if !ok {
			byDirection = make(map[shared.Direction]*lot)
			p.lots[order.Instrument] = byDirection
		}

		held, ok := byDirection[order.Direction]
		if !ok {
			byDirection[order.Direction] = &lot{quantity: qty, entry: px}
		} else {
			total := held.quantity.Add(qty)
			held.entry = held.quantity.Mul(held.entry).Add(notional).Div(total)
			held.quantity = total
		}
	}

	res.Filled = true
	res.Price = price
	res.Quantity = order.Quantity

	return res
}
