package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/sentinel/shared"
	"github.com/google/uuid"
)

// ErrPositionClosed is returned when closing an already closed position.
var ErrPositionClosed = errors.New("position already closed")

// Status represents the lifecycle status of a position.
type Status int

const (
	Open Status = iota
	Trailing
	Closed
)

// String stringifies the provided position status.
func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Trailing:
		return "trailing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	status, err := ParseStatus(string(b))
	if err != nil {
		return err
	}

	*s = status
	return nil
}

// ParseStatus parses the provided position status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "open":
		return Open, nil
	case "trailing":
		return Trailing, nil
	case "closed":
		return Closed, nil
	default:
		return Open, fmt.Errorf("unknown position status %q", s)
	}
}

// Position represents a market position opened for a strategy.
type Position struct {
	ID             string                  `json:"id"`
	StrategyID     string                  `json:"strategyId"`
	Instrument     string                  `json:"instrument"`
	Timeframe      shared.Timeframe        `json:"timeframe"`
	Direction      shared.Direction        `json:"direction"`
	EntryPrice     float64                 `json:"entryPrice"`
	EntryTime      time.Time               `json:"entryTime"`
	Quantity       float64                 `json:"quantity"`
	Notional       float64                 `json:"notional"`
	StopLoss       float64                 `json:"stopLoss"`
	TakeProfit     float64                 `json:"takeProfit"`
	TrailEnabled   bool                    `json:"trailEnabled"`
	TrailActivate  float64                 `json:"trailActivate"`
	TrailOffset    float64                 `json:"trailOffset"`
	TimeExit       time.Duration           `json:"timeExit"`
	IsTrailing     bool                    `json:"isTrailing"`
	Extreme        float64                 `json:"extreme"`
	TrailingStop   float64                 `json:"trailingStop"`
	Status         Status                  `json:"status"`
	CloseReason    shared.CloseReason      `json:"closeReason"`
	ExitPrice      float64                 `json:"exitPrice"`
	ExitTime       time.Time               `json:"exitTime"`
	PNLPercent     float64                 `json:"pnlPercent"`
	Conviction     shared.ConvictionResult `json:"conviction"`
	OpportunityKey string                  `json:"opportunityKey"`
}

// NewPosition initializes a new position from the provided trade request and its fill.
func NewPosition(req *shared.TradeRequest, fill *shared.OrderResult, now time.Time) (*Position, error) {
	if req == nil {
		return nil, fmt.Errorf("trade request cannot be nil")
	}
	if fill == nil || !fill.Filled {
		return nil, fmt.Errorf("trade request %s has no fill", req.OpportunityKey)
	}
	if fill.Price <= 0 || fill.Quantity <= 0 {
		return nil, fmt.Errorf("invalid fill for %s: price %f, quantity %f",
			req.OpportunityKey, fill.Price, fill.Quantity)
	}

	pos := &Position{
		ID:             uuid.New().String(),
		StrategyID:     req.StrategyID,
		Instrument:     req.Instrument,
		Timeframe:      req.Timeframe,
		Direction:      req.Direction,
		EntryPrice:     fill.Price,
		EntryTime:      now,
		Quantity:       fill.Quantity,
		Notional:       fill.Price * fill.Quantity,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		TrailEnabled:   req.Trailing,
		TrailActivate:  req.TrailActivate,
		TrailOffset:    req.TrailOffset,
		TimeExit:       req.TimeExit,
		Status:         Open,
		Conviction:     req.Conviction,
		OpportunityKey: req.OpportunityKey,
	}

	return pos, nil
}

// Clone returns a copy of the position.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// UpdatePNLPercent updates the percentage change of the position given the current price.
func (p *Position) UpdatePNLPercent(currentPrice float64) (float64, error) {
	if p.EntryPrice == 0 {
		return 0, fmt.Errorf("position %s has no entry price", p.ID)
	}

	switch p.Direction {
	case shared.Long:
		p.PNLPercent = ((currentPrice - p.EntryPrice) / p.EntryPrice) * 100
	case shared.Short:
		p.PNLPercent = ((p.EntryPrice - currentPrice) / p.EntryPrice) * 100
	default:
		return 0, fmt.Errorf("unknown direction for position: %s", p.Direction.String())
	}

	return p.PNLPercent, nil
}

// trailingStopAt returns the trailing stop for the provided reference price.
func (p *Position) trailingStopAt(price float64) float64 {
	if p.Direction == shared.Short {
		return price * (1 + p.TrailOffset/100)
	}

	return price * (1 - p.TrailOffset/100)
}

// UpdateTrailing activates or tightens the trailing stop for the provided price, reporting
// whether the trailing state changed. The trailing stop is never loosened.
func (p *Position) UpdateTrailing(price float64) bool {
	if !p.TrailEnabled || p.Status == Closed {
		return false
	}

	if !p.IsTrailing {
		pnl, err := p.UpdatePNLPercent(price)
		if err != nil || pnl < p.TrailActivate {
			return false
		}

		p.IsTrailing = true
		p.Status = Trailing
		p.Extreme = price
		p.TrailingStop = p.trailingStopAt(price)
		return true
	}

	switch p.Direction {
	case shared.Long:
		if price <= p.Extreme {
			return false
		}
		p.Extreme = price
		if stop := p.trailingStopAt(price); stop > p.TrailingStop {
			p.TrailingStop = stop
			return true
		}
	case shared.Short:
		if price >= p.Extreme {
			return false
		}
		p.Extreme = price
		if stop := p.trailingStopAt(price); stop < p.TrailingStop {
			p.TrailingStop = stop
			return true
		}
	}

	return false
}

// CheckExit evaluates the exit conditions of the position in priority order: stop loss,
// take profit when not trailing, the trailing stop while trailing and finally the time exit.
// It returns the close reason of the first condition met and the price to close at.
func (p *Position) CheckExit(price float64, now time.Time) (shared.CloseReason, float64) {
	if p.Status == Closed {
		return shared.NotClosed, 0
	}

	long := p.Direction == shared.Long
	switch {
	case p.StopLoss > 0 && ((long && price <= p.StopLoss) || (!long && price >= p.StopLoss)):
		return shared.StopLossHit, p.StopLoss

	case !p.TrailEnabled && p.TakeProfit > 0 &&
		((long && price >= p.TakeProfit) || (!long && price <= p.TakeProfit)):
		return shared.TakeProfitHit, p.TakeProfit

	case p.IsTrailing && ((long && price <= p.TrailingStop) || (!long && price >= p.TrailingStop)):
		return shared.TrailingStopHit, p.TrailingStop

	case p.TimeExit > 0 && now.Sub(p.EntryTime) >= p.TimeExit:
		if p.IsTrailing {
			return shared.TimeoutAfterTrailing, price
		}
		return shared.TimeoutNoTrailing, price
	}

	return shared.NotClosed, 0
}

// Close closes the position with the provided reason and exit price. Closed positions are
// terminal, closing one again returns ErrPositionClosed.
func (p *Position) Close(reason shared.CloseReason, price float64, now time.Time) error {
	if p.Status == Closed {
		return fmt.Errorf("%s: %w", p.ID, ErrPositionClosed)
	}
	if reason == shared.NotClosed {
		return fmt.Errorf("%s: no close reason provided", p.ID)
	}

	if _, err := p.UpdatePNLPercent(price); err != nil {
		return err
	}

	p.Status = Closed
	p.CloseReason = reason
	p.ExitPrice = price
	p.ExitTime = now

	return nil
}
