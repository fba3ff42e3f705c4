package shared

import (
	"fmt"
	"time"
)

// Signal represents a single matched strategy condition on the most recent candle.
type Signal struct {
	Type     string
	Value    string
	Strength float64
	Priority int
	IsEvent  bool
	Index    int
}

// Regime represents the prevailing market regime.
type Regime struct {
	Instrument string
	Sentiment  Sentiment
	Confidence float64
	UpdatedOn  time.Time
}

// Aligns checks whether the provided direction trades with the regime. A neutral regime
// aligns with neither direction.
func (r *Regime) Aligns(direction Direction) bool {
	switch r.Sentiment {
	case Bullish:
		return direction == Long
	case Bearish:
		return direction == Short
	default:
		return false
	}
}

// Opposes checks whether the provided direction trades against the regime.
func (r *Regime) Opposes(direction Direction) bool {
	switch r.Sentiment {
	case Bullish:
		return direction == Short
	case Bearish:
		return direction == Long
	default:
		return false
	}
}

// State returns the name of the regime state.
func (r *Regime) State() string {
	switch r.Sentiment {
	case Bullish:
		return "bullish"
	case Bearish:
		return "bearish"
	default:
		return "neutral"
	}
}

// String stringifies the regime.
func (r *Regime) String() string {
	return fmt.Sprintf("%s (%.1f%%)", r.State(), r.Confidence)
}

// ConvictionBreakdown represents the named sub-scores of a conviction score.
type ConvictionBreakdown struct {
	Regime      float64 `json:"regime"`
	Signal      float64 `json:"signal"`
	Volatility  float64 `json:"volatility"`
	Performance float64 `json:"performance"`
}

// ConvictionResult represents the composite confidence rating for a candidate trade.
type ConvictionResult struct {
	Score      float64             `json:"score"`
	Multiplier float64             `json:"multiplier"`
	Breakdown  ConvictionBreakdown `json:"breakdown"`
}

// TradeRequest represents a sized request to open a position.
type TradeRequest struct {
	StrategyID     string
	MaxPositions   int
	Instrument     string
	Timeframe      Timeframe
	Direction      Direction
	Price          float64
	Quantity       float64
	Notional       float64
	StopLoss       float64
	TakeProfit     float64
	Trailing       bool
	TrailActivate  float64
	TrailOffset    float64
	TimeExit       time.Duration
	Strength       float64
	Signals        []Signal
	Conviction     ConvictionResult
	OpportunityKey string
	CreatedOn      time.Time
}

// OpportunityKey returns the key identifying a single entry opportunity for a strategy.
func OpportunityKey(strategyID string, candleTime time.Time) string {
	return fmt.Sprintf("%s@%d", strategyID, candleTime.Unix())
}
