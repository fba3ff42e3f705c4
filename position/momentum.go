package position

import (
	"math"

	"github.com/dnldd/sentinel/shared"
)

// Momentum tracks the rolling performance momentum of recently closed trades as a 0-100
// score, 50 being neutral.
type Momentum struct {
	trades *shared.Snapshot[float64]
}

// NewMomentum initializes a new momentum tracker over the provided number of trades.
func NewMomentum(window int32) (*Momentum, error) {
	trades, err := shared.NewSnapshot[float64](window)
	if err != nil {
		return nil, err
	}

	return &Momentum{trades: trades}, nil
}

// Record adds the provided closed trade pnl percent.
func (m *Momentum) Record(pnlPercent float64) {
	m.trades.Update(pnlPercent)
}

// Seed replaces the tracked trades with the provided pnl percents, ordered oldest first.
func (m *Momentum) Seed(pnlPercents []float64) {
	m.trades.Reset(pnlPercents)
}

// Score returns the momentum score blending the win rate and the average pnl of the
// tracked trades.
func (m *Momentum) Score() float64 {
	count := m.trades.Count()
	if count == 0 {
		return 50
	}

	trades := m.trades.LastN(count)
	var wins int
	var sum float64
	for _, pnl := range trades {
		if pnl > 0 {
			wins++
		}
		sum += pnl
	}

	winRate := float64(wins) / float64(len(trades)) * 100
	pnlScore := math.Max(0, math.Min(100, 50+sum/float64(len(trades))*10))

	return winRate*0.7 + pnlScore*0.3
}
