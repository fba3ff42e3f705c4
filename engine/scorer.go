package engine

import (
	"fmt"
	"math"

	"github.com/dnldd/sentinel/indicator"
	"github.com/dnldd/sentinel/shared"
	"github.com/dnldd/sentinel/strategy"
)

// Conviction component weights.
const (
	signalWeight      = 0.40
	regimeWeight      = 0.25
	volatilityWeight  = 0.15
	performanceWeight = 0.20
)

const (
	// neutralScore is the score of a component lacking the data to be scored.
	neutralScore = 50
	// multiSignalBonus is the signal score bonus for every confirming signal past the first.
	multiSignalBonus = 5
	// minHealthyATRPercent and maxHealthyATRPercent bound the volatility band scored in full.
	minHealthyATRPercent = 0.5
	maxHealthyATRPercent = 3
	// momentumShift is the threshold shift per momentum point away from neutral.
	momentumShift = 0.5
	// neutralMomentum is the momentum score that leaves the threshold unchanged.
	neutralMomentum = 50
)

// ScoreInput represents the inputs of a conviction score.
type ScoreInput struct {
	Signals    []shared.Signal
	Indicators indicator.Set
	Candles    []shared.Candlestick
	Regime     *shared.Regime
	Direction  shared.Direction
	EntryPrice float64
	// ATRKey is the series key of the atr used to gauge volatility.
	ATRKey string
	// Live is the live performance of the strategy.
	Live *strategy.Performance
}

// Scorer rates candidate trades.
type Scorer struct{}

// NewScorer initializes a new conviction scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score computes the conviction of the provided candidate trade.
func (s *Scorer) Score(in *ScoreInput) shared.ConvictionResult {
	breakdown := shared.ConvictionBreakdown{
		Signal:      signalScore(in.Signals),
		Regime:      regimeScore(in.Regime, in.Direction),
		Volatility:  volatilityScore(in.Indicators, in.ATRKey, len(in.Candles)-1, in.EntryPrice),
		Performance: performanceScore(in.Live),
	}

	score := breakdown.Signal*signalWeight +
		breakdown.Regime*regimeWeight +
		breakdown.Volatility*volatilityWeight +
		breakdown.Performance*performanceWeight
	score = clamp(score, 0, 100)

	return shared.ConvictionResult{
		Score:      score,
		Multiplier: SizeMultiplier(score),
		Breakdown:  breakdown,
	}
}

// SizeMultiplier returns the position size multiplier of the provided conviction score.
func SizeMultiplier(score float64) float64 {
	switch {
	case score >= 80:
		return 1.5
	case score >= 65:
		return 1.25
	case score >= 50:
		return 1
	default:
		return 0.75
	}
}

// signalScore averages the signal strengths with a bonus for confirming signals.
func signalScore(signals []shared.Signal) float64 {
	if len(signals) == 0 {
		return 0
	}

	var sum float64
	for idx := range signals {
		sum += signals[idx].Strength
	}

	avg := sum / float64(len(signals))
	return clamp(avg+float64(len(signals)-1)*multiSignalBonus, 0, 100)
}

// regimeScore rates the alignment of the direction with the regime.
func regimeScore(regime *shared.Regime, direction shared.Direction) float64 {
	if regime == nil {
		return neutralScore
	}

	confidence := clamp(regime.Confidence, 0, 100)
	switch {
	case regime.Aligns(direction):
		return neutralScore + confidence/2
	case regime.Opposes(direction):
		return neutralScore - confidence/2
	default:
		return neutralScore
	}
}

// volatilityScore rates the atr as a percentage of price. Volatility within the healthy band
// scores in full, quiet and excessive markets score less.
func volatilityScore(set indicator.Set, atrKey string, idx int, price float64) float64 {
	atr, ok := set.At(atrKey, idx)
	if !ok || price <= 0 {
		return neutralScore
	}

	pct := atr / price * 100
	switch {
	case pct < minHealthyATRPercent:
		return neutralScore + pct/minHealthyATRPercent*neutralScore
	case pct <= maxHealthyATRPercent:
		return 100
	default:
		return math.Max(0, 100-(pct-maxHealthyATRPercent)*15)
	}
}

// performanceScore rates the live record of the strategy.
func performanceScore(live *strategy.Performance) float64 {
	if live == nil || live.Trades == 0 {
		return neutralScore
	}

	return clamp(live.WinRate()*0.6+math.Min(live.ProfitFactor(), 3)/3*40, 0, 100)
}

// DynamicThreshold returns the conviction threshold adjusted by the performance momentum.
// Momentum above neutral lowers the threshold, momentum below raises it. The result is clamped
// to [0, 100] rather than [base, 100] so strong momentum can take it below base: base 50 with
// momentum 70 gives 50 - (70 - 50) * 0.5 = 40.
func DynamicThreshold(base float64, momentum float64) float64 {
	return clamp(base-(momentum-neutralMomentum)*momentumShift, 0, 100)
}

// ConvictionCheck represents the audit record of a conviction threshold check.
type ConvictionCheck struct {
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Momentum  float64 `json:"momentum"`
	Passed    bool    `json:"passed"`
}

// CheckConviction checks the provided score against the dynamic threshold.
func CheckConviction(score float64, base float64, momentum float64) ConvictionCheck {
	threshold := DynamicThreshold(base, momentum)
	return ConvictionCheck{
		Score:     score,
		Threshold: threshold,
		Momentum:  momentum,
		Passed:    score >= threshold,
	}
}

// String stringifies the conviction check.
func (c ConvictionCheck) String() string {
	return fmt.Sprintf("conviction %.1f vs threshold %.1f (momentum %.1f)", c.Score, c.Threshold, c.Momentum)
}
