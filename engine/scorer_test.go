package engine

import (
	"testing"

	"github.com/dnldd/sentinel/indicator"
	"github.com/dnldd/sentinel/shared"
	"github.com/dnldd/sentinel/strategy"
	"github.com/peterldowns/testy/assert"
)

func TestScore(t *testing.T) {
	s := NewScorer()
	candles := setupCandles(100, 100)
	signals := []shared.Signal{{Strength: 80}, {Strength: 60}}

	// Ensure the score blends the weighted components.
	result := s.Score(&ScoreInput{
		Signals:    signals,
		Indicators: indicator.Set{"atr_14": {2, 2}},
		Candles:    candles,
		Regime:     &shared.Regime{Sentiment: shared.Bullish, Confidence: 60},
		Direction:  shared.Long,
		EntryPrice: 100,
		ATRKey:     "atr_14",
	})
	approx(t, 75, result.Breakdown.Signal)
	approx(t, 80, result.Breakdown.Regime)
	approx(t, 100, result.Breakdown.Volatility)
	approx(t, 50, result.Breakdown.Performance)
	approx(t, 75, result.Score)
	assert.Equal(t, 1.25, result.Multiplier)

	// Ensure missing volatility data and an opposed regime lower the score.
	live := &strategy.Performance{Trades: 10, Wins: 2, GrossProfit: 1, GrossLoss: 4}
	result = s.Score(&ScoreInput{
		Signals:    signals[1:],
		Candles:    candles,
		Regime:     &shared.Regime{Sentiment: shared.Bullish, Confidence: 60},
		Direction:  shared.Short,
		EntryPrice: 100,
		ATRKey:     "atr_14",
		Live:       live,
	})
	approx(t, 60, result.Breakdown.Signal)
	approx(t, 20, result.Breakdown.Regime)
	approx(t, 50, result.Breakdown.Volatility)
	approx(t, 12+0.25/3*40, result.Breakdown.Performance)
	assert.Equal(t, 0.75, result.Multiplier)
}

func TestVolatilityScore(t *testing.T) {
	tests := []struct {
		name string
		atr  float64
		want float64
	}{
		{name: "quiet market", atr: 0.25, want: 75},
		{name: "healthy band", atr: 1.5, want: 100},
		{name: "excessive volatility", atr: 5, want: 70},
		{name: "extreme volatility", atr: 20, want: 0},
	}

	for _, test := range tests {
		got := volatilityScore(indicator.Set{"atr_14": {test.atr}}, "atr_14", 0, 100)
		approx(t, test.want, got)
	}
}

func TestSizeMultiplier(t *testing.T) {
	assert.Equal(t, 1.5, SizeMultiplier(80))
	assert.Equal(t, 1.25, SizeMultiplier(79.9))
	assert.Equal(t, 1.25, SizeMultiplier(65))
	assert.Equal(t, 1.0, SizeMultiplier(50))
	assert.Equal(t, 0.75, SizeMultiplier(49.9))
}

func TestDynamicThreshold(t *testing.T) {
	// Ensure strong momentum lowers the threshold.
	assert.Equal(t, float64(40), DynamicThreshold(50, 70))

	// Ensure neutral momentum leaves the threshold unchanged.
	assert.Equal(t, float64(50), DynamicThreshold(50, 50))

	// Ensure weak momentum raises the threshold.
	assert.Equal(t, float64(60), DynamicThreshold(50, 30))

	// Ensure strong momentum can take the threshold below base without clamping at base.
	assert.Equal(t, float64(30), DynamicThreshold(50, 90))
	assert.True(t, DynamicThreshold(50, 70) < 50)

	// Ensure the threshold is clamped.
	assert.Equal(t, float64(100), DynamicThreshold(90, -50))
	assert.Equal(t, float64(0), DynamicThreshold(10, 100))

	// Ensure a conviction of 45 passes with strong momentum but fails at neutral momentum.
	check := CheckConviction(45, 50, 70)
	assert.True(t, check.Passed)
	assert.Equal(t, float64(40), check.Threshold)
	assert.Equal(t, float64(70), check.Momentum)

	check = CheckConviction(45, 50, 50)
	assert.False(t, check.Passed)
	assert.Equal(t, "conviction 45.0 vs threshold 50.0 (momentum 50.0)", check.String())
}
