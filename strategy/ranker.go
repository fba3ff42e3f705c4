package strategy

import (
	"math"
	"strings"
)

const (
	// liveDominantTrades is the live trade count from which live results dominate ranking.
	liveDominantTrades = 15
	// liveBlendTrades is the live trade count above which live and backtest results blend.
	liveBlendTrades = 10
	// poorLiveWinRate is the live win rate below which live losses are penalised.
	poorLiveWinRate = 40
	// liveLossPenalty is the penalty per live loss for strategies with a poor live record.
	liveLossPenalty = 2
	// explorationBonus is the bonus for strategies without any live trades.
	explorationBonus = 5
	// profitFactorCeiling is the profit factor that earns the full profit factor score.
	profitFactorCeiling = 3
)

// metricScore scores a performance record on a 0-100 scale from profit factor and win rate.
func metricScore(p *Performance) float64 {
	pf := math.Min(p.ProfitFactor(), profitFactorCeiling) / profitFactorCeiling
	return pf*60 + p.WinRate()*0.4
}

// Score returns the ranking score of the strategy blending live and backtested results by
// the size of its live record.
func Score(s *Strategy) float64 {
	live := metricScore(&s.Live)
	backtest := metricScore(&s.Backtest)

	switch n := s.Live.Trades; {
	case n >= liveDominantTrades:
		return live*0.8 + backtest*0.2
	case n > liveBlendTrades:
		return live*0.5 + backtest*0.5
	default:
		score := backtest
		if n == 0 {
			return score + explorationBonus
		}
		if s.Live.WinRate() < poorLiveWinRate {
			score -= float64(s.Live.Losses()) * liveLossPenalty
		}
		return score
	}
}

// Rank selects the best strategy among the provided eligible ones. Strategies at their
// position cap are excluded before scoring. Returns nil when none qualify.
func Rank(strategies []*Strategy, openCounts map[string]int) *Strategy {
	var best *Strategy
	var bestScore float64
	for _, s := range strategies {
		if s == nil || openCounts[s.ID] >= s.MaxPositions {
			continue
		}

		score := Score(s)
		switch {
		case best == nil,
			score > bestScore,
			score == bestScore && strings.Compare(s.ID, best.ID) < 0:
			best = s
			bestScore = score
		}
	}

	return best
}
