package indicator

import (
	"math"
)

// RelativeStrengthIndex computes Wilder's relative strength index.
func RelativeStrengthIndex(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 || len(closes) <= period {
		return out
	}

	var gain, loss float64
	for idx := 1; idx <= period; idx++ {
		change := closes[idx] - closes[idx-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}

	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for idx := period + 1; idx < len(closes); idx++ {
		change := closes[idx] - closes[idx-1]
		var g, l float64
		if change > 0 {
			g = change
		} else {
			l = -change
		}

		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[idx] = rsiValue(avgGain, avgLoss)
	}

	return out
}

// rsiValue converts average gains and losses to an index value.
func rsiValue(avgGain float64, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MovingAverageConvergenceDivergence computes the macd line, signal line and histogram.
func MovingAverageConvergenceDivergence(closes []float64, fast int, slow int, signal int) ([]float64, []float64, []float64) {
	line := nanSeries(len(closes))
	fastEMA := ExponentialMovingAverage(closes, fast)
	slowEMA := ExponentialMovingAverage(closes, slow)
	for idx := range closes {
		if math.IsNaN(fastEMA[idx]) || math.IsNaN(slowEMA[idx]) {
			continue
		}
		line[idx] = fastEMA[idx] - slowEMA[idx]
	}

	signalLine := emaOfSeries(line, signal)
	hist := nanSeries(len(closes))
	for idx := range closes {
		if math.IsNaN(line[idx]) || math.IsNaN(signalLine[idx]) {
			continue
		}
		hist[idx] = line[idx] - signalLine[idx]
	}

	return line, signalLine, hist
}

// BollingerBands computes the middle, upper and lower bands as well as the band width
// relative to the middle band.
func BollingerBands(closes []float64, period int, stdDev float64) ([]float64, []float64, []float64, []float64) {
	middle := SimpleMovingAverage(closes, period)
	upper := nanSeries(len(closes))
	lower := nanSeries(len(closes))
	width := nanSeries(len(closes))

	for idx := range closes {
		if math.IsNaN(middle[idx]) {
			continue
		}

		var variance float64
		for j := idx - period + 1; j <= idx; j++ {
			diff := closes[j] - middle[idx]
			variance += diff * diff
		}
		sd := math.Sqrt(variance / float64(period))

		upper[idx] = middle[idx] + stdDev*sd
		lower[idx] = middle[idx] - stdDev*sd
		if middle[idx] != 0 {
			width[idx] = (upper[idx] - lower[idx]) / middle[idx]
		}
	}

	return middle, upper, lower, width
}
