package indicator

import (
	"math"

	"github.com/dnldd/sentinel/shared"
)

// nanSeries returns a series of n NaN values.
func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for idx := range out {
		out[idx] = math.NaN()
	}

	return out
}

// SimpleMovingAverage computes the simple moving average of the provided values.
func SimpleMovingAverage(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	var sum float64
	for idx := range values {
		sum += values[idx]
		if idx >= period {
			sum -= values[idx-period]
		}
		if idx >= period-1 {
			out[idx] = sum / float64(period)
		}
	}

	return out
}

// ExponentialMovingAverage computes the exponential moving average of the provided values,
// seeded with the simple average of the first period values.
func ExponentialMovingAverage(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	alpha := 2.0 / float64(period+1)
	var seed float64
	for idx := 0; idx < period; idx++ {
		seed += values[idx]
	}

	prev := seed / float64(period)
	out[period-1] = prev
	for idx := period; idx < len(values); idx++ {
		prev = values[idx]*alpha + prev*(1-alpha)
		out[idx] = prev
	}

	return out
}

// emaOfSeries computes an exponential moving average over a series which may start with
// NaN values.
func emaOfSeries(values []float64, period int) []float64 {
	start := 0
	for start < len(values) && math.IsNaN(values[start]) {
		start++
	}

	out := nanSeries(len(values))
	tail := ExponentialMovingAverage(values[start:], period)
	copy(out[start:], tail)

	return out
}

// AverageTrueRange computes Wilder's average true range.
func AverageTrueRange(candles []shared.Candlestick, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) <= period {
		return out
	}

	tr := make([]float64, len(candles))
	tr[0] = candles[0].Range()
	for idx := 1; idx < len(candles); idx++ {
		prevClose := candles[idx-1].Close
		tr[idx] = math.Max(candles[idx].Range(),
			math.Max(math.Abs(candles[idx].High-prevClose), math.Abs(candles[idx].Low-prevClose)))
	}

	var sum float64
	for idx := 1; idx <= period; idx++ {
		sum += tr[idx]
	}

	prev := sum / float64(period)
	out[period] = prev
	for idx := period + 1; idx < len(candles); idx++ {
		prev = (prev*float64(period-1) + tr[idx]) / float64(period)
		out[idx] = prev
	}

	return out
}
