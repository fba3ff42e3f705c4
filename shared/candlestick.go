package shared

import (
	"math"
	"time"
)

// Kind represents type of candlestick.
type Kind int

const (
	Marubozu Kind = iota
	Pinbar
	Doji
	Unknown
)

// Sentiment represents the candlestick sentiment.
type Sentiment int

const (
	Neutral Sentiment = iota
	Bullish
	Bearish
)

// Candlestick represents a unit candlestick for a market.
type Candlestick struct {
	Open   float64
	Low    float64
	High   float64
	Close  float64
	Volume float64
	Date   time.Time

	// Metadata fields.
	Market    string
	Timeframe Timeframe
}

// Range returns the high to low range of the candlestick.
func (c *Candlestick) Range() float64 {
	return c.High - c.Low
}

// TypicalPrice returns the average of the high, low and close.
func (c *Candlestick) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// FetchSentiment returns the provided candlestick's sentiment.
func (c *Candlestick) FetchSentiment() Sentiment {
	sentiment := c.Close - c.Open
	switch {
	case sentiment < 0:
		return Bearish
	case sentiment > 0:
		return Bullish
	default:
		return Neutral
	}
}

// FetchKind returns the candlestick type.
func (c *Candlestick) FetchKind() Kind {
	candleRange := c.Range()
	if candleRange == 0 {
		return Unknown
	}

	candleBody := math.Abs(c.Close - c.Open)
	upperWickRange := c.High - math.Max(c.Open, c.Close)
	lowerWickRange := math.Min(c.Open, c.Close) - c.Low

	bodyPercent := candleBody / candleRange
	upperWickPercent := upperWickRange / candleRange
	lowerWickPercent := lowerWickRange / candleRange

	switch {
	case bodyPercent <= 0.3 && (upperWickPercent >= 0.6 || lowerWickPercent >= 0.6):
		// A small body with one dominant wick is a pin bar.
		return Pinbar
	case bodyPercent <= 0.3 && upperWickPercent >= 0.3 && lowerWickPercent >= 0.3:
		return Doji
	case bodyPercent >= 0.7:
		return Marubozu
	default:
		return Unknown
	}
}

// IsEngulfing checks whether the candle engulfs the body of the previous candle in the
// opposite direction.
func (c *Candlestick) IsEngulfing(prev *Candlestick) bool {
	cur := c.FetchSentiment()
	if cur == Neutral || cur == prev.FetchSentiment() {
		return false
	}

	return math.Max(c.Open, c.Close) >= math.Max(prev.Open, prev.Close) &&
		math.Min(c.Open, c.Close) <= math.Min(prev.Open, prev.Close)
}
