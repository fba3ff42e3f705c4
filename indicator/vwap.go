package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/dnldd/sentinel/shared"
	"go.uber.org/atomic"
)

// VWAP represents a unit VWAP entry for a market.
type VWAP struct {
	Value float64
	Date  time.Time
}

// VWAPGenerator represents the Volume Weighted Average Price indicator.
type VWAPGenerator struct {
	TypicalPriceVolume atomic.Float64
	Volume             atomic.Float64
	Current            atomic.Pointer[VWAP]
	Market             string
	Timeframe          shared.Timeframe
}

// NewVWAPGenerator initializes a VWAP indicator for the provided market and timeframe.
func NewVWAPGenerator(market string, timeframe shared.Timeframe) *VWAPGenerator {
	return &VWAPGenerator{
		Market:    market,
		Timeframe: timeframe,
	}
}

// Update cumulatively updates the VWAP indicator with the provided candlestick data.
func (v *VWAPGenerator) Update(candle *shared.Candlestick) (*VWAP, error) {
	if candle.Timeframe != v.Timeframe {
		return nil, fmt.Errorf("expected candles with timeframe %s, got %s",
			v.Timeframe.String(), candle.Timeframe.String())
	}

	typicalPrice := candle.TypicalPrice()
	v.TypicalPriceVolume.Add(typicalPrice * candle.Volume)
	v.Volume.Add(candle.Volume)

	vwap := &VWAP{
		Date: candle.Date,
	}

	if v.TypicalPriceVolume.Load() == 0 {
		return vwap, nil
	}

	vwap.Value = v.TypicalPriceVolume.Load() / v.Volume.Load()
	v.Current.Store(vwap)

	return vwap, nil
}

// Reset resets the VWAP indicator after a trading session.
func (v *VWAPGenerator) Reset() {
	v.TypicalPriceVolume.Store(0)
	v.Volume.Store(0)
}

// SessionVWAP computes the VWAP over the provided candles, resetting at every UTC day
// boundary. Candles without volume yield NaN until volume accumulates.
func SessionVWAP(candles []shared.Candlestick) []float64 {
	out := nanSeries(len(candles))
	if len(candles) == 0 {
		return out
	}

	gen := NewVWAPGenerator(candles[0].Market, candles[0].Timeframe)
	var session time.Time
	for idx := range candles {
		candle := candles[idx]
		candle.Timeframe = gen.Timeframe

		day := candle.Date.UTC().Truncate(time.Hour * 24)
		if !day.Equal(session) {
			gen.Reset()
			session = day
		}

		vwap, err := gen.Update(&candle)
		if err != nil || vwap.Value == 0 {
			continue
		}
		if !math.IsNaN(vwap.Value) {
			out[idx] = vwap.Value
		}
	}

	return out
}
