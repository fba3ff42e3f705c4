package shared

import (
	"context"
)

// MarketFetcher defines the requirements for fetching market data.
type MarketFetcher interface {
	// FetchCandles fetches at least count of the most recent candles for the provided
	// instrument and timeframe, ordered oldest first.
	FetchCandles(ctx context.Context, instrument string, timeframe Timeframe, count int) ([]Candlestick, error)
}

// InstrumentInfo represents the trading rules of an instrument on the venue.
type InstrumentInfo struct {
	Instrument  string
	Tradeable   bool
	StepSize    float64
	MinQuantity float64
	MinNotional float64
	Precision   int32
}

// OrderRequest represents a market order to be placed on the venue.
type OrderRequest struct {
	ClientID   string
	Instrument string
	Direction  Direction
	Quantity   float64
	ReduceOnly bool
}

// OrderResult represents the outcome of a placed order.
type OrderResult struct {
	ClientID  string
	Filled    bool
	Price     float64
	Quantity  float64
	Rejection string
}

// Venue defines the requirements of the trading venue.
type Venue interface {
	// FetchBalance returns the available quote balance.
	FetchBalance(ctx context.Context) (float64, error)
	// FetchPrice returns the current price of the provided instrument.
	FetchPrice(ctx context.Context, instrument string) (float64, error)
	// FetchInstrument returns the trading rules of the provided instrument.
	FetchInstrument(ctx context.Context, instrument string) (*InstrumentInfo, error)
	// PlaceOrders places the provided orders, reporting a result per order.
	PlaceOrders(ctx context.Context, orders []OrderRequest) ([]OrderResult, error)
}
