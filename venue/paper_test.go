package venue

import (
	"context"
	"strings"
	"testing"

	"github.com/dnldd/sentinel/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

func setupPaper(t *testing.T, prices map[string]float64) *Paper {
	t.Helper()

	p, err := NewPaper(&PaperConfig{
		Balance:    1000,
		FeePercent: 0,
		Instruments: map[string]InstrumentConfig{
			"BTCUSD": {StepSize: 0.001, MinQuantity: 0.001, MinNotional: 5, Precision: 3},
			"HALTED": {Halted: true},
		},
		Prices: func(instrument string) (float64, bool) {
			price, ok := prices[instrument]
			return price, ok
		},
		Logger: log.Logger,
	})
	assert.NoError(t, err)

	return p
}

func TestPaperConfigValidate(t *testing.T) {
	// Ensure an empty config reports every problem.
	err := (&PaperConfig{FeePercent: 100}).Validate()
	assert.Error(t, err)
	for _, substr := range []string{
		"paper balance must be positive",
		"fee percent must be in [0, 100)",
		"no paper instruments provided",
		"price source cannot be nil",
	} {
		assert.True(t, strings.Contains(err.Error(), substr))
	}
}

func TestPaperFetch(t *testing.T) {
	p := setupPaper(t, map[string]float64{"BTCUSD": 100})
	ctx := context.Background()

	// Ensure the starting balance is reported.
	balance, err := p.FetchBalance(ctx)
	assert.NoError(t, err)
	assert.Equal(t, balance, float64(1000))

	// Ensure prices come from the price source unless pinned.
	price, err := p.FetchPrice(ctx, "BTCUSD")
	assert.NoError(t, err)
	assert.Equal(t, price, float64(100))

	p.SetPrice("BTCUSD", 120)
	price, err = p.FetchPrice(ctx, "BTCUSD")
	assert.NoError(t, err)
	assert.Equal(t, price, float64(120))

	p.SetPrice("BTCUSD", 0)
	price, err = p.FetchPrice(ctx, "BTCUSD")
	assert.NoError(t, err)
	assert.Equal(t, price, float64(100))

	_, err = p.FetchPrice(ctx, "ETHUSD")
	assert.Error(t, err)

	// Ensure instrument rules are reported.
	info, err := p.FetchInstrument(ctx, "BTCUSD")
	assert.NoError(t, err)
	assert.True(t, info.Tradeable)
	assert.Equal(t, info.StepSize, 0.001)
	assert.Equal(t, info.Precision, int32(3))

	info, err = p.FetchInstrument(ctx, "HALTED")
	assert.NoError(t, err)
	assert.False(t, info.Tradeable)

	_, err = p.FetchInstrument(ctx, "ETHUSD")
	assert.Error(t, err)
}

func TestPaperLongRoundTrip(t *testing.T) {
	p := setupPaper(t, map[string]float64{"BTCUSD": 100})
	ctx := context.Background()

	// Ensure an order fills at the current price and debits the balance.
	res, err := p.PlaceOrders(ctx, []shared.OrderRequest{
		{ClientID: "a", Instrument: "BTCUSD", Direction: shared.Long, Quantity: 2},
	})
	assert.NoError(t, err)
	assert.Equal(t, len(res), 1)
	assert.True(t, res[0].Filled)
	assert.Equal(t, res[0].Price, float64(100))

	balance, _ := p.FetchBalance(ctx)
	assert.Equal(t, balance, float64(800))
	assert.Equal(t, p.Exposure("BTCUSD", shared.Long), float64(2))

	// Ensure a repeated client id does not fill twice.
	res, err = p.PlaceOrders(ctx, []shared.OrderRequest{
		{ClientID: "a", Instrument: "BTCUSD", Direction: shared.Long, Quantity: 2},
	})
	assert.NoError(t, err)
	assert.True(t, res[0].Filled)
	balance, _ = p.FetchBalance(ctx)
	assert.Equal(t, balance, float64(800))

	// Ensure closing realises the profit.
	p.SetPrice("BTCUSD", 110)
	res, err = p.PlaceOrders(ctx, []shared.OrderRequest{
		{ClientID: "a/close", Instrument: "BTCUSD", Direction: shared.Short, Quantity: 2, ReduceOnly: true},
	})
	assert.NoError(t, err)
	assert.True(t, res[0].Filled)

	balance, _ = p.FetchBalance(ctx)
	assert.Equal(t, balance, float64(1020))
	assert.Equal(t, p.Exposure("BTCUSD", shared.Long), float64(0))
}

func TestPaperShortRoundTrip(t *testing.T) {
	p := setupPaper(t, map[string]float64{"BTCUSD": 100})
	ctx := context.Background()

	res, err := p.PlaceOrders(ctx, []shared.OrderRequest{
		{ClientID: "s", Instrument: "BTCUSD", Direction: shared.Short, Quantity: 1},
	})
	assert.NoError(t, err)
	assert.True(t, res[0].Filled)

	// Ensure a short profits when the price falls.
	p.SetPrice("BTCUSD", 90)
	res, err = p.PlaceOrders(ctx, []shared.OrderRequest{
		{ClientID: "s/close", Instrument: "BTCUSD", Direction: shared.Long, Quantity: 1, ReduceOnly: true},
	})
	assert.NoError(t, err)
	assert.True(t, res[0].Filled)

	balance, _ := p.FetchBalance(ctx)
	assert.Equal(t, balance, float64(1010))
}

func TestPaperRejections(t *testing.T) {
	p := setupPaper(t, map[string]float64{"BTCUSD": 100, "HALTED": 1})
	ctx := context.Background()

	res, err := p.PlaceOrders(ctx, []shared.OrderRequest{
		{ClientID: "big", Instrument: "BTCUSD", Direction: shared.Long, Quantity: 20},
		{ClientID: "halted", Instrument: "HALTED", Direction: shared.Long, Quantity: 1},
		{ClientID: "unknown", Instrument: "ETHUSD", Direction: shared.Long, Quantity: 1},
		{ClientID: "zero", Instrument: "BTCUSD", Direction: shared.Long, Quantity: 0},
		{ClientID: "reduce", Instrument: "BTCUSD", Direction: shared.Short, Quantity: 1, ReduceOnly: true},
		{ClientID: "ok", Instrument: "BTCUSD", Direction: shared.Long, Quantity: 1},
	})
	assert.NoError(t, err)
	assert.Equal(t, len(res), 6)

	// Ensure every invalid order is rejected with a reason and valid ones still fill.
	for idx := 0; idx < 5; idx++ {
		assert.False(t, res[idx].Filled)
		assert.NotEqual(t, res[idx].Rejection, "")
	}
	assert.True(t, res[5].Filled)

	// Ensure a cancelled context places nothing.
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.PlaceOrders(cctx, []shared.OrderRequest{
		{ClientID: "late", Instrument: "BTCUSD", Direction: shared.Long, Quantity: 1},
	})
	assert.Error(t, err)
}
