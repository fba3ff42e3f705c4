package risk

import (
	"strings"
	"testing"

	"github.com/dnldd/sentinel/shared"
	"github.com/peterldowns/testy/assert"
)

func setupInstrument() *shared.InstrumentInfo {
	return &shared.InstrumentInfo{
		Instrument:  "BTCUSD",
		Tradeable:   true,
		StepSize:    0.01,
		MinQuantity: 0.01,
		MinNotional: 5,
		Precision:   4,
	}
}

func TestValidatorConfig(t *testing.T) {
	// Ensure fixed mode requires a default notional.
	cfg := &ValidatorConfig{RiskPercent: 1, MaxBalancePercent: 100}
	_, err := NewValidator(cfg)
	assert.Error(t, err)

	// Ensure risk percent is bounded.
	cfg = &ValidatorConfig{UseAdjustedSize: true, RiskPercent: 150, MaxBalancePercent: 100}
	_, err = NewValidator(cfg)
	assert.Error(t, err)

	// Ensure a valid config creates a validator.
	cfg = &ValidatorConfig{DefaultNotional: 100, RiskPercent: 1, MinTradeValue: 10, MaxBalancePercent: 100}
	v, err := NewValidator(cfg)
	assert.NoError(t, err)
	assert.NotNil(t, v)
}

func TestStopPrice(t *testing.T) {
	assert.Equal(t, float64(95), StopPrice(100, 2, 2.5, shared.Long))
	assert.Equal(t, float64(105), StopPrice(100, 2, 2.5, shared.Short))
}

func TestTargetPrice(t *testing.T) {
	assert.Equal(t, float64(106), TargetPrice(100, 2, 3, shared.Long))
	assert.Equal(t, float64(94), TargetPrice(100, 2, 3, shared.Short))
}

func TestSizeVolatilityAdjusted(t *testing.T) {
	v, err := NewValidator(&ValidatorConfig{
		UseAdjustedSize:   true,
		RiskPercent:       1,
		MinTradeValue:     10,
		MaxBalancePercent: 100,
	})
	assert.NoError(t, err)

	// Ensure size is derived from the risked balance over the stop distance and scaled by
	// the conviction multiplier.
	res := v.Size(&SizeInput{
		Balance:     1000,
		Price:       100,
		Direction:   shared.Long,
		ATR:         2,
		StopLossATR: 2.5,
		Multiplier:  1.25,
		Instrument:  setupInstrument(),
	})
	assert.True(t, res.Valid)
	assert.Equal(t, 2.5, res.Quantity)
	assert.Equal(t, float64(250), res.Notional)
	assert.Equal(t, float64(95), res.StopPrice)
	assert.Equal(t, "", res.Rejection)

	// Ensure size is capped by the available balance.
	res = v.Size(&SizeInput{
		Balance:     100,
		Price:       100,
		Direction:   shared.Short,
		ATR:         0.1,
		StopLossATR: 1,
		Multiplier:  1,
		Instrument:  setupInstrument(),
	})
	assert.True(t, res.Valid)
	assert.Equal(t, float64(1), res.Quantity)
	assert.Equal(t, float64(100), res.Notional)
	assert.Equal(t, 100.1, res.StopPrice)

	// Ensure a missing atr rejects volatility sizing.
	res = v.Size(&SizeInput{
		Balance:    1000,
		Price:      100,
		Multiplier: 1,
		Instrument: setupInstrument(),
	})
	assert.False(t, res.Valid)
	assert.True(t, strings.Contains(res.Rejection, "atr unavailable"))
}

func TestSizeRejections(t *testing.T) {
	v, err := NewValidator(&ValidatorConfig{
		DefaultNotional:   100,
		RiskPercent:       1,
		MinTradeValue:     10,
		MaxBalancePercent: 100,
	})
	assert.NoError(t, err)

	notTradeable := setupInstrument()
	notTradeable.Tradeable = false

	coarse := setupInstrument()
	coarse.StepSize = 0.01
	coarse.MinQuantity = 0

	strict := setupInstrument()
	strict.MinNotional = 150

	tests := []struct {
		name      string
		in        *SizeInput
		valid     bool
		quantity  float64
		rejection string
	}{
		{
			name:      "nil input",
			rejection: "no size input",
		},
		{
			name:      "missing instrument rules",
			in:        &SizeInput{Balance: 1000, Price: 100},
			rejection: "no instrument rules",
		},
		{
			name:      "instrument not tradeable",
			in:        &SizeInput{Balance: 1000, Price: 100, Instrument: notTradeable},
			rejection: "not tradeable",
		},
		{
			name:      "no balance",
			in:        &SizeInput{Price: 100, Instrument: setupInstrument()},
			rejection: "no available balance",
		},
		{
			name:      "invalid price",
			in:        &SizeInput{Balance: 1000, Instrument: setupInstrument()},
			rejection: "invalid price",
		},
		{
			name:      "balance below minimum trade value",
			in:        &SizeInput{Balance: 5, Price: 100, Instrument: setupInstrument()},
			rejection: "below minimum trade value",
		},
		{
			name:      "quantity rounds to zero",
			in:        &SizeInput{Balance: 1000, Price: 100000, Instrument: coarse},
			rejection: "rounds to zero",
		},
		{
			name:      "below venue minimum notional",
			in:        &SizeInput{Balance: 1000, Price: 100, Instrument: strict},
			rejection: "below venue minimum",
		},
		{
			name:     "fixed notional",
			in:       &SizeInput{Balance: 1000, Price: 30, Instrument: setupInstrument()},
			valid:    true,
			quantity: 3.33,
		},
	}

	for _, test := range tests {
		res := v.Size(test.in)
		if res.Valid != test.valid {
			t.Errorf("%s: expected validity %v, got %v (%s)", test.name, test.valid, res.Valid, res.Rejection)
			continue
		}
		if !test.valid {
			if !strings.Contains(res.Rejection, test.rejection) {
				t.Errorf("%s: expected rejection containing %q, got %q", test.name, test.rejection, res.Rejection)
			}
			continue
		}
		if res.Quantity != test.quantity {
			t.Errorf("%s: expected quantity %v, got %v", test.name, test.quantity, res.Quantity)
		}
	}
}

func TestRoundQuantity(t *testing.T) {
	info := setupInstrument()

	// Ensure quantities are floored to the step size.
	qty, err := RoundQuantity(1.23456, info)
	assert.NoError(t, err)
	assert.Equal(t, "1.23", qty.String())

	// Ensure quantities below the venue minimum are rejected.
	info.StepSize = 0.001
	_, err = RoundQuantity(0.005, info)
	assert.Error(t, err)

	// Ensure precision truncates without a step size.
	info.StepSize = 0
	info.MinQuantity = 0
	info.Precision = 2
	qty, err = RoundQuantity(0.129, info)
	assert.NoError(t, err)
	assert.Equal(t, "0.12", qty.String())
}
