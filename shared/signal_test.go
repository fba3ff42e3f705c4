package shared

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
)

func TestRegime(t *testing.T) {
	bull := &Regime{Sentiment: Bullish, Confidence: 72}
	assert.True(t, bull.Aligns(Long))
	assert.False(t, bull.Aligns(Short))
	assert.True(t, bull.Opposes(Short))
	assert.Equal(t, "bullish (72.0%)", bull.String())

	bear := &Regime{Sentiment: Bearish, Confidence: 40}
	assert.True(t, bear.Aligns(Short))
	assert.True(t, bear.Opposes(Long))

	// Ensure a neutral regime neither aligns nor opposes.
	neutral := &Regime{Sentiment: Neutral}
	assert.False(t, neutral.Aligns(Long))
	assert.False(t, neutral.Opposes(Long))
	assert.False(t, neutral.Opposes(Short))
}

func TestOpportunityKey(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	assert.Equal(t, "s1@1700000000", OpportunityKey("s1", ts))
	assert.NotEqual(t, OpportunityKey("s1", ts), OpportunityKey("s1", ts.Add(time.Minute)))
}
