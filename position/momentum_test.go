package position

import (
	"testing"

	"github.com/peterldowns/testy/assert"
)

func TestMomentum(t *testing.T) {
	_, err := NewMomentum(0)
	assert.Error(t, err)

	m, err := NewMomentum(4)
	assert.NoError(t, err)

	// Ensure momentum is neutral without trades.
	assert.Equal(t, float64(50), m.Score())

	// Ensure balanced results stay neutral.
	m.Record(1)
	m.Record(-1)
	assert.Equal(t, float64(50), m.Score())

	// Ensure a winning streak raises momentum.
	for range 4 {
		m.Record(2)
	}
	assert.Equal(t, float64(70+70*0.3), m.Score())

	// Ensure a losing streak lowers momentum below neutral.
	for range 4 {
		m.Record(-3)
	}
	assert.Equal(t, float64(20*0.3), m.Score())
}
