package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dnldd/sentinel/shared"
	"github.com/peterldowns/testy/assert"
)

func setupStoredPosition(t *testing.T, key string, now time.Time) *Position {
	req := setupRequest("alpha", "BTCUSD", key)
	pos, err := NewPosition(req, &shared.OrderResult{Filled: true, Price: 100, Quantity: 1}, now)
	assert.NoError(t, err)
	return pos
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

	first := setupStoredPosition(t, "alpha@1", now)
	second := setupStoredPosition(t, "alpha@2", now.Add(time.Hour))

	// Ensure positions can be persisted as a batch.
	err := store.PersistPositions(ctx, []*Position{first, second})
	assert.NoError(t, err)

	open, err := store.FetchOpenPositions(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(open))

	// Ensure a batch repeating a stored opportunity is rejected whole.
	third := setupStoredPosition(t, "alpha@3", now)
	dup := setupStoredPosition(t, "alpha@1", now)
	err = store.PersistPositions(ctx, []*Position{third, dup})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateOpportunity))

	open, err = store.FetchOpenPositions(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(open))

	// Ensure stored positions are copies.
	first.StopLoss = 1
	open, err = store.FetchOpenPositions(ctx)
	assert.NoError(t, err)
	for _, pos := range open {
		assert.NotEqual(t, 1.0, pos.StopLoss)
	}

	// Ensure opportunity keys can be filtered by entry time.
	keys, err := store.FetchOpportunityKeys(ctx, now.Add(time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, []string{"alpha@2"}, keys)

	// Ensure closed positions leave the open set.
	err = second.Close(shared.TakeProfitHit, 106, now.Add(time.Hour*2))
	assert.NoError(t, err)
	err = store.UpdatePosition(ctx, second)
	assert.NoError(t, err)

	open, err = store.FetchOpenPositions(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(open))
	assert.Equal(t, first.ID, open[0].ID)

	closed, err := store.FetchClosedPositions(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(closed))
	assert.Equal(t, shared.TakeProfitHit, closed[0].CloseReason)

	// Ensure updating an unknown position errors.
	err = store.UpdatePosition(ctx, third)
	assert.Error(t, err)
}
