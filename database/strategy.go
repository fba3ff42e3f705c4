package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dnldd/sentinel/strategy"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
)

const (
	upsertStrategySQL  = "INSERT INTO strategy(id, instrument, timeframe, disabled, definition, updatedon) VALUES(?,?,?,?,?,?) ON CONFLICT(id) DO UPDATE SET instrument = excluded.instrument, timeframe = excluded.timeframe, disabled = excluded.disabled, definition = excluded.definition, updatedon = excluded.updatedon"
	fetchStrategiesSQL = "SELECT id, definition FROM strategy ORDER BY id"
)

// Ensure the database implements the strategy store interface.
var _ strategy.Store = (*Database)(nil)

// PersistStrategy creates or updates the provided strategy.
func (db *Database) PersistStrategy(ctx context.Context, s *strategy.Strategy) error {
	definition, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding strategy %s: %w", s.ID, err)
	}

	_, err = db.execute(ctx, rqlitehttp.SQLStatements{
		{
			SQL: upsertStrategySQL,
			PositionalParams: []any{s.ID, s.Instrument, s.Timeframe.String(), s.Disabled,
				string(definition), db.now().UnixMilli()},
		},
	})
	if err != nil {
		return fmt.Errorf("persisting strategy %s: %w", s.ID, err)
	}

	return nil
}

// FetchStrategies returns all stored strategies.
func (db *Database) FetchStrategies(ctx context.Context) ([]*strategy.Strategy, error) {
	rows, err := db.query(ctx, fetchStrategiesSQL)
	if err != nil {
		return nil, fmt.Errorf("fetching strategies: %w", err)
	}

	strategies := make([]*strategy.Strategy, 0, len(rows))
	for idx := range rows {
		var s strategy.Strategy
		err := db.decodeRow(rows[idx], "definition", &s)
		if err != nil {
			return nil, fmt.Errorf("decoding strategy %s: %w", asString(rows[idx], "id"), err)
		}

		strategies = append(strategies, &s)
	}

	return strategies, nil
}
