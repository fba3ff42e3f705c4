package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/sentinel/position"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
)

const (
	persistPositionSQL      = "INSERT INTO position(id, strategyid, instrument, timeframe, direction, status, opportunitykey, entryprice, exitprice, pnlpercent, closereason, createdon, closedon, body) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)"
	updatePositionSQL       = "UPDATE position SET status = ?, exitprice = ?, pnlpercent = ?, closereason = ?, closedon = ?, body = ? WHERE id = ?"
	fetchOpenPositionsSQL   = "SELECT id, body FROM position WHERE status != 'closed' ORDER BY createdon"
	fetchClosedPositionsSQL = "SELECT id, body FROM position WHERE status = 'closed' ORDER BY closedon DESC LIMIT ?"
	fetchOpportunityKeysSQL = "SELECT opportunitykey FROM position WHERE createdon >= ?"
	upsertMetadataSQL       = "INSERT INTO metadata(id, instrument, total, wins, losses, pnlpercent, createdon) VALUES(?,?,1,?,?,?,?) ON CONFLICT(id) DO UPDATE SET total = total + 1, wins = wins + excluded.wins, losses = losses + excluded.losses, pnlpercent = pnlpercent + excluded.pnlpercent"
	findMetadataSQL         = "SELECT id, instrument, total, wins, losses, pnlpercent FROM metadata WHERE id = ?"
)

// Ensure the database implements the position store interface.
var _ position.Store = (*Database)(nil)
var _ position.ClosedStore = (*Database)(nil)

// Metadata represents aggregated weekly trade outcomes of an instrument.
type Metadata struct {
	ID         string  `json:"id"`
	Instrument string  `json:"instrument"`
	Total      int64   `json:"total"`
	Wins       int64   `json:"wins"`
	Losses     int64   `json:"losses"`
	PNLPercent float64 `json:"pnlPercent"`
}

// generateMetadataID generates deterministic ids for metadata using the
// current month, week and instrument.
func generateMetadataID(currentTime time.Time, instrument string) string {
	year, week := currentTime.UTC().ISOWeek()

	id := fmt.Sprintf("%d-Week-%d-%s", year, week, instrument)
	return id
}

// positionParams returns the insert parameters of the provided position.
func positionParams(pos *position.Position) ([]any, error) {
	body, err := json.Marshal(pos)
	if err != nil {
		return nil, fmt.Errorf("encoding position %s: %w", pos.ID, err)
	}

	return []any{pos.ID, pos.StrategyID, pos.Instrument, pos.Timeframe.String(),
		pos.Direction.String(), pos.Status.String(), pos.OpportunityKey, pos.EntryPrice,
		pos.ExitPrice, pos.PNLPercent, pos.CloseReason.String(), toMillis(pos.EntryTime),
		toMillis(pos.ExitTime), string(body)}, nil
}

// PersistPositions atomically creates the provided positions.
func (db *Database) PersistPositions(ctx context.Context, positions []*position.Position) error {
	if len(positions) == 0 {
		return nil
	}

	stmts := make(rqlitehttp.SQLStatements, 0, len(positions))
	for _, pos := range positions {
		params, err := positionParams(pos)
		if err != nil {
			return err
		}

		stmts = append(stmts, &rqlitehttp.SQLStatement{
			SQL:              persistPositionSQL,
			PositionalParams: params,
		})
	}

	_, err := db.execute(ctx, stmts)
	if err != nil {
		return fmt.Errorf("persisting %d positions: %w", len(positions), err)
	}

	return nil
}

// UpdatePosition updates the provided position. Closed positions also update the weekly
// instrument metadata in the same transaction.
func (db *Database) UpdatePosition(ctx context.Context, pos *position.Position) error {
	body, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encoding position %s: %w", pos.ID, err)
	}

	stmts := rqlitehttp.SQLStatements{
		{
			SQL: updatePositionSQL,
			PositionalParams: []any{pos.Status.String(), pos.ExitPrice, pos.PNLPercent,
				pos.CloseReason.String(), toMillis(pos.ExitTime), string(body), pos.ID},
		},
	}

	if pos.Status == position.Closed {
		var win, loss int
		switch {
		case pos.PNLPercent > 0:
			win++
		case pos.PNLPercent < 0:
			loss++
		default:
			db.cfg.Logger.Info().Msgf("closed position at breakeven: %s", spew.Sdump(pos))
		}

		stmts = append(stmts, &rqlitehttp.SQLStatement{
			SQL: upsertMetadataSQL,
			PositionalParams: []any{generateMetadataID(pos.ExitTime, pos.Instrument), pos.Instrument,
				win, loss, pos.PNLPercent, db.now().UnixMilli()},
		})
	}

	resp, err := db.execute(ctx, stmts)
	if err != nil {
		return fmt.Errorf("updating position %s: %w", pos.ID, err)
	}

	if rowsAffected(resp) == 0 {
		db.cfg.Logger.Error().Msgf("no stored position to update: %s", spew.Sdump(pos))
		return fmt.Errorf("position %s not found", pos.ID)
	}

	return nil
}

// decodePositions decodes the provided position rows.
func (db *Database) decodePositions(rows []map[string]any) ([]*position.Position, error) {
	positions := make([]*position.Position, 0, len(rows))
	for idx := range rows {
		var pos position.Position
		err := db.decodeRow(rows[idx], "body", &pos)
		if err != nil {
			return nil, fmt.Errorf("decoding position %s: %w", asString(rows[idx], "id"), err)
		}

		positions = append(positions, &pos)
	}

	return positions, nil
}

// FetchOpenPositions returns all positions not yet closed.
func (db *Database) FetchOpenPositions(ctx context.Context) ([]*position.Position, error) {
	rows, err := db.query(ctx, fetchOpenPositionsSQL)
	if err != nil {
		return nil, fmt.Errorf("fetching open positions: %w", err)
	}

	return db.decodePositions(rows)
}

// FetchClosedPositions returns up to limit of the most recently closed positions.
func (db *Database) FetchClosedPositions(ctx context.Context, limit int) ([]*position.Position, error) {
	rows, err := db.query(ctx, fetchClosedPositionsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching closed positions: %w", err)
	}

	return db.decodePositions(rows)
}

// FetchOpportunityKeys returns the opportunity keys of positions opened since the provided time.
func (db *Database) FetchOpportunityKeys(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := db.query(ctx, fetchOpportunityKeysSQL, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("fetching opportunity keys: %w", err)
	}

	keys := make([]string, 0, len(rows))
	for idx := range rows {
		key := asString(rows[idx], "opportunitykey")
		if key != "" {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// FetchMetadata returns the weekly metadata of the provided instrument at the provided time.
func (db *Database) FetchMetadata(ctx context.Context, instrument string, at time.Time) (*Metadata, error) {
	id := generateMetadataID(at, instrument)
	rows, err := db.query(ctx, findMetadataSQL, id)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	md := &Metadata{
		ID:         asString(row, "id"),
		Instrument: asString(row, "instrument"),
		Total:      asInt64(row, "total"),
		Wins:       asInt64(row, "wins"),
		Losses:     asInt64(row, "losses"),
	}

	switch v := row["pnlpercent"].(type) {
	case float64:
		md.PNLPercent = v
	case json.Number:
		md.PNLPercent, _ = v.Float64()
	}

	return md, nil
}
