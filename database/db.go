package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/davecgh/go-spew/spew"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"github.com/rs/zerolog"
)

const (
	// SQL statements.
	createStrategyTableSQL = "CREATE TABLE IF NOT EXISTS strategy (id TEXT PRIMARY KEY, instrument TEXT, timeframe TEXT, disabled INTEGER, definition TEXT, updatedon INTEGER)"
	createPositionTableSQL = "CREATE TABLE IF NOT EXISTS position (id TEXT PRIMARY KEY, strategyid TEXT, instrument TEXT, timeframe TEXT, direction TEXT, status TEXT, opportunitykey TEXT UNIQUE, entryprice REAL, exitprice REAL, pnlpercent REAL, closereason TEXT, createdon INTEGER, closedon INTEGER, body TEXT)"
	createMetadataSQL      = "CREATE TABLE IF NOT EXISTS metadata (id TEXT PRIMARY KEY, instrument TEXT, total INTEGER, wins INTEGER, losses INTEGER, pnlpercent REAL, createdon INTEGER)"
	createLeaseTableSQL    = "CREATE TABLE IF NOT EXISTS session_lease (id INTEGER PRIMARY KEY CHECK (id = 1), session TEXT, active INTEGER, heartbeat INTEGER, expires INTEGER)"
	seedLeaseSQL           = "INSERT OR IGNORE INTO session_lease(id, session, active, heartbeat, expires) VALUES(1, '', 0, 0, 0)"
)

// Config is the configuration for the database.
type Config struct {
	// Endpoint represents the database connection endpoint.
	Endpoint string `yaml:"endpoint" default:"http://localhost:4001"`
	// User is the database user.
	User string `yaml:"user"`
	// Pass is the database user pass.
	Pass string `yaml:"pass"`
	// Timeout bounds every database request.
	Timeout time.Duration `yaml:"timeout" default:"5s"`
	// Now returns the current time.
	Now func() time.Time `yaml:"-"`
	// Logger is the database logger.
	Logger zerolog.Logger `yaml:"-"`
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.Endpoint == "" {
		errs = errors.Join(errs, fmt.Errorf("no database endpoint provided"))
	}
	if cfg.Timeout < 0 {
		errs = errors.Join(errs, fmt.Errorf("database timeout cannot be negative"))
	}
	return errs
}

// Database represents the database connection.
type Database struct {
	cfg    *Config
	client *rqlitehttp.Client
	now    func() time.Time
}

// NewDatabase initializes a new database connection.
func NewDatabase(ctx context.Context, cfg *Config) (*Database, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating database config: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = time.Second * 5
	}

	httpc := &http.Client{Timeout: timeout}
	client, err := rqlitehttp.NewClient(cfg.Endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	if cfg.User != "" {
		client.SetBasicAuth(cfg.User, cfg.Pass)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	db := &Database{
		cfg:    cfg,
		client: client,
		now:    now,
	}

	err = db.bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	return db, nil
}

// bootstrap initializes the database.
func (db *Database) bootstrap(ctx context.Context) error {
	_, err := db.execute(ctx, rqlitehttp.SQLStatements{
		{SQL: createStrategyTableSQL},
		{SQL: createPositionTableSQL},
		{SQL: createMetadataSQL},
		{SQL: createLeaseTableSQL},
		{SQL: seedLeaseSQL},
	})
	if err != nil {
		return err
	}

	return nil
}

// execute runs the provided statements in a single transaction.
func (db *Database) execute(ctx context.Context, stmts rqlitehttp.SQLStatements) (*rqlitehttp.ExecuteResponse, error) {
	resp, err := db.client.Execute(ctx, stmts, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return nil, err
	}

	has, idx, errStr := resp.HasError()
	if has {
		return nil, fmt.Errorf("executing statement %d: %s", idx, errStr)
	}

	return resp, nil
}

// rowsAffected returns the rows affected by the first statement of the provided response.
func rowsAffected(resp *rqlitehttp.ExecuteResponse) int64 {
	if resp == nil || len(resp.Results) == 0 {
		return 0
	}
	return resp.Results[0].RowsAffected
}

// query runs the provided query and returns its rows as column maps.
func (db *Database) query(ctx context.Context, sql string, params ...any) ([]map[string]any, error) {
	resp, err := db.client.Query(ctx, rqlitehttp.SQLStatements{
		{SQL: sql, PositionalParams: params},
	}, &rqlitehttp.QueryOptions{Associative: true})
	if err != nil {
		return nil, err
	}

	has, idx, errStr := resp.HasError()
	if has {
		return nil, fmt.Errorf("querying statement %d: %s", idx, errStr)
	}

	results := resp.GetQueryResultsAssoc()
	if len(results) == 0 {
		return nil, nil
	}

	return results[0].Rows, nil
}

// asString returns the string value of the provided column.
func asString(row map[string]any, col string) string {
	switch v := row[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// asInt64 returns the integer value of the provided column.
func asInt64(row map[string]any, col string) int64 {
	switch v := row[col].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, _ := v.Float64()
			return int64(f)
		}
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// decodeRow unmarshals the json document held by the provided column.
func (db *Database) decodeRow(row map[string]any, col string, out any) error {
	body := asString(row, col)
	err := json.Unmarshal([]byte(body), out)
	if err != nil {
		db.cfg.Logger.Error().Msgf("unexpected %s column: %s", col, spew.Sdump(row))
		return fmt.Errorf("decoding %s column: %w", col, err)
	}

	return nil
}

// fromMillis converts unix milliseconds to time, the zero time for zero.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// toMillis converts time to unix milliseconds, zero for the zero time.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
