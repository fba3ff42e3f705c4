package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/dnldd/sentinel/events"
	"github.com/dnldd/sentinel/fetch"
	"github.com/dnldd/sentinel/indicator"
	"github.com/dnldd/sentinel/shared"
	"github.com/dnldd/sentinel/strategy"
	"github.com/dnldd/sentinel/venue"
	"github.com/peterldowns/testy/assert"
)

// setupCandleDir writes n rising hourly candles for the provided instrument to a data directory.
func setupCandleDir(t *testing.T, instrument string, n int) string {
	t.Helper()

	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	data := make([]map[string]any, n)
	for i := range n {
		open := 100 + float64(i)
		data[i] = map[string]any{
			"open":   open,
			"high":   open + 1.5,
			"low":    open - 1,
			"close":  open + 0.5,
			"volume": 1000,
			"date":   start.Add(time.Hour * time.Duration(i)).Format(shared.DateLayout),
		}
	}

	b, err := json.Marshal(data)
	assert.NoError(t, err)

	dir := t.TempDir()
	err = os.WriteFile(filepath.Join(dir, fetch.DataFile(instrument, shared.OneHour)), b, 0o600)
	assert.NoError(t, err)

	return dir
}

func setupConfig(t *testing.T) *Config {
	t.Helper()

	cfg := &Config{
		SessionID: "session-a",
		Market: MarketConfig{
			Source: FileSource,
			File:   &fetch.FileConfig{Dir: setupCandleDir(t, "BTCUSD", 120)},
		},
		Venue: venue.PaperConfig{
			Instruments: map[string]venue.InstrumentConfig{
				"BTCUSD": {StepSize: 0.001, MinQuantity: 0.001, MinNotional: 5, Precision: 3},
			},
		},
		Strategies: []*strategy.Strategy{
			{
				ID:         "trend",
				Instrument: "BTCUSD",
				Timeframe:  shared.OneHour,
				Direction:  shared.Long,
				Conditions: []strategy.Condition{
					{Indicator: indicator.EMA, Period: 20, Value: "price_above"},
				},
			},
		},
	}

	err := defaults.Set(cfg)
	assert.NoError(t, err)

	cfg.Scanner.Interval = time.Hour
	cfg.Scanner.ConvictionThreshold = 0
	cfg.HTTP.Listen = ""

	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "missing session id",
			mutate:  func(cfg *Config) { cfg.SessionID = "" },
			wantErr: "session id",
		},
		{
			name:    "unknown lease backend",
			mutate:  func(cfg *Config) { cfg.Lease.Backend = "etcd" },
			wantErr: "unknown lease backend",
		},
		{
			name:    "rqlite lease without rqlite storage",
			mutate:  func(cfg *Config) { cfg.Lease.Backend = RqliteBackend },
			wantErr: "requires rqlite storage",
		},
		{
			name:    "lease timeout within heartbeat",
			mutate:  func(cfg *Config) { cfg.Lease.Timeout = cfg.Lease.HeartbeatInterval },
			wantErr: "lease timeout",
		},
		{
			name:    "file source without config",
			mutate:  func(cfg *Config) { cfg.Market.File = nil },
			wantErr: "no file market data config",
		},
		{
			name:    "fmp source without api key",
			mutate:  func(cfg *Config) { cfg.Market.Source = FMPSource },
			wantErr: "fmp api key",
		},
		{
			name:    "no strategies",
			mutate:  func(cfg *Config) { cfg.Strategies = nil },
			wantErr: "no strategies",
		},
		{
			name: "duplicate strategies",
			mutate: func(cfg *Config) {
				cfg.Strategies = append(cfg.Strategies, cfg.Strategies[0].Clone())
			},
			wantErr: "duplicate strategy id",
		},
		{
			name:    "strategy without instrument rules",
			mutate:  func(cfg *Config) { cfg.Strategies[0].Instrument = "ETHUSD" },
			wantErr: "no paper instrument rules",
		},
		{
			name:    "invalid kafka sink",
			mutate:  func(cfg *Config) { cfg.Events.Kafka = &events.KafkaConfig{Topic: "events"} },
			wantErr: "kafka brokers",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := setupConfig(t)
			test.mutate(cfg)

			err := cfg.Validate()
			if test.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			assert.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), test.wantErr))
		})
	}
}

func TestSentinelRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewSentinel(ctx, setupConfig(t))
	assert.NoError(t, err)

	done := make(chan error)
	go func() {
		done <- s.Run(ctx)
	}()

	// Ensure the session claims leadership and the first cycle opens a position.
	deadline := time.Now().Add(time.Second * 10)
	var completed bool
	for time.Now().Before(deadline) {
		stats := s.scanner.LastStats()
		if stats != nil && stats.Result == "completed" {
			completed = true
			assert.Equal(t, 1, stats.TradesExecuted)
			break
		}
		time.Sleep(time.Millisecond * 20)
	}
	assert.True(t, completed)
	assert.True(t, s.coordinator.IsLeader())

	open := s.positions.Positions()
	assert.Equal(t, 1, len(open))
	assert.Equal(t, "trend", open[0].StrategyID)
	assert.Equal(t, 219.5, open[0].EntryPrice)
	assert.Equal(t, 1, len(s.recorder.Recent(10, shared.PositionOpenEvent)))

	// Ensure a repeated cycle does not reopen the same opportunity.
	s.cycle(ctx)
	stats := s.scanner.LastStats()
	assert.Equal(t, 0, stats.TradesExecuted)
	assert.Equal(t, 1, len(s.positions.Positions()))

	// Ensure the service terminates gracefully and releases leadership.
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second * 10):
		t.Fatal("sentinel did not terminate")
	}
	assert.False(t, s.coordinator.IsLeader())
}

func TestSentinelLeadership(t *testing.T) {
	ctx := context.Background()

	s, err := NewSentinel(ctx, setupConfig(t))
	assert.NoError(t, err)

	// Ensure a follower session does not scan.
	s.cycle(ctx)
	stats := s.scanner.LastStats()
	assert.Equal(t, "skipped", stats.Result)
	assert.Equal(t, shared.ReasonNotLeader, stats.SkipReason)
	assert.Equal(t, 0, len(s.positions.Positions()))

	// Ensure a leader session scans and records closed trades against their strategy.
	ok, err := s.coordinator.Claim(ctx, false)
	assert.NoError(t, err)
	assert.True(t, ok)

	s.cycle(ctx)
	open := s.positions.Positions()
	assert.Equal(t, 1, len(open))

	open[0].PNLPercent = 2.5
	s.positionClosed(ctx, open[0])
	strat, ok := s.portfolio.Fetch("trend")
	assert.True(t, ok)
	assert.Equal(t, 1, strat.Live.Trades)
	assert.Equal(t, 1, strat.Live.Wins)

	// Ensure releasing leadership stops scanning.
	err = s.coordinator.Release(ctx)
	assert.NoError(t, err)
	assert.False(t, s.coordinator.IsLeader())

	s.cycle(ctx)
	stats = s.scanner.LastStats()
	assert.Equal(t, shared.ReasonNotLeader, stats.SkipReason)
}
