package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/sentinel/database"
	"github.com/dnldd/sentinel/events"
	"github.com/dnldd/sentinel/fetch"
	"github.com/dnldd/sentinel/lease"
	"github.com/dnldd/sentinel/regime"
	"github.com/dnldd/sentinel/risk"
	"github.com/dnldd/sentinel/scanner"
	"github.com/dnldd/sentinel/strategy"
	"github.com/dnldd/sentinel/venue"
)

const (
	// Backends.
	MemoryBackend = "memory"
	RedisBackend  = "redis"
	RqliteBackend = "rqlite"

	// Market data sources.
	FMPSource  = "fmp"
	FileSource = "file"
)

// LeaseConfig represents the leader election settings.
type LeaseConfig struct {
	// Backend is the lease store, one of memory, redis or rqlite.
	Backend string `yaml:"backend" default:"memory" validate:"oneof=memory redis rqlite"`
	// HeartbeatInterval is the interval the lease is renewed at.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" default:"5s"`
	// Timeout is the duration after the last heartbeat the lease expires.
	Timeout time.Duration `yaml:"timeout" default:"15s"`
	// Redis configures the redis lease store.
	Redis lease.RedisConfig `yaml:"redis"`
}

// StorageConfig represents the persistence settings.
type StorageConfig struct {
	// Backend is the strategy and position store, one of memory or rqlite.
	Backend string `yaml:"backend" default:"memory" validate:"oneof=memory rqlite"`
	// Database configures the rqlite store.
	Database database.Config `yaml:"database"`
}

// MarketConfig represents the market data settings.
type MarketConfig struct {
	// Source is the candle source, one of fmp or file.
	Source string `yaml:"source" default:"fmp" validate:"oneof=fmp file"`
	// FMP configures the FMP api client.
	FMP fetch.FMPConfig `yaml:"fmp"`
	// File configures the file candle source.
	File *fetch.FileConfig `yaml:"file"`
	// CallTimeout bounds each fetch attempt.
	CallTimeout time.Duration `yaml:"call_timeout" default:"15s"`
	// RetryAttempts is the number of attempts per fetch.
	RetryAttempts int `yaml:"retry_attempts" default:"3" validate:"gte=0"`
	// RetryBackoff is the initial backoff between attempts.
	RetryBackoff time.Duration `yaml:"retry_backoff" default:"500ms"`
	// MaxConcurrency bounds the number of concurrent fetches.
	MaxConcurrency int `yaml:"max_concurrency" default:"8" validate:"gte=0"`
}

// PositionsConfig represents the position lifecycle settings.
type PositionsConfig struct {
	// MomentumWindow is the number of closed trades performance momentum is tracked over.
	MomentumWindow int32 `yaml:"momentum_window" default:"20" validate:"gt=0"`
	// CallTimeout bounds every venue and store call.
	CallTimeout time.Duration `yaml:"call_timeout" default:"10s"`
	// RetryAttempts and RetryBackoff bound the retries of venue and store calls.
	RetryAttempts int           `yaml:"retry_attempts" default:"3" validate:"gte=0"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" default:"200ms"`
}

// HTTPConfig represents the status api settings.
type HTTPConfig struct {
	// Listen is the address the status api is served on, empty disables it.
	Listen string `yaml:"listen" default:":9090"`
}

// EventsConfig represents the event recorder settings.
type EventsConfig struct {
	// Capacity is the number of recent events kept for display.
	Capacity int32 `yaml:"capacity" default:"500" validate:"gte=0"`
	// Kafka publishes events to kafka when set.
	Kafka *events.KafkaConfig `yaml:"kafka"`
}

// Config represents the configuration of the sentinel service.
type Config struct {
	// SessionID identifies this session in leader election.
	SessionID string `yaml:"session_id"`
	// Force takes over the lease on startup regardless of its holder.
	Force bool `yaml:"force"`
	// LogLevel is the minimum level logged.
	LogLevel string `yaml:"log_level" default:"info"`
	// LogFormat is the log output format, one of console or json.
	LogFormat string `yaml:"log_format" default:"console" validate:"oneof=console json"`
	// Scanner configures the scan cycle.
	Scanner scanner.Config `yaml:"scanner"`
	// Risk configures position sizing.
	Risk risk.ValidatorConfig `yaml:"risk"`
	// Regime configures the regime detector, no regime gate is applied when unset.
	Regime *regime.DetectorConfig `yaml:"regime"`
	// Lease configures leader election.
	Lease LeaseConfig `yaml:"lease"`
	// Storage configures persistence.
	Storage StorageConfig `yaml:"storage"`
	// Market configures market data.
	Market MarketConfig `yaml:"market"`
	// Venue configures the paper trading venue.
	Venue venue.PaperConfig `yaml:"venue"`
	// Positions configures the position lifecycle.
	Positions PositionsConfig `yaml:"positions"`
	// HTTP configures the status api.
	HTTP HTTPConfig `yaml:"http"`
	// Events configures the event recorder.
	Events EventsConfig `yaml:"events"`
	// Strategies are the strategies seeded into the portfolio.
	Strategies []*strategy.Strategy `yaml:"strategies" validate:"dive"`
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.SessionID == "" {
		errs = errors.Join(errs, fmt.Errorf("session id cannot be an empty string"))
	}
	if err := cfg.Scanner.Validate(); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := cfg.Risk.Validate(); err != nil {
		errs = errors.Join(errs, err)
	}
	if cfg.Regime != nil {
		if err := cfg.Regime.Validate(); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	switch cfg.Lease.Backend {
	case MemoryBackend, RedisBackend:
	case RqliteBackend:
		if cfg.Storage.Backend != RqliteBackend {
			errs = errors.Join(errs, fmt.Errorf("the rqlite lease backend requires rqlite storage"))
		}
	default:
		errs = errors.Join(errs, fmt.Errorf("unknown lease backend %q", cfg.Lease.Backend))
	}
	if cfg.Lease.HeartbeatInterval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("lease heartbeat interval must be positive"))
	}
	if cfg.Lease.Timeout <= cfg.Lease.HeartbeatInterval {
		errs = errors.Join(errs, fmt.Errorf("lease timeout must exceed the heartbeat interval"))
	}

	switch cfg.Storage.Backend {
	case MemoryBackend:
	case RqliteBackend:
		if err := cfg.Storage.Database.Validate(); err != nil {
			errs = errors.Join(errs, err)
		}
	default:
		errs = errors.Join(errs, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend))
	}

	switch cfg.Market.Source {
	case FMPSource:
		if err := cfg.Market.FMP.Validate(); err != nil {
			errs = errors.Join(errs, err)
		}
	case FileSource:
		if cfg.Market.File == nil {
			errs = errors.Join(errs, fmt.Errorf("no file market data config provided"))
		} else if err := cfg.Market.File.Validate(); err != nil {
			errs = errors.Join(errs, err)
		}
	default:
		errs = errors.Join(errs, fmt.Errorf("unknown market data source %q", cfg.Market.Source))
	}

	if cfg.Venue.Balance <= 0 {
		errs = errors.Join(errs, fmt.Errorf("paper balance must be positive"))
	}
	if len(cfg.Venue.Instruments) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no paper instruments provided"))
	}

	if cfg.Positions.MomentumWindow <= 0 {
		errs = errors.Join(errs, fmt.Errorf("momentum window must be positive"))
	}

	if cfg.Events.Kafka != nil {
		if err := cfg.Events.Kafka.Validate(); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	if len(cfg.Strategies) == 0 && cfg.Storage.Backend == MemoryBackend {
		errs = errors.Join(errs, fmt.Errorf("no strategies provided"))
	}
	ids := make(map[string]struct{}, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		if s == nil {
			errs = errors.Join(errs, fmt.Errorf("strategy cannot be nil"))
			continue
		}
		if _, ok := ids[s.ID]; ok {
			errs = errors.Join(errs, fmt.Errorf("duplicate strategy id %s", s.ID))
		}
		ids[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			errs = errors.Join(errs, err)
		}
		if _, ok := cfg.Venue.Instruments[s.Instrument]; !ok {
			errs = errors.Join(errs, fmt.Errorf("strategy %s: no paper instrument rules for %s", s.ID, s.Instrument))
		}
	}

	return errs
}
