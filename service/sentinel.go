package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dnldd/sentinel/database"
	"github.com/dnldd/sentinel/events"
	"github.com/dnldd/sentinel/fetch"
	"github.com/dnldd/sentinel/lease"
	"github.com/dnldd/sentinel/metrics"
	"github.com/dnldd/sentinel/position"
	"github.com/dnldd/sentinel/regime"
	"github.com/dnldd/sentinel/risk"
	"github.com/dnldd/sentinel/scanner"
	"github.com/dnldd/sentinel/shared"
	"github.com/dnldd/sentinel/strategy"
	"github.com/dnldd/sentinel/venue"
	"github.com/go-co-op/gocron"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

const (
	// shutdownTimeout bounds the graceful shutdown of the status api.
	shutdownTimeout = time.Second * 5
)

// Sentinel represents the market scanning and trade lifecycle service.
type Sentinel struct {
	cfg         *Config
	db          *database.Database
	redisLease  *lease.RedisStore
	closed      ClosedPositions
	fetcher     *fetch.Manager
	venue       *venue.Paper
	portfolio   *strategy.Portfolio
	positions   *position.Manager
	coordinator *lease.Coordinator
	scanner     *scanner.Scanner
	recorder    *events.Recorder
	metrics     *metrics.Recorder
	scheduler   *gocron.Scheduler
	server      *echo.Echo
	logger      zerolog.Logger
	wg          sync.WaitGroup
}

// NewSentinel initializes a new sentinel service.
func NewSentinel(ctx context.Context, cfg *Config) (*Sentinel, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating sentinel config: %w", err)
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logger := log.With().Str("service", "sentinel").Str("session", cfg.SessionID).Logger()

	s := &Sentinel{
		cfg:     cfg,
		metrics: metrics.New(),
		logger:  logger,
	}

	var sinks []events.Sink
	if cfg.Events.Kafka != nil {
		sink, err := events.NewKafkaSink(cfg.Events.Kafka)
		if err != nil {
			return nil, fmt.Errorf("creating kafka sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	s.recorder, err = events.NewRecorder(&events.RecorderConfig{
		Capacity:       cfg.Events.Capacity,
		Sinks:          sinks,
		ObservePublish: s.metrics.ObserveEvent,
		Logger:         logger.With().Str("component", "events").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating event recorder: %w", err)
	}

	var strategyStore strategy.Store
	var positionStore position.Store
	switch cfg.Storage.Backend {
	case RqliteBackend:
		dbCfg := cfg.Storage.Database
		dbCfg.Logger = logger.With().Str("component", "database").Logger()
		s.db, err = database.NewDatabase(ctx, &dbCfg)
		if err != nil {
			return nil, fmt.Errorf("creating database: %w", err)
		}
		strategyStore = s.db
		positionStore = s.db
		s.closed = s.db
	default:
		mem := position.NewMemoryStore()
		positionStore = mem
		s.closed = mem
	}

	var leaseStore lease.Store
	switch cfg.Lease.Backend {
	case RedisBackend:
		s.redisLease, err = lease.NewRedisStore(ctx, &cfg.Lease.Redis)
		if err != nil {
			return nil, fmt.Errorf("creating redis lease store: %w", err)
		}
		leaseStore = s.redisLease
	case RqliteBackend:
		leaseStore = s.db
	default:
		leaseStore = lease.NewMemoryStore(nil)
	}

	var source shared.MarketFetcher
	switch cfg.Market.Source {
	case FileSource:
		cfg.Market.File.Logger = logger.With().Str("component", "filefetcher").Logger()
		source, err = fetch.NewFileFetcher(cfg.Market.File)
		if err != nil {
			return nil, fmt.Errorf("creating file fetcher: %w", err)
		}
	default:
		source, err = fetch.NewFMPClient(&cfg.Market.FMP)
		if err != nil {
			return nil, fmt.Errorf("creating fmp client: %w", err)
		}
	}

	s.fetcher, err = fetch.NewManager(&fetch.ManagerConfig{
		Source:         source,
		CallTimeout:    cfg.Market.CallTimeout,
		RetryAttempts:  cfg.Market.RetryAttempts,
		RetryBackoff:   cfg.Market.RetryBackoff,
		MaxConcurrency: cfg.Market.MaxConcurrency,
		Logger:         logger.With().Str("component", "fetchmanager").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating fetch manager: %w", err)
	}

	venueCfg := cfg.Venue
	venueCfg.Prices = s.fetcher.LastPrice
	venueCfg.Logger = logger.With().Str("component", "venue").Logger()
	s.venue, err = venue.NewPaper(&venueCfg)
	if err != nil {
		return nil, fmt.Errorf("creating paper venue: %w", err)
	}

	s.portfolio, err = strategy.NewPortfolio(cfg.Strategies, strategyStore)
	if err != nil {
		return nil, fmt.Errorf("creating portfolio: %w", err)
	}

	s.positions, err = position.NewPositionManager(&position.ManagerConfig{
		Venue:          s.venue,
		Store:          positionStore,
		Notify:         s.recorder.Notify,
		OnClose:        s.positionClosed,
		MomentumWindow: cfg.Positions.MomentumWindow,
		CallTimeout:    cfg.Positions.CallTimeout,
		RetryAttempts:  cfg.Positions.RetryAttempts,
		RetryBackoff:   cfg.Positions.RetryBackoff,
		Logger:         logger.With().Str("component", "positionmanager").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating position manager: %w", err)
	}

	s.coordinator, err = lease.NewCoordinator(&lease.CoordinatorConfig{
		SessionID:         cfg.SessionID,
		Store:             leaseStore,
		HeartbeatInterval: cfg.Lease.HeartbeatInterval,
		Timeout:           cfg.Lease.Timeout,
		Force:             cfg.Force,
		OnAcquired:        s.leadershipAcquired,
		OnLost:            s.leadershipLost,
		Notify:            s.recorder.Notify,
		Logger:            logger.With().Str("component", "coordinator").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating leadership coordinator: %w", err)
	}

	var detector *regime.Detector
	if cfg.Regime != nil {
		detector, err = regime.NewDetector(cfg.Regime)
		if err != nil {
			return nil, fmt.Errorf("creating regime detector: %w", err)
		}
	}

	validator, err := risk.NewValidator(&cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("creating position size validator: %w", err)
	}

	s.scanner, err = scanner.NewScanner(&scanner.ScannerConfig{
		Config:    &cfg.Scanner,
		Leader:    s.coordinator,
		Portfolio: s.portfolio,
		Fetcher:   s.fetcher,
		Positions: s.positions,
		Venue:     s.venue,
		Detector:  detector,
		Validator: validator,
		Notify:    s.recorder.Notify,
		Observer:  s.metrics,
		Logger:    logger.With().Str("component", "scanner").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating scanner: %w", err)
	}

	s.scheduler = gocron.NewScheduler(time.UTC)

	if cfg.HTTP.Listen != "" {
		apiCfg := &APIConfig{
			Scanner:     s.scanner,
			Events:      s.recorder,
			Positions:   s.positions,
			Closed:      s.closed,
			Coordinator: s.coordinator,
			Metrics:     s.metrics.Handler(),
			Logger:      logger.With().Str("component", "api").Logger(),
		}
		if s.db != nil {
			apiCfg.Metadata = s.db
		}
		s.server = NewAPI(apiCfg).NewServer()
	}

	return s, nil
}

// leadershipAcquired restores the open positions once this session becomes leader.
func (s *Sentinel) leadershipAcquired(ctx context.Context) {
	s.metrics.SetLeader(true)

	err := s.positions.Load(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("loading open positions")
		return
	}

	s.metrics.SetOpenPositions(len(s.positions.Positions()))
}

// leadershipLost aborts the running scan cycle.
func (s *Sentinel) leadershipLost() {
	s.metrics.SetLeader(false)
	if s.scanner != nil {
		s.scanner.Abort()
	}
}

// positionClosed records the outcome of a closed position against its strategy.
func (s *Sentinel) positionClosed(ctx context.Context, pos *position.Position) {
	s.metrics.ObservePositionClosed(pos.StrategyID, pos.CloseReason.String(), pos.PNLPercent)

	err := s.portfolio.RecordTrade(ctx, pos.StrategyID, pos.PNLPercent)
	if err != nil {
		s.logger.Error().Err(err).Msgf("recording trade of position %s", pos.ID)
	}
}

// cycle runs a scan cycle, refreshing stored strategy definitions first.
func (s *Sentinel) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if s.db != nil && s.coordinator.IsLeader() {
		err := s.portfolio.Reload(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("reloading strategies")
		}
	}

	s.scanner.RunCycle(ctx)
}

// seed merges stored strategies into the portfolio and persists the configured ones.
func (s *Sentinel) seed(ctx context.Context) {
	err := s.portfolio.Reload(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reloading strategies")
	}

	err = s.portfolio.Sync(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("syncing strategies")
	}

	s.logger.Info().Msgf("tracking %d strategies", s.portfolio.Len())
}

// close releases the resources held by the service.
func (s *Sentinel) close() {
	if s.redisLease != nil {
		err := s.redisLease.Close()
		if err != nil {
			s.logger.Error().Err(err).Msg("closing redis lease store")
		}
	}
}

// Run handles the lifecycle processes of the sentinel service. It blocks until the provided
// context is cancelled.
func (s *Sentinel) Run(ctx context.Context) error {
	s.seed(ctx)

	s.wg.Add(1)
	go func() {
		s.recorder.Run(ctx)
		s.wg.Done()
	}()

	// Claim leadership before the first cycle is scheduled.
	s.coordinator.Tick(ctx)

	s.wg.Add(1)
	go func() {
		s.coordinator.Run(ctx)
		s.wg.Done()
	}()

	_, err := s.scheduler.Every(s.cfg.Scanner.Interval).SingletonMode().Do(s.cycle, ctx)
	if err != nil {
		return fmt.Errorf("scheduling scan cycle: %w", err)
	}
	s.scheduler.StartAsync()

	if s.server != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			s.logger.Info().Msgf("serving status api on %s", s.cfg.HTTP.Listen)
			err := s.server.Start(s.cfg.HTTP.Listen)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("serving status api")
			}
		}()
	}

	<-ctx.Done()

	s.scanner.Abort()
	s.scheduler.Stop()

	if s.server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := s.server.Shutdown(sctx)
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Msg("shutting down status api")
		}
	}

	s.wg.Wait()
	s.close()

	s.logger.Info().Msg("sentinel stopped")

	return nil
}
