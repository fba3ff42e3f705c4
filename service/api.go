package service

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dnldd/sentinel/database"
	"github.com/dnldd/sentinel/lease"
	"github.com/dnldd/sentinel/position"
	"github.com/dnldd/sentinel/scanner"
	"github.com/dnldd/sentinel/shared"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

const (
	// defaultListLimit is the number of items listed when no limit is requested.
	defaultListLimit = 50
	// maxListLimit caps the number of items listed.
	maxListLimit = 500
)

// ClosedPositions defines the requirements for listing closed positions.
type ClosedPositions interface {
	// FetchClosedPositions returns up to limit of the most recently closed positions.
	FetchClosedPositions(ctx context.Context, limit int) ([]*position.Position, error)
}

// EventLog defines the requirements for listing recent events.
type EventLog interface {
	// Recent returns up to limit of the most recent events of the provided categories.
	Recent(limit int, categories ...shared.EventCategory) []shared.Event
}

// WeeklyMetadata defines the requirements for fetching weekly trade outcomes.
type WeeklyMetadata interface {
	// FetchMetadata returns the weekly metadata of the provided instrument at the provided time.
	FetchMetadata(ctx context.Context, instrument string, at time.Time) (*database.Metadata, error)
}

// APIConfig represents the status api configuration.
type APIConfig struct {
	Scanner     *scanner.Scanner
	Events      EventLog
	Positions   *position.Manager
	Closed      ClosedPositions
	Metadata    WeeklyMetadata
	Coordinator *lease.Coordinator
	Metrics     http.Handler
	Now         func() time.Time
	Logger      zerolog.Logger
}

// API serves the engine status over http.
type API struct {
	cfg *APIConfig
}

// NewAPI initializes a new status api.
func NewAPI(cfg *APIConfig) *API {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &API{cfg: cfg}
}

// requestLogging logs served requests.
func requestLogging(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Debug().
				Str("method", c.Request().Method).
				Str("uri", c.Request().RequestURI).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("served request")

			return err
		}
	}
}

// NewServer creates the echo server exposing the api.
func (a *API) NewServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogging(a.cfg.Logger))

	a.RegisterRoutes(e)

	return e
}

// RegisterRoutes registers the api routes on the provided server.
func (a *API) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", a.Health)
	if a.cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(a.cfg.Metrics))
	}

	g := e.Group("/api")
	g.GET("/stats", a.Stats)
	g.GET("/events", a.Events)
	g.GET("/positions", a.Positions)
	g.GET("/positions/closed", a.ClosedPositions)
	g.GET("/lease", a.Lease)
	g.GET("/metadata/:instrument", a.Metadata)
}

// parseLimit parses the limit query parameter.
func parseLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultListLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	return limit, nil
}

// Health reports the session liveness and leadership.
func (a *API) Health(c echo.Context) error {
	resp := map[string]any{"status": "ok"}
	if a.cfg.Coordinator != nil {
		resp["sessionId"] = a.cfg.Coordinator.SessionID()
		resp["leader"] = a.cfg.Coordinator.IsLeader()
	}

	return c.JSON(http.StatusOK, resp)
}

// Stats returns the stats of the last completed scan cycle.
func (a *API) Stats(c echo.Context) error {
	if a.cfg.Scanner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scanner unavailable")
	}

	stats := a.cfg.Scanner.LastStats()
	if stats == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no scan cycle has run")
	}

	return c.JSON(http.StatusOK, stats)
}

// Events returns recent engine events, optionally filtered by comma separated categories.
func (a *API) Events(c echo.Context) error {
	if a.cfg.Events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "events unavailable")
	}

	limit, err := parseLimit(c)
	if err != nil {
		return err
	}

	var categories []shared.EventCategory
	if raw := c.QueryParam("category"); raw != "" {
		for _, category := range strings.Split(raw, ",") {
			categories = append(categories, shared.EventCategory(strings.TrimSpace(category)))
		}
	}

	return c.JSON(http.StatusOK, a.cfg.Events.Recent(limit, categories...))
}

// Positions returns the open positions and the performance momentum.
func (a *API) Positions(c echo.Context) error {
	if a.cfg.Positions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "positions unavailable")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"open":     a.cfg.Positions.Positions(),
		"momentum": a.cfg.Positions.Momentum(),
		"unsynced": a.cfg.Positions.Unsynced(),
	})
}

// ClosedPositions returns the most recently closed positions.
func (a *API) ClosedPositions(c echo.Context) error {
	if a.cfg.Closed == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "closed positions unavailable")
	}

	limit, err := parseLimit(c)
	if err != nil {
		return err
	}

	closed, err := a.cfg.Closed.FetchClosedPositions(c.Request().Context(), limit)
	if err != nil {
		a.cfg.Logger.Error().Err(err).Msg("fetching closed positions")
		return echo.NewHTTPError(http.StatusInternalServerError, "fetching closed positions failed")
	}
	if closed == nil {
		closed = []*position.Position{}
	}

	return c.JSON(http.StatusOK, closed)
}

// Lease returns the current leadership lease and its state.
func (a *API) Lease(c echo.Context) error {
	if a.cfg.Coordinator == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "leadership unavailable")
	}

	current, err := a.cfg.Coordinator.Current(c.Request().Context())
	if err != nil {
		a.cfg.Logger.Error().Err(err).Msg("fetching lease")
		return echo.NewHTTPError(http.StatusInternalServerError, "fetching lease failed")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"lease":     current,
		"state":     current.State(a.cfg.Now()).String(),
		"sessionId": a.cfg.Coordinator.SessionID(),
		"leader":    a.cfg.Coordinator.IsLeader(),
	})
}

// Metadata returns the current week's trade outcomes of an instrument.
func (a *API) Metadata(c echo.Context) error {
	if a.cfg.Metadata == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "metadata unavailable")
	}

	instrument := strings.ToUpper(c.Param("instrument"))
	md, err := a.cfg.Metadata.FetchMetadata(c.Request().Context(), instrument, a.cfg.Now())
	if err != nil {
		a.cfg.Logger.Error().Err(err).Msgf("fetching metadata for %s", instrument)
		return echo.NewHTTPError(http.StatusInternalServerError, "fetching metadata failed")
	}
	if md == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no trades recorded this week")
	}

	return c.JSON(http.StatusOK, md)
}
