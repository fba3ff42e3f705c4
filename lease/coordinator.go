package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/sentinel/shared"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	// releaseTimeout bounds the best-effort release on shutdown.
	releaseTimeout = time.Second * 3
)

// CoordinatorConfig represents the leadership coordinator configuration.
type CoordinatorConfig struct {
	// SessionID is the identifier of this session.
	SessionID string
	// Store is the lease backend.
	Store Store
	// HeartbeatInterval is the interval heartbeats are sent and leadership re-checked at.
	HeartbeatInterval time.Duration
	// Timeout is the duration after the last heartbeat the lease expires.
	Timeout time.Duration
	// Force takes over the lease on the first claim regardless of its holder.
	Force bool
	// OnAcquired is called when the session becomes leader.
	OnAcquired func(ctx context.Context)
	// OnLost is called when the session loses leadership.
	OnLost func()
	// Notify relays the provided event.
	Notify func(event shared.Event)
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the application logger.
	Logger zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *CoordinatorConfig) Validate() error {
	var errs error

	if cfg.SessionID == "" {
		errs = errors.Join(errs, fmt.Errorf("session id cannot be an empty string"))
	}
	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("no lease store provided"))
	}
	if cfg.HeartbeatInterval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("heartbeat interval must be positive"))
	}
	if cfg.Timeout <= cfg.HeartbeatInterval {
		errs = errors.Join(errs, fmt.Errorf("lease timeout must exceed the heartbeat interval"))
	}
	if cfg.Notify == nil {
		errs = errors.Join(errs, fmt.Errorf("no notify function provided"))
	}

	return errs
}

// Coordinator elects this session as the single active scanner through a lease. Local
// leadership ends one heartbeat interval before the lease itself can expire, so a session
// that cannot reach the store stands down before another one can claim.
type Coordinator struct {
	cfg           *CoordinatorConfig
	leader        atomic.Bool
	forced        atomic.Bool
	lastHeartbeat atomic.Int64
}

// NewCoordinator initializes a new leadership coordinator.
func NewCoordinator(cfg *CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Coordinator{cfg: cfg}, nil
}

// SessionID returns the identifier of this session.
func (c *Coordinator) SessionID() string {
	return c.cfg.SessionID
}

// deadline returns the time local leadership ends without a further heartbeat.
func (c *Coordinator) deadline() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load()).Add(c.cfg.Timeout - c.cfg.HeartbeatInterval)
}

// IsLeader checks whether this session currently holds leadership and its last successful
// heartbeat is recent enough for the lease to still be held.
func (c *Coordinator) IsLeader() bool {
	return c.leader.Load() && c.cfg.Now().Before(c.deadline())
}

// notify relays a session event.
func (c *Coordinator) notify(msg string) {
	event := shared.NewEvent(shared.SessionEvent, msg)
	event.Fields = map[string]any{"sessionId": c.cfg.SessionID}
	c.cfg.Notify(event)
}

// Claim attempts to claim leadership, taking over a held lease when force is set. A denied
// claim is reported as false, not as an error.
func (c *Coordinator) Claim(ctx context.Context, force bool) (bool, error) {
	// The lease is stamped by the store no earlier than this.
	sent := c.cfg.Now()
	ok, err := c.cfg.Store.Claim(ctx, c.cfg.SessionID, c.cfg.Timeout, force)
	if err != nil {
		return false, fmt.Errorf("claiming lease: %w", err)
	}
	if !ok {
		return false, nil
	}

	c.lastHeartbeat.Store(sent.UnixNano())
	if !c.leader.Swap(true) {
		c.cfg.Logger.Info().Msgf("session %s acquired leadership (forced: %v)", c.cfg.SessionID, force)
		c.notify(fmt.Sprintf("session %s acquired leadership", c.cfg.SessionID))
		if c.cfg.OnAcquired != nil {
			c.cfg.OnAcquired(ctx)
		}
	}

	return true, nil
}

// lose drops leadership.
func (c *Coordinator) lose(reason string) {
	if !c.leader.Swap(false) {
		return
	}

	c.cfg.Logger.Warn().Msgf("session %s lost leadership: %s", c.cfg.SessionID, reason)
	c.notify(fmt.Sprintf("session %s lost leadership: %s", c.cfg.SessionID, reason))
	if c.cfg.OnLost != nil {
		c.cfg.OnLost()
	}
}

// Tick sends a heartbeat while leader and otherwise re-checks whether leadership can be
// claimed. Leadership is dropped once heartbeats have failed past the local deadline.
func (c *Coordinator) Tick(ctx context.Context) {
	if !c.leader.Load() {
		force := c.cfg.Force && !c.forced.Load()
		ok, err := c.Claim(ctx, force)
		if err != nil {
			c.cfg.Logger.Error().Err(err).Msg("re-checking leadership")
			return
		}
		if ok && force {
			c.forced.Store(true)
		}
		return
	}

	sent := c.cfg.Now()
	ok, err := c.cfg.Store.Heartbeat(ctx, c.cfg.SessionID, c.cfg.Timeout)
	switch {
	case err != nil:
		c.cfg.Logger.Error().Err(err).Msg("sending heartbeat")
		if !c.cfg.Now().Before(c.deadline()) {
			c.lose("heartbeat timeout")
		}
	case !ok:
		c.lose("lease taken over or expired")
	default:
		c.lastHeartbeat.Store(sent.UnixNano())
	}
}

// Release releases leadership if held.
func (c *Coordinator) Release(ctx context.Context) error {
	wasLeader := c.leader.Load()
	c.lose("released")

	if !wasLeader {
		return nil
	}

	if err := c.cfg.Store.Release(ctx, c.cfg.SessionID); err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}

	return nil
}

// Current returns the current lease.
func (c *Coordinator) Current(ctx context.Context) (*Lease, error) {
	return c.cfg.Store.Current(ctx)
}

// Run manages the lease until the provided context is cancelled, at which point the lease is
// released best-effort.
func (c *Coordinator) Run(ctx context.Context) {
	c.Tick(ctx)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			if err := c.Release(rctx); err != nil {
				c.cfg.Logger.Error().Err(err).Msg("releasing lease on shutdown")
			}
			cancel()
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}
