package lease

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseHeld is returned when a lease operation requires ownership held by another session.
var ErrLeaseHeld = errors.New("lease held by another session")

// State represents the state of the leadership lease.
type State int

const (
	Unclaimed State = iota
	Claimed
	Expired
)

// String stringifies the provided lease state.
func (s State) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case Claimed:
		return "claimed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Lease represents the leadership lease of a session.
type Lease struct {
	SessionID string    `json:"sessionId"`
	Active    bool      `json:"active"`
	Heartbeat time.Time `json:"heartbeat"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// State returns the state of the lease at the provided time.
func (l *Lease) State(now time.Time) State {
	switch {
	case l == nil || !l.Active || l.SessionID == "":
		return Unclaimed
	case !now.Before(l.ExpiresAt):
		return Expired
	default:
		return Claimed
	}
}

// Store defines the requirements of a lease backend. Implementations must apply every
// operation atomically.
type Store interface {
	// Claim claims the lease for the provided session for ttl. It reports false when another
	// session holds a lease that has not expired, unless force is set.
	Claim(ctx context.Context, sessionID string, ttl time.Duration, force bool) (bool, error)
	// Heartbeat extends the lease held by the provided session by ttl. It reports false when
	// the session no longer holds the lease.
	Heartbeat(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	// Release releases the lease if held by the provided session.
	Release(ctx context.Context, sessionID string) error
	// Current returns the current lease, nil when unclaimed.
	Current(ctx context.Context) (*Lease, error)
}
