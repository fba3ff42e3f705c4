package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process lease store.
type MemoryStore struct {
	lease *Lease
	now   func() time.Time
	mtx   sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore initializes a new in-memory lease store using the provided clock.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}

	return &MemoryStore{now: now}
}

// Claim claims the lease for the provided session.
func (s *MemoryStore) Claim(ctx context.Context, sessionID string, ttl time.Duration, force bool) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.now()
	if !force && s.lease.State(now) == Claimed && s.lease.SessionID != sessionID {
		return false, nil
	}

	s.lease = &Lease{
		SessionID: sessionID,
		Active:    true,
		Heartbeat: now,
		ExpiresAt: now.Add(ttl),
	}

	return true, nil
}

// Heartbeat extends the lease held by the provided session.
func (s *MemoryStore) Heartbeat(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.now()
	if s.lease.State(now) != Claimed || s.lease.SessionID != sessionID {
		return false, nil
	}

	s.lease.Heartbeat = now
	s.lease.ExpiresAt = now.Add(ttl)

	return true, nil
}

// Release releases the lease if held by the provided session.
func (s *MemoryStore) Release(ctx context.Context, sessionID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.lease != nil && s.lease.SessionID == sessionID {
		s.lease.Active = false
	}

	return nil
}

// Current returns the current lease.
func (s *MemoryStore) Current(ctx context.Context) (*Lease, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.lease == nil {
		return nil, nil
	}

	l := *s.lease
	return &l, nil
}
