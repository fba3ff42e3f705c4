package database

import (
	"context"
	"fmt"
	"time"

	"github.com/dnldd/sentinel/lease"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
)

const (
	forceClaimLeaseSQL = "UPDATE session_lease SET session = ?, active = 1, heartbeat = ?, expires = ? WHERE id = 1"
	claimLeaseSQL      = "UPDATE session_lease SET session = ?, active = 1, heartbeat = ?, expires = ? WHERE id = 1 AND (active = 0 OR session = '' OR session = ? OR expires <= ?)"
	heartbeatLeaseSQL  = "UPDATE session_lease SET heartbeat = ?, expires = ? WHERE id = 1 AND session = ? AND active = 1 AND expires > ?"
	releaseLeaseSQL    = "UPDATE session_lease SET active = 0 WHERE id = 1 AND session = ?"
	fetchLeaseSQL      = "SELECT session, active, heartbeat, expires FROM session_lease WHERE id = 1"
)

// Ensure the database implements the lease store interface.
var _ lease.Store = (*Database)(nil)

// Claim claims the session lease using a conditional update as compare-and-set.
func (db *Database) Claim(ctx context.Context, sessionID string, ttl time.Duration, force bool) (bool, error) {
	now := db.now()
	expires := now.Add(ttl)

	stmt := &rqlitehttp.SQLStatement{
		SQL:              claimLeaseSQL,
		PositionalParams: []any{sessionID, now.UnixMilli(), expires.UnixMilli(), sessionID, now.UnixMilli()},
	}
	if force {
		stmt = &rqlitehttp.SQLStatement{
			SQL:              forceClaimLeaseSQL,
			PositionalParams: []any{sessionID, now.UnixMilli(), expires.UnixMilli()},
		}
	}

	resp, err := db.execute(ctx, rqlitehttp.SQLStatements{stmt})
	if err != nil {
		return false, fmt.Errorf("claiming lease for %s: %w", sessionID, err)
	}

	return rowsAffected(resp) == 1, nil
}

// Heartbeat extends the lease held by the provided session.
func (db *Database) Heartbeat(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	now := db.now()

	resp, err := db.execute(ctx, rqlitehttp.SQLStatements{
		{
			SQL:              heartbeatLeaseSQL,
			PositionalParams: []any{now.UnixMilli(), now.Add(ttl).UnixMilli(), sessionID, now.UnixMilli()},
		},
	})
	if err != nil {
		return false, fmt.Errorf("extending lease for %s: %w", sessionID, err)
	}

	return rowsAffected(resp) == 1, nil
}

// Release releases the lease if held by the provided session.
func (db *Database) Release(ctx context.Context, sessionID string) error {
	_, err := db.execute(ctx, rqlitehttp.SQLStatements{
		{SQL: releaseLeaseSQL, PositionalParams: []any{sessionID}},
	})
	if err != nil {
		return fmt.Errorf("releasing lease for %s: %w", sessionID, err)
	}

	return nil
}

// Current returns the current lease, nil when unclaimed.
func (db *Database) Current(ctx context.Context) (*lease.Lease, error) {
	rows, err := db.query(ctx, fetchLeaseSQL)
	if err != nil {
		return nil, fmt.Errorf("fetching lease: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	return leaseFromRow(rows[0]), nil
}

// leaseFromRow converts a lease row, nil when no session ever claimed it.
func leaseFromRow(row map[string]any) *lease.Lease {
	session := asString(row, "session")
	if session == "" {
		return nil
	}

	return &lease.Lease{
		SessionID: session,
		Active:    asInt64(row, "active") == 1,
		Heartbeat: fromMillis(asInt64(row, "heartbeat")),
		ExpiresAt: fromMillis(asInt64(row, "expires")),
	}
}
