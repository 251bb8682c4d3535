// Package lease implements the time-bounded claim protocol that serializes
// mutation of work entities across runtime instances. A lease is the only
// concurrency guard in the system: whoever holds a non-expired lease on an
// entity may transition it, everyone else gets a conflict. Expired leases
// are reclaimed through the same acquire path, so a crashed worker needs no
// cleanup beyond waiting out the lease duration.
package lease

import (
	"context"
	"database/sql"
	"time"
)

// Lease is one claim row. At most one lease exists per entity.
type Lease struct {
	LeaseID        string
	LeasedBy       string
	LeasedAt       int64 // epoch millis
	DurationMillis int64
}

// Expired reports whether the lease's validity window has elapsed.
func (l Lease) Expired(now time.Time) bool {
	return now.UnixMilli() > l.LeasedAt+l.DurationMillis
}

// ExpiresAt returns the instant the lease stops guarding its entity.
func (l Lease) ExpiresAt() time.Time {
	return time.UnixMilli(l.LeasedAt + l.DurationMillis)
}

// DBTX is satisfied by both *sql.DB and *sql.Tx. Acquire and Release must
// run on the caller's transaction so the lease table and the entity's
// lease_id column move together.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
