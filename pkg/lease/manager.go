package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradelane/dataspace/pkg/persistence"
	"github.com/tradelane/dataspace/pkg/query"
)

// TableName is the shared lease table. All entity families reference it
// through their lease_id column.
const TableName = "edc_lease"

// Schema returns the lease table DDL. The column types are portable across
// both supported dialects.
func Schema() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	lease_id TEXT PRIMARY KEY,
	leased_by TEXT NOT NULL,
	leased_at BIGINT NOT NULL,
	lease_duration BIGINT NOT NULL
);`, TableName)
}

// Manager implements acquire, release and lookup for one entity table.
// It never opens its own transactions; callers supply one so the entity
// row and lease row change atomically.
type Manager struct {
	entityTable string
	dialect     query.Dialect
	clock       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, used by expiry tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager builds a lease manager for one entity table.
func NewManager(entityTable string, dialect query.Dialect, opts ...Option) *Manager {
	m := &Manager{
		entityTable: entityTable,
		dialect:     dialect,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire claims the entity for holder. It succeeds when the entity is
// unleased, its lease has expired, or the holder already owns the lease
// (re-acquire replaces the row). A live lease held by someone else returns
// persistence.ErrConflict. The entity's lease_id column is compare-and-set,
// so two racing acquirers inside separate transactions yield exactly one
// winner.
func (m *Manager) Acquire(ctx context.Context, tx DBTX, entityID, holder string, duration time.Duration) (string, error) {
	current, err := m.currentLease(ctx, tx, entityID)
	if err != nil {
		return "", err
	}

	now := m.clock()
	if current != nil && !current.Expired(now) && current.LeasedBy != holder {
		return "", fmt.Errorf("entity %s leased by %s until %s: %w",
			entityID, current.LeasedBy, current.ExpiresAt().Format(time.RFC3339), persistence.ErrConflict)
	}

	leaseID := uuid.NewString()
	insert := fmt.Sprintf("INSERT INTO %s (lease_id, leased_by, leased_at, lease_duration) VALUES (%s, %s, %s, %s)",
		TableName, m.ph(1), m.ph(2), m.ph(3), m.ph(4))
	if _, err := tx.ExecContext(ctx, insert, leaseID, holder, now.UnixMilli(), duration.Milliseconds()); err != nil {
		return "", fmt.Errorf("write lease for %s: %w", entityID, err)
	}

	// Compare-and-set against the lease id we observed. A concurrent
	// acquirer that got there first leaves zero rows affected.
	var res sql.Result
	if current == nil {
		update := fmt.Sprintf("UPDATE %s SET lease_id = %s WHERE id = %s AND lease_id IS NULL",
			m.entityTable, m.ph(1), m.ph(2))
		res, err = tx.ExecContext(ctx, update, leaseID, entityID)
	} else {
		update := fmt.Sprintf("UPDATE %s SET lease_id = %s WHERE id = %s AND lease_id = %s",
			m.entityTable, m.ph(1), m.ph(2), m.ph(3))
		res, err = tx.ExecContext(ctx, update, leaseID, entityID, current.LeaseID)
	}
	if err != nil {
		return "", fmt.Errorf("attach lease to %s: %w", entityID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("attach lease to %s: %w", entityID, err)
	}
	if affected == 0 {
		// Take the unattached row back out. Redundant under a rolled-back
		// transaction, required when the caller runs on a bare *sql.DB.
		del := fmt.Sprintf("DELETE FROM %s WHERE lease_id = %s", TableName, m.ph(1))
		if _, derr := tx.ExecContext(ctx, del, leaseID); derr != nil {
			return "", fmt.Errorf("drop unattached lease %s: %w", leaseID, derr)
		}
		return "", fmt.Errorf("entity %s was claimed concurrently: %w", entityID, persistence.ErrConflict)
	}

	if current != nil {
		del := fmt.Sprintf("DELETE FROM %s WHERE lease_id = %s", TableName, m.ph(1))
		if _, err := tx.ExecContext(ctx, del, current.LeaseID); err != nil {
			return "", fmt.Errorf("drop stale lease %s: %w", current.LeaseID, err)
		}
	}
	return leaseID, nil
}

// Release drops the entity's lease. Only the holder that acquired it may
// release it; a mismatched identity returns persistence.ErrConflict, which
// protects a worker that stalled past expiry from clobbering the lease of
// whoever re-claimed the entity in the meantime.
func (m *Manager) Release(ctx context.Context, tx DBTX, entityID, holder string) error {
	current, err := m.currentLease(ctx, tx, entityID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("entity %s is not leased: %w", entityID, persistence.ErrNotFound)
	}
	if current.LeasedBy != holder {
		return fmt.Errorf("lease on %s belongs to %s, not %s: %w",
			entityID, current.LeasedBy, holder, persistence.ErrConflict)
	}

	update := fmt.Sprintf("UPDATE %s SET lease_id = NULL WHERE id = %s AND lease_id = %s",
		m.entityTable, m.ph(1), m.ph(2))
	res, err := tx.ExecContext(ctx, update, entityID, current.LeaseID)
	if err != nil {
		return fmt.Errorf("detach lease from %s: %w", entityID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("detach lease from %s: %w", entityID, err)
	}
	if affected == 0 {
		return fmt.Errorf("lease on %s changed concurrently: %w", entityID, persistence.ErrConflict)
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE lease_id = %s", TableName, m.ph(1))
	if _, err := tx.ExecContext(ctx, del, current.LeaseID); err != nil {
		return fmt.Errorf("drop lease %s: %w", current.LeaseID, err)
	}
	return nil
}

// Get returns the entity's current lease, expired or not, or
// persistence.ErrNotFound when the entity is unleased or missing.
func (m *Manager) Get(ctx context.Context, tx DBTX, entityID string) (Lease, error) {
	current, err := m.currentLease(ctx, tx, entityID)
	if err != nil {
		return Lease{}, err
	}
	if current == nil {
		return Lease{}, fmt.Errorf("entity %s is not leased: %w", entityID, persistence.ErrNotFound)
	}
	return *current, nil
}

// currentLease loads the entity row joined with its lease. A missing entity
// is ErrNotFound; an unleased entity returns (nil, nil).
func (m *Manager) currentLease(ctx context.Context, tx DBTX, entityID string) (*Lease, error) {
	stmt := fmt.Sprintf(`SELECT l.lease_id, l.leased_by, l.leased_at, l.lease_duration
FROM %s e LEFT JOIN %s l ON e.lease_id = l.lease_id
WHERE e.id = %s`, m.entityTable, TableName, m.ph(1))

	var leaseID, leasedBy sql.NullString
	var leasedAt, duration sql.NullInt64
	err := tx.QueryRowContext(ctx, stmt, entityID).Scan(&leaseID, &leasedBy, &leasedAt, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", entityID, persistence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load lease for %s: %w", entityID, err)
	}
	if !leaseID.Valid {
		return nil, nil
	}
	return &Lease{
		LeaseID:        leaseID.String,
		LeasedBy:       leasedBy.String,
		LeasedAt:       leasedAt.Int64,
		DurationMillis: duration.Int64,
	}, nil
}

func (m *Manager) ph(n int) string { return m.dialect.Placeholder(n) }
