package lease

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tradelane/dataspace/pkg/persistence"
	"github.com/tradelane/dataspace/pkg/query"
)

const testTable = "test_entity"

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// One connection keeps the in-memory database shared and serializes
	// writers.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(Schema())
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE test_entity (id TEXT PRIMARY KEY, lease_id TEXT)`)
	require.NoError(t, err)
	return db
}

func insertEntity(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO test_entity (id, lease_id) VALUES (?, NULL)`, id)
	require.NoError(t, err)
}

func inTx(t *testing.T, db *sql.DB, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	require.NoError(t, tx.Commit())
	return nil
}

func leaseRowCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM edc_lease`).Scan(&n))
	return n
}

func TestAcquire_Unleased(t *testing.T) {
	db := setupTestDB(t)
	insertEntity(t, db, "e1")
	mgr := NewManager(testTable, query.SQLite)
	ctx := context.Background()

	var leaseID string
	err := inTx(t, db, func(tx *sql.Tx) error {
		var err error
		leaseID, err = mgr.Acquire(ctx, tx, "e1", "worker-a", 30*time.Second)
		return err
	})
	require.NoError(t, err)
	assert.NotEmpty(t, leaseID)

	got, err := mgr.Get(ctx, db, "e1")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", got.LeasedBy)
	assert.Equal(t, leaseID, got.LeaseID)
	assert.Equal(t, int64(30_000), got.DurationMillis)
}

func TestAcquire_HeldByOther_Conflicts(t *testing.T) {
	db := setupTestDB(t)
	insertEntity(t, db, "e1")
	mgr := NewManager(testTable, query.SQLite)
	ctx := context.Background()

	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		_, err := mgr.Acquire(ctx, tx, "e1", "worker-a", 30*time.Second)
		return err
	}))

	err := inTx(t, db, func(tx *sql.Tx) error {
		_, err := mgr.Acquire(ctx, tx, "e1", "worker-b", 30*time.Second)
		return err
	})
	assert.ErrorIs(t, err, persistence.ErrConflict)
}

func TestAcquire_SameHolderReplacesLease(t *testing.T) {
	db := setupTestDB(t)
	insertEntity(t, db, "e1")
	mgr := NewManager(testTable, query.SQLite)
	ctx := context.Background()

	var first, second string
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		var err error
		first, err = mgr.Acquire(ctx, tx, "e1", "worker-a", 30*time.Second)
		return err
	}))
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		var err error
		second, err = mgr.Acquire(ctx, tx, "e1", "worker-a", 30*time.Second)
		return err
	}))

	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, leaseRowCount(t, db))
}

func TestAcquire_ExpiredLeaseIsStolen(t *testing.T) {
	db := setupTestDB(t)
	insertEntity(t, db, "e1")

	now := time.Now()
	clock := func() time.Time { return now }
	mgr := NewManager(testTable, query.SQLite, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		_, err := mgr.Acquire(ctx, tx, "e1", "worker-a", time.Second)
		return err
	}))

	// Still live: the other worker must conflict.
	err := inTx(t, db, func(tx *sql.Tx) error {
		_, err := mgr.Acquire(ctx, tx, "e1", "worker-b", time.Second)
		return err
	})
	require.ErrorIs(t, err, persistence.ErrConflict)

	// Past expiry the same call succeeds and replaces the row.
	now = now.Add(2 * time.Second)
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		_, err := mgr.Acquire(ctx, tx, "e1", "worker-b", time.Second)
		return err
	}))

	got, err := mgr.Get(ctx, db, "e1")
	require.NoError(t, err)
	assert.Equal(t, "worker-b", got.LeasedBy)
	assert.Equal(t, 1, leaseRowCount(t, db))
}

func TestRelease_ByHolder(t *testing.T) {
	db := setupTestDB(t)
	insertEntity(t, db, "e1")
	mgr := NewManager(testTable, query.SQLite)
	ctx := context.Background()

	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		_, err := mgr.Acquire(ctx, tx, "e1", "worker-a", 30*time.Second)
		return err
	}))
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		return mgr.Release(ctx, tx, "e1", "worker-a")
	}))

	_, err := mgr.Get(ctx, db, "e1")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.Equal(t, 0, leaseRowCount(t, db))
}

func TestRelease_WrongHolder_Conflicts(t *testing.T) {
	db := setupTestDB(t)
	insertEntity(t, db, "e1")
	mgr := NewManager(testTable, query.SQLite)
	ctx := context.Background()

	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		_, err := mgr.Acquire(ctx, tx, "e1", "worker-b", 30*time.Second)
		return err
	}))

	err := inTx(t, db, func(tx *sql.Tx) error {
		return mgr.Release(ctx, tx, "e1", "worker-a")
	})
	assert.ErrorIs(t, err, persistence.ErrConflict)

	// The lease must be intact afterwards.
	got, getErr := mgr.Get(ctx, db, "e1")
	require.NoError(t, getErr)
	assert.Equal(t, "worker-b", got.LeasedBy)
}

func TestRelease_Unleased_NotFound(t *testing.T) {
	db := setupTestDB(t)
	insertEntity(t, db, "e1")
	mgr := NewManager(testTable, query.SQLite)

	err := inTx(t, db, func(tx *sql.Tx) error {
		return mgr.Release(context.Background(), tx, "e1", "worker-a")
	})
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestAcquire_MissingEntity_NotFound(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(testTable, query.SQLite)

	err := inTx(t, db, func(tx *sql.Tx) error {
		_, err := mgr.Acquire(context.Background(), tx, "ghost", "worker-a", time.Second)
		return err
	})
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

// TestAcquire_RacingHolders runs two workers against the same unleased
// entity; exactly one may win.
func TestAcquire_RacingHolders(t *testing.T) {
	db := setupTestDB(t)
	insertEntity(t, db, "e1")
	mgr := NewManager(testTable, query.SQLite)
	ctx := context.Background()

	acquire := func(holder string) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := mgr.Acquire(ctx, tx, "e1", holder, 30*time.Second); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, holder := range []string{"worker-a", "worker-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = acquire(holder)
		}()
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, persistence.ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, leaseRowCount(t, db))
}
