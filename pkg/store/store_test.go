package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tradelane/dataspace/pkg/entity"
	"github.com/tradelane/dataspace/pkg/persistence"
	"github.com/tradelane/dataspace/pkg/query"
	"github.com/tradelane/dataspace/pkg/store"
)

const (
	stateRequested = 100
	stateConfirmed = 200
	stateDone      = 800
	stateError     = 900
)

var testStates = entity.StateSet{
	Family:    "testwork",
	Initial:   stateRequested,
	ErrorCode: stateError,
	Terminal:  []int{stateDone, stateError},
	Names: map[int]string{
		stateRequested: "REQUESTED",
		stateConfirmed: "CONFIRMED",
		stateDone:      "DONE",
		stateError:     "ERROR",
	},
}

type testPayload struct {
	AssetID   string `json:"assetId"`
	Dependent bool   `json:"dependent"`
}

func testDefinition() store.Definition {
	return store.Definition{
		Table:  "test_work",
		States: testStates,
		Mapping: store.BaseMapping().
			Scalar("assetId", "asset_id"),
		Extra: []store.ExtraColumn{{Name: "asset_id", Type: "TEXT"}},
		Project: func(rec *entity.Record) (map[string]any, error) {
			var p testPayload
			if len(rec.Payload) > 0 {
				if err := json.Unmarshal(rec.Payload, &p); err != nil {
					return nil, err
				}
			}
			return map[string]any{"asset_id": p.AssetID}, nil
		},
		DeleteGuard: func(_ context.Context, rec *entity.Record) error {
			var p testPayload
			if len(rec.Payload) > 0 {
				if err := json.Unmarshal(rec.Payload, &p); err != nil {
					return err
				}
			}
			if p.Dependent {
				return fmt.Errorf("entity %s has dependents: %w", rec.ID, persistence.ErrConflict)
			}
			return nil
		},
	}
}

func setupStore(t *testing.T) (*store.SQLStore, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	def := testDefinition()
	require.NoError(t, store.Migrate(context.Background(), db, query.SQLite, def))
	return store.NewSQLStore(db, def, query.SQLite), db
}

func newRecord(id string, state int) *entity.Record {
	return &entity.Record{
		ID:           id,
		StateCode:    state,
		TraceContext: map[string]string{"traceparent": "00-" + id},
		Payload:      json.RawMessage(`{"assetId":"asset-` + id + `"}`),
	}
}

func claim(t *testing.T, st *store.SQLStore, id, holder string, duration time.Duration) {
	t.Helper()
	require.NoError(t, st.InTx(context.Background(), func(s *store.SQLStore, tx *sql.Tx) error {
		_, err := s.Leases().Acquire(context.Background(), tx, id, holder, duration)
		return err
	}))
}

func TestCreateAndFindByID(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	rec := newRecord("w1", stateRequested)
	require.NoError(t, st.Create(ctx, rec))

	got, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, stateRequested, got.StateCode)
	assert.Equal(t, 0, got.StateCount)
	assert.Empty(t, got.LeaseID)
	assert.False(t, got.Pending)
	assert.Equal(t, map[string]string{"traceparent": "00-w1"}, got.TraceContext)
	assert.JSONEq(t, `{"assetId":"asset-w1"}`, string(got.Payload))
	assert.NotZero(t, got.CreatedAt)
	assert.NotZero(t, got.StateTimestamp)
}

func TestCreate_DuplicateID_Conflicts(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, newRecord("w1", stateRequested)))
	err := st.Create(ctx, newRecord("w1", stateRequested))
	assert.ErrorIs(t, err, persistence.ErrConflict)
}

// TestCreate_RacingDuplicates creates the same id from two goroutines;
// the primary key constraint must hand exactly one of them a conflict.
func TestCreate_RacingDuplicates(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = st.Create(ctx, newRecord("w1", stateRequested))
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
}

func TestFindByID_Missing(t *testing.T) {
	st, _ := setupStore(t)

	_, err := st.FindByID(context.Background(), "ghost")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestUpdate_PersistsLifecycleColumns(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	rec := newRecord("w1", stateRequested)
	require.NoError(t, st.Create(ctx, rec))

	rec.StateCode = stateConfirmed
	rec.StateCount = 0
	rec.ErrorDetail = ""
	require.NoError(t, st.Update(ctx, rec))

	got, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, stateConfirmed, got.StateCode)
	assert.GreaterOrEqual(t, got.UpdatedAt, got.CreatedAt)
}

func TestUpdate_Missing(t *testing.T) {
	st, _ := setupStore(t)

	err := st.Update(context.Background(), newRecord("ghost", stateRequested))
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestDelete_Unleased(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, newRecord("w1", stateRequested)))
	require.NoError(t, st.Delete(ctx, "w1"))

	_, err := st.FindByID(ctx, "w1")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestDelete_Leased_Conflicts(t *testing.T) {
	st, db := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, newRecord("w1", stateRequested)))
	claim(t, st, "w1", "worker-b", 30*time.Second)

	err := st.Delete(ctx, "w1")
	assert.ErrorIs(t, err, persistence.ErrConflict)

	// The claimed row and its lease must both survive the attempt.
	got, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	assert.NotEmpty(t, got.LeaseID)
	var leases int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM edc_lease`).Scan(&leases))
	assert.Equal(t, 1, leases)
}

func TestDelete_DependentGuard_Conflicts(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	rec := newRecord("w1", stateDone)
	rec.Payload = json.RawMessage(`{"assetId":"asset-w1","dependent":true}`)
	require.NoError(t, st.Create(ctx, rec))

	err := st.Delete(ctx, "w1")
	assert.ErrorIs(t, err, persistence.ErrConflict)
}

func TestNextForState_FairnessOldestFirst(t *testing.T) {
	st, db := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"w1", "w2", "w3"} {
		require.NoError(t, st.Create(ctx, newRecord(id, stateRequested)))
	}
	// Pin the waiting order: w2 oldest, then w3, then w1.
	for id, ts := range map[string]int64{"w2": 1_000, "w3": 2_000, "w1": 3_000} {
		_, err := db.Exec(`UPDATE test_work SET state_timestamp = ? WHERE id = ?`, ts, id)
		require.NoError(t, err)
	}

	batch, err := st.NextForState(ctx, stateRequested, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "w2", batch[0].ID)
	assert.Equal(t, "w3", batch[1].ID)
}

func TestNextForState_ExcludesLiveLease(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, newRecord("w1", stateRequested)))
	require.NoError(t, st.Create(ctx, newRecord("w2", stateRequested)))
	claim(t, st, "w1", "worker-a", 30*time.Second)

	batch, err := st.NextForState(ctx, stateRequested, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "w2", batch[0].ID)
}

func TestNextForState_IncludesExpiredLease(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, newRecord("w1", stateRequested)))
	claim(t, st, "w1", "worker-a", time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	batch, err := st.NextForState(ctx, stateRequested, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "w1", batch[0].ID)
}

func TestNextForState_ExcludesPending(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	rec := newRecord("w1", stateRequested)
	require.NoError(t, st.Create(ctx, rec))
	rec.Pending = true
	require.NoError(t, st.Update(ctx, rec))

	batch, err := st.NextForState(ctx, stateRequested, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestNextForState_TerminalStateNeverPolled(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, newRecord("w1", stateDone)))

	batch, err := st.NextForState(ctx, stateDone, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestClearPending(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	rec := newRecord("w1", stateRequested)
	require.NoError(t, st.Create(ctx, rec))
	rec.Pending = true
	require.NoError(t, st.Update(ctx, rec))

	require.NoError(t, st.ClearPending(ctx, "w1"))
	got, err := st.FindByID(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, got.Pending)

	// Idempotence guard: a second clear reports the stale event.
	assert.ErrorIs(t, st.ClearPending(ctx, "w1"), persistence.ErrNotFound)
}

func TestQuery_FilterOnProjectedColumn(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, newRecord("w1", stateRequested)))
	require.NoError(t, st.Create(ctx, newRecord("w2", stateConfirmed)))

	got, err := st.Query(ctx, query.Spec(
		query.Eq("assetId", "asset-w2"),
		query.Eq("state", stateConfirmed),
	))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "w2", got[0].ID)
}

func TestQuery_UnknownField(t *testing.T) {
	st, _ := setupStore(t)

	_, err := st.Query(context.Background(), query.Spec(query.Eq("bogus", 1)))

	var translationErr *query.TranslationError
	assert.ErrorAs(t, err, &translationErr)
}
