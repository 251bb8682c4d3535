// Package store persists work entity records over database/sql. One
// SQLStore serves one entity family's table; the lifecycle columns are
// shared across families and the business payload rides along as an opaque
// JSON document. The store exposes the lease-aware batch fetch the polling
// driver runs on: entities in a given state whose lease is absent or
// expired, oldest-waiting first.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tradelane/dataspace/pkg/entity"
	"github.com/tradelane/dataspace/pkg/lease"
	"github.com/tradelane/dataspace/pkg/persistence"
	"github.com/tradelane/dataspace/pkg/query"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ExtraColumn is a family-specific column projected out of the payload so
// it can be filtered and indexed without JSON extraction.
type ExtraColumn struct {
	Name string
	Type string
}

// Definition describes one entity family's persistence shape.
type Definition struct {
	Table   string
	States  entity.StateSet
	Mapping *query.Mapping
	Extra   []ExtraColumn
	// Project derives the extra column values from a record's payload.
	// Required when Extra is non-empty.
	Project func(*entity.Record) (map[string]any, error)
	// DeleteGuard may veto a delete by returning persistence.ErrConflict,
	// e.g. a negotiation that already holds a signed agreement.
	DeleteGuard func(context.Context, *entity.Record) error
}

// baseColumns is the lifecycle column set shared by every entity table, in
// scan order.
var baseColumns = []string{
	"id", "state", "state_count", "state_timestamp", "error_detail",
	"pending", "trace_context", "lease_id", "created_at", "updated_at", "payload",
}

// SQLStore is the persistence facade for one entity family.
type SQLStore struct {
	runner  DBTX
	db      *sql.DB
	def     Definition
	dialect query.Dialect
	leases  *lease.Manager
	clock   func() time.Time
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithClock overrides the audit timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *SQLStore) { s.clock = clock }
}

// NewSQLStore builds a store for one entity family. The lease manager is
// created alongside it so callers share a single claim protocol per table.
func NewSQLStore(db *sql.DB, def Definition, dialect query.Dialect, opts ...Option) *SQLStore {
	s := &SQLStore{
		runner:  db,
		db:      db,
		def:     def,
		dialect: dialect,
		leases:  lease.NewManager(def.Table, dialect),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Leases exposes the claim protocol bound to this family's table.
func (s *SQLStore) Leases() *lease.Manager { return s.leases }

// Definition returns the family descriptor the store was built with.
func (s *SQLStore) Definition() Definition { return s.def }

// WithTx returns a copy of the store bound to the given transaction.
func (s *SQLStore) WithTx(tx *sql.Tx) *SQLStore {
	bound := *s
	bound.runner = tx
	return &bound
}

// InTx runs fn against a transaction-bound copy of the store, committing on
// success and rolling back on error. This is the transaction boundary every
// claim-then-update sequence goes through.
func (s *SQLStore) InTx(ctx context.Context, fn func(*SQLStore, *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx on %s: %w", s.def.Table, err)
	}
	if err := fn(s.WithTx(tx), tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx on %s: %w", s.def.Table, err)
	}
	return nil
}

// Create inserts a new record. A duplicate id is a conflict, not an error
// the caller should retry. Duplicate detection rides on the primary key
// constraint: two racing creates cannot both pass a pre-check, the
// constraint catches the loser.
func (s *SQLStore) Create(ctx context.Context, rec *entity.Record) error {
	now := s.clock().UnixMilli()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.StateTimestamp == 0 {
		rec.StateTimestamp = now
	}

	traceJSON, err := marshalTrace(rec.TraceContext)
	if err != nil {
		return err
	}
	extras, err := s.projected(rec)
	if err != nil {
		return err
	}

	cols := append([]string{}, baseColumns...)
	args := []any{
		rec.ID, rec.StateCode, rec.StateCount, rec.StateTimestamp,
		nullable(rec.ErrorDetail), rec.Pending, traceJSON,
		nullable(rec.LeaseID), rec.CreatedAt, rec.UpdatedAt, payloadArg(rec.Payload),
	}
	for _, extra := range s.def.Extra {
		cols = append(cols, extra.Name)
		args = append(args, extras[extra.Name])
	}

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = s.ph(i + 1)
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.def.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := s.runner.ExecContext(ctx, insert, args...); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("entity %s already exists in %s: %w", rec.ID, s.def.Table, persistence.ErrConflict)
		}
		return fmt.Errorf("insert %s into %s: %w", rec.ID, s.def.Table, err)
	}
	return nil
}

// isDuplicateKey matches the unique-violation wording of both supported
// drivers; neither exposes a portable error type through database/sql.
func isDuplicateKey(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// FindByID loads one record or persistence.ErrNotFound.
func (s *SQLStore) FindByID(ctx context.Context, id string) (*entity.Record, error) {
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s",
		strings.Join(baseColumns, ", "), s.def.Table, s.ph(1))
	rec, err := scanRecord(s.runner.QueryRowContext(ctx, stmt, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s in %s: %w", id, s.def.Table, persistence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s from %s: %w", id, s.def.Table, err)
	}
	return rec, nil
}

// Update persists the record's lifecycle columns and payload. The lease_id
// column is deliberately untouched; only the lease manager moves it.
// Callers are expected to hold the record's lease — the driver always
// updates and releases inside one transaction.
func (s *SQLStore) Update(ctx context.Context, rec *entity.Record) error {
	rec.UpdatedAt = s.clock().UnixMilli()

	traceJSON, err := marshalTrace(rec.TraceContext)
	if err != nil {
		return err
	}
	extras, err := s.projected(rec)
	if err != nil {
		return err
	}

	assignments := []string{}
	args := []any{}
	set := func(col string, val any) {
		args = append(args, val)
		assignments = append(assignments, fmt.Sprintf("%s = %s", col, s.ph(len(args))))
	}
	set("state", rec.StateCode)
	set("state_count", rec.StateCount)
	set("state_timestamp", rec.StateTimestamp)
	set("error_detail", nullable(rec.ErrorDetail))
	set("pending", rec.Pending)
	set("trace_context", traceJSON)
	set("updated_at", rec.UpdatedAt)
	set("payload", payloadArg(rec.Payload))
	for _, extra := range s.def.Extra {
		set(extra.Name, extras[extra.Name])
	}

	args = append(args, rec.ID)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s",
		s.def.Table, strings.Join(assignments, ", "), s.ph(len(args)))
	res, err := s.runner.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update %s in %s: %w", rec.ID, s.def.Table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s in %s: %w", rec.ID, s.def.Table, err)
	}
	if affected == 0 {
		return fmt.Errorf("entity %s in %s: %w", rec.ID, s.def.Table, persistence.ErrNotFound)
	}
	return nil
}

// Delete removes an unleased record. Leased records and records vetoed by
// the family's delete guard return persistence.ErrConflict. The delete is
// compare-and-set on lease_id, so a worker claiming the entity after the
// guard checks cannot lose it mid-processing.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.InTx(ctx, func(s *SQLStore, _ *sql.Tx) error {
		rec, err := s.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if rec.LeaseID != "" {
			return fmt.Errorf("entity %s is leased: %w", id, persistence.ErrConflict)
		}
		if s.def.DeleteGuard != nil {
			if err := s.def.DeleteGuard(ctx, rec); err != nil {
				return err
			}
		}
		stmt := fmt.Sprintf("DELETE FROM %s WHERE id = %s AND lease_id IS NULL",
			s.def.Table, s.ph(1))
		res, err := s.runner.ExecContext(ctx, stmt, id)
		if err != nil {
			return fmt.Errorf("delete %s from %s: %w", id, s.def.Table, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete %s from %s: %w", id, s.def.Table, err)
		}
		if affected == 0 {
			return fmt.Errorf("entity %s was claimed concurrently: %w", id, persistence.ErrConflict)
		}
		return nil
	})
}

// NextForState returns up to maxBatch claimable records in the given state:
// not pending, not terminal, and either unleased or expired-leased. Oldest
// state timestamp first, so no entity starves behind a flood of newer work.
func (s *SQLStore) NextForState(ctx context.Context, stateCode, maxBatch int) ([]*entity.Record, error) {
	if s.def.States.IsTerminal(stateCode) {
		return nil, nil
	}
	cols := make([]string, len(baseColumns))
	for i, c := range baseColumns {
		cols[i] = "e." + c
	}
	stmt := fmt.Sprintf(`SELECT %s FROM %s e
LEFT JOIN %s l ON e.lease_id = l.lease_id
WHERE e.state = %s AND e.pending = %s
AND (e.lease_id IS NULL OR l.leased_at + l.lease_duration < %s)
ORDER BY e.state_timestamp ASC
LIMIT %s`,
		strings.Join(cols, ", "), s.def.Table, lease.TableName,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))

	rows, err := s.runner.QueryContext(ctx, stmt, stateCode, false, s.clock().UnixMilli(), maxBatch)
	if err != nil {
		return nil, fmt.Errorf("fetch batch for state %d in %s: %w", stateCode, s.def.Table, err)
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

// Query runs a caller-supplied filter against the family's field mapping.
func (s *SQLStore) Query(ctx context.Context, spec query.QuerySpec) ([]*entity.Record, error) {
	predicate, args, err := query.BuildPredicate(spec, s.def.Mapping, s.dialect)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s%s",
		strings.Join(baseColumns, ", "), s.def.Table, predicate)
	rows, err := s.runner.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.def.Table, err)
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

// ClearPending resets the pending flag once the awaited external response
// arrived. The compare-and-set keeps it idempotent; clearing an already
// clear record is ErrNotFound so callers can spot misrouted events.
func (s *SQLStore) ClearPending(ctx context.Context, id string) error {
	now := s.clock().UnixMilli()
	stmt := fmt.Sprintf("UPDATE %s SET pending = %s, state_timestamp = %s, updated_at = %s WHERE id = %s AND pending = %s",
		s.def.Table, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	res, err := s.runner.ExecContext(ctx, stmt, false, now, now, id, true)
	if err != nil {
		return fmt.Errorf("clear pending on %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("clear pending on %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("no pending entity %s in %s: %w", id, s.def.Table, persistence.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) projected(rec *entity.Record) (map[string]any, error) {
	if len(s.def.Extra) == 0 {
		return nil, nil
	}
	if s.def.Project == nil {
		return nil, fmt.Errorf("definition for %s declares extra columns without a projection", s.def.Table)
	}
	extras, err := s.def.Project(rec)
	if err != nil {
		return nil, fmt.Errorf("project extra columns for %s: %w", rec.ID, err)
	}
	return extras, nil
}

func (s *SQLStore) ph(n int) string { return s.dialect.Placeholder(n) }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func payloadArg(payload json.RawMessage) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

func marshalTrace(trace map[string]string) (any, error) {
	if len(trace) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(trace)
	if err != nil {
		return nil, fmt.Errorf("encode trace context: %w", err)
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*entity.Record, error) {
	var rec entity.Record
	var errorDetail, traceJSON, leaseID, payload sql.NullString
	if err := row.Scan(
		&rec.ID, &rec.StateCode, &rec.StateCount, &rec.StateTimestamp,
		&errorDetail, &rec.Pending, &traceJSON, &leaseID,
		&rec.CreatedAt, &rec.UpdatedAt, &payload,
	); err != nil {
		return nil, err
	}
	rec.ErrorDetail = errorDetail.String
	rec.LeaseID = leaseID.String
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	if traceJSON.Valid {
		if err := json.Unmarshal([]byte(traceJSON.String), &rec.TraceContext); err != nil {
			return nil, fmt.Errorf("corrupt trace context on %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*entity.Record, error) {
	records := make([]*entity.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
