// Package store implements the Persistence Provider (C5): the public CRUD
// surface over one mapped entity type, composing the version allocator
// (C1), mapper (C3), predicate translator (C4), and audit sink (C7) into
// Get/Create/Update/Delete, batch, query, and bulk/admin operations over a
// single SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/untoldecay/vstore/internal/audit"
	"github.com/untoldecay/vstore/internal/engine"
	"github.com/untoldecay/vstore/internal/mapper"
	"github.com/untoldecay/vstore/internal/typeregistry"
	"github.com/untoldecay/vstore/internal/version"
)

// Store is the generic provider for one entity type V keyed by K.
type Store[K comparable, V any] struct {
	db     *sql.DB
	mapper *mapper.Mapper[K, V]
	alloc  *version.Allocator
	audit  *audit.Sink
	events *engine.EventLog

	slowQueryThreshold time.Duration
	now                func() time.Time

	membersTable string
}

// Options configures a Store.
type Options[K comparable, V any] struct {
	DB     *sql.DB
	Mapper *mapper.Mapper[K, V]

	// Audit may be nil, in which case audit writes are silently skipped
	// (audit.Sink's nil-receiver methods are no-ops).
	Audit *audit.Sink

	// Events may be nil, in which case lifecycle events are not logged.
	Events *engine.EventLog

	// SlowQueryThreshold above which a query is reported to Events.
	SlowQueryThreshold time.Duration

	// Now overrides the clock, for deterministic tests. Defaults to time.Now.
	Now func() time.Time
}

// New opens a Store over an already-open database, creating the entity
// table, its indexes, the shared version sequence table, and this entity's
// list-membership table if any are missing.
func New[K comparable, V any](ctx context.Context, opts Options[K, V]) (*Store[K, V], error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("store: Options.DB is required")
	}
	if opts.Mapper == nil {
		return nil, fmt.Errorf("store: Options.Mapper is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store[K, V]{
		db:                 opts.DB,
		mapper:             opts.Mapper,
		alloc:              version.New(),
		audit:              opts.Audit,
		events:             opts.Events,
		slowQueryThreshold: opts.SlowQueryThreshold,
		now:                now,
		membersTable:       opts.Mapper.Desc.Table + "_members",
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if err := s.registerType(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store[K, V]) ensureSchema(ctx context.Context) error {
	stmts := []string{version.CreateTableDDL, typeregistry.CreateTableDDL}
	stmts = append(stmts, s.mapper.TableDDL()...)
	stmts = append(stmts, s.membersTableDDL())
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: schema %q: %w", stmt, err)
		}
	}
	return nil
}

// registerType upserts this Store's (type_name, assembly_version) into the
// shared type registry, so a later process opening the same database can
// look up which store/serializer produced a row's blob (spec.md §3, §4.8).
func (s *Store[K, V]) registerType(ctx context.Context) error {
	entry := typeregistry.Entry{
		TypeName:        s.mapper.TypeName,
		AssemblyVersion: s.mapper.Assembly,
		StoreType:       fmt.Sprintf("%T", *new(V)),
		SerializerType:  fmt.Sprintf("%T", s.mapper.Serializer),
	}
	now := s.now().UTC().Format(mapper.TimeLayout)
	if err := typeregistry.Register(ctx, s.db, entry, now); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

func (s *Store[K, V]) membersTableDDL() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.membersTable + ` (
		list_key  TEXT NOT NULL,
		entry_key TEXT NOT NULL,
		version   INTEGER NOT NULL,
		PRIMARY KEY (list_key, entry_key)
	)`
}

// callerAt renders the caller `skip` frames up the stack as "func file:line"
// provenance for audit rows, per spec.md §4.7. Frame 0 is callerAt itself,
// so an exported method that calls it directly passes 2 to name its own
// caller; writeBatch, one helper frame below BatchCreate/BatchUpdate,
// passes 3.
func callerAt(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s %s:%d", name, filepath.Base(file), line)
}

func (s *Store[K, V]) recordAccess(ctx context.Context, key string, ver uint64, hit bool, caller string) {
	actor := ""
	s.audit.RecordAccess(ctx, audit.AccessEntry{
		Table: s.mapper.Desc.Table, Key: key, Version: ver, Actor: actor, Caller: caller,
	})
	_ = hit // not stored: a missing key records Version 0, but a soft-deleted key records its current version just as a hit does
}

func (s *Store[K, V]) recordUpdate(ctx context.Context, key string, oldVersion, ver uint64, payloadSize int64, op audit.Operation, caller string) {
	s.audit.RecordUpdate(ctx, audit.UpdateEntry{
		Table: s.mapper.Desc.Table, Key: key, TypeName: s.mapper.TypeName,
		OldVersion: oldVersion, Version: ver, PayloadSize: payloadSize,
		Operation: op, Actor: "", Caller: caller,
	})
}

func (s *Store[K, V]) logSlow(sqlText string, start time.Time) {
	if s.events == nil || s.slowQueryThreshold <= 0 {
		return
	}
	if elapsed := time.Since(start); elapsed > s.slowQueryThreshold {
		s.events.SlowQuery(sqlText, elapsed, s.slowQueryThreshold)
	}
}

func (s *Store[K, V]) keyString(k K) string { return fmt.Sprint(k) }

// selectLatestSQL returns the query for the current (highest-version) row
// for one key, projecting every column the mapper round-trips.
func (s *Store[K, V]) selectLatestSQL() string {
	cols := s.mapper.ColumnNames()
	colList := cols[0]
	for _, c := range cols[1:] {
		colList += ", " + c
	}
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE key = ? ORDER BY version DESC LIMIT 1",
		colList, s.mapper.Desc.Table,
	)
}

// Get returns the current row for key regardless of is_deleted, per
// spec.md §4.5.1: distinguishing "never existed" from "was deleted" lets a
// caller decide whether Create is expected to succeed. A soft-deleted
// current row is reported as absent (found=false) to the caller, but the
// access-history row still records the version observed.
func (s *Store[K, V]) Get(ctx context.Context, key K) (mapper.Record[K, V], bool, error) {
	caller := callerAt(2)
	start := time.Now()
	var zero mapper.Record[K, V]

	keyArg, err := s.mapper.SerializeKey(key)
	if err != nil {
		return zero, false, wrapStorage("Get", s.keyString(key), err)
	}
	sqlText := s.selectLatestSQL()
	rows, err := s.db.QueryContext(ctx, sqlText, keyArg)
	if err != nil {
		return zero, false, wrapStorage("Get", s.keyString(key), err)
	}
	defer rows.Close()
	s.logSlow(sqlText, start)

	if !rows.Next() {
		s.recordAccess(ctx, s.keyString(key), 0, false, caller)
		return zero, false, nil
	}
	rec, err := s.mapper.MapFromReader(rows)
	if err != nil {
		return zero, false, wrapStorage("Get", s.keyString(key), err)
	}
	if s.events != nil {
		s.events.CacheHit(s.mapper.Desc.Table)
	}
	if rec.IsDeleted {
		s.recordAccess(ctx, s.keyString(key), rec.Version, false, caller)
		return zero, false, nil
	}
	s.recordAccess(ctx, s.keyString(key), rec.Version, true, caller)
	return rec, true, nil
}

// Create inserts a new current row for key, failing with
// ErrEntityAlreadyExists if a live (non-deleted) row already exists, per
// spec.md §3 invariant 6 and §4.5.1.
func (s *Store[K, V]) Create(ctx context.Context, key K, value V) (mapper.Record[K, V], error) {
	caller := callerAt(2)
	var zero mapper.Record[K, V]

	keyArg, err := s.mapper.SerializeKey(key)
	if err != nil {
		return zero, wrapStorage("Create", s.keyString(key), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, wrapStorage("Create", s.keyString(key), err)
	}
	defer tx.Rollback()

	existingVersion, existingDeleted, found, err := s.latestWithinTx(ctx, tx, keyArg)
	if err != nil {
		return zero, wrapStorage("Create", s.keyString(key), err)
	}
	if found && !existingDeleted {
		return zero, ErrEntityAlreadyExists
	}

	now := s.now().UTC()
	newVersion, err := s.alloc.Next(ctx, tx, now.Format(mapper.TimeLayout))
	if err != nil {
		return zero, wrapStorage("Create", s.keyString(key), err)
	}

	rec := mapper.Record[K, V]{
		Key: key, Value: value, Version: newVersion,
		CreatedTime: now, LastWriteTime: now, IsDeleted: false,
	}
	stmt, args, err := s.mapper.InsertStatement(rec)
	if err != nil {
		return zero, wrapStorage("Create", s.keyString(key), err)
	}
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return zero, wrapStorage("Create", s.keyString(key), err)
	}
	if err := tx.Commit(); err != nil {
		return zero, wrapStorage("Create", s.keyString(key), err)
	}

	payloadSize, _ := s.mapper.SerializeEntity(value)
	s.recordUpdate(ctx, s.keyString(key), existingVersion, newVersion, int64(len(payloadSize)), audit.OpCreate, caller)
	return rec, nil
}

// latestWithinTx reads the current row's (version, is_deleted) for keyArg
// within tx, used by Create/Update/Delete to make their precondition
// decision and their write atomic.
func (s *Store[K, V]) latestWithinTx(ctx context.Context, tx *sql.Tx, keyArg any) (ver uint64, deleted bool, found bool, err error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT version, is_deleted FROM %s WHERE key = ? ORDER BY version DESC LIMIT 1",
		s.mapper.Desc.Table,
	), keyArg)
	var v int64
	var d int64
	err = row.Scan(&v, &d)
	if err == sql.ErrNoRows {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}
	return uint64(v), d != 0, true, nil
}

// Update appends a new version row for key whose value supersedes the row
// observed at originalVersion, failing with ErrConcurrency if that row is
// no longer current or has been soft-deleted (spec.md §3 invariant 5,
// §4.5.1). created_time is carried forward from the superseded row; only
// last_write_time advances.
func (s *Store[K, V]) Update(ctx context.Context, key K, originalVersion uint64, newValue V) (mapper.Record[K, V], error) {
	caller := callerAt(2)
	var zero mapper.Record[K, V]

	keyArg, err := s.mapper.SerializeKey(key)
	if err != nil {
		return zero, wrapStorage("Update", s.keyString(key), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, wrapStorage("Update", s.keyString(key), err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT created_time FROM %s WHERE key = ? AND version = ? AND is_deleted = 0",
		s.mapper.Desc.Table,
	), keyArg, originalVersion)
	var createdRaw string
	if err := row.Scan(&createdRaw); err == sql.ErrNoRows {
		return zero, ErrConcurrency
	} else if err != nil {
		return zero, wrapStorage("Update", s.keyString(key), err)
	}

	// The row matched above might not be the *current* row (a later version
	// could already exist): re-check against the current row's version to
	// honour "update lost the race" even when originalVersion still exists.
	currentVersion, currentDeleted, found, err := s.latestWithinTx(ctx, tx, keyArg)
	if err != nil {
		return zero, wrapStorage("Update", s.keyString(key), err)
	}
	if !found || currentVersion != originalVersion || currentDeleted {
		return zero, ErrConcurrency
	}

	createdTime, err := time.Parse(mapper.TimeLayout, createdRaw)
	if err != nil {
		return zero, wrapStorage("Update", s.keyString(key), err)
	}

	now := s.now().UTC()
	newVersion, err := s.alloc.Next(ctx, tx, now.Format(mapper.TimeLayout))
	if err != nil {
		return zero, wrapStorage("Update", s.keyString(key), err)
	}

	rec := mapper.Record[K, V]{
		Key: key, Value: newValue, Version: newVersion,
		CreatedTime: createdTime, LastWriteTime: now, IsDeleted: false,
	}
	stmt, args, err := s.mapper.InsertStatement(rec)
	if err != nil {
		return zero, wrapStorage("Update", s.keyString(key), err)
	}
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return zero, wrapStorage("Update", s.keyString(key), err)
	}
	if err := tx.Commit(); err != nil {
		return zero, wrapStorage("Update", s.keyString(key), err)
	}

	payload, _ := s.mapper.SerializeEntity(newValue)
	s.recordUpdate(ctx, s.keyString(key), originalVersion, newVersion, int64(len(payload)), audit.OpUpdate, caller)
	return rec, nil
}

// Delete removes key. Soft delete (hard=false) flags the current row
// is_deleted and bumps last_write_time without allocating a new version;
// hard delete removes every version row unconditionally (spec.md §4.5.1).
// It reports whether any row was affected.
func (s *Store[K, V]) Delete(ctx context.Context, key K, hard bool) (bool, error) {
	caller := callerAt(2)
	keyArg, err := s.mapper.SerializeKey(key)
	if err != nil {
		return false, wrapStorage("Delete", s.keyString(key), err)
	}

	if hard {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.mapper.Desc.Table), keyArg)
		if err != nil {
			return false, wrapStorage("Delete", s.keyString(key), err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			s.recordUpdate(ctx, s.keyString(key), 0, 0, 0, audit.OpHardDelete, caller)
		}
		return n > 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrapStorage("Delete", s.keyString(key), err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.selectLatestSQL(), keyArg)
	if err != nil {
		return false, wrapStorage("Delete", s.keyString(key), err)
	}
	if !rows.Next() {
		rows.Close()
		return false, nil
	}
	rec, err := s.mapper.MapFromReader(rows)
	rows.Close()
	if err != nil {
		return false, wrapStorage("Delete", s.keyString(key), err)
	}
	if rec.IsDeleted {
		return false, nil
	}

	rec.IsDeleted = true
	rec.LastWriteTime = s.now().UTC()
	cols, args, err := s.mapper.UpdateColumnsAndArgs(rec)
	if err != nil {
		return false, wrapStorage("Delete", s.keyString(key), err)
	}
	setClause := cols[0] + " = ?"
	for _, c := range cols[1:] {
		setClause += ", " + c + " = ?"
	}
	args = append(args, keyArg, rec.Version)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE key = ? AND version = ? AND is_deleted = 0", s.mapper.Desc.Table, setClause)
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, wrapStorage("Delete", s.keyString(key), err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, wrapStorage("Delete", s.keyString(key), err)
	}
	payload, _ := s.mapper.SerializeEntity(rec.Value)
	s.recordUpdate(ctx, s.keyString(key), rec.Version, rec.Version, int64(len(payload)), audit.OpSoftDelete, caller)
	return true, nil
}

// ExistsKey reports whether key has a current, non-deleted row. Unlike
// Exists, which tests a predicate over the whole table, this is a single
// indexed lookup and does not go through the window-function machinery.
func (s *Store[K, V]) ExistsKey(ctx context.Context, key K) (bool, error) {
	keyArg, err := s.mapper.SerializeKey(key)
	if err != nil {
		return false, wrapStorage("ExistsKey", s.keyString(key), err)
	}
	var deleted int64
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT is_deleted FROM %s WHERE key = ? ORDER BY version DESC LIMIT 1", s.mapper.Desc.Table,
	), keyArg)
	err = row.Scan(&deleted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapStorage("ExistsKey", s.keyString(key), err)
	}
	return deleted == 0, nil
}

// Table returns the underlying SQL table name, for admin tooling and tests.
func (s *Store[K, V]) Table() string { return s.mapper.Desc.Table }
