// Package audit implements the append-only Audit Sink (C7): a record of
// every update and read against a store's entities, held on a connection
// independent from the store's own write path so that audit-table
// contention never blocks, and audit failures never fail, a caller's
// operation (spec.md §4.7).
package audit

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"time"
)

const idPrefix = "aud-"

// timeLayout is the same fixed-width UTC layout as mapper.TimeLayout, so
// occurred_at text sorts in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	updateHistoryTable = "_vstore_update_history"
	accessHistoryTable = "_vstore_access_history"

	createUpdateHistoryDDL = `CREATE TABLE IF NOT EXISTS ` + updateHistoryTable + ` (
		id           TEXT PRIMARY KEY,
		table_name   TEXT NOT NULL,
		entity_key   TEXT NOT NULL,
		type_name    TEXT NOT NULL,
		old_version  INTEGER NOT NULL,
		version      INTEGER NOT NULL,
		operation    TEXT NOT NULL,
		actor        TEXT NOT NULL,
		caller       TEXT NOT NULL,
		payload_size INTEGER NOT NULL,
		occurred_at  TEXT NOT NULL
	)`
	createAccessHistoryDDL = `CREATE TABLE IF NOT EXISTS ` + accessHistoryTable + ` (
		id           TEXT PRIMARY KEY,
		table_name   TEXT NOT NULL,
		entity_key   TEXT NOT NULL,
		version      INTEGER NOT NULL,
		actor        TEXT NOT NULL,
		caller       TEXT NOT NULL,
		occurred_at  TEXT NOT NULL
	)`
)

// Operation identifies which kind of write produced an update_history row.
type Operation string

const (
	OpCreate     Operation = "create"
	OpUpdate     Operation = "update"
	OpSoftDelete Operation = "soft_delete"
	OpHardDelete Operation = "hard_delete"
)

// UpdateEntry is one row of update_history.
type UpdateEntry struct {
	Table    string
	Key      string
	TypeName string

	// OldVersion is the version being superseded (0 for a Create, where
	// there is no prior version).
	OldVersion uint64
	Version    uint64
	Operation  Operation
	Actor      string
	Caller     string // func/file:line captured by the caller, not by this package

	// PayloadSize is the serialized blob's length in bytes, for tracking
	// storage growth per write without re-reading the row.
	PayloadSize int64
	OccurredAt  time.Time
}

// AccessEntry is one row of access_history.
type AccessEntry struct {
	Table      string
	Key        string
	Version    uint64
	Actor      string
	Caller     string
	OccurredAt time.Time
}

// Sink writes UpdateEntry/AccessEntry rows to its own *sql.DB. A nil *Sink
// is valid and silently discards every write, so stores can be built with
// auditing disabled without a separate code path.
type Sink struct {
	db *sql.DB
}

// Open creates the history tables (if absent) on db and returns a Sink
// bound to it. Callers are expected to pass a *sql.DB distinct from the
// store's own, typically opened against a sibling "<store>.audit.db" file
// via internal/engine, so that audit writes never contend with the store's
// own write lock.
func Open(ctx context.Context, db *sql.DB) (*Sink, error) {
	if _, err := db.ExecContext(ctx, createUpdateHistoryDDL); err != nil {
		return nil, fmt.Errorf("audit: create update_history: %w", err)
	}
	if _, err := db.ExecContext(ctx, createAccessHistoryDDL); err != nil {
		return nil, fmt.Errorf("audit: create access_history: %w", err)
	}
	return &Sink{db: db}, nil
}

// RecordUpdate appends an UpdateEntry. Failures are logged to the standard
// logger and swallowed: an audit outage must never fail the write it is
// recording.
func (s *Sink) RecordUpdate(ctx context.Context, e UpdateEntry) {
	if s == nil || s.db == nil {
		return
	}
	id, err := newID()
	if err != nil {
		log.Printf("audit: generate id: %v", err)
		return
	}
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+updateHistoryTable+` (id, table_name, entity_key, type_name, old_version, version, operation, actor, caller, payload_size, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, e.Table, e.Key, e.TypeName, e.OldVersion, e.Version, string(e.Operation), e.Actor, e.Caller, e.PayloadSize, occurred.UTC().Format(timeLayout))
	if err != nil {
		log.Printf("audit: record update %s/%s v%d: %v", e.Table, e.Key, e.Version, err)
	}
}

// RecordAccess appends an AccessEntry, same failure semantics as RecordUpdate.
func (s *Sink) RecordAccess(ctx context.Context, e AccessEntry) {
	if s == nil || s.db == nil {
		return
	}
	id, err := newID()
	if err != nil {
		log.Printf("audit: generate id: %v", err)
		return
	}
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+accessHistoryTable+` (id, table_name, entity_key, version, actor, caller, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, e.Table, e.Key, e.Version, e.Actor, e.Caller, occurred.UTC().Format(timeLayout))
	if err != nil {
		log.Printf("audit: record access %s/%s v%d: %v", e.Table, e.Key, e.Version, err)
	}
}

// UpdateHistory returns the recorded updates for (table, key), most recent
// first (rows with equal occurred_at: last written first), for
// administrative inspection (spec.md §4.7's "queryable trail").
func (s *Sink) UpdateHistory(ctx context.Context, table, key string) ([]UpdateEntry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT type_name, old_version, version, operation, actor, caller, payload_size, occurred_at FROM `+updateHistoryTable+`
		WHERE table_name = ? AND entity_key = ? ORDER BY occurred_at DESC, rowid DESC
	`, table, key)
	if err != nil {
		return nil, fmt.Errorf("audit: query update_history: %w", err)
	}
	defer rows.Close()
	var out []UpdateEntry
	for rows.Next() {
		var e UpdateEntry
		var op, occurred string
		if err := rows.Scan(&e.TypeName, &e.OldVersion, &e.Version, &op, &e.Actor, &e.Caller, &e.PayloadSize, &occurred); err != nil {
			return nil, fmt.Errorf("audit: scan update_history: %w", err)
		}
		e.Table, e.Key, e.Operation = table, key, Operation(op)
		e.OccurredAt, err = time.Parse(timeLayout, occurred)
		if err != nil {
			return nil, fmt.Errorf("audit: parse occurred_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func newID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return idPrefix + hex.EncodeToString(b[:]), nil
}
