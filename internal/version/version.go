// Package version mints the global monotonic version sequence (C1) that
// every entity write uses as its optimistic-concurrency token.
package version

import (
	"context"
	"database/sql"
	"fmt"
)

// SequenceTable is the single table backing the version sequence. It is
// shared by every entity table in a database: versions are totally ordered
// across all tables, never reused.
const SequenceTable = `_vstore_version_seq`

// CreateTableDDL returns the DDL to create the sequence table. Callers run
// this once per database alongside entity DDL.
const CreateTableDDL = `CREATE TABLE IF NOT EXISTS ` + SequenceTable + ` (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	minted_at TEXT NOT NULL
)`

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx. Next only ever
// needs to run within the caller's active transaction so the allocation
// commits atomically with the entity write it guards.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Allocator mints strictly increasing version numbers.
type Allocator struct{}

// New returns an Allocator. It carries no state: monotonicity is a property
// of the sequence table, not of the process, so the allocator is safe to
// restart or share across goroutines without coordination.
func New() *Allocator {
	return &Allocator{}
}

// Next inserts a row into the sequence table within tx and returns the
// generated rowid as the new version. The insert and the caller's dependent
// entity write must be committed by the same transaction: if tx rolls back,
// the allocated number is never observed as a committed version, and the
// next successful allocation will still be strictly greater than any
// version a reader can see, because SQLite serialises writers and
// AUTOINCREMENT rowids are never reused even after a rollback within a
// concurrently-running transaction sequence.
func (a *Allocator) Next(ctx context.Context, tx Execer, nowISO8601 string) (uint64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO `+SequenceTable+` (minted_at) VALUES (?)`, nowISO8601)
	if err != nil {
		return 0, fmt.Errorf("version: allocate: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("version: read back allocated id: %w", err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("version: allocator returned non-positive id %d", id)
	}
	return uint64(id), nil
}
