package version

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(CreateTableDDL); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func TestNextIsStrictlyMonotonic(t *testing.T) {
	db := openMemDB(t)
	a := New()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var last uint64
	for i := 0; i < 50; i++ {
		v, err := a.Next(ctx, db, now)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if v <= last {
			t.Fatalf("version %d did not increase past %d", v, last)
		}
		last = v
	}
}

func TestNextWithinRolledBackTxDoesNotBreakMonotonicity(t *testing.T) {
	db := openMemDB(t)
	a := New()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	v1, err := a.Next(ctx, db, now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := a.Next(ctx, tx, now); err != nil {
		t.Fatalf("Next in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	v3, err := a.Next(ctx, db, now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if v3 <= v1 {
		t.Fatalf("version after rollback %d did not exceed pre-rollback version %d", v3, v1)
	}
}
