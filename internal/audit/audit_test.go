package audit

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRecordUpdateAndHistory(t *testing.T) {
	ctx := context.Background()
	sink, err := Open(ctx, openDB(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sink.RecordUpdate(ctx, UpdateEntry{Table: "widgets", Key: "k1", Version: 1, Operation: OpCreate, Actor: "alice", Caller: "store.Create"})
	sink.RecordUpdate(ctx, UpdateEntry{Table: "widgets", Key: "k1", Version: 2, Operation: OpUpdate, Actor: "bob", Caller: "store.Update"})

	hist, err := sink.UpdateHistory(ctx, "widgets", "k1")
	if err != nil {
		t.Fatalf("UpdateHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("len(hist) = %d, want 2", len(hist))
	}
	if hist[0].Version != 2 || hist[0].Operation != OpUpdate {
		t.Fatalf("most recent entry = %+v", hist[0])
	}
}

func TestNilSinkIsNoop(t *testing.T) {
	var sink *Sink
	sink.RecordUpdate(context.Background(), UpdateEntry{Table: "widgets", Key: "k1", Version: 1})
	sink.RecordAccess(context.Background(), AccessEntry{Table: "widgets", Key: "k1", Version: 1})
}

func TestRecordAccess(t *testing.T) {
	ctx := context.Background()
	sink, err := Open(ctx, openDB(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sink.RecordAccess(ctx, AccessEntry{Table: "widgets", Key: "k1", Version: 1, Actor: "alice", Caller: "store.Get"})
}
