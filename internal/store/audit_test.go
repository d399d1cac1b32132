package store

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/vstore/internal/audit"
	"github.com/untoldecay/vstore/internal/mapper"
	"github.com/untoldecay/vstore/internal/serializer"
)

func newAuditedWidgetStore(t *testing.T) (*Store[string, widget], *audit.Sink) {
	t.Helper()
	ctx := context.Background()
	db, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	auditDB, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("open audit db: %v", err)
	}
	t.Cleanup(func() { _ = auditDB.Close() })
	sink, err := audit.Open(ctx, auditDB)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}

	m, err := mapper.New[string, widget](mapper.DefaultKeyCodec[string](), serializer.Resolve[widget](nil), "widget", "v1")
	if err != nil {
		t.Fatalf("mapper.New: %v", err)
	}
	s, err := New[string, widget](ctx, Options[string, widget]{DB: db, Mapper: m, Audit: sink})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s, sink
}

// TestAuditRecordsOneRowPerSuccessfulWrite exercises I9: every successful
// Create/Update/Delete against a Store wired with a non-nil Audit sink
// appends exactly one update_history row, and none for failed attempts.
func TestAuditRecordsOneRowPerSuccessfulWrite(t *testing.T) {
	ctx := context.Background()
	s, sink := newAuditedWidgetStore(t)

	rec, err := s.Create(ctx, "a", widget{Name: "first", Price: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	history, err := sink.UpdateHistory(ctx, s.mapper.Desc.Table, "a")
	if err != nil {
		t.Fatalf("UpdateHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("len(history) after Create = %d, want 1", len(history))
	}
	if history[0].Operation != audit.OpCreate {
		t.Fatalf("history[0].Operation = %v, want create", history[0].Operation)
	}
	if history[0].OldVersion != 0 {
		t.Fatalf("history[0].OldVersion = %d, want 0", history[0].OldVersion)
	}

	// A second Create of the same live key fails and must not add a row.
	if _, err := s.Create(ctx, "a", widget{Name: "dup"}); err == nil {
		t.Fatal("expected second Create of a live key to fail")
	}
	history, err = sink.UpdateHistory(ctx, s.mapper.Desc.Table, "a")
	if err != nil {
		t.Fatalf("UpdateHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("len(history) after failed Create = %d, want still 1", len(history))
	}

	updated, err := s.Update(ctx, "a", rec.Version, widget{Name: "second", Price: 2})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	history, err = sink.UpdateHistory(ctx, s.mapper.Desc.Table, "a")
	if err != nil {
		t.Fatalf("UpdateHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) after Update = %d, want 2", len(history))
	}
	if history[0].Operation != audit.OpUpdate || history[0].OldVersion != rec.Version || history[0].Version != updated.Version {
		t.Fatalf("history[0] = %+v, want update from v%d to v%d", history[0], rec.Version, updated.Version)
	}

	// A conflicting Update (stale version) fails and must not add a row.
	if _, err := s.Update(ctx, "a", rec.Version, widget{Name: "stale"}); err == nil {
		t.Fatal("expected stale-version Update to fail")
	}
	history, err = sink.UpdateHistory(ctx, s.mapper.Desc.Table, "a")
	if err != nil {
		t.Fatalf("UpdateHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) after failed Update = %d, want still 2", len(history))
	}

	ok, err := s.Delete(ctx, "a", false)
	if err != nil || !ok {
		t.Fatalf("Delete(soft) = %v, %v", ok, err)
	}
	history, err = sink.UpdateHistory(ctx, s.mapper.Desc.Table, "a")
	if err != nil {
		t.Fatalf("UpdateHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) after soft Delete = %d, want 3", len(history))
	}
	if history[0].Operation != audit.OpSoftDelete {
		t.Fatalf("history[0].Operation = %v, want soft_delete", history[0].Operation)
	}

	// Deleting an already-deleted key is a no-op and must not add a row.
	ok, err = s.Delete(ctx, "a", false)
	if err != nil {
		t.Fatalf("Delete(soft) again: %v", err)
	}
	if ok {
		t.Fatal("expected second soft Delete to report false (already deleted)")
	}
	history, err = sink.UpdateHistory(ctx, s.mapper.Desc.Table, "a")
	if err != nil {
		t.Fatalf("UpdateHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) after no-op Delete = %d, want still 3", len(history))
	}
}
