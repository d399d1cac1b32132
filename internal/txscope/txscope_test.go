package txscope

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/vstore/internal/audit"
	"github.com/untoldecay/vstore/internal/mapper"
	"github.com/untoldecay/vstore/internal/serializer"
	"github.com/untoldecay/vstore/internal/version"
)

type widget struct {
	Name string `vstore:"column=name"`
}

func newTestMapper(t *testing.T) *mapper.Mapper[string, widget] {
	t.Helper()
	m, err := mapper.New[string, widget](mapper.DefaultKeyCodec[string](), serializer.Resolve[widget](nil), "widget", "v1")
	if err != nil {
		t.Fatalf("mapper.New: %v", err)
	}
	return m
}

func setupDB(t *testing.T, m *mapper.Mapper[string, widget]) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.ExecContext(context.Background(), version.CreateTableDDL); err != nil {
		t.Fatalf("create sequence table: %v", err)
	}
	for _, stmt := range m.TableDDL() {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			t.Fatalf("create entity table: %v", err)
		}
	}
	return db
}

func TestCommitPersistsAllOperations(t *testing.T) {
	ctx := context.Background()
	m := newTestMapper(t)
	db := setupDB(t, m)
	alloc := version.New()

	scope, err := Begin(ctx, db, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	now := time.Now()
	if _, err := scope.Execute(ctx, InsertOp(m, alloc, "x", widget{Name: "X"}, now, "test")); err != nil {
		t.Fatalf("Execute insert: %v", err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if scope.State() != StateCommitted {
		t.Fatalf("state = %v, want Committed", scope.State())
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+m.Desc.Table+" WHERE key = ?", "x").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

// TestScenario5_FailureRollsBackAndLeavesNoAuditRows is the literal scenario
// 5 scope: insert x, update a pre-existing y, then a third operation fails.
// x must end up absent, y must end up back at its prior version, and the
// scope must leave no update_history rows at all (spec.md §9 scenario 5).
func TestScenario5_FailureRollsBackAndLeavesNoAuditRows(t *testing.T) {
	ctx := context.Background()
	m := newTestMapper(t)
	db := setupDB(t, m)
	alloc := version.New()

	auditDB, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("open audit db: %v", err)
	}
	t.Cleanup(func() { _ = auditDB.Close() })
	sink, err := audit.Open(ctx, auditDB)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}

	// Seed y outside the scope, the way a prior committed write would.
	now := time.Now()
	seedVersion, err := func() (uint64, error) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		defer tx.Rollback()
		v, err := alloc.Next(ctx, tx, now.UTC().Format(mapper.TimeLayout))
		if err != nil {
			return 0, err
		}
		rec := mapper.Record[string, widget]{Key: "y", Value: widget{Name: "before"}, Version: v, CreatedTime: now, LastWriteTime: now}
		stmt, args, err := m.InsertStatement(rec)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return 0, err
		}
		return v, tx.Commit()
	}()
	if err != nil {
		t.Fatalf("seed y: %v", err)
	}

	scope, err := Begin(ctx, db, sink)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if _, err := scope.Execute(ctx, InsertOp(m, alloc, "x", widget{Name: "X"}, now, "test")); err != nil {
		t.Fatalf("Execute insert x: %v", err)
	}
	if _, err := scope.Execute(ctx, UpdateOp(m, alloc, "y", seedVersion, widget{Name: "after"}, now, "test")); err != nil {
		t.Fatalf("Execute update y: %v", err)
	}

	boom := errors.New("third operation refused")
	failingOp := Operation{
		ID:   "force-fail",
		Mode: Write,
		Commit: func(ctx context.Context, tx *sql.Tx) (any, error) {
			return nil, boom
		},
	}
	if _, err := scope.Execute(ctx, failingOp); !errors.Is(err, boom) {
		t.Fatalf("Execute failing op err = %v, want %v", err, boom)
	}
	if scope.State() != StateFailed {
		t.Fatalf("state = %v, want Failed", scope.State())
	}

	var xCount int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+m.Desc.Table+" WHERE key = ?", "x").Scan(&xCount); err != nil {
		t.Fatalf("count x: %v", err)
	}
	if xCount != 0 {
		t.Fatalf("xCount = %d, want 0 (insert rolled back)", xCount)
	}

	var yVersion int64
	var yDeleted int64
	if err := db.QueryRowContext(ctx, "SELECT version, is_deleted FROM "+m.Desc.Table+" WHERE key = ? ORDER BY version DESC LIMIT 1", "y").
		Scan(&yVersion, &yDeleted); err != nil {
		t.Fatalf("select y: %v", err)
	}
	if uint64(yVersion) != seedVersion || yDeleted != 0 {
		t.Fatalf("y = (version=%d, deleted=%d), want (version=%d, deleted=0)", yVersion, yDeleted, seedVersion)
	}

	history, err := sink.UpdateHistory(ctx, m.Desc.Table, "y")
	if err != nil {
		t.Fatalf("UpdateHistory: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("update_history for y = %+v, want empty (scope never committed)", history)
	}
	historyX, err := sink.UpdateHistory(ctx, m.Desc.Table, "x")
	if err != nil {
		t.Fatalf("UpdateHistory: %v", err)
	}
	if len(historyX) != 0 {
		t.Fatalf("update_history for x = %+v, want empty", historyX)
	}
}

func TestDisposeRollsBackUncommittedScope(t *testing.T) {
	ctx := context.Background()
	m := newTestMapper(t)
	db := setupDB(t, m)
	alloc := version.New()

	scope, err := Begin(ctx, db, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := scope.Execute(ctx, InsertOp(m, alloc, "z", widget{Name: "Z"}, time.Now(), "test")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := scope.Dispose(ctx); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if scope.State() != StateRolledBack {
		t.Fatalf("state = %v, want RolledBack", scope.State())
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+m.Desc.Table+" WHERE key = ?", "z").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0 (disposed without commit)", count)
	}
}

// TestCommitWritesFullAuditFields exercises insert, update, and soft-delete
// within one scope and asserts each resulting update_history row carries
// type_name, old_version, and payload_size (spec.md §3's Data Model), not
// just table/key/version/operation.
func TestCommitWritesFullAuditFields(t *testing.T) {
	ctx := context.Background()
	m := newTestMapper(t)
	db := setupDB(t, m)
	alloc := version.New()

	auditDB, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("open audit db: %v", err)
	}
	t.Cleanup(func() { _ = auditDB.Close() })
	sink, err := audit.Open(ctx, auditDB)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}

	now := time.Now()
	scope, err := Begin(ctx, db, sink)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	insertOut, err := scope.Execute(ctx, InsertOp(m, alloc, "w", widget{Name: "before"}, now, "test"))
	if err != nil {
		t.Fatalf("Execute insert: %v", err)
	}
	inserted := insertOut.(InsertOutput[string, widget])

	updateOut, err := scope.Execute(ctx, UpdateOp(m, alloc, "w", inserted.Record.Version, widget{Name: "after"}, now, "test"))
	if err != nil {
		t.Fatalf("Execute update: %v", err)
	}
	updated := updateOut.(UpdateOutput[string, widget])

	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	history, err := sink.UpdateHistory(ctx, m.Desc.Table, "w")
	if err != nil {
		t.Fatalf("UpdateHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	// Most recent first: the update, then the insert.
	if history[0].Operation != audit.OpUpdate {
		t.Fatalf("history[0].Operation = %v, want update", history[0].Operation)
	}
	if history[0].TypeName != "widget" {
		t.Fatalf("history[0].TypeName = %q, want widget", history[0].TypeName)
	}
	if history[0].OldVersion != inserted.Record.Version {
		t.Fatalf("history[0].OldVersion = %d, want %d", history[0].OldVersion, inserted.Record.Version)
	}
	if history[0].Version != updated.New.Version {
		t.Fatalf("history[0].Version = %d, want %d", history[0].Version, updated.New.Version)
	}
	if history[0].PayloadSize <= 0 {
		t.Fatalf("history[0].PayloadSize = %d, want > 0", history[0].PayloadSize)
	}

	if history[1].Operation != audit.OpCreate {
		t.Fatalf("history[1].Operation = %v, want create", history[1].Operation)
	}
	if history[1].TypeName != "widget" {
		t.Fatalf("history[1].TypeName = %q, want widget", history[1].TypeName)
	}
	if history[1].OldVersion != 0 {
		t.Fatalf("history[1].OldVersion = %d, want 0 (no prior row)", history[1].OldVersion)
	}
	if history[1].PayloadSize <= 0 {
		t.Fatalf("history[1].PayloadSize = %d, want > 0", history[1].PayloadSize)
	}
}

// TestSoftDeleteAuditRecordsSameVersionAsOld verifies the soft-delete audit
// row's OldVersion equals Version, since a soft delete never allocates a new
// version — it flips is_deleted in place on the row already current.
func TestSoftDeleteAuditRecordsSameVersionAsOld(t *testing.T) {
	ctx := context.Background()
	m := newTestMapper(t)
	db := setupDB(t, m)
	alloc := version.New()

	auditDB, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("open audit db: %v", err)
	}
	t.Cleanup(func() { _ = auditDB.Close() })
	sink, err := audit.Open(ctx, auditDB)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}

	now := time.Now()
	scope, err := Begin(ctx, db, sink)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	insertOut, err := scope.Execute(ctx, InsertOp(m, alloc, "d", widget{Name: "doomed"}, now, "test"))
	if err != nil {
		t.Fatalf("Execute insert: %v", err)
	}
	inserted := insertOut.(InsertOutput[string, widget])

	if _, err := scope.Execute(ctx, SoftDeleteOp(m, "d", now, "test")); err != nil {
		t.Fatalf("Execute soft delete: %v", err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	history, err := sink.UpdateHistory(ctx, m.Desc.Table, "d")
	if err != nil {
		t.Fatalf("UpdateHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Operation != audit.OpSoftDelete {
		t.Fatalf("history[0].Operation = %v, want soft_delete", history[0].Operation)
	}
	if history[0].OldVersion != inserted.Record.Version || history[0].Version != inserted.Record.Version {
		t.Fatalf("history[0] old/new version = %d/%d, want both %d", history[0].OldVersion, history[0].Version, inserted.Record.Version)
	}
	if history[0].PayloadSize <= 0 {
		t.Fatalf("history[0].PayloadSize = %d, want > 0", history[0].PayloadSize)
	}
}

func TestExecuteAfterSettledFails(t *testing.T) {
	ctx := context.Background()
	m := newTestMapper(t)
	db := setupDB(t, m)
	alloc := version.New()

	scope, err := Begin(ctx, db, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := scope.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := scope.Execute(ctx, InsertOp(m, alloc, "late", widget{Name: "late"}, time.Now(), "test")); err == nil {
		t.Fatalf("Execute after Commit should fail")
	}
}

