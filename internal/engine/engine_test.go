package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenAppliesPragmas(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	h, err := Open(context.Background(), path, Options{Pragma: DefaultPragmaConfig(), LockTimeout: time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	var mode string
	if err := h.DB.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}

	var fk int
	if err := h.DB.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
}

func TestOpenTwiceFailsFastOnLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	h1, err := Open(context.Background(), path, Options{Pragma: DefaultPragmaConfig()})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer h1.Close()

	_, err = Open(context.Background(), path, Options{Pragma: DefaultPragmaConfig()})
	if err == nil {
		t.Fatalf("second Open succeeded, want lock contention error")
	}
}

func TestOpenInMemorySkipsLock(t *testing.T) {
	h1, err := Open(context.Background(), "file::memory:", Options{Pragma: DefaultPragmaConfig()})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer h1.Close()

	h2, err := Open(context.Background(), "file::memory:", Options{Pragma: DefaultPragmaConfig()})
	if err != nil {
		t.Fatalf("second Open on :memory: should not contend on a lock: %v", err)
	}
	defer h2.Close()
}

func TestPragmaConfigValidateRejectsBadPageSize(t *testing.T) {
	cfg := DefaultPragmaConfig()
	cfg.PageSize = 100
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate: want error for non-power-of-2 page size")
	}
}
