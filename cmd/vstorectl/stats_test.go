package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStatsCommandReflectsSoftDelete(t *testing.T) {
	origRootCtx := rootCtx
	defer func() { rootCtx = origRootCtx }()
	rootCtx = context.Background()

	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	dbFile := filepath.Join(tmpDir, "vstore.db")

	rootCmd.SetArgs([]string{"init", "--db", dbFile, "--seed", "4"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}

	s, err := openCacheStore(rootCtx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, found, err := s.Store.Get(rootCtx, "seed-0"); err != nil || !found {
		t.Fatalf("get seed-0: found=%v err=%v", found, err)
	}
	if _, err := s.Store.Delete(rootCtx, "seed-0", false); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	s.Close()

	rootCmd.SetArgs([]string{"stats", "--db", dbFile})
	var buf bytes.Buffer
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("stats: %v", err)
	}
	w.Close()
	_, _ = buf.ReadFrom(r)
	os.Stdout = oldStdout

	out := buf.String()
	if !strings.Contains(out, "active: 3") {
		t.Errorf("expected 3 active rows, got %q", out)
	}
	if !strings.Contains(out, "deleted: 1") {
		t.Errorf("expected 1 deleted row, got %q", out)
	}
}
