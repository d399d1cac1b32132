package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestUpdateCommandAccumulatesVersions(t *testing.T) {
	origRootCtx := rootCtx
	defer func() { rootCtx = origRootCtx }()
	rootCtx = context.Background()

	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	dbFile := filepath.Join(tmpDir, "vstore.db")

	rootCmd.SetArgs([]string{"update", "--db", dbFile, "--loops", "5"})
	var buf bytes.Buffer
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	runErr := rootCmd.Execute()
	w.Close()
	_, _ = buf.ReadFrom(r)
	os.Stdout = oldStdout

	if runErr != nil {
		t.Fatalf("update: %v", runErr)
	}
	if !strings.Contains(buf.String(), "completed") {
		t.Errorf("expected completion message, got %q", buf.String())
	}

	opened, err := openCacheStore(rootCtx)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer opened.Close()

	rec, found, err := opened.Store.Get(rootCtx, "loop-entry")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("expected loop-entry to exist after update loops")
	}
	if rec.Value.Payload != `{"loop":4}` {
		t.Errorf("expected final payload from last loop, got %q", rec.Value.Payload)
	}
}

// TestUpdateCommandSimulateCrashSubprocess is the subprocess body: re-invoked
// by TestUpdateCommandSimulateCrashExitsWith99 via exec.Command(os.Args[0],
// ...) so the real os.Exit(99) call can be observed from the parent test
// instead of killing the test binary itself.
func TestUpdateCommandSimulateCrashSubprocess(t *testing.T) {
	if os.Getenv("VSTORECTL_CRASH_SUBPROCESS") != "1" {
		t.Skip("exercised only as a subprocess of TestUpdateCommandSimulateCrashExitsWith99")
	}
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	rootCtx = context.Background()
	rootCmd.SetArgs([]string{"update", "--db", filepath.Join(tmpDir, "vstore.db"), "--loops", "4", "--simulate-crash"})
	_ = rootCmd.Execute()
}

func TestUpdateCommandSimulateCrashExitsWith99(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=TestUpdateCommandSimulateCrashSubprocess")
	cmd.Env = append(os.Environ(), "VSTORECTL_CRASH_SUBPROCESS=1")
	err := cmd.Run()

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("expected subprocess to exit with an error, got %v", err)
	}
	if exitErr.ExitCode() != crashExitCode {
		t.Errorf("expected exit code %d, got %d", crashExitCode, exitErr.ExitCode())
	}
}
