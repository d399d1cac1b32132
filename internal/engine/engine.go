package engine

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// lockSuffix names the sibling advisory-lock file next to a database path.
const lockSuffix = ".lock"

// lockRetryInterval is how often Open retries the advisory lock while
// waiting out lockTimeout.
const lockRetryInterval = 50 * time.Millisecond

// Handle owns one opened database plus the process-lifetime advisory lock
// that guards its file.
type Handle struct {
	DB   *sql.DB
	path string
	lock *flock.Flock
}

// Options controls Open.
type Options struct {
	Pragma PragmaConfig

	// LockTimeout bounds how long Open waits for the advisory lock before
	// giving up. Zero means try once and fail immediately.
	LockTimeout time.Duration

	// ReadOnly opens the database read-only (`mode=ro`) and skips taking
	// the advisory lock, for tooling that inspects a store another process
	// already owns.
	ReadOnly bool
}

// Open opens the SQLite database at path, applying cfg's PRAGMA settings to
// every connection handed out and taking an advisory single-process lock on
// a sibling "<path>.lock" file for the life of the process (spec.md §6's
// single-writer-process assumption; this library does not itself coordinate
// multiple OS processes sharing one file beyond failing fast).
//
// In-memory databases (":memory:", "file::memory:") skip the file lock:
// there is no sibling file to guard and each is private to its own
// connection pool.
func Open(ctx context.Context, path string, opts Options) (*Handle, error) {
	if err := opts.Pragma.Validate(); err != nil {
		return nil, err
	}

	h := &Handle{path: path}

	memory := path == ":memory:" || strings.Contains(path, "mode=memory") || strings.HasPrefix(path, "file::memory:")
	if !opts.ReadOnly && !memory {
		lk, err := acquireLock(path, opts.LockTimeout)
		if err != nil {
			return nil, err
		}
		h.lock = lk
	}

	dsn, err := dsn(path, opts)
	if err != nil {
		h.releaseLock()
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		h.releaseLock()
		return nil, fmt.Errorf("engine: open %s: %w", path, err)
	}
	// SQLite serialises writers internally; a single shared connection
	// avoids SQLITE_BUSY storms under this package's own pool, matching the
	// teacher's own driver-configuration approach.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(ctx, db, opts.Pragma); err != nil {
		_ = db.Close()
		h.releaseLock()
		return nil, err
	}

	h.DB = db
	return h, nil
}

// dsn builds the ncruces/go-sqlite3 connection string: a `file:` URI with
// one `_pragma` query parameter per PRAGMA that must be set before any other
// statement runs on the connection (busy_timeout and foreign_keys are the
// two pragmas the driver documents as needing to be set this way rather
// than via a follow-up Exec, since the pool may open new connections at any
// time without this package's knowledge).
func dsn(path string, opts Options) (string, error) {
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	v := url.Values{}
	v.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.Pragma.BusyTimeoutMS))
	if opts.Pragma.EnableForeignKeys {
		v.Add("_pragma", "foreign_keys(ON)")
	} else {
		v.Add("_pragma", "foreign_keys(OFF)")
	}
	v.Add("_time_format", "sqlite")
	if opts.ReadOnly {
		v.Set("mode", "ro")
	}
	return fmt.Sprintf("file:%s?%s", path, v.Encode()), nil
}

// applyPragmas issues the remaining connection-scoped PRAGMA statements that
// aren't expressible via the DSN's `_pragma` parameter (cache_size,
// page_size, journal_mode, synchronous are plain statements, safe to run
// once up front since this Handle pins the pool to a single connection).
func applyPragmas(ctx context.Context, db *sql.DB, cfg PragmaConfig) error {
	for _, stmt := range cfg.statements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("engine: apply %q: %w", stmt, err)
		}
	}
	return nil
}

// acquireLock takes the advisory lock on path's sibling lock file, retrying
// at lockRetryInterval until timeout elapses, and fails fast with a clear
// error naming the path if another vstore process already holds it.
func acquireLock(path string, timeout time.Duration) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(abs(path)), 0o755); err != nil {
		return nil, fmt.Errorf("engine: create directory for %s: %w", path, err)
	}
	lk := flock.New(path + lockSuffix)

	deadline := time.Now().Add(timeout)
	for {
		ok, err := lk.TryLock()
		if err != nil {
			return nil, fmt.Errorf("engine: lock %s: %w", path+lockSuffix, err)
		}
		if ok {
			return lk, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("engine: %s is already open by another process (lock held on %s)", path, path+lockSuffix)
		}
		time.Sleep(lockRetryInterval)
	}
}

func abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	wd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(wd, path)
}

func (h *Handle) releaseLock() {
	if h.lock != nil {
		_ = h.lock.Unlock()
		h.lock = nil
	}
}

// Close closes the database connection pool and releases the advisory lock.
func (h *Handle) Close() error {
	var dbErr error
	if h.DB != nil {
		dbErr = h.DB.Close()
	}
	h.releaseLock()
	return dbErr
}

// Path returns the database file path this Handle was opened with.
func (h *Handle) Path() string { return h.path }
