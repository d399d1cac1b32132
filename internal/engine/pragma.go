// Package engine owns the embedded SQL engine connection: applying
// PragmaConfig (spec.md §6) to every connection the pool hands out, and
// guarding one database file against accidental same-host multi-process use
// with an advisory file lock (spec.md §6's "single process per file"
// assumption).
package engine

import "fmt"

// JournalMode is the durability/concurrency regime for a database
// (spec.md §6, GLOSSARY "WAL").
type JournalMode string

const (
	JournalDelete   JournalMode = "delete"
	JournalTruncate JournalMode = "truncate"
	JournalPersist  JournalMode = "persist"
	JournalMemory   JournalMode = "memory"
	JournalWAL      JournalMode = "wal"
	JournalOff      JournalMode = "off"
)

// SynchronousMode controls when fsync is issued around commits.
type SynchronousMode string

const (
	SyncOff    SynchronousMode = "off"
	SyncNormal SynchronousMode = "normal"
	SyncFull   SynchronousMode = "full"
	SyncExtra  SynchronousMode = "extra"
)

// PragmaConfig is consumed from the environment as a struct (spec.md §6) and
// applied on every connection opened — these settings are connection-scoped
// in SQLite, not database-scoped.
type PragmaConfig struct {
	CacheSize         int             // negative = KiB, positive = pages
	PageSize          int             // 512-65536, power of 2
	JournalMode       JournalMode
	SynchronousMode   SynchronousMode
	BusyTimeoutMS     int
	EnableForeignKeys bool
}

// DefaultPragmaConfig returns vstore's default PRAGMA settings. cache_size
// -2000 and page_size 4096 are SQLite's own defaults; WAL journaling,
// synchronous=NORMAL, a 5000ms busy timeout and enforced foreign keys are
// not (SQLite itself defaults to a rollback journal, FULL, no busy timeout
// and foreign keys off).
func DefaultPragmaConfig() PragmaConfig {
	return PragmaConfig{
		CacheSize:         -2000,
		PageSize:          4096,
		JournalMode:       JournalWAL,
		SynchronousMode:   SyncNormal,
		BusyTimeoutMS:     5000,
		EnableForeignKeys: true,
	}
}

// Validate checks the constraints spec.md §6 places on each field.
func (c PragmaConfig) Validate() error {
	if c.PageSize != 0 {
		if c.PageSize < 512 || c.PageSize > 65536 || c.PageSize&(c.PageSize-1) != 0 {
			return fmt.Errorf("engine: page_size %d must be a power of 2 in [512, 65536]", c.PageSize)
		}
	}
	switch c.JournalMode {
	case "", JournalDelete, JournalTruncate, JournalPersist, JournalMemory, JournalWAL, JournalOff:
	default:
		return fmt.Errorf("engine: unrecognised journal_mode %q", c.JournalMode)
	}
	switch c.SynchronousMode {
	case "", SyncOff, SyncNormal, SyncFull, SyncExtra:
	default:
		return fmt.Errorf("engine: unrecognised synchronous_mode %q", c.SynchronousMode)
	}
	if c.BusyTimeoutMS < 0 {
		return fmt.Errorf("engine: busy_timeout_ms must be >= 0, got %d", c.BusyTimeoutMS)
	}
	return nil
}

// statements renders c as the batch of PRAGMA statements applied to a fresh
// connection, in an order that is safe regardless of which pragmas are
// zero-valued (foreign_keys and journal_mode must not be issued inside a
// transaction, which a fresh connection never is).
func (c PragmaConfig) statements() []string {
	var stmts []string
	if c.CacheSize != 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA cache_size = %d", c.CacheSize))
	}
	if c.PageSize != 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA page_size = %d", c.PageSize))
	}
	if c.JournalMode != "" {
		stmts = append(stmts, fmt.Sprintf("PRAGMA journal_mode = %s", c.JournalMode))
	}
	if c.SynchronousMode != "" {
		stmts = append(stmts, fmt.Sprintf("PRAGMA synchronous = %s", c.SynchronousMode))
	}
	stmts = append(stmts, fmt.Sprintf("PRAGMA busy_timeout = %d", c.BusyTimeoutMS))
	if c.EnableForeignKeys {
		stmts = append(stmts, "PRAGMA foreign_keys = ON")
	} else {
		stmts = append(stmts, "PRAGMA foreign_keys = OFF")
	}
	return stmts
}
