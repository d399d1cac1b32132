package engine

import (
	"fmt"
	"log"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// EventLog is a rotated, append-only record of store lifecycle events:
// open/close, cache hits and misses (spec.md §4.9's statistics surface),
// and slow-query warnings. It never fails a caller's operation: write
// failures are reported to the standard logger and otherwise swallowed.
type EventLog struct {
	out *log.Logger
	roll *lumberjack.Logger
}

// EventLogConfig mirrors the fields the teacher's own lumberjack usage
// exposes for its rotated logs.
type EventLogConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultEventLogConfig rotates at 10MiB, keeps 5 backups for 30 days.
func DefaultEventLogConfig(path string) EventLogConfig {
	return EventLogConfig{Path: path, MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 30, Compress: true}
}

// NewEventLog opens (creating if needed) the rotated log file at cfg.Path.
func NewEventLog(cfg EventLogConfig) *EventLog {
	roll := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &EventLog{
		out:  log.New(roll, "", 0),
		roll: roll,
	}
}

func (e *EventLog) line(format string, args ...any) {
	if e == nil || e.out == nil {
		return
	}
	e.out.Printf("%s %s", time.Now().UTC().Format(time.RFC3339Nano), fmt.Sprintf(format, args...))
}

// Opened records a store being opened against path.
func (e *EventLog) Opened(path string) { e.line("open path=%s", path) }

// Closed records a store being closed.
func (e *EventLog) Closed(path string) { e.line("close path=%s", path) }

// Optimized records an OptimizeStorage (VACUUM) run against table.
func (e *EventLog) Optimized(table string) { e.line("optimize table=%s", table) }

// CacheHit/CacheMiss record a Get against table that did (hit) or did not
// (miss) find a current row for its key.
func (e *EventLog) CacheHit(table string)  { e.line("cache_hit table=%s", table) }
func (e *EventLog) CacheMiss(table string) { e.line("cache_miss table=%s", table) }

// SlowQuery records a statement whose execution exceeded threshold.
func (e *EventLog) SlowQuery(sql string, d, threshold time.Duration) {
	e.line("slow_query elapsed=%s threshold=%s sql=%q", d, threshold, sql)
}

// Failed records an operation failing, with the error swallowed by the
// caller's own error return — this is purely an observability trail.
func (e *EventLog) Failed(op string, err error) { e.line("fail op=%s err=%q", op, err) }

// Close flushes and releases the underlying rotated file.
func (e *EventLog) Close() error {
	if e == nil || e.roll == nil {
		return nil
	}
	return e.roll.Close()
}
