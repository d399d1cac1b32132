package main

import (
	"context"

	"github.com/untoldecay/vstore/internal/audit"
	"github.com/untoldecay/vstore/internal/config"
	"github.com/untoldecay/vstore/internal/engine"
	"github.com/untoldecay/vstore/internal/mapper"
	"github.com/untoldecay/vstore/internal/serializer"
	"github.com/untoldecay/vstore/internal/store"
)

// openedStore bundles the store together with the engine handles it owns,
// so callers can Close everything with one defer.
type openedStore struct {
	Store   *store.Store[string, CacheEntry]
	db      *engine.Handle
	auditDB *engine.Handle
	events  *engine.EventLog
}

func (o *openedStore) Close() {
	if o.events != nil {
		_ = o.events.Close()
	}
	if o.auditDB != nil {
		_ = o.auditDB.Close()
	}
	if o.db != nil {
		_ = o.db.Close()
	}
}

// openCacheStore opens (creating if needed) the configured database, its
// sibling audit database if enabled, and the rotated event log, then builds
// the CacheEntry store over them. Every vstorectl subcommand that touches
// data shares this path.
func openCacheStore(ctx context.Context) (*openedStore, error) {
	out := &openedStore{}

	dbHandle, err := engine.Open(ctx, config.DBPath(), engine.Options{
		Pragma:      config.PragmaConfig(),
		LockTimeout: config.LockTimeout(),
	})
	if err != nil {
		return nil, err
	}
	out.db = dbHandle

	var sink *audit.Sink
	if config.AuditEnabled() {
		auditHandle, err := engine.Open(ctx, config.AuditPath(), engine.Options{
			Pragma:      config.PragmaConfig(),
			LockTimeout: config.LockTimeout(),
		})
		if err != nil {
			out.Close()
			return nil, err
		}
		out.auditDB = auditHandle
		sink, err = audit.Open(ctx, auditHandle.DB)
		if err != nil {
			out.Close()
			return nil, err
		}
	}

	events := engine.NewEventLog(config.EventLogConfig())
	out.events = events
	events.Opened(dbHandle.Path())

	m, err := mapper.New[string, CacheEntry](mapper.DefaultKeyCodec[string](), serializer.Resolve[CacheEntry](nil), "cache_entry", "v1")
	if err != nil {
		out.Close()
		return nil, err
	}

	s, err := store.New[string, CacheEntry](ctx, store.Options[string, CacheEntry]{
		DB:                 dbHandle.DB,
		Mapper:             m,
		Audit:              sink,
		Events:             events,
		SlowQueryThreshold: config.SlowQueryThreshold(),
	})
	if err != nil {
		out.Close()
		return nil, err
	}
	out.Store = s
	return out, nil
}
