package main

import "time"

// CacheEntry is the CLI driver's own demo entity: a generic key/JSON-blob
// L2-cache record, just concrete enough to exercise Create/Update/Query end
// to end. It is not a rendition of the UpdateEntity/UpdateRun/UpdateHistory
// reporting schema the benchmarking harness owns externally.
type CacheEntry struct {
	Payload   string `vstore:"column=payload"`
	HitCount  int    `vstore:"column=hit_count,index"`
	StoredAt  string `vstore:"column=stored_at"`
}

func newCacheEntry(payload string) CacheEntry {
	return CacheEntry{
		Payload:  payload,
		HitCount: 0,
		StoredAt: time.Now().UTC().Format(time.RFC3339),
	}
}
