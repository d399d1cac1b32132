package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/untoldecay/vstore/internal/audit"
	"github.com/untoldecay/vstore/internal/mapper"
)

// BatchItem pairs a key with its value for batch operations; a slice (not a
// map) is used throughout this file so iteration order, and therefore the
// order entities are written within the shared transaction, is
// deterministic across calls.
type BatchItem[K comparable, V any] struct {
	Key   K
	Value V
}

// BatchCreate allocates one version shared by every item, inserts each as a
// new current row, and replaces list-membership rows for listKey with
// exactly this batch's keys (spec.md §4.5.1 "batch create/update/delete").
func (s *Store[K, V]) BatchCreate(ctx context.Context, listKey string, items []BatchItem[K, V]) (uint64, []mapper.Record[K, V], error) {
	return s.writeBatch(ctx, listKey, items, true)
}

// BatchUpdate allocates one shared version, appends a new current row for
// each item (creating it if absent, matching spec.md's "insert or update
// each entity"), and replaces list-membership rows for listKey.
func (s *Store[K, V]) BatchUpdate(ctx context.Context, listKey string, items []BatchItem[K, V]) (uint64, []mapper.Record[K, V], error) {
	return s.writeBatch(ctx, listKey, items, false)
}

func (s *Store[K, V]) writeBatch(ctx context.Context, listKey string, items []BatchItem[K, V], requireAbsent bool) (uint64, []mapper.Record[K, V], error) {
	caller := callerAt(3)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, wrapStorage("Batch", listKey, err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	newVersion, err := s.alloc.Next(ctx, tx, now.Format(mapper.TimeLayout))
	if err != nil {
		return 0, nil, wrapStorage("Batch", listKey, err)
	}

	recs := make([]mapper.Record[K, V], 0, len(items))
	oldVersions := make([]uint64, 0, len(items))
	for _, item := range items {
		keyArg, err := s.mapper.SerializeKey(item.Key)
		if err != nil {
			return 0, nil, wrapStorage("Batch", listKey, err)
		}
		existingVersion, existingDeleted, found, err := s.latestWithinTx(ctx, tx, keyArg)
		if err != nil {
			return 0, nil, wrapStorage("Batch", listKey, err)
		}
		if requireAbsent && found && !existingDeleted {
			return 0, nil, ErrEntityAlreadyExists
		}

		created := now
		if found {
			created, err = s.createdTimeWithinTx(ctx, tx, keyArg, existingVersion)
			if err != nil {
				return 0, nil, wrapStorage("Batch", listKey, err)
			}
		}

		rec := mapper.Record[K, V]{
			Key: item.Key, Value: item.Value, Version: newVersion,
			CreatedTime: created, LastWriteTime: now, IsDeleted: false,
		}
		stmt, args, err := s.mapper.InsertStatement(rec)
		if err != nil {
			return 0, nil, wrapStorage("Batch", listKey, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return 0, nil, wrapStorage("Batch", listKey, err)
		}
		recs = append(recs, rec)
		if !found {
			existingVersion = 0
		}
		oldVersions = append(oldVersions, existingVersion)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+s.membersTable+` WHERE list_key = ?`, listKey); err != nil {
		return 0, nil, wrapStorage("Batch", listKey, err)
	}
	for _, item := range items {
		keyArg, err := s.mapper.SerializeKey(item.Key)
		if err != nil {
			return 0, nil, wrapStorage("Batch", listKey, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO `+s.membersTable+` (list_key, entry_key, version) VALUES (?, ?, ?)
		`, listKey, fmt.Sprint(keyArg), newVersion); err != nil {
			return 0, nil, wrapStorage("Batch", listKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, wrapStorage("Batch", listKey, err)
	}

	op := audit.OpUpdate
	if requireAbsent {
		op = audit.OpCreate
	}
	for i, rec := range recs {
		payload, _ := s.mapper.SerializeEntity(rec.Value)
		s.recordUpdate(ctx, s.keyString(rec.Key), oldVersions[i], newVersion, int64(len(payload)), op, caller)
	}
	return newVersion, recs, nil
}

func (s *Store[K, V]) createdTimeWithinTx(ctx context.Context, tx *sql.Tx, keyArg any, atVersion uint64) (time.Time, error) {
	var raw string
	row := tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT created_time FROM %s WHERE key = ? AND version = ?", s.mapper.Desc.Table,
	), keyArg, atVersion)
	if err := row.Scan(&raw); err != nil {
		return time.Time{}, err
	}
	return time.Parse(mapper.TimeLayout, raw)
}

// BatchDelete removes listKey's membership rows without touching the
// entities themselves (spec.md scenario 4: an unlisted entry's row
// persists in its own table).
func (s *Store[K, V]) BatchDelete(ctx context.Context, listKey string) error {
	caller := callerAt(2)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.membersTable+` WHERE list_key = ?`, listKey); err != nil {
		return wrapStorage("BatchDelete", listKey, err)
	}
	s.recordUpdate(ctx, listKey, 0, 0, 0, audit.OpUpdate, caller)
	return nil
}

// GetBatch returns the current, non-deleted row for every key currently a
// member of listKey.
func (s *Store[K, V]) GetBatch(ctx context.Context, listKey string) ([]mapper.Record[K, V], error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_key FROM `+s.membersTable+` WHERE list_key = ?
	`, listKey)
	if err != nil {
		return nil, wrapStorage("GetBatch", listKey, err)
	}
	var entryKeys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, wrapStorage("GetBatch", listKey, err)
		}
		entryKeys = append(entryKeys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("GetBatch", listKey, err)
	}

	var out []mapper.Record[K, V]
	for _, entryKey := range entryKeys {
		selRows, err := s.db.QueryContext(ctx, s.selectLatestSQL(), entryKey)
		if err != nil {
			return nil, wrapStorage("GetBatch", listKey, err)
		}
		if !selRows.Next() {
			selRows.Close()
			continue
		}
		rec, err := s.mapper.MapFromReader(selRows)
		selRows.Close()
		if err != nil {
			return nil, wrapStorage("GetBatch", listKey, err)
		}
		if rec.IsDeleted {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
