package txscope

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/untoldecay/vstore/internal/audit"
	"github.com/untoldecay/vstore/internal/mapper"
	"github.com/untoldecay/vstore/internal/store"
	"github.com/untoldecay/vstore/internal/version"
)

// InsertOutput is what InsertOp's Commit returns and its inverse consumes.
type InsertOutput[K comparable, V any] struct {
	Record      mapper.Record[K, V]
	OldVersion  uint64 // the soft-deleted row's version being resurrected, 0 if none existed
	PayloadSize int64
}

// InsertOp builds an Operation that creates key with value, the way
// store.Store.Create does, but against the scope's shared transaction. Its
// inverse is a hard delete of exactly the row it inserted.
func InsertOp[K comparable, V any](m *mapper.Mapper[K, V], alloc *version.Allocator, key K, value V, now time.Time, caller string) Operation {
	return Operation{
		ID:          fmt.Sprintf("insert:%s:%v", m.Desc.Table, key),
		Description: fmt.Sprintf("insert into %s", m.Desc.Table),
		Mode:        Write,
		Audit: func(output any) audit.UpdateEntry {
			out := output.(InsertOutput[K, V])
			return audit.UpdateEntry{
				Table: m.Desc.Table, Key: fmt.Sprint(out.Record.Key), TypeName: m.TypeName,
				OldVersion: out.OldVersion, Version: out.Record.Version, PayloadSize: out.PayloadSize,
				Operation: audit.OpCreate, Caller: caller, OccurredAt: now,
			}
		},
		Commit: func(ctx context.Context, tx *sql.Tx) (any, error) {
			keyArg, err := m.SerializeKey(key)
			if err != nil {
				return nil, err
			}
			ver, deleted, found, err := currentVersion(ctx, tx, m, keyArg)
			if err != nil {
				return nil, err
			}
			if found && !deleted {
				return nil, store.ErrEntityAlreadyExists
			}
			var oldVersion uint64
			if found {
				oldVersion = ver
			}

			newVersion, err := alloc.Next(ctx, tx, now.UTC().Format(mapper.TimeLayout))
			if err != nil {
				return nil, err
			}
			rec := mapper.Record[K, V]{
				Key: key, Value: value, Version: newVersion,
				CreatedTime: now.UTC(), LastWriteTime: now.UTC(),
			}
			stmt, args, err := m.InsertStatement(rec)
			if err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return nil, err
			}
			payload, err := m.SerializeEntity(value)
			if err != nil {
				return nil, err
			}
			return InsertOutput[K, V]{Record: rec, OldVersion: oldVersion, PayloadSize: int64(len(payload))}, nil
		},
		Inverse: func(ctx context.Context, tx *sql.Tx, output any) error {
			out := output.(InsertOutput[K, V])
			keyArg, err := m.SerializeKey(out.Record.Key)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ? AND version = ?", m.Desc.Table), keyArg, out.Record.Version)
			return err
		},
	}
}

// UpdateOutput is what UpdateOp's Commit returns and its inverse consumes.
type UpdateOutput[K comparable, V any] struct {
	New         mapper.Record[K, V]
	OldVersion  uint64
	PayloadSize int64
}

// UpdateOp builds an Operation that appends a new version superseding
// originalVersion, the way store.Store.Update does. Because Update never
// mutates the superseded row, its inverse is simply deleting the row this
// operation inserted: the prior version, untouched the whole time, becomes
// current again as soon as the new one is gone.
func UpdateOp[K comparable, V any](m *mapper.Mapper[K, V], alloc *version.Allocator, key K, originalVersion uint64, newValue V, now time.Time, caller string) Operation {
	return Operation{
		ID:          fmt.Sprintf("update:%s:%v", m.Desc.Table, key),
		Description: fmt.Sprintf("update %s", m.Desc.Table),
		Mode:        Write,
		Audit: func(output any) audit.UpdateEntry {
			out := output.(UpdateOutput[K, V])
			return audit.UpdateEntry{
				Table: m.Desc.Table, Key: fmt.Sprint(out.New.Key), TypeName: m.TypeName,
				OldVersion: out.OldVersion, Version: out.New.Version, PayloadSize: out.PayloadSize,
				Operation: audit.OpUpdate, Caller: caller, OccurredAt: now,
			}
		},
		Commit: func(ctx context.Context, tx *sql.Tx) (any, error) {
			keyArg, err := m.SerializeKey(key)
			if err != nil {
				return nil, err
			}
			row := tx.QueryRowContext(ctx, fmt.Sprintf(
				"SELECT created_time FROM %s WHERE key = ? AND version = ? AND is_deleted = 0", m.Desc.Table,
			), keyArg, originalVersion)
			var createdRaw string
			if err := row.Scan(&createdRaw); err == sql.ErrNoRows {
				return nil, store.ErrConcurrency
			} else if err != nil {
				return nil, err
			}

			ver, deleted, found, err := currentVersion(ctx, tx, m, keyArg)
			if err != nil {
				return nil, err
			}
			if !found || ver != originalVersion || deleted {
				return nil, store.ErrConcurrency
			}

			createdTime, err := time.Parse(mapper.TimeLayout, createdRaw)
			if err != nil {
				return nil, err
			}
			newVersion, err := alloc.Next(ctx, tx, now.UTC().Format(mapper.TimeLayout))
			if err != nil {
				return nil, err
			}
			rec := mapper.Record[K, V]{
				Key: key, Value: newValue, Version: newVersion,
				CreatedTime: createdTime, LastWriteTime: now.UTC(),
			}
			stmt, args, err := m.InsertStatement(rec)
			if err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return nil, err
			}
			payload, err := m.SerializeEntity(newValue)
			if err != nil {
				return nil, err
			}
			return UpdateOutput[K, V]{New: rec, OldVersion: originalVersion, PayloadSize: int64(len(payload))}, nil
		},
		Inverse: func(ctx context.Context, tx *sql.Tx, output any) error {
			out := output.(UpdateOutput[K, V])
			keyArg, err := m.SerializeKey(out.New.Key)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ? AND version = ?", m.Desc.Table), keyArg, out.New.Version)
			return err
		},
	}
}

// SoftDeleteOutput is what SoftDeleteOp's Commit returns and its inverse
// consumes: the row's state immediately before the flip, so the inverse can
// restore it exactly.
type SoftDeleteOutput[K comparable, V any] struct {
	Key           K
	Version       uint64
	PriorWriteISO string
	PayloadSize   int64
}

// SoftDeleteOp builds an Operation that flags the current row deleted
// in-place, the way store.Store.Delete(hard=false) does. Unlike insert and
// update, this is a genuine in-place mutation, so its inverse restores the
// row's prior is_deleted/last_write_time rather than deleting anything.
func SoftDeleteOp[K comparable, V any](m *mapper.Mapper[K, V], key K, now time.Time, caller string) Operation {
	return Operation{
		ID:          fmt.Sprintf("delete:%s:%v", m.Desc.Table, key),
		Description: fmt.Sprintf("soft delete from %s", m.Desc.Table),
		Mode:        Write,
		Audit: func(output any) audit.UpdateEntry {
			out := output.(SoftDeleteOutput[K, V])
			return audit.UpdateEntry{
				Table: m.Desc.Table, Key: fmt.Sprint(out.Key), TypeName: m.TypeName,
				OldVersion: out.Version, Version: out.Version, PayloadSize: out.PayloadSize,
				Operation: audit.OpSoftDelete, Caller: caller, OccurredAt: now,
			}
		},
		Commit: func(ctx context.Context, tx *sql.Tx) (any, error) {
			keyArg, err := m.SerializeKey(key)
			if err != nil {
				return nil, err
			}
			cols := m.ColumnNames()
			colList := cols[0]
			for _, c := range cols[1:] {
				colList += ", " + c
			}
			rows, err := tx.QueryContext(ctx, fmt.Sprintf(
				"SELECT %s FROM %s WHERE key = ? ORDER BY version DESC LIMIT 1", colList, m.Desc.Table,
			), keyArg)
			if err != nil {
				return nil, err
			}
			if !rows.Next() {
				rows.Close()
				return nil, fmt.Errorf("txscope: no current row for key %v", key)
			}
			rec, err := m.MapFromReader(rows)
			rows.Close()
			if err != nil {
				return nil, err
			}
			if rec.IsDeleted {
				return nil, fmt.Errorf("txscope: key %v already deleted", key)
			}
			priorWriteISO := rec.LastWriteTime.UTC().Format(mapper.TimeLayout)
			payload, err := m.SerializeEntity(rec.Value)
			if err != nil {
				return nil, err
			}

			rec.IsDeleted = true
			rec.LastWriteTime = now.UTC()
			setCols, args, err := m.UpdateColumnsAndArgs(rec)
			if err != nil {
				return nil, err
			}
			setClause := setCols[0] + " = ?"
			for _, c := range setCols[1:] {
				setClause += ", " + c + " = ?"
			}
			args = append(args, keyArg, rec.Version)
			stmt := fmt.Sprintf("UPDATE %s SET %s WHERE key = ? AND version = ? AND is_deleted = 0", m.Desc.Table, setClause)
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return nil, err
			}
			return SoftDeleteOutput[K, V]{Key: key, Version: rec.Version, PriorWriteISO: priorWriteISO, PayloadSize: int64(len(payload))}, nil
		},
		Inverse: func(ctx context.Context, tx *sql.Tx, output any) error {
			out := output.(SoftDeleteOutput[K, V])
			keyArg, err := m.SerializeKey(out.Key)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, fmt.Sprintf(
				"UPDATE %s SET is_deleted = 0, last_write_time = ? WHERE key = ? AND version = ?", m.Desc.Table,
			), out.PriorWriteISO, keyArg, out.Version)
			return err
		},
	}
}

func currentVersion[K comparable, V any](ctx context.Context, tx *sql.Tx, m *mapper.Mapper[K, V], keyArg any) (ver uint64, deleted bool, found bool, err error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT version, is_deleted FROM %s WHERE key = ? ORDER BY version DESC LIMIT 1", m.Desc.Table,
	), keyArg)
	var v int64
	var d int64
	err = row.Scan(&v, &d)
	if err == sql.ErrNoRows {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}
	return uint64(v), d != 0, true, nil
}
