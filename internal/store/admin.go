package store

import (
	"context"
	"fmt"

	"github.com/untoldecay/vstore/internal/mapper"
)

// CleanupExpired soft-deletes current, non-deleted rows whose
// expiration_time has passed, in batches of batchSize (default 500),
// returning the number of rows affected (spec.md §4.5.1).
func (s *Store[K, V]) CleanupExpired(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	now := s.now().UTC().Format(mapper.TimeLayout)
	total := 0
	for {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT key FROM (
				SELECT key, expiration_time, is_deleted,
				       ROW_NUMBER() OVER (PARTITION BY key ORDER BY version DESC) AS rn
				FROM %s
			) WHERE rn = 1 AND is_deleted = 0 AND expiration_time IS NOT NULL AND expiration_time <= ?
			LIMIT ?
		`, s.mapper.Desc.Table), now, batchSize)
		if err != nil {
			return total, wrapStorage("CleanupExpired", "", err)
		}
		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return total, wrapStorage("CleanupExpired", "", err)
			}
			keys = append(keys, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return total, wrapStorage("CleanupExpired", "", err)
		}
		if len(keys) == 0 {
			return total, nil
		}
		for _, k := range keys {
			affected, err := s.softDeleteRawKey(ctx, k)
			if err != nil {
				return total, err
			}
			if affected {
				total++
			}
		}
		if len(keys) < batchSize {
			return total, nil
		}
	}
}

// softDeleteRawKey soft-deletes by the already-serialised key text, used by
// CleanupExpired which discovers keys via a raw SQL scan rather than a
// typed K.
func (s *Store[K, V]) softDeleteRawKey(ctx context.Context, keyArg string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrapStorage("CleanupExpired", keyArg, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.selectLatestSQL(), keyArg)
	if err != nil {
		return false, wrapStorage("CleanupExpired", keyArg, err)
	}
	if !rows.Next() {
		rows.Close()
		return false, nil
	}
	rec, err := s.mapper.MapFromReader(rows)
	rows.Close()
	if err != nil {
		return false, wrapStorage("CleanupExpired", keyArg, err)
	}
	if rec.IsDeleted {
		return false, nil
	}

	rec.IsDeleted = true
	rec.LastWriteTime = s.now().UTC()
	cols, args, err := s.mapper.UpdateColumnsAndArgs(rec)
	if err != nil {
		return false, wrapStorage("CleanupExpired", keyArg, err)
	}
	setClause := cols[0] + " = ?"
	for _, c := range cols[1:] {
		setClause += ", " + c + " = ?"
	}
	args = append(args, keyArg, rec.Version)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE key = ? AND version = ? AND is_deleted = 0", s.mapper.Desc.Table, setClause)
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, wrapStorage("CleanupExpired", keyArg, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, wrapStorage("CleanupExpired", keyArg, err)
	}
	return true, nil
}

// OptimizeStorage issues the engine's storage-reclamation command (VACUUM
// for SQLite), per spec.md §4.5.1.
func (s *Store[K, V]) OptimizeStorage(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return wrapStorage("OptimizeStorage", "", err)
	}
	if s.events != nil {
		s.events.Optimized(s.mapper.Desc.Table)
	}
	return nil
}

// Statistics summarises one entity table's current row counts and
// on-disk footprint (spec.md §4.5.1's GetStatistics).
type Statistics struct {
	TotalRows       int64
	ActiveRows      int64
	DeletedRows     int64
	ExpiredRows     int64
	ApproxSizeBytes int64

	// ByType breaks TotalRows/ActiveRows/DeletedRows down per type_name,
	// since one physical table can hold more than one logical type when
	// entities share a table (spec.md §3's type registry).
	ByType map[string]TypeStatistics
}

// TypeStatistics is one type_name's slice of Statistics.ByType.
type TypeStatistics struct {
	TotalRows   int64
	ActiveRows  int64
	DeletedRows int64
}

// GetStatistics computes row counts by state and an approximate database
// file size from SQLite's own page accounting.
func (s *Store[K, V]) GetStatistics(ctx context.Context) (Statistics, error) {
	var stats Statistics
	now := s.now().UTC().Format(mapper.TimeLayout)

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT
			COUNT(*) AS total,
			SUM(CASE WHEN is_deleted = 0 THEN 1 ELSE 0 END) AS active,
			SUM(CASE WHEN is_deleted = 1 THEN 1 ELSE 0 END) AS deleted,
			SUM(CASE WHEN is_deleted = 0 AND expiration_time IS NOT NULL AND expiration_time <= ? THEN 1 ELSE 0 END) AS expired
		FROM (
			SELECT is_deleted, expiration_time, ROW_NUMBER() OVER (PARTITION BY key ORDER BY version DESC) AS rn
			FROM %s
		) WHERE rn = 1
	`, s.mapper.Desc.Table), now)
	if err := row.Scan(&stats.TotalRows, &stats.ActiveRows, &stats.DeletedRows, &stats.ExpiredRows); err != nil {
		return stats, wrapStorage("GetStatistics", "", err)
	}

	byType, err := s.statisticsByType(ctx)
	if err != nil {
		return stats, err
	}
	stats.ByType = byType

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.ApproxSizeBytes = pageCount * pageSize
		}
	}
	return stats, nil
}

func (s *Store[K, V]) statisticsByType(ctx context.Context) (map[string]TypeStatistics, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT
			type_name,
			COUNT(*) AS total,
			SUM(CASE WHEN is_deleted = 0 THEN 1 ELSE 0 END) AS active,
			SUM(CASE WHEN is_deleted = 1 THEN 1 ELSE 0 END) AS deleted
		FROM (
			SELECT type_name, is_deleted, ROW_NUMBER() OVER (PARTITION BY key ORDER BY version DESC) AS rn
			FROM %s
		) WHERE rn = 1
		GROUP BY type_name
	`, s.mapper.Desc.Table))
	if err != nil {
		return nil, wrapStorage("GetStatistics", "", err)
	}
	defer rows.Close()

	out := make(map[string]TypeStatistics)
	for rows.Next() {
		var typeName string
		var ts TypeStatistics
		if err := rows.Scan(&typeName, &ts.TotalRows, &ts.ActiveRows, &ts.DeletedRows); err != nil {
			return nil, wrapStorage("GetStatistics", "", err)
		}
		out[typeName] = ts
	}
	return out, rows.Err()
}
