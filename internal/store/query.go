package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/untoldecay/vstore/internal/mapper"
	"github.com/untoldecay/vstore/internal/predicate"
)

// Query translates pred via the predicate translator, restricts to current
// non-deleted rows, and returns them ordered by version descending
// (spec.md §4.5.1).
func (s *Store[K, V]) Query(ctx context.Context, pred predicate.Expr) ([]mapper.Record[K, V], error) {
	whereSQL, args, err := predicate.Translate(s.mapper.Desc, pred, nil)
	if err != nil {
		return nil, err
	}
	sqlText := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT %s, ROW_NUMBER() OVER (PARTITION BY key ORDER BY version DESC) AS rn
			FROM %s
		) WHERE rn = 1 AND is_deleted = 0 AND (%s)
		ORDER BY version DESC
	`, s.columnList(), s.columnList(), s.mapper.Desc.Table, whereSQL)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, wrapStorage("Query", "", err)
	}
	defer rows.Close()
	s.logSlow(sqlText, start)

	return s.scanAll(rows)
}

// Page is the result of QueryPaged.
type Page[K comparable, V any] struct {
	Items      []mapper.Record[K, V]
	Total      int64
	PageNumber int
	PageSize   int
	TotalPages int64
}

// QueryPaged pages through current non-deleted rows matching pred, ordered
// by order (with a version-descending tie-break), per spec.md §4.5.1.
// pageNumber is 1-indexed.
func (s *Store[K, V]) QueryPaged(ctx context.Context, pred predicate.Expr, order []predicate.OrderKey, pageSize, pageNumber int) (Page[K, V], error) {
	var zero Page[K, V]
	if pageSize <= 0 {
		return zero, fmt.Errorf("store: QueryPaged: pageSize must be > 0")
	}
	if pageNumber <= 0 {
		pageNumber = 1
	}

	whereSQL, args, err := predicate.Translate(s.mapper.Desc, pred, nil)
	if err != nil {
		return zero, err
	}

	total, err := s.countCurrent(ctx, whereSQL, args)
	if err != nil {
		return zero, err
	}

	orderSQL, orderArgs, err := predicate.Translate(s.mapper.Desc, predicate.Expr{}, order)
	if err != nil {
		return zero, err
	}
	_ = orderArgs // order keys never bind parameters; kept for signature symmetry
	orderClause := "version DESC"
	if idx := strings.Index(orderSQL, "ORDER BY "); idx >= 0 {
		orderClause = orderSQL[idx+len("ORDER BY "):] + ", version DESC"
	}

	sqlText := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT %s, ROW_NUMBER() OVER (PARTITION BY key ORDER BY version DESC) AS rn
			FROM %s
		) WHERE rn = 1 AND is_deleted = 0 AND (%s)
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, s.columnList(), s.columnList(), s.mapper.Desc.Table, whereSQL, orderClause)

	pagedArgs := append(append([]any{}, args...), pageSize, (pageNumber-1)*pageSize)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, sqlText, pagedArgs...)
	if err != nil {
		return zero, wrapStorage("QueryPaged", "", err)
	}
	defer rows.Close()
	s.logSlow(sqlText, start)

	items, err := s.scanAll(rows)
	if err != nil {
		return zero, err
	}

	totalPages := total / int64(pageSize)
	if total%int64(pageSize) != 0 {
		totalPages++
	}
	return Page[K, V]{Items: items, Total: total, PageNumber: pageNumber, PageSize: pageSize, TotalPages: totalPages}, nil
}

// Count returns the number of current non-deleted rows matching pred (an
// empty predicate counts every live row).
func (s *Store[K, V]) Count(ctx context.Context, pred predicate.Expr) (int64, error) {
	whereSQL, args, err := predicate.Translate(s.mapper.Desc, pred, nil)
	if err != nil {
		return 0, err
	}
	return s.countCurrent(ctx, whereSQL, args)
}

// Exists reports whether any current, non-deleted row matches pred, per
// spec.md §4.5.1. An empty predicate reports whether the table holds any
// live row at all.
func (s *Store[K, V]) Exists(ctx context.Context, pred predicate.Expr) (bool, error) {
	count, err := s.Count(ctx, pred)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store[K, V]) countCurrent(ctx context.Context, whereSQL string, args []any) (int64, error) {
	// The predicate may reference any projected column, so the subquery
	// carries the full projection rather than just `version`.
	sqlText := fmt.Sprintf(`
		SELECT COUNT(*) FROM (
			SELECT %s, ROW_NUMBER() OVER (PARTITION BY key ORDER BY version DESC) AS rn
			FROM %s
		) WHERE rn = 1 AND is_deleted = 0 AND (%s)
	`, s.columnList(), s.mapper.Desc.Table, whereSQL)

	var count int64
	if err := s.db.QueryRowContext(ctx, sqlText, args...).Scan(&count); err != nil {
		return 0, wrapStorage("Count", "", err)
	}
	return count, nil
}

func (s *Store[K, V]) columnList() string {
	cols := s.mapper.ColumnNames()
	return strings.Join(cols, ", ")
}

func (s *Store[K, V]) scanAll(rows *sql.Rows) ([]mapper.Record[K, V], error) {
	var out []mapper.Record[K, V]
	for rows.Next() {
		rec, err := s.mapper.MapFromReader(rows)
		if err != nil {
			return nil, wrapStorage("scan", "", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
