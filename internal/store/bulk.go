package store

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/untoldecay/vstore/internal/mapper"
)

// BulkImportOptions controls BulkImport (spec.md §4.5.1).
type BulkImportOptions[K comparable, V any] struct {
	BatchSize int

	// IgnoreDuplicates skips (rather than fails) items whose key already
	// has a live current row.
	IgnoreDuplicates bool

	// UpdateExisting appends a new version instead of skipping/failing when
	// the key already has a live current row. Takes precedence over
	// IgnoreDuplicates when both are set.
	UpdateExisting bool

	// Validate runs before each item is written, if set; a non-nil error
	// fails that item with ErrValidationFailed without aborting the batch.
	Validate func(K, V) error

	Timeout time.Duration
}

// BulkImportResult reports the outcome of a BulkImport call.
type BulkImportResult struct {
	Succeeded int
	Failed    int
	Duplicate int
	Errors    []string // one entry per failure, in processing order
	Duration  time.Duration
}

// BulkImport writes items in batches of opts.BatchSize (default 100),
// accumulating per-item outcomes rather than aborting on the first failure
// (spec.md §7: "bulk operations collect per-entity errors and continue").
func (s *Store[K, V]) BulkImport(ctx context.Context, items []BatchItem[K, V], opts BulkImportOptions[K, V]) (BulkImportResult, error) {
	start := time.Now()
	var result BulkImportResult

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		for _, item := range items[start:end] {
			if err := ctx.Err(); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, ErrCancelled.Error())
				continue
			}
			if opts.Validate != nil {
				if err := opts.Validate(item.Key, item.Value); err != nil {
					result.Failed++
					result.Errors = append(result.Errors, fmt.Errorf("%w: %v", ErrValidationFailed, err).Error())
					continue
				}
			}

			_, err := s.Create(ctx, item.Key, item.Value)
			switch {
			case err == nil:
				result.Succeeded++
			case err == ErrEntityAlreadyExists && opts.UpdateExisting:
				if rec, _, getErr := s.Get(ctx, item.Key); getErr == nil {
					if _, updErr := s.Update(ctx, item.Key, rec.Version, item.Value); updErr == nil {
						result.Succeeded++
					} else {
						result.Failed++
						result.Errors = append(result.Errors, updErr.Error())
					}
				} else {
					result.Failed++
					result.Errors = append(result.Errors, getErr.Error())
				}
			case err == ErrEntityAlreadyExists && opts.IgnoreDuplicates:
				result.Duplicate++
			case err == ErrEntityAlreadyExists:
				result.Duplicate++
				result.Errors = append(result.Errors, err.Error())
			default:
				result.Failed++
				result.Errors = append(result.Errors, err.Error())
			}
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// BulkExportOptions controls BulkExport.
type BulkExportOptions struct {
	BatchSize      int
	IncludeDeleted bool

	// IncludeFields, if non-empty, zeroes every field of V's exported
	// value not named here (case-insensitive Go field names). Mutually
	// refined by ExcludeFields, which always wins for a field named in
	// both.
	IncludeFields []string

	// ExcludeFields zeroes the named fields of V's exported value.
	ExcludeFields []string

	// Timeout bounds the whole export loop, not just a single batch.
	Timeout time.Duration
}

// BulkExportProgress is reported to BulkExport's progress callback after
// every batch.
type BulkExportProgress struct {
	Processed       int
	Total           int
	Elapsed         time.Duration
	CurrentOperation string
}

// BulkExport streams current-version rows (optionally including
// soft-deleted ones) matching pred to onRecord, reporting progress to
// onProgress after each batch of opts.BatchSize rows.
func (s *Store[K, V]) BulkExport(
	ctx context.Context,
	whereSQL string,
	args []any,
	opts BulkExportOptions,
	onRecord func(mapper.Record[K, V]) error,
	onProgress func(BulkExportProgress),
) error {
	start := time.Now()
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	deletedClause := "AND is_deleted = 0"
	if opts.IncludeDeleted {
		deletedClause = ""
	}
	if whereSQL == "" {
		whereSQL = "1=1"
	}

	sqlText := "SELECT " + s.columnList() + " FROM (" +
		"SELECT " + s.columnList() + ", ROW_NUMBER() OVER (PARTITION BY key ORDER BY version DESC) AS rn FROM " + s.mapper.Desc.Table +
		") WHERE rn = 1 " + deletedClause + " AND (" + whereSQL + ") ORDER BY key"

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return wrapStorage("BulkExport", "", err)
	}
	defer rows.Close()

	total, err := s.countCurrentIncludingDeleted(ctx, whereSQL, args, opts.IncludeDeleted)
	if err != nil {
		return err
	}

	processed := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}
		rec, err := s.mapper.MapFromReader(rows)
		if err != nil {
			return wrapStorage("BulkExport", "", err)
		}
		rec.Value = projectFields(rec.Value, opts.IncludeFields, opts.ExcludeFields)
		if err := onRecord(rec); err != nil {
			return err
		}
		processed++
		if onProgress != nil && processed%batchSize == 0 {
			onProgress(BulkExportProgress{Processed: processed, Total: int(total), Elapsed: time.Since(start), CurrentOperation: "export"})
		}
	}
	if err := rows.Err(); err != nil {
		return wrapStorage("BulkExport", "", err)
	}
	if onProgress != nil {
		onProgress(BulkExportProgress{Processed: processed, Total: int(total), Elapsed: time.Since(start), CurrentOperation: "done"})
	}
	return nil
}

// projectFields zeroes V's fields that include/exclude excludes from an
// export payload. V's blob is the only source of field values (see
// mapper.MapFromReader), so projection happens on the decoded struct
// rather than the SQL column list.
func projectFields[V any](v V, include, exclude []string) V {
	if len(include) == 0 && len(exclude) == 0 {
		return v
	}
	rv := reflect.ValueOf(&v).Elem()
	if rv.Kind() != reflect.Struct {
		return v
	}
	includeSet := fieldSet(include)
	excludeSet := fieldSet(exclude)
	for i := 0; i < rv.NumField(); i++ {
		name := strings.ToLower(rv.Type().Field(i).Name)
		keep := true
		if len(includeSet) > 0 {
			keep = includeSet[name]
		}
		if excludeSet[name] {
			keep = false
		}
		if !keep {
			f := rv.Field(i)
			if f.CanSet() {
				f.Set(reflect.Zero(f.Type()))
			}
		}
	}
	return v
}

func fieldSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[strings.ToLower(n)] = true
	}
	return out
}

func (s *Store[K, V]) countCurrentIncludingDeleted(ctx context.Context, whereSQL string, args []any, includeDeleted bool) (int64, error) {
	deletedClause := "AND is_deleted = 0"
	if includeDeleted {
		deletedClause = ""
	}
	sqlText := "SELECT COUNT(*) FROM (" +
		"SELECT " + s.columnList() + ", ROW_NUMBER() OVER (PARTITION BY key ORDER BY version DESC) AS rn FROM " + s.mapper.Desc.Table +
		") WHERE rn = 1 " + deletedClause + " AND (" + whereSQL + ")"
	var count int64
	if err := s.db.QueryRowContext(ctx, sqlText, args...).Scan(&count); err != nil {
		return 0, wrapStorage("BulkExport", "", err)
	}
	return count, nil
}
