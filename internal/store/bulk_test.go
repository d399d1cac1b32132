package store

import (
	"context"
	"testing"
	"time"

	"github.com/untoldecay/vstore/internal/mapper"
)

func TestBulkImportCollectsPerItemOutcomes(t *testing.T) {
	ctx := context.Background()
	s := newWidgetStore(t)

	if _, err := s.Create(ctx, "dup-1", widget{Name: "existing"}); err != nil {
		t.Fatalf("seed Create: %v", err)
	}

	items := []BatchItem[string, widget]{
		{Key: "dup-1", Value: widget{Name: "new"}},
		{Key: "new-1", Value: widget{Name: "A"}},
		{Key: "new-2", Value: widget{Name: "B"}},
	}
	result, err := s.BulkImport(ctx, items, BulkImportOptions[string, widget]{IgnoreDuplicates: true})
	if err != nil {
		t.Fatalf("BulkImport: %v", err)
	}
	if result.Succeeded != 2 {
		t.Fatalf("Succeeded = %d, want 2", result.Succeeded)
	}
	if result.Duplicate != 1 {
		t.Fatalf("Duplicate = %d, want 1", result.Duplicate)
	}
}

func TestBulkImportUpdateExisting(t *testing.T) {
	ctx := context.Background()
	s := newWidgetStore(t)

	if _, err := s.Create(ctx, "k", widget{Name: "v1"}); err != nil {
		t.Fatalf("seed Create: %v", err)
	}

	items := []BatchItem[string, widget]{{Key: "k", Value: widget{Name: "v2"}}}
	result, err := s.BulkImport(ctx, items, BulkImportOptions[string, widget]{UpdateExisting: true})
	if err != nil {
		t.Fatalf("BulkImport: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", result.Succeeded)
	}
	rec, found, err := s.Get(ctx, "k")
	if err != nil || !found || rec.Value.Name != "v2" {
		t.Fatalf("Get after update-existing import: rec=%+v found=%v err=%v", rec, found, err)
	}
}

func TestBulkExportIncludeDeleted(t *testing.T) {
	ctx := context.Background()
	s := newWidgetStore(t)

	for i := 0; i < 5; i++ {
		if _, err := s.Create(ctx, keyFor(i), widget{Name: keyFor(i), Price: i}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	if _, err := s.Delete(ctx, keyFor(0), false); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	var liveCount int
	if err := s.BulkExport(ctx, "", nil, BulkExportOptions{}, func(rec mapper.Record[string, widget]) error {
		liveCount++
		return nil
	}, nil); err != nil {
		t.Fatalf("BulkExport: %v", err)
	}
	if liveCount != 4 {
		t.Fatalf("liveCount = %d, want 4 (excluding soft-deleted)", liveCount)
	}

	var allCount int
	if err := s.BulkExport(ctx, "", nil, BulkExportOptions{IncludeDeleted: true}, func(rec mapper.Record[string, widget]) error {
		allCount++
		return nil
	}, nil); err != nil {
		t.Fatalf("BulkExport with IncludeDeleted: %v", err)
	}
	if allCount != 5 {
		t.Fatalf("allCount = %d, want 5", allCount)
	}
}

func TestBulkExportFieldProjection(t *testing.T) {
	ctx := context.Background()
	s := newWidgetStore(t)

	if _, err := s.Create(ctx, "proj-1", widget{Name: "kept", Price: 42}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var gotName string
	var gotPrice int
	opts := BulkExportOptions{ExcludeFields: []string{"Price"}}
	if err := s.BulkExport(ctx, "", nil, opts, func(rec mapper.Record[string, widget]) error {
		gotName = rec.Value.Name
		gotPrice = rec.Value.Price
		return nil
	}, nil); err != nil {
		t.Fatalf("BulkExport: %v", err)
	}
	if gotName != "kept" {
		t.Fatalf("Name = %q, want %q (not excluded)", gotName, "kept")
	}
	if gotPrice != 0 {
		t.Fatalf("Price = %d, want 0 (excluded)", gotPrice)
	}
}

func TestBulkExportTimeoutCancelsLoop(t *testing.T) {
	ctx := context.Background()
	s := newWidgetStore(t)

	for i := 0; i < 50; i++ {
		if _, err := s.Create(ctx, keyFor(i), widget{Name: keyFor(i), Price: i}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	opts := BulkExportOptions{Timeout: time.Nanosecond}
	err := s.BulkExport(ctx, "", nil, opts, func(rec mapper.Record[string, widget]) error {
		return nil
	}, nil)
	if err != ErrCancelled {
		t.Fatalf("BulkExport err = %v, want ErrCancelled", err)
	}
}
