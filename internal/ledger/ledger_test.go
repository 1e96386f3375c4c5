package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"imagedeid/internal/ledger"
	"imagedeid/internal/services"
	"imagedeid/internal/testsupport"
)

func TestInsertIfAbsentReportsConflict(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	first, err := store.InsertIfAbsent(ctx, "abc123")
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if first != ledger.Inserted {
		t.Fatalf("expected Inserted, got %s", first)
	}

	second, err := store.InsertIfAbsent(ctx, "abc123")
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if second != ledger.Conflict {
		t.Fatalf("expected Conflict, got %s", second)
	}

	ids, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(ids) != 1 || ids[0] != "abc123" {
		t.Fatalf("expected single abc123 entry, got %v", ids)
	}
}

func TestInsertIfAbsentRejectsInvalidIDs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)

	for _, id := range []string{"", "   ", strings.Repeat("x", ledger.MaxStudyIDLength+1)} {
		if _, err := store.InsertIfAbsent(context.Background(), id); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("expected validation error for %q, got %v", id, err)
		}
	}
}

func TestListAllSorted(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if _, err := store.InsertIfAbsent(ctx, id); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	ids, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Fatalf("expected sorted ids, got %v", ids)
	}
}

func TestEntriesCarryRecordedTime(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	for _, id := range []string{"s2", "s1"} {
		if _, err := store.InsertIfAbsent(ctx, id); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	entries, err := store.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 || entries[0].StudyID != "s1" || entries[1].StudyID != "s2" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	for _, e := range entries {
		if e.RecordedAt.Before(before) {
			t.Fatalf("entry %s recorded at %v, want after %v", e.StudyID, e.RecordedAt, before)
		}
	}
}

func TestImportCountsConflicts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	if _, err := store.InsertIfAbsent(ctx, "s1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	result, err := store.Import(ctx, []string{"s1", "s2", "", "s3", "s2"})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if result.Inserted != 2 || result.Conflicts != 2 {
		t.Fatalf("unexpected import result: %+v", result)
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 studies, got %d", count)
	}
	ok, err := store.Contains(ctx, "s3")
	if err != nil || !ok {
		t.Fatalf("expected s3 recorded, ok=%v err=%v", ok, err)
	}
	ok, err = store.Contains(ctx, "s9")
	if err != nil || ok {
		t.Fatalf("expected s9 absent, ok=%v err=%v", ok, err)
	}
}

func TestConcurrentInsertsSettleOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := store.InsertIfAbsent(ctx, "shared")
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			if outcome == ledger.Inserted {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if inserted != 1 {
		t.Fatalf("expected exactly one Inserted outcome, got %d", inserted)
	}
}

func TestReopenPreservesEntriesAndHealth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := ledger.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	if _, err := store.InsertIfAbsent(context.Background(), "persisted"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := ledger.OpenPath(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	health, err := reopened.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !health.DatabaseExists || !health.DatabaseReadable || !health.IntegrityCheck {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health.TotalStudies != 1 || health.SchemaVersion != 1 {
		t.Fatalf("unexpected health counts: %+v", health)
	}
}
