package batch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"media-ingest-pipeline/internal/batch"
	"media-ingest-pipeline/internal/catalog"
	"media-ingest-pipeline/internal/store"
	"media-ingest-pipeline/internal/store/storetest"
)

func newRepo(t *testing.T, batchSize int) (*store.Store, *batch.Allocator, *catalog.Repo, int64) {
	st := storetest.New(t)
	libID := storetest.CreateLibrary(t, st, "movies", batchSize, 3)
	alloc := batch.NewAllocator(st)
	return st, alloc, catalog.NewRepo(st, alloc), libID
}

func upsert(t *testing.T, repo *catalog.Repo, libID int64, key string) int64 {
	t.Helper()
	entry, _, err := repo.UpsertEntry(context.Background(), catalog.UpsertParams{
		LibraryID: libID, NaturalKey: key, Title: key,
	})
	if err != nil {
		t.Fatalf("upsert %s: %v", key, err)
	}
	return entry.BatchID
}

func TestAllocateFillsBatchesDensely(t *testing.T) {
	_, _, repo, libID := newRepo(t, 3)

	keys := []string{"a", "b", "c", "d", "e"}
	want := []int64{1, 1, 1, 2, 2}
	for i, key := range keys {
		if got := upsert(t, repo, libID, key); got != want[i] {
			t.Fatalf("entry %q: batch id %d, want %d", key, got, want[i])
		}
	}
}

func TestReuseDoesNotAdvanceCursor(t *testing.T) {
	_, _, repo, libID := newRepo(t, 2)

	first := upsert(t, repo, libID, "a")
	// Re-upserting the same natural key must return the original batch id and
	// leave the cursor where it was.
	for i := 0; i < 3; i++ {
		if got := upsert(t, repo, libID, "a"); got != first {
			t.Fatalf("reuse returned batch %d, want %d", got, first)
		}
	}
	// "b" still lands in batch 1: the re-upserts consumed no slots.
	if got := upsert(t, repo, libID, "b"); got != 1 {
		t.Fatalf("second distinct key got batch %d, want 1", got)
	}
	if got := upsert(t, repo, libID, "c"); got != 2 {
		t.Fatalf("third distinct key got batch %d, want 2", got)
	}
}

func TestFinalizedBatchHasContentHash(t *testing.T) {
	_, alloc, repo, libID := newRepo(t, 2)
	ctx := context.Background()

	upsert(t, repo, libID, "a")
	upsert(t, repo, libID, "b") // fills batch 1

	full, err := alloc.Get(ctx, libID, 1)
	if err != nil {
		t.Fatalf("get batch 1: %v", err)
	}
	if full.FinalizedAt == nil {
		t.Fatalf("full batch not finalized")
	}
	if full.ContentHash == nil || *full.ContentHash == "" {
		t.Fatalf("finalized batch missing content hash")
	}
	if full.Version != 1 {
		t.Fatalf("expected version 1 after finalize, got %d", full.Version)
	}

	open, err := alloc.Get(ctx, libID, 2)
	if err != nil {
		t.Fatalf("get batch 2: %v", err)
	}
	if open.FinalizedAt != nil || open.ContentHash != nil {
		t.Fatalf("open batch should not be finalized: %+v", open)
	}
}

func TestSetBatchSizeImmutableOnceEntriesExist(t *testing.T) {
	_, alloc, repo, libID := newRepo(t, 10)
	ctx := context.Background()

	// Before any entries the size may change freely.
	if err := alloc.SetBatchSize(ctx, libID, 4); err != nil {
		t.Fatalf("resize empty library: %v", err)
	}

	upsert(t, repo, libID, "a")

	err := alloc.SetBatchSize(ctx, libID, 8)
	if !errors.Is(err, batch.ErrImmutableBatchSize) {
		t.Fatalf("expected ErrImmutableBatchSize, got %v", err)
	}

	// The earlier resize took effect: four entries fill batch 1.
	for _, key := range []string{"b", "c", "d"} {
		if got := upsert(t, repo, libID, key); got != 1 {
			t.Fatalf("entry %q got batch %d, want 1", key, got)
		}
	}
	if got := upsert(t, repo, libID, "e"); got != 2 {
		t.Fatalf("fifth entry got batch %d, want 2", got)
	}
}

func TestSetBatchSizeRejectsInvalid(t *testing.T) {
	_, alloc, _, libID := newRepo(t, 10)
	if err := alloc.SetBatchSize(context.Background(), libID, 0); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
	if err := alloc.SetBatchSize(context.Background(), 999, 5); !errors.Is(err, batch.ErrLibraryNotFound) {
		t.Fatalf("expected ErrLibraryNotFound, got %v", err)
	}
}

func TestConcurrentSameKeyDoesNotAdvanceCursor(t *testing.T) {
	st, alloc, repo, libID := newRepo(t, 2)
	ctx := context.Background()

	// Ten racing upserts of one logical entity must consume exactly one slot.
	// A phantom increment would fill the two-slot batch and finalize it early.
	const writers = 10
	var wg sync.WaitGroup
	batchIDs := make(chan int64, writers)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, _, err := repo.UpsertEntry(ctx, catalog.UpsertParams{
				LibraryID: libID, NaturalKey: "same-key", Title: "t",
			})
			if err != nil {
				errs <- err
				return
			}
			batchIDs <- entry.BatchID
		}()
	}
	wg.Wait()
	close(errs)
	close(batchIDs)
	for err := range errs {
		t.Fatalf("concurrent upsert: %v", err)
	}
	for id := range batchIDs {
		if id != 1 {
			t.Fatalf("racing upsert got batch %d, want 1", id)
		}
	}

	var count int
	err := st.Pool().QueryRow(ctx, `
		SELECT current_count FROM batch_cursors WHERE library_id = $1
	`, libID).Scan(&count)
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if count != 1 {
		t.Fatalf("cursor drifted to %d, want 1", count)
	}

	var batches int
	err = st.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM batches WHERE library_id = $1
	`, libID).Scan(&batches)
	if err != nil {
		t.Fatalf("count batches: %v", err)
	}
	if batches != 1 {
		t.Fatalf("expected the single open batch, got %d", batches)
	}
	open, err := alloc.Get(ctx, libID, 1)
	if err != nil {
		t.Fatalf("get batch 1: %v", err)
	}
	if open.FinalizedAt != nil {
		t.Fatalf("half-full batch finalized early")
	}
}

func TestConcurrentAllocationNeverOverfills(t *testing.T) {
	st, _, repo, libID := newRepo(t, 5)
	ctx := context.Background()

	const entries = 23
	var wg sync.WaitGroup
	errs := make(chan error, entries)
	for i := 0; i < entries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := repo.UpsertEntry(ctx, catalog.UpsertParams{
				LibraryID: libID, NaturalKey: fmt.Sprintf("file-%02d", i), Title: "t",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent upsert: %v", err)
		}
	}

	rows, err := st.Pool().Query(ctx, `
		SELECT batch_id, COUNT(*) FROM catalog_entries
		WHERE library_id = $1 GROUP BY batch_id ORDER BY batch_id
	`, libID)
	if err != nil {
		t.Fatalf("count per batch: %v", err)
	}
	defer rows.Close()

	var total int
	var prev int64
	for rows.Next() {
		var batchID int64
		var count int
		if err := rows.Scan(&batchID, &count); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if count > 5 {
			t.Fatalf("batch %d overfilled with %d entries", batchID, count)
		}
		if batchID != prev+1 {
			t.Fatalf("batch ids not dense: %d after %d", batchID, prev)
		}
		prev = batchID
		total += count
	}
	if total != entries {
		t.Fatalf("expected %d entries across batches, got %d", entries, total)
	}

	// Every batch except the open last one is full and finalized.
	var partial int
	err = st.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM batches
		WHERE library_id = $1 AND finalized_at IS NULL
	`, libID).Scan(&partial)
	if err != nil {
		t.Fatalf("count open batches: %v", err)
	}
	if partial != 1 {
		t.Fatalf("expected exactly one open batch, got %d", partial)
	}
}
