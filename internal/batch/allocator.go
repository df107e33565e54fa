package batch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/store"
)

var (
	// ErrImmutableBatchSize is returned once any catalog entry exists for the
	// library: every satellite row downstream embeds batch_id in its key, so
	// the partition size can never change after the first allocation.
	ErrImmutableBatchSize = errors.New("batch size is immutable once entries exist")

	// ErrLibraryNotFound is returned when the library row is missing.
	ErrLibraryNotFound = errors.New("library not found")
)

// Allocator assigns dense, per-library monotonically increasing batch ids to
// new catalog entries, filling each batch to the library's fixed size.
// Allocation runs inside the caller's catalog-write transaction and serializes
// on the library's cursor row, so two libraries never contend with each other.
type Allocator struct {
	db *store.Store
}

func NewAllocator(db *store.Store) *Allocator {
	return &Allocator{db: db}
}

// AllocateOrReuse returns the batch id for (library, naturalKey). Re-inserts
// of an existing logical entity get the entry's original batch id and never
// advance the cursor. New entries take the open batch; filling it finalizes
// the batch and opens the next one.
//
// The cursor row is locked FOR UPDATE for the remainder of tx, which is the
// per-library critical section.
func (a *Allocator) AllocateOrReuse(ctx context.Context, tx pgx.Tx, libraryID int64, naturalKey string) (int64, error) {
	var existing int64
	err := tx.QueryRow(ctx, `
		SELECT batch_id FROM catalog_entries WHERE library_id = $1 AND natural_key = $2
	`, libraryID, naturalKey).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("lookup existing entry: %w", err)
	}

	cursor, err := a.lockCursor(ctx, tx, libraryID)
	if err != nil {
		return 0, err
	}

	// A concurrent writer may have inserted this key between the first check
	// and the cursor lock. The lock serializes same-library writers and the
	// re-read sees their committed row, so the reuse path stays exact.
	err = tx.QueryRow(ctx, `
		SELECT batch_id FROM catalog_entries WHERE library_id = $1 AND natural_key = $2
	`, libraryID, naturalKey).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("lookup existing entry: %w", err)
	}

	// A cursor claiming a full batch is a consistency violation left behind
	// by a crashed finalize; roll it over before assigning.
	if cursor.CurrentCount >= cursor.BatchSize {
		if err := a.finalizeBatch(ctx, tx, libraryID, cursor.CurrentBatchID, ""); err != nil {
			return 0, err
		}
		if err := a.openBatch(ctx, tx, libraryID, cursor.CurrentBatchID+1, cursor.BatchSize); err != nil {
			return 0, err
		}
		cursor.CurrentBatchID++
		cursor.CurrentCount = 0
	}

	assigned := cursor.CurrentBatchID
	cursor.CurrentCount++

	if cursor.CurrentCount >= cursor.BatchSize {
		if err := a.finalizeBatch(ctx, tx, libraryID, assigned, naturalKey); err != nil {
			return 0, err
		}
		if err := a.openBatch(ctx, tx, libraryID, assigned+1, cursor.BatchSize); err != nil {
			return 0, err
		}
		cursor.CurrentBatchID = assigned + 1
		cursor.CurrentCount = 0
	}

	_, err = tx.Exec(ctx, `
		UPDATE batch_cursors SET current_batch_id = $2, current_count = $3 WHERE library_id = $1
	`, libraryID, cursor.CurrentBatchID, cursor.CurrentCount)
	if err != nil {
		return 0, fmt.Errorf("persist cursor: %w", err)
	}
	return assigned, nil
}

// SetBatchSize changes the library's batch size. It fails with
// ErrImmutableBatchSize once any catalog entry exists.
func (a *Allocator) SetBatchSize(ctx context.Context, libraryID int64, size int) error {
	if size <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", size)
	}
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Lock the library row so a concurrent first allocation cannot slip in
	// between the check and the update.
	var id int64
	err = tx.QueryRow(ctx, `SELECT id FROM libraries WHERE id = $1 FOR UPDATE`, libraryID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrLibraryNotFound, libraryID)
	}
	if err != nil {
		return fmt.Errorf("lock library: %w", err)
	}

	var hasEntries bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM catalog_entries WHERE library_id = $1)
	`, libraryID).Scan(&hasEntries)
	if err != nil {
		return fmt.Errorf("check entries: %w", err)
	}
	if hasEntries {
		return ErrImmutableBatchSize
	}

	if _, err := tx.Exec(ctx, `UPDATE libraries SET batch_size = $2 WHERE id = $1`, libraryID, size); err != nil {
		return fmt.Errorf("update batch size: %w", err)
	}
	// The cursor only exists after a first allocation, which the entries
	// check above rules out, but a stale zero-count cursor from a deleted-
	// then-recreated library keeps its size in step.
	if _, err := tx.Exec(ctx, `
		UPDATE batch_cursors SET batch_size = $2 WHERE library_id = $1 AND current_count = 0
	`, libraryID, size); err != nil {
		return fmt.Errorf("update cursor size: %w", err)
	}
	return tx.Commit(ctx)
}

// Get returns batch bookkeeping for one (library, batch) pair.
func (a *Allocator) Get(ctx context.Context, libraryID, batchID int64) (models.Batch, error) {
	var b models.Batch
	err := a.db.Pool().QueryRow(ctx, `
		SELECT library_id, batch_id, batch_size, created_at, finalized_at, version, content_hash
		FROM batches WHERE library_id = $1 AND batch_id = $2
	`, libraryID, batchID).Scan(&b.LibraryID, &b.BatchID, &b.BatchSize, &b.CreatedAt, &b.FinalizedAt, &b.Version, &b.ContentHash)
	if err != nil {
		return models.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// lockCursor takes the library's cursor row FOR UPDATE, lazily creating it
// (and the first open batch) from the library's configured size on first
// allocation. A missing library row aborts the enclosing transaction.
func (a *Allocator) lockCursor(ctx context.Context, tx pgx.Tx, libraryID int64) (*models.BatchCursor, error) {
	cursor := &models.BatchCursor{LibraryID: libraryID}
	err := tx.QueryRow(ctx, `
		SELECT current_batch_id, current_count, batch_size
		FROM batch_cursors WHERE library_id = $1
		FOR UPDATE
	`, libraryID).Scan(&cursor.CurrentBatchID, &cursor.CurrentCount, &cursor.BatchSize)
	if err == nil {
		return cursor, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock cursor: %w", err)
	}

	var size int
	err = tx.QueryRow(ctx, `SELECT batch_size FROM libraries WHERE id = $1 FOR UPDATE`, libraryID).Scan(&size)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrLibraryNotFound, libraryID)
	}
	if err != nil {
		return nil, fmt.Errorf("read library batch size: %w", err)
	}

	// A concurrent first allocation may have initialized the cursor while we
	// waited on the library lock.
	err = tx.QueryRow(ctx, `
		SELECT current_batch_id, current_count, batch_size
		FROM batch_cursors WHERE library_id = $1
		FOR UPDATE
	`, libraryID).Scan(&cursor.CurrentBatchID, &cursor.CurrentCount, &cursor.BatchSize)
	if err == nil {
		return cursor, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock cursor: %w", err)
	}

	// The library row is now locked, so only one transaction initializes.
	if _, err := tx.Exec(ctx, `
		INSERT INTO batch_cursors (library_id, current_batch_id, current_count, batch_size)
		VALUES ($1, 1, 0, $2)
	`, libraryID, size); err != nil {
		return nil, fmt.Errorf("create cursor: %w", err)
	}
	if err := a.openBatch(ctx, tx, libraryID, 1, size); err != nil {
		return nil, err
	}
	cursor.CurrentBatchID = 1
	cursor.CurrentCount = 0
	cursor.BatchSize = size
	return cursor, nil
}

func (a *Allocator) openBatch(ctx context.Context, tx pgx.Tx, libraryID, batchID int64, size int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO batches (library_id, batch_id, batch_size)
		VALUES ($1, $2, $3)
	`, libraryID, batchID, size)
	if err != nil {
		return fmt.Errorf("open batch %d: %w", batchID, err)
	}
	return nil
}

// finalizeBatch stamps finalized_at and records a content hash over the
// members' natural keys in id order. The entry that filled the batch is still
// pending insert in the enclosing transaction, so its key is passed in and
// appended. Finalized batches are immutable.
func (a *Allocator) finalizeBatch(ctx context.Context, tx pgx.Tx, libraryID, batchID int64, pendingKey string) error {
	rows, err := tx.Query(ctx, `
		SELECT natural_key FROM catalog_entries
		WHERE library_id = $1 AND batch_id = $2
		ORDER BY id
	`, libraryID, batchID)
	if err != nil {
		return fmt.Errorf("read batch members: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return fmt.Errorf("scan batch member: %w", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate batch members: %w", err)
	}
	if pendingKey != "" {
		keys = append(keys, pendingKey)
	}
	sum := md5.Sum([]byte(strings.Join(keys, ",")))
	hash := hex.EncodeToString(sum[:])

	_, err = tx.Exec(ctx, `
		UPDATE batches
		SET finalized_at = NOW(), version = version + 1, content_hash = $3
		WHERE library_id = $1 AND batch_id = $2 AND finalized_at IS NULL
	`, libraryID, batchID, hash)
	if err != nil {
		return fmt.Errorf("finalize batch %d: %w", batchID, err)
	}
	return nil
}
