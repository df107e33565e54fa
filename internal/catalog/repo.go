package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"media-ingest-pipeline/internal/batch"
	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/store"
)

// ErrEntryNotFound is returned by lookups and updates for unknown entries.
var ErrEntryNotFound = errors.New("catalog entry not found")

const entryColumns = `id, library_id, natural_key, batch_id, title, sort_title, added_at,
	release_date, rating, runtime_minutes, popularity, content_rating,
	bitrate, file_size, resolution_height, created_at, updated_at`

// Repo owns catalog entries. Entry creation and batch allocation happen in
// one transaction: the allocator is the explicit hook the write invokes, so
// an entry can never exist without its batch id.
type Repo struct {
	db        *store.Store
	allocator *batch.Allocator
}

func NewRepo(db *store.Store, allocator *batch.Allocator) *Repo {
	return &Repo{db: db, allocator: allocator}
}

// UpsertParams carries the descriptive fields a scan or metadata pass knows.
type UpsertParams struct {
	LibraryID  int64
	NaturalKey string
	Title      string
	SortTitle  *string
	AddedAt    *time.Time
}

// UpsertEntry creates the entry (allocating its batch id) or refreshes the
// descriptive fields of an existing one. batch_id never changes on the update
// path, and re-upserting an existing key does not advance the batch cursor.
func (r *Repo) UpsertEntry(ctx context.Context, p UpsertParams) (models.CatalogEntry, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return models.CatalogEntry{}, false, err
	}
	defer tx.Rollback(ctx)

	batchID, err := r.allocator.AllocateOrReuse(ctx, tx, p.LibraryID, p.NaturalKey)
	if err != nil {
		return models.CatalogEntry{}, false, err
	}

	addedAt := p.AddedAt
	if addedAt == nil {
		now := time.Now().UTC()
		addedAt = &now
	}

	var created bool
	row := tx.QueryRow(ctx, `
		INSERT INTO catalog_entries (library_id, natural_key, batch_id, title, sort_title, added_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (library_id, natural_key) DO UPDATE
		SET title = EXCLUDED.title,
		    sort_title = COALESCE(EXCLUDED.sort_title, catalog_entries.sort_title),
		    updated_at = NOW()
		RETURNING `+entryColumns+`, (xmax = 0)`,
		p.LibraryID, p.NaturalKey, batchID, p.Title, p.SortTitle, addedAt)

	entry, err := scanEntryWith(row, &created)
	if err != nil {
		return models.CatalogEntry{}, false, fmt.Errorf("upsert entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CatalogEntry{}, false, fmt.Errorf("commit: %w", err)
	}
	return entry, created, nil
}

// MediaInfo carries probe results applied by the analyze handler.
type MediaInfo struct {
	Bitrate          *int64
	FileSize         *int64
	ResolutionHeight *int
	RuntimeMinutes   *int
}

// UpdateMediaInfo applies technical file attributes to an entry.
func (r *Repo) UpdateMediaInfo(ctx context.Context, entryID int64, info MediaInfo) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE catalog_entries
		SET bitrate = COALESCE($2, bitrate),
		    file_size = COALESCE($3, file_size),
		    resolution_height = COALESCE($4, resolution_height),
		    runtime_minutes = COALESCE($5, runtime_minutes),
		    updated_at = NOW()
		WHERE id = $1
	`, entryID, info.Bitrate, info.FileSize, info.ResolutionHeight, info.RuntimeMinutes)
	if err != nil {
		return fmt.Errorf("update media info: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Metadata carries enrichment fields applied by the metadata handler.
type Metadata struct {
	Title         *string
	SortTitle     *string
	ReleaseDate   *time.Time
	Rating        *float64
	Popularity    *float64
	ContentRating *string
}

// UpdateMetadata applies descriptive metadata to an entry.
func (r *Repo) UpdateMetadata(ctx context.Context, entryID int64, m Metadata) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE catalog_entries
		SET title = COALESCE($2, title),
		    sort_title = COALESCE($3, sort_title),
		    release_date = COALESCE($4, release_date),
		    rating = COALESCE($5, rating),
		    popularity = COALESCE($6, popularity),
		    content_rating = COALESCE($7, content_rating),
		    updated_at = NOW()
		WHERE id = $1
	`, entryID, m.Title, m.SortTitle, m.ReleaseDate, m.Rating, m.Popularity, m.ContentRating)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// GetEntry fetches one entry by id.
func (r *Repo) GetEntry(ctx context.Context, id int64) (models.CatalogEntry, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+entryColumns+` FROM catalog_entries WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CatalogEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return models.CatalogEntry{}, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

// GetByNaturalKey fetches one entry by its per-library natural key.
func (r *Repo) GetByNaturalKey(ctx context.Context, libraryID int64, naturalKey string) (models.CatalogEntry, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+entryColumns+` FROM catalog_entries WHERE library_id = $1 AND natural_key = $2
	`, libraryID, naturalKey)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CatalogEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return models.CatalogEntry{}, fmt.Errorf("get entry by key: %w", err)
	}
	return entry, nil
}

// DeleteEntry removes an entry. Its sort-position row is pruned by the next
// rebuild.
func (r *Repo) DeleteEntry(ctx context.Context, id int64) error {
	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM catalog_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// CountEntries counts a library's entries.
func (r *Repo) CountEntries(ctx context.Context, libraryID int64) (int64, error) {
	var n int64
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM catalog_entries WHERE library_id = $1
	`, libraryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func scanEntry(row pgx.Row) (models.CatalogEntry, error) {
	return scanEntryWith(row)
}

func scanEntryWith(row pgx.Row, extra ...any) (models.CatalogEntry, error) {
	var e models.CatalogEntry
	dest := []any{
		&e.ID, &e.LibraryID, &e.NaturalKey, &e.BatchID, &e.Title, &e.SortTitle, &e.AddedAt,
		&e.ReleaseDate, &e.Rating, &e.RuntimeMinutes, &e.Popularity, &e.ContentRating,
		&e.Bitrate, &e.FileSize, &e.ResolutionHeight, &e.CreatedAt, &e.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.CatalogEntry{}, err
	}
	return e, nil
}
