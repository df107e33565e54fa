package sortindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/store"
)

// ErrUnknownDimension is returned when a page request names a dimension or
// direction with no rank column.
var ErrUnknownDimension = errors.New("unknown sort dimension")

// rankColumns maps dimension -> [asc column, desc column]. Only these names
// ever reach SQL.
var rankColumns = map[string][2]string{
	DimTitle:         {"title_asc", "title_desc"},
	DimAdded:         {"added_asc", "added_desc"},
	DimCreated:       {"created_asc", "created_desc"},
	DimRelease:       {"release_asc", "release_desc"},
	DimRating:        {"rating_asc", "rating_desc"},
	DimRuntime:       {"runtime_asc", "runtime_desc"},
	DimPopularity:    {"popularity_asc", "popularity_desc"},
	DimFileBitrate:   {"bitrate_asc", "bitrate_desc"},
	DimFileSize:      {"file_size_asc", "file_size_desc"},
	DimContentRating: {"content_rating_asc", "content_rating_desc"},
	DimResolution:    {"resolution_asc", "resolution_desc"},
}

// Builder recomputes a library's sort positions as a whole-snapshot replace.
// Rebuild is idempotent and safe to run concurrently with ingestion: readers
// only ever see a complete snapshot.
type Builder struct {
	db *store.Store
}

func NewBuilder(db *store.Store) *Builder {
	return &Builder{db: db}
}

// Rebuild snapshots the library's entries, computes every rank in memory, and
// replaces the library's sort_positions rows in one transaction. Rows for
// entries no longer present disappear with the delete. A failure leaves the
// previous snapshot intact.
func (b *Builder) Rebuild(ctx context.Context, libraryID int64) error {
	entries, err := b.snapshot(ctx, libraryID)
	if err != nil {
		return err
	}
	ranks := ComputeRanks(entries)

	tx, err := b.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM sort_positions WHERE library_id = $1`, libraryID); err != nil {
		return fmt.Errorf("clear sort positions: %w", err)
	}

	if len(ranks) > 0 {
		columns := []string{"library_id", "entry_id"}
		for _, dim := range Dimensions {
			cols := rankColumns[dim]
			columns = append(columns, cols[0], cols[1])
		}
		rows := make([][]any, 0, len(ranks))
		for _, r := range ranks {
			row := make([]any, 0, len(columns))
			row = append(row, libraryID, r.EntryID)
			for _, dim := range Dimensions {
				row = append(row, r.Asc[dim], r.Desc[dim])
			}
			rows = append(rows, row)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"sort_positions"}, columns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy sort positions: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	return nil
}

// Page returns one page of a library's entries ordered by a precomputed rank.
func (b *Builder) Page(ctx context.Context, libraryID int64, dimension, direction string, offset, limit int) ([]models.CatalogEntry, error) {
	cols, ok := rankColumns[dimension]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDimension, dimension)
	}
	col := cols[0]
	switch direction {
	case "", "asc":
	case "desc":
		col = cols[1]
	default:
		return nil, fmt.Errorf("%w: direction %q", ErrUnknownDimension, direction)
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := b.db.Pool().Query(ctx, `
		SELECT e.id, e.library_id, e.natural_key, e.batch_id, e.title, e.sort_title, e.added_at,
		       e.release_date, e.rating, e.runtime_minutes, e.popularity, e.content_rating,
		       e.bitrate, e.file_size, e.resolution_height, e.created_at, e.updated_at
		FROM sort_positions sp
		JOIN catalog_entries e ON e.id = sp.entry_id
		WHERE sp.library_id = $1 AND sp.`+col+` > $2
		ORDER BY sp.`+col+` ASC
		LIMIT $3`,
		libraryID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("page entries: %w", err)
	}
	defer rows.Close()

	var entries []models.CatalogEntry
	for rows.Next() {
		var e models.CatalogEntry
		err := rows.Scan(&e.ID, &e.LibraryID, &e.NaturalKey, &e.BatchID, &e.Title, &e.SortTitle, &e.AddedAt,
			&e.ReleaseDate, &e.Rating, &e.RuntimeMinutes, &e.Popularity, &e.ContentRating,
			&e.Bitrate, &e.FileSize, &e.ResolutionHeight, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan page entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page: %w", err)
	}
	return entries, nil
}

// snapshot reads the fields the rank computation needs, applying the
// sort-title fallback.
func (b *Builder) snapshot(ctx context.Context, libraryID int64) ([]EntrySnapshot, error) {
	rows, err := b.db.Pool().Query(ctx, `
		SELECT id, COALESCE(sort_title, title), added_at, created_at, release_date,
		       rating, runtime_minutes, popularity, bitrate, file_size,
		       content_rating, resolution_height
		FROM catalog_entries
		WHERE library_id = $1
	`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("snapshot entries: %w", err)
	}
	defer rows.Close()

	var entries []EntrySnapshot
	for rows.Next() {
		var e EntrySnapshot
		err := rows.Scan(&e.EntryID, &e.Title, &e.AddedAt, &e.CreatedAt, &e.ReleaseDate,
			&e.Rating, &e.RuntimeMinutes, &e.Popularity, &e.Bitrate, &e.FileSize,
			&e.ContentRating, &e.ResolutionHeight)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	return entries, nil
}
