package sortindex_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"media-ingest-pipeline/internal/batch"
	"media-ingest-pipeline/internal/catalog"
	"media-ingest-pipeline/internal/sortindex"
	"media-ingest-pipeline/internal/store"
	"media-ingest-pipeline/internal/store/storetest"
)

func seedLibrary(t *testing.T) (*store.Store, *catalog.Repo, *sortindex.Builder, int64) {
	st := storetest.New(t)
	libID := storetest.CreateLibrary(t, st, "movies", 100, 3)
	repo := catalog.NewRepo(st, batch.NewAllocator(st))
	return st, repo, sortindex.NewBuilder(st), libID
}

func seedEntries(t *testing.T, repo *catalog.Repo, libID int64) map[string]int64 {
	t.Helper()
	ctx := context.Background()
	titles := map[string]string{
		"key-z": "Zodiac",
		"key-a": "alien",
		"key-b": "Brazil",
	}
	ids := make(map[string]int64, len(titles))
	for key, title := range titles {
		entry, _, err := repo.UpsertEntry(ctx, catalog.UpsertParams{
			LibraryID: libID, NaturalKey: key, Title: title,
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", key, err)
		}
		ids[key] = entry.ID
	}

	// Only two entries have a rating so the NULL ranks last.
	rating := func(v float64) *float64 { return &v }
	if err := repo.UpdateMetadata(ctx, ids["key-z"], catalog.Metadata{Rating: rating(7.7)}); err != nil {
		t.Fatalf("rate key-z: %v", err)
	}
	if err := repo.UpdateMetadata(ctx, ids["key-a"], catalog.Metadata{Rating: rating(8.5)}); err != nil {
		t.Fatalf("rate key-a: %v", err)
	}
	return ids
}

func snapshotRows(t *testing.T, st *store.Store, libID int64) [][]int {
	t.Helper()
	rows, err := st.Pool().Query(context.Background(), `
		SELECT entry_id, title_asc, title_desc, rating_asc, rating_desc
		FROM sort_positions WHERE library_id = $1 ORDER BY entry_id
	`, libID)
	if err != nil {
		t.Fatalf("read sort positions: %v", err)
	}
	defer rows.Close()
	var out [][]int
	for rows.Next() {
		r := make([]int, 5)
		if err := rows.Scan(&r[0], &r[1], &r[2], &r[3], &r[4]); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestRebuildWritesDualRanks(t *testing.T) {
	st, repo, builder, libID := seedLibrary(t)
	ctx := context.Background()
	ids := seedEntries(t, repo, libID)

	if err := builder.Rebuild(ctx, libID); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	rows := snapshotRows(t, st, libID)
	if len(rows) != 3 {
		t.Fatalf("expected 3 sort rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r[1]+r[2] != 4 || r[3]+r[4] != 4 {
			t.Fatalf("entry %d: asc+desc != n+1: %v", r[0], r)
		}
	}

	// The unrated entry ranks last ascending on rating.
	for _, r := range rows {
		if int64(r[0]) == ids["key-b"] && r[3] != 3 {
			t.Fatalf("unrated entry rating_asc = %d, want 3", r[3])
		}
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	st, repo, builder, libID := seedLibrary(t)
	ctx := context.Background()
	seedEntries(t, repo, libID)

	if err := builder.Rebuild(ctx, libID); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	first := snapshotRows(t, st, libID)

	if err := builder.Rebuild(ctx, libID); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	second := snapshotRows(t, st, libID)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("rebuild with unchanged entries produced different rows:\n%v\n%v", first, second)
	}
}

func TestRebuildPrunesDeletedEntries(t *testing.T) {
	st, repo, builder, libID := seedLibrary(t)
	ctx := context.Background()
	ids := seedEntries(t, repo, libID)

	if err := builder.Rebuild(ctx, libID); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if err := repo.DeleteEntry(ctx, ids["key-b"]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := builder.Rebuild(ctx, libID); err != nil {
		t.Fatalf("rebuild after delete: %v", err)
	}

	rows := snapshotRows(t, st, libID)
	if len(rows) != 2 {
		t.Fatalf("expected 2 sort rows after delete, got %d", len(rows))
	}
	for _, r := range rows {
		if int64(r[0]) == ids["key-b"] {
			t.Fatalf("deleted entry still present in sort positions")
		}
		if r[1]+r[2] != 3 {
			t.Fatalf("ranks not recomputed for shrunken library: %v", r)
		}
	}
}

func TestPageOrdersByPrecomputedRank(t *testing.T) {
	_, repo, builder, libID := seedLibrary(t)
	ctx := context.Background()
	seedEntries(t, repo, libID)

	if err := builder.Rebuild(ctx, libID); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	asc, err := builder.Page(ctx, libID, sortindex.DimTitle, "asc", 0, 10)
	if err != nil {
		t.Fatalf("page asc: %v", err)
	}
	if len(asc) != 3 || asc[0].Title != "alien" || asc[1].Title != "Brazil" || asc[2].Title != "Zodiac" {
		t.Fatalf("ascending title order wrong: %+v", asc)
	}

	desc, err := builder.Page(ctx, libID, sortindex.DimTitle, "desc", 0, 10)
	if err != nil {
		t.Fatalf("page desc: %v", err)
	}
	if len(desc) != 3 || desc[0].Title != "Zodiac" || desc[2].Title != "alien" {
		t.Fatalf("descending title order wrong: %+v", desc)
	}

	// Offset pages resume after the given rank.
	tail, err := builder.Page(ctx, libID, sortindex.DimTitle, "asc", 1, 10)
	if err != nil {
		t.Fatalf("page offset: %v", err)
	}
	if len(tail) != 2 || tail[0].Title != "Brazil" {
		t.Fatalf("offset page wrong: %+v", tail)
	}
}

func TestPageRejectsUnknownDimension(t *testing.T) {
	_, _, builder, libID := seedLibrary(t)
	if _, err := builder.Page(context.Background(), libID, "color", "asc", 0, 10); !errors.Is(err, sortindex.ErrUnknownDimension) {
		t.Fatalf("expected ErrUnknownDimension, got %v", err)
	}
	if _, err := builder.Page(context.Background(), libID, sortindex.DimTitle, "sideways", 0, 10); !errors.Is(err, sortindex.ErrUnknownDimension) {
		t.Fatalf("expected ErrUnknownDimension for direction, got %v", err)
	}
}

func TestRebuildEmptyLibrary(t *testing.T) {
	st, _, builder, libID := seedLibrary(t)
	if err := builder.Rebuild(context.Background(), libID); err != nil {
		t.Fatalf("rebuild empty: %v", err)
	}
	if rows := snapshotRows(t, st, libID); len(rows) != 0 {
		t.Fatalf("expected no rows for empty library, got %d", len(rows))
	}
}
