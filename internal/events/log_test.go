package events_test

import (
	"context"
	"testing"
	"time"

	"media-ingest-pipeline/internal/events"
	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/store/storetest"
)

func newLog(t *testing.T) (*events.Log, int64, int64) {
	st := storetest.New(t)
	lib1 := storetest.CreateLibrary(t, st, "movies", 100, 3)
	lib2 := storetest.CreateLibrary(t, st, "shows", 100, 3)
	return events.NewLog(st), lib1, lib2
}

func appendN(t *testing.T, log *events.Log, libID int64, n int, start time.Time) []models.FileEvent {
	t.Helper()
	out := make([]models.FileEvent, 0, n)
	for i := 0; i < n; i++ {
		ev, err := log.Append(context.Background(), libID,
			"/media/file"+string(rune('a'+i)), models.ChangeCreated, start.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestAppendRejectsUnknownChangeType(t *testing.T) {
	log, lib1, _ := newLog(t)
	if _, err := log.Append(context.Background(), lib1, "/x", "renamed", time.Now()); err == nil {
		t.Fatalf("expected error for unknown change type")
	}
}

func TestReadSinceStartsFromBeginning(t *testing.T) {
	log, lib1, _ := newLog(t)
	ctx := context.Background()
	appended := appendN(t, log, lib1, 3, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	got, err := log.ReadSince(ctx, "indexer", lib1, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.ID != appended[i].ID {
			t.Fatalf("event %d: got id %d, want %d", i, ev.ID, appended[i].ID)
		}
	}
}

func TestAdvanceExcludesAckedEvents(t *testing.T) {
	log, lib1, _ := newLog(t)
	ctx := context.Background()
	appended := appendN(t, log, lib1, 5, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	ack := appended[2]
	if err := log.Advance(ctx, "indexer", lib1, ack.ID, ack.DetectedAt); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, err := log.ReadSince(ctx, "indexer", lib1, 10)
	if err != nil {
		t.Fatalf("read after advance: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 unacked events, got %d", len(got))
	}
	for _, ev := range got {
		if ev.ID <= ack.ID {
			t.Fatalf("read returned acked event %d", ev.ID)
		}
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	log, lib1, _ := newLog(t)
	ctx := context.Background()
	appended := appendN(t, log, lib1, 4, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	newer := appended[3]
	if err := log.Advance(ctx, "indexer", lib1, newer.ID, newer.DetectedAt); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// Re-advancing to the same position and regressing to an older one are
	// both no-ops.
	if err := log.Advance(ctx, "indexer", lib1, newer.ID, newer.DetectedAt); err != nil {
		t.Fatalf("re-advance: %v", err)
	}
	older := appended[1]
	if err := log.Advance(ctx, "indexer", lib1, older.ID, older.DetectedAt); err != nil {
		t.Fatalf("stale advance: %v", err)
	}

	off, found, err := log.Offset(ctx, "indexer", lib1)
	if err != nil || !found {
		t.Fatalf("offset: found=%v err=%v", found, err)
	}
	if off.LastEventID != newer.ID {
		t.Fatalf("cursor regressed to %d, want %d", off.LastEventID, newer.ID)
	}

	got, err := log.ReadSince(ctx, "indexer", lib1, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected nothing past the cursor, got %d events", len(got))
	}
}

func TestCursorsAreIndependentPerGroupAndLibrary(t *testing.T) {
	log, lib1, lib2 := newLog(t)
	ctx := context.Background()
	evs1 := appendN(t, log, lib1, 2, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	appendN(t, log, lib2, 3, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	// Advancing indexer on lib1 must not affect other groups or libraries.
	last := evs1[1]
	if err := log.Advance(ctx, "indexer", lib1, last.ID, last.DetectedAt); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if got, _ := log.ReadSince(ctx, "indexer", lib1, 10); len(got) != 0 {
		t.Fatalf("indexer/lib1 should be caught up, got %d", len(got))
	}
	if got, _ := log.ReadSince(ctx, "indexer", lib2, 10); len(got) != 3 {
		t.Fatalf("indexer/lib2 should read from the beginning, got %d", len(got))
	}
	if got, _ := log.ReadSince(ctx, "artwork", lib1, 10); len(got) != 2 {
		t.Fatalf("artwork/lib1 should read from the beginning, got %d", len(got))
	}

	if _, found, err := log.Offset(ctx, "artwork", lib1); err != nil || found {
		t.Fatalf("expected no cursor for artwork/lib1: found=%v err=%v", found, err)
	}
}

func TestReadSinceTieBreaksOnEventID(t *testing.T) {
	log, lib1, _ := newLog(t)
	ctx := context.Background()

	// Three events share one detected_at; ordering and cursor exclusion fall
	// back to the id.
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var evs []models.FileEvent
	for _, path := range []string{"/a", "/b", "/c"} {
		ev, err := log.Append(ctx, lib1, path, models.ChangeModified, at)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		evs = append(evs, ev)
	}

	if err := log.Advance(ctx, "indexer", lib1, evs[0].ID, at); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, err := log.ReadSince(ctx, "indexer", lib1, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].ID != evs[1].ID || got[1].ID != evs[2].ID {
		t.Fatalf("tie-break read wrong: %+v", got)
	}
}
