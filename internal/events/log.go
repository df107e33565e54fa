package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/store"
)

// Log is the append-only file-change event log plus the durable per-(group,
// library) consumer cursors over it. Delivery is at-least-once: a consumer
// reads, durably processes, then advances; a crash between processing and
// Advance redelivers.
type Log struct {
	db *store.Store
}

func NewLog(db *store.Store) *Log {
	return &Log{db: db}
}

// Append records one file-change event. The producer surface for the watcher
// and the scan handler.
func (l *Log) Append(ctx context.Context, libraryID int64, path, changeType string, detectedAt time.Time) (models.FileEvent, error) {
	switch changeType {
	case models.ChangeCreated, models.ChangeModified, models.ChangeRemoved:
	default:
		return models.FileEvent{}, fmt.Errorf("invalid change type %q", changeType)
	}
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	var ev models.FileEvent
	err := l.db.Pool().QueryRow(ctx, `
		INSERT INTO file_change_events (library_id, path, change_type, detected_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, library_id, path, change_type, detected_at
	`, libraryID, path, changeType, detectedAt).Scan(&ev.ID, &ev.LibraryID, &ev.Path, &ev.ChangeType, &ev.DetectedAt)
	if err != nil {
		return models.FileEvent{}, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

// ReadSince returns up to limit events strictly after the group's stored
// cursor for the library, ordered by (detected_at, id). A group with no
// cursor yet reads from the beginning.
func (l *Log) ReadSince(ctx context.Context, group string, libraryID int64, limit int) ([]models.FileEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Pool().Query(ctx, `
		WITH cursor AS (
			SELECT last_event_id, last_detected_at
			FROM consumer_offsets
			WHERE group_name = $1 AND library_id = $2
		)
		SELECT e.id, e.library_id, e.path, e.change_type, e.detected_at
		FROM file_change_events e
		WHERE e.library_id = $2
		  AND (e.detected_at, e.id) > (
			COALESCE((SELECT last_detected_at FROM cursor), 'epoch'::timestamptz),
			COALESCE((SELECT last_event_id FROM cursor), 0)
		  )
		ORDER BY e.detected_at ASC, e.id ASC
		LIMIT $3
	`, group, libraryID, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []models.FileEvent
	for rows.Next() {
		var ev models.FileEvent
		if err := rows.Scan(&ev.ID, &ev.LibraryID, &ev.Path, &ev.ChangeType, &ev.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Advance moves the group's cursor to (eventID, detectedAt). Callers must
// invoke it only after durably processing every event up to and including
// eventID. Advancing to a position at or behind the stored cursor is a no-op,
// so the cursor is monotonic and re-acks are safe.
func (l *Log) Advance(ctx context.Context, group string, libraryID int64, eventID int64, detectedAt time.Time) error {
	_, err := l.db.Pool().Exec(ctx, `
		INSERT INTO consumer_offsets (group_name, library_id, last_event_id, last_detected_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (group_name, library_id) DO UPDATE
		SET last_event_id = EXCLUDED.last_event_id,
		    last_detected_at = EXCLUDED.last_detected_at,
		    updated_at = NOW()
		WHERE (consumer_offsets.last_detected_at, consumer_offsets.last_event_id)
		    < (EXCLUDED.last_detected_at, EXCLUDED.last_event_id)
	`, group, libraryID, eventID, detectedAt)
	if err != nil {
		return fmt.Errorf("advance offset: %w", err)
	}
	return nil
}

// Offset returns the group's stored cursor for a library, if any.
func (l *Log) Offset(ctx context.Context, group string, libraryID int64) (models.ConsumerOffset, bool, error) {
	var off models.ConsumerOffset
	err := l.db.Pool().QueryRow(ctx, `
		SELECT group_name, library_id, last_event_id, last_detected_at, updated_at
		FROM consumer_offsets
		WHERE group_name = $1 AND library_id = $2
	`, group, libraryID).Scan(&off.GroupName, &off.LibraryID, &off.LastEventID, &off.LastDetectedAt, &off.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ConsumerOffset{}, false, nil
	}
	if err != nil {
		return models.ConsumerOffset{}, false, fmt.Errorf("read offset: %w", err)
	}
	return off, true, nil
}
