package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"media-ingest-pipeline/internal/catalog"
	"media-ingest-pipeline/internal/events"
	"media-ingest-pipeline/internal/jobqueue"
	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/sortindex"
	"media-ingest-pipeline/internal/telemetry"
)

// PipelineHandlers wires the scan/analyze/metadata/index kinds to the
// catalog, event log, and sort builder.
type PipelineHandlers struct {
	catalog *catalog.Repo
	queue   *jobqueue.Queue
	builder *sortindex.Builder
	log     *events.Log
}

func NewPipelineHandlers(c *catalog.Repo, q *jobqueue.Queue, b *sortindex.Builder, l *events.Log) *PipelineHandlers {
	return &PipelineHandlers{catalog: c, queue: q, builder: b, log: l}
}

// Register binds every pipeline kind on the processor.
func (h *PipelineHandlers) Register(p *Processor) {
	p.RegisterHandler(models.KindScan, h.HandleScan)
	p.RegisterHandler(models.KindAnalyze, h.HandleAnalyze)
	p.RegisterHandler(models.KindMetadata, h.HandleMetadata)
	p.RegisterHandler(models.KindIndex, h.HandleIndex)
}

type scanFile struct {
	NaturalKey string `json:"natural_key"`
	Path       string `json:"path"`
	Title      string `json:"title"`
	ChangeType string `json:"change_type"`
}

type scanPayload struct {
	Files []scanFile `json:"files"`
}

// HandleScan upserts the discovered files as catalog entries (allocating
// batch ids), records file-change events, and fans out a metadata job per new
// entry. Metadata jobs depend on this scan's dedupe key, so they stay
// deferred until the scan completes.
func (h *PipelineHandlers) HandleScan(ctx context.Context, job models.Job) error {
	var payload scanPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	if len(payload.Files) == 0 {
		return errors.New("scan payload has no files")
	}

	for _, f := range payload.Files {
		if f.NaturalKey == "" || f.Path == "" {
			return fmt.Errorf("scan file needs natural_key and path, got %+v", f)
		}
		entry, created, err := h.catalog.UpsertEntry(ctx, catalog.UpsertParams{
			LibraryID:  job.LibraryID,
			NaturalKey: f.NaturalKey,
			Title:      f.Title,
		})
		if err != nil {
			return fmt.Errorf("upsert %s: %w", f.NaturalKey, err)
		}

		change := f.ChangeType
		if change == "" {
			if created {
				change = models.ChangeCreated
			} else {
				change = models.ChangeModified
			}
		}
		if _, err := h.log.Append(ctx, job.LibraryID, f.Path, change, time.Now().UTC()); err != nil {
			return fmt.Errorf("append event for %s: %w", f.Path, err)
		}
		telemetry.EventsAppended.Inc()

		if !created {
			continue
		}
		dependency := ""
		if job.DedupeKey != nil {
			dependency = *job.DedupeKey
		}
		_, _, err = h.queue.Enqueue(ctx, jobqueue.EnqueueParams{
			LibraryID: job.LibraryID,
			Kind:      models.KindMetadata,
			Priority:  2,
			Payload: map[string]any{
				"entry_id": entry.ID,
				"title":    f.Title,
			},
			DedupeKey:     fmt.Sprintf("metadata:%d:%s", job.LibraryID, f.NaturalKey),
			DependencyKey: dependency,
		})
		if err != nil {
			return fmt.Errorf("enqueue metadata for %s: %w", f.NaturalKey, err)
		}
	}
	return nil
}

type analyzePayload struct {
	EntryID          int64  `json:"entry_id"`
	Bitrate          *int64 `json:"bitrate"`
	FileSize         *int64 `json:"file_size"`
	ResolutionHeight *int   `json:"resolution_height"`
	RuntimeMinutes   *int   `json:"runtime_minutes"`
}

// HandleAnalyze applies probe results to an entry and schedules a rank
// rebuild for the library.
func (h *PipelineHandlers) HandleAnalyze(ctx context.Context, job models.Job) error {
	var payload analyzePayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	if payload.EntryID == 0 {
		return errors.New("analyze payload needs entry_id")
	}
	err := h.catalog.UpdateMediaInfo(ctx, payload.EntryID, catalog.MediaInfo{
		Bitrate:          payload.Bitrate,
		FileSize:         payload.FileSize,
		ResolutionHeight: payload.ResolutionHeight,
		RuntimeMinutes:   payload.RuntimeMinutes,
	})
	if err != nil {
		return fmt.Errorf("update media info for entry %d: %w", payload.EntryID, err)
	}
	return h.enqueueIndex(ctx, job.LibraryID)
}

type metadataPayload struct {
	EntryID       int64    `json:"entry_id"`
	Title         *string  `json:"title"`
	SortTitle     *string  `json:"sort_title"`
	ReleaseDate   *string  `json:"release_date"`
	Rating        *float64 `json:"rating"`
	Popularity    *float64 `json:"popularity"`
	ContentRating *string  `json:"content_rating"`
}

// HandleMetadata applies descriptive metadata to an entry and schedules a
// rank rebuild for the library.
func (h *PipelineHandlers) HandleMetadata(ctx context.Context, job models.Job) error {
	var payload metadataPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	if payload.EntryID == 0 {
		return errors.New("metadata payload needs entry_id")
	}

	var releaseDate *time.Time
	if payload.ReleaseDate != nil && *payload.ReleaseDate != "" {
		t, err := time.Parse("2006-01-02", *payload.ReleaseDate)
		if err != nil {
			return fmt.Errorf("parse release_date %q: %w", *payload.ReleaseDate, err)
		}
		releaseDate = &t
	}

	err := h.catalog.UpdateMetadata(ctx, payload.EntryID, catalog.Metadata{
		Title:         payload.Title,
		SortTitle:     payload.SortTitle,
		ReleaseDate:   releaseDate,
		Rating:        payload.Rating,
		Popularity:    payload.Popularity,
		ContentRating: payload.ContentRating,
	})
	if err != nil {
		return fmt.Errorf("update metadata for entry %d: %w", payload.EntryID, err)
	}
	return h.enqueueIndex(ctx, job.LibraryID)
}

// HandleIndex rebuilds the library's sort positions.
func (h *PipelineHandlers) HandleIndex(ctx context.Context, job models.Job) error {
	if err := h.builder.Rebuild(ctx, job.LibraryID); err != nil {
		return fmt.Errorf("rebuild library %d: %w", job.LibraryID, err)
	}
	telemetry.SortRebuilds.Inc()
	return nil
}

// enqueueIndex schedules one rank rebuild per library; concurrent requests
// coalesce onto the active job.
func (h *PipelineHandlers) enqueueIndex(ctx context.Context, libraryID int64) error {
	_, _, err := h.queue.Enqueue(ctx, jobqueue.EnqueueParams{
		LibraryID: libraryID,
		Kind:      models.KindIndex,
		Priority:  3,
		DedupeKey: fmt.Sprintf("index:%d", libraryID),
	})
	if err != nil {
		return fmt.Errorf("enqueue index for library %d: %w", libraryID, err)
	}
	return nil
}

// decodePayload round-trips the stored payload map into a typed struct.
func decodePayload(job models.Job, dst any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
