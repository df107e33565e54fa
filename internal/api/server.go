package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"media-ingest-pipeline/internal/batch"
	"media-ingest-pipeline/internal/catalog"
	"media-ingest-pipeline/internal/config"
	"media-ingest-pipeline/internal/events"
	"media-ingest-pipeline/internal/jobqueue"
	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/ratelimit"
	"media-ingest-pipeline/internal/sortindex"
	"media-ingest-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for producers and operators.
type Server struct {
	cfg       config.Config
	queue     *jobqueue.Queue
	catalog   *catalog.Repo
	allocator *batch.Allocator
	builder   *sortindex.Builder
	events    *events.Log
	limiter   *ratelimit.LibraryLimiter
}

// New constructs the API server.
func New(cfg config.Config, q *jobqueue.Queue, c *catalog.Repo, a *batch.Allocator, b *sortindex.Builder, l *events.Log, limiter *ratelimit.LibraryLimiter) *Server {
	return &Server{
		cfg:       cfg,
		queue:     q,
		catalog:   c,
		allocator: a,
		builder:   b,
		events:    l,
		limiter:   limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/libraries", s.handleCreateLibrary)
	r.Get("/libraries/{id}", s.handleGetLibrary)
	r.Put("/libraries/{id}/batch-size", s.handleSetBatchSize)
	r.Post("/libraries/{id}/entries", s.handleUpsertEntry)
	r.Get("/libraries/{id}/entries", s.handleListEntries)
	r.Post("/libraries/{id}/rebuild", s.handleRebuild)

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/dlq", s.handleDLQ)

	r.Post("/events", s.handleAppendEvent)
	r.Get("/events", s.handleReadEvents)
	r.Post("/offsets/advance", s.handleAdvanceOffset)

	return r
}

type createLibraryRequest struct {
	Name             string `json:"name"`
	BatchSize        int    `json:"batch_size"`
	MaxRetryAttempts int    `json:"max_retry_attempts"`
}

func (s *Server) handleCreateLibrary(w http.ResponseWriter, r *http.Request) {
	var req createLibraryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.BatchSize == 0 {
		req.BatchSize = s.cfg.DefaultBatchSize
	}
	if req.MaxRetryAttempts == 0 {
		req.MaxRetryAttempts = s.cfg.DefaultMaxRetryAttempts
	}
	lib, err := s.catalog.CreateLibrary(r.Context(), req.Name, req.BatchSize, req.MaxRetryAttempts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, lib)
}

func (s *Server) handleGetLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "invalid library id", http.StatusBadRequest)
		return
	}
	lib, err := s.catalog.GetLibrary(r.Context(), id)
	if errors.Is(err, catalog.ErrLibraryNotFound) {
		http.Error(w, "library not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, lib)
}

func (s *Server) handleSetBatchSize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "invalid library id", http.StatusBadRequest)
		return
	}
	var req struct {
		BatchSize int `json:"batch_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	err = s.allocator.SetBatchSize(r.Context(), id, req.BatchSize)
	switch {
	case errors.Is(err, batch.ErrImmutableBatchSize):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, batch.ErrLibraryNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"library_id": id, "batch_size": req.BatchSize})
	}
}

type upsertEntryRequest struct {
	NaturalKey string     `json:"natural_key"`
	Title      string     `json:"title"`
	SortTitle  *string    `json:"sort_title"`
	AddedAt    *time.Time `json:"added_at"`
}

func (s *Server) handleUpsertEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "invalid library id", http.StatusBadRequest)
		return
	}
	var req upsertEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.NaturalKey == "" {
		http.Error(w, "natural_key is required", http.StatusBadRequest)
		return
	}
	entry, created, err := s.catalog.UpsertEntry(r.Context(), catalog.UpsertParams{
		LibraryID:  id,
		NaturalKey: req.NaturalKey,
		Title:      req.Title,
		SortTitle:  req.SortTitle,
		AddedAt:    req.AddedAt,
	})
	if errors.Is(err, batch.ErrLibraryNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"entry": entry, "created": created})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "invalid library id", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	dimension := q.Get("sort")
	if dimension == "" {
		dimension = sortindex.DimTitle
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	entries, err := s.builder.Page(r.Context(), id, dimension, q.Get("dir"), offset, limit)
	if errors.Is(err, sortindex.ErrUnknownDimension) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, "invalid library id", http.StatusBadRequest)
		return
	}
	job, coalesced, err := s.queue.Enqueue(r.Context(), jobqueue.EnqueueParams{
		LibraryID: id,
		Kind:      models.KindIndex,
		Priority:  1,
		DedupeKey: fmt.Sprintf("index:%d", id),
	})
	if errors.Is(err, jobqueue.ErrLibraryNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Coalesced: coalesced})
}

type enqueueRequest struct {
	LibraryID     int64          `json:"library_id"`
	Kind          string         `json:"kind"`
	Priority      *int           `json:"priority"`
	Payload       map[string]any `json:"payload"`
	DedupeKey     string         `json:"dedupe_key"`
	DependencyKey string         `json:"dependency_key"`
	AvailableAt   *time.Time     `json:"available_at"`
	DelaySeconds  int            `json:"delay_seconds"`
}

type enqueueResponse struct {
	Job       models.Job `json:"job"`
	Coalesced bool       `json:"coalesced"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.LibraryID == 0 {
		http.Error(w, "library_id is required", http.StatusBadRequest)
		return
	}
	if !models.ValidKind(req.Kind) {
		http.Error(w, "kind must be one of scan|analyze|metadata|index|image", http.StatusBadRequest)
		return
	}
	priority := 2
	if req.Priority != nil {
		priority = *req.Priority
	}
	availableAt := time.Now().UTC()
	if req.AvailableAt != nil {
		availableAt = *req.AvailableAt
	}
	if req.DelaySeconds > 0 {
		availableAt = time.Now().UTC().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowLibrary(r.Context(), req.LibraryID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, coalesced, err := s.queue.Enqueue(r.Context(), jobqueue.EnqueueParams{
		LibraryID:     req.LibraryID,
		Kind:          req.Kind,
		Priority:      priority,
		Payload:       req.Payload,
		DedupeKey:     req.DedupeKey,
		DependencyKey: req.DependencyKey,
		AvailableAt:   availableAt,
	})
	switch {
	case errors.Is(err, jobqueue.ErrLibraryNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, jobqueue.ErrUnknownKind), errors.Is(err, jobqueue.ErrInvalidPriority):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if coalesced {
		telemetry.CoalescedCounter.Inc()
	} else {
		telemetry.EnqueueCounter.Inc()
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Coalesced: coalesced})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Get(r.Context(), id)
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDLQ returns dead-lettered jobs with their retained errors.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.ListDeadLetters(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type appendEventRequest struct {
	LibraryID  int64      `json:"library_id"`
	Path       string     `json:"path"`
	ChangeType string     `json:"change_type"`
	DetectedAt *time.Time `json:"detected_at"`
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.LibraryID == 0 || req.Path == "" {
		http.Error(w, "library_id and path are required", http.StatusBadRequest)
		return
	}
	detectedAt := time.Now().UTC()
	if req.DetectedAt != nil {
		detectedAt = *req.DetectedAt
	}
	ev, err := s.events.Append(r.Context(), req.LibraryID, req.Path, req.ChangeType, detectedAt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	telemetry.EventsAppended.Inc()
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleReadEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	group := q.Get("group")
	library, _ := strconv.ParseInt(q.Get("library"), 10, 64)
	if group == "" || library == 0 {
		http.Error(w, "group and library are required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	evs, err := s.events.ReadSince(r.Context(), group, library, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

type advanceOffsetRequest struct {
	Group      string    `json:"group"`
	LibraryID  int64     `json:"library_id"`
	EventID    int64     `json:"event_id"`
	DetectedAt time.Time `json:"detected_at"`
}

func (s *Server) handleAdvanceOffset(w http.ResponseWriter, r *http.Request) {
	var req advanceOffsetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Group == "" || req.LibraryID == 0 || req.EventID == 0 {
		http.Error(w, "group, library_id and event_id are required", http.StatusBadRequest)
		return
	}
	if err := s.events.Advance(r.Context(), req.Group, req.LibraryID, req.EventID, req.DetectedAt); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "advanced"})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
