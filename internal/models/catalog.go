package models

import (
	"time"
)

// Library groups catalog entries and scopes batching and retry policy.
type Library struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	BatchSize        int       `json:"batch_size"`
	MaxRetryAttempts int       `json:"max_retry_attempts"`
	CreatedAt        time.Time `json:"created_at"`
}

// BatchCursor tracks the open batch for one library.
type BatchCursor struct {
	LibraryID      int64 `json:"library_id"`
	CurrentBatchID int64 `json:"current_batch_id"`
	CurrentCount   int   `json:"current_count"`
	BatchSize      int   `json:"batch_size"`
}

// Batch is a fixed-size partition of a library's entries. Finalized batches
// are immutable.
type Batch struct {
	LibraryID   int64      `json:"library_id"`
	BatchID     int64      `json:"batch_id"`
	BatchSize   int        `json:"batch_size"`
	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	Version     int        `json:"version"`
	ContentHash *string    `json:"content_hash,omitempty"`
}

// CatalogEntry is one movie/episode reference. BatchID is assigned once at
// creation and never changes; (ID, LibraryID, BatchID) is the composite key
// satellite tables reference.
type CatalogEntry struct {
	ID               int64      `json:"id"`
	LibraryID        int64      `json:"library_id"`
	NaturalKey       string     `json:"natural_key"`
	BatchID          int64      `json:"batch_id"`
	Title            string     `json:"title"`
	SortTitle        *string    `json:"sort_title,omitempty"`
	AddedAt          *time.Time `json:"added_at,omitempty"`
	ReleaseDate      *time.Time `json:"release_date,omitempty"`
	Rating           *float64   `json:"rating,omitempty"`
	RuntimeMinutes   *int       `json:"runtime_minutes,omitempty"`
	Popularity       *float64   `json:"popularity,omitempty"`
	ContentRating    *string    `json:"content_rating,omitempty"`
	Bitrate          *int64     `json:"bitrate,omitempty"`
	FileSize         *int64     `json:"file_size,omitempty"`
	ResolutionHeight *int       `json:"resolution_height,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// FileEvent is one row in the append-only file-change log.
type FileEvent struct {
	ID         int64     `json:"id"`
	LibraryID  int64     `json:"library_id"`
	Path       string    `json:"path"`
	ChangeType string    `json:"change_type"`
	DetectedAt time.Time `json:"detected_at"`
}

// File change types.
const (
	ChangeCreated  = "created"
	ChangeModified = "modified"
	ChangeRemoved  = "removed"
)

// ConsumerOffset is the durable cursor for one (group, library) pair.
type ConsumerOffset struct {
	GroupName      string    `json:"group_name"`
	LibraryID      int64     `json:"library_id"`
	LastEventID    int64     `json:"last_event_id"`
	LastDetectedAt time.Time `json:"last_detected_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
