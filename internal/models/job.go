package models

import (
	"time"
)

// Job states persisted in Postgres.
const (
	StateReady      = "ready"
	StateDeferred   = "deferred"
	StateLeased     = "leased"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateDeadLetter = "dead_letter"
)

// Job kinds accepted by the pipeline.
const (
	KindScan     = "scan"
	KindAnalyze  = "analyze"
	KindMetadata = "metadata"
	KindIndex    = "index"
	KindImage    = "image"
)

// ValidKind reports whether k is one of the canonical kind strings.
func ValidKind(k string) bool {
	switch k {
	case KindScan, KindAnalyze, KindMetadata, KindIndex, KindImage:
		return true
	}
	return false
}

// Priority bounds; 0 is most urgent.
const (
	PriorityMin = 0
	PriorityMax = 3
)

// Job is one unit of ingestion work persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	LibraryID      int64          `json:"library_id"`
	Kind           string         `json:"kind"`
	Payload        map[string]any `json:"payload"`
	Priority       int            `json:"priority"`
	State          string         `json:"state"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	AvailableAt    time.Time      `json:"available_at"`
	LeaseOwner     *string        `json:"lease_owner,omitempty"`
	LeaseID        *string        `json:"lease_id,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	DedupeKey      *string        `json:"dedupe_key,omitempty"`
	DependencyKey  *string        `json:"dependency_key,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
