package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"media-ingest-pipeline/internal/models"
)

// ErrLibraryNotFound is returned by library lookups for unknown ids.
var ErrLibraryNotFound = errors.New("library not found")

// CreateLibrary inserts a library with its batching and retry policy.
func (r *Repo) CreateLibrary(ctx context.Context, name string, batchSize, maxRetryAttempts int) (models.Library, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxRetryAttempts <= 0 {
		maxRetryAttempts = 5
	}
	var lib models.Library
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO libraries (name, batch_size, max_retry_attempts)
		VALUES ($1, $2, $3)
		RETURNING id, name, batch_size, max_retry_attempts, created_at
	`, name, batchSize, maxRetryAttempts).Scan(&lib.ID, &lib.Name, &lib.BatchSize, &lib.MaxRetryAttempts, &lib.CreatedAt)
	if err != nil {
		return models.Library{}, fmt.Errorf("create library: %w", err)
	}
	return lib, nil
}

// GetLibrary fetches a library by id.
func (r *Repo) GetLibrary(ctx context.Context, id int64) (models.Library, error) {
	var lib models.Library
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, name, batch_size, max_retry_attempts, created_at FROM libraries WHERE id = $1
	`, id).Scan(&lib.ID, &lib.Name, &lib.BatchSize, &lib.MaxRetryAttempts, &lib.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Library{}, ErrLibraryNotFound
	}
	if err != nil {
		return models.Library{}, fmt.Errorf("get library: %w", err)
	}
	return lib, nil
}
