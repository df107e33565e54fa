// Package storetest provides Postgres-backed test fixtures. Tests using it
// skip unless TEST_POSTGRES_DSN points at a disposable database.
package storetest

import (
	"context"
	"os"
	"testing"

	"media-ingest-pipeline/internal/store"
)

// New connects to the test database, runs migrations, and truncates every
// table so each test starts clean.
func New(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration test")
	}

	ctx := context.Background()
	st, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(st.Close)

	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	_, err = st.Pool().Exec(ctx, `
		TRUNCATE consumer_offsets, file_change_events, sort_positions,
		         catalog_entries, batches, batch_cursors, jobs, libraries
		RESTART IDENTITY CASCADE
	`)
	if err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return st
}

// CreateLibrary inserts a library row directly and returns its id.
func CreateLibrary(t *testing.T, st *store.Store, name string, batchSize, maxRetryAttempts int) int64 {
	t.Helper()
	var id int64
	err := st.Pool().QueryRow(context.Background(), `
		INSERT INTO libraries (name, batch_size, max_retry_attempts)
		VALUES ($1, $2, $3)
		RETURNING id
	`, name, batchSize, maxRetryAttempts).Scan(&id)
	if err != nil {
		t.Fatalf("create library: %v", err)
	}
	return id
}
