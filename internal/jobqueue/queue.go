package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/store"
)

// activeStates are the states in which a dedupe key is considered held.
const activeStates = `'ready', 'deferred', 'leased'`

const jobColumns = `id, library_id, kind, payload, priority, state, attempts, max_attempts,
	available_at, lease_owner, lease_id, lease_expires_at, dedupe_key, dependency_key,
	last_error, created_at, updated_at`

// Queue owns job state transitions and lease lifecycle over the shared
// Postgres store. Leases are advisory: handlers must be idempotent because an
// expired lease is reaped and the job re-leased.
type Queue struct {
	db             *store.Store
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// New builds a queue with the given retry backoff window.
func New(db *store.Store, backoffInitial, backoffMax time.Duration) *Queue {
	if backoffInitial <= 0 {
		backoffInitial = 2 * time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 5 * time.Minute
	}
	return &Queue{db: db, backoffInitial: backoffInitial, backoffMax: backoffMax}
}

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	LibraryID     int64
	Kind          string
	Priority      int
	Payload       map[string]any
	DedupeKey     string
	DependencyKey string
	AvailableAt   time.Time
}

// Enqueue inserts a ready job (deferred when its dependency key has an active
// holder). When an active job already holds the dedupe key, the existing job
// is returned with coalesced=true and the new payload is discarded.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	if !models.ValidKind(p.Kind) {
		return models.Job{}, false, fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	if p.Priority < models.PriorityMin || p.Priority > models.PriorityMax {
		return models.Job{}, false, fmt.Errorf("%w: %d", ErrInvalidPriority, p.Priority)
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	if p.AvailableAt.IsZero() {
		p.AvailableAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// Fast path: an active holder of the dedupe key coalesces the request
	// before anything is written.
	if p.DedupeKey != "" {
		if existing, found, err := q.findActiveByDedupeKey(ctx, p.DedupeKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := q.db.Begin(ctx)
	if err != nil {
		return models.Job{}, false, err
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var maxAttempts int
	err = tx.QueryRow(ctx, `SELECT max_retry_attempts FROM libraries WHERE id = $1`, p.LibraryID).Scan(&maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, fmt.Errorf("%w: %d", ErrLibraryNotFound, p.LibraryID)
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query library: %w", err)
	}

	state := models.StateReady
	if p.DependencyKey != "" {
		var blocked bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM jobs WHERE dedupe_key = $1 AND state IN (`+activeStates+`))
		`, p.DependencyKey).Scan(&blocked)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("check dependency: %w", err)
		}
		if blocked {
			state = models.StateDeferred
		}
	}

	id := uuid.New().String()
	row := tx.QueryRow(ctx, `
		INSERT INTO jobs (id, library_id, kind, payload, priority, state, attempts, max_attempts,
			available_at, dedupe_key, dependency_key)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, NULLIF($9, ''), NULLIF($10, ''))
		RETURNING `+jobColumns,
		id, p.LibraryID, p.Kind, payloadJSON, p.Priority, state, maxAttempts,
		p.AvailableAt, p.DedupeKey, p.DependencyKey)

	job, err := scanJob(row)
	if err != nil {
		// A concurrent producer won the dedupe race; hand back its job.
		if isUniqueViolation(err) && p.DedupeKey != "" {
			_ = tx.Rollback(ctx)
			existing, found, ferr := q.findActiveByDedupeKey(ctx, p.DedupeKey)
			if ferr != nil {
				return models.Job{}, false, ferr
			}
			if !found {
				return models.Job{}, false, errors.New("dedupe conflict but no active job found")
			}
			return existing, true, nil
		}
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}
	return job, false, nil
}

// LeaseFilter narrows which ready jobs a worker is willing to take.
// Zero values mean no restriction.
type LeaseFilter struct {
	LibraryID int64
	Kinds     []string
}

// Lease atomically claims up to limit ready jobs in strict priority order
// with FIFO tie-break, assigning each a fresh lease id. The claim is one
// statement over FOR UPDATE SKIP LOCKED, so two workers never receive the
// same job.
func (q *Queue) Lease(ctx context.Context, filter LeaseFilter, limit int, owner string, ttl time.Duration) ([]models.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	kinds := filter.Kinds
	if kinds == nil {
		kinds = []string{}
	}
	rows, err := q.db.Pool().Query(ctx, `
		WITH claimed AS (
			UPDATE jobs
			SET state = 'leased',
			    lease_id = gen_random_uuid(),
			    lease_owner = $1,
			    lease_expires_at = $2,
			    updated_at = NOW()
			WHERE id IN (
				SELECT id FROM jobs
				WHERE state = 'ready'
				  AND available_at <= NOW()
				  AND ($3::bigint = 0 OR library_id = $3)
				  AND (cardinality($4::text[]) = 0 OR kind = ANY($4))
				ORDER BY priority ASC, available_at ASC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $5
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY priority ASC, available_at ASC, created_at ASC`,
		owner, time.Now().UTC().Add(ttl), filter.LibraryID, kinds, limit)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Heartbeat extends a still-held lease to now+extendBy.
func (q *Queue) Heartbeat(ctx context.Context, leaseID string, extendBy time.Duration) error {
	tag, err := q.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET lease_expires_at = $2, updated_at = NOW()
		WHERE lease_id = $1 AND state = 'leased' AND lease_expires_at > NOW()
	`, leaseID, time.Now().UTC().Add(extendBy))
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseNotFound
	}
	return nil
}

// Complete transitions leased -> completed. Completing an already-completed
// lease is a no-op.
func (q *Queue) Complete(ctx context.Context, leaseID string) error {
	tag, err := q.db.Pool().Exec(ctx, `
		UPDATE jobs
		SET state = 'completed', last_error = NULL, updated_at = NOW()
		WHERE lease_id = $1 AND state IN ('leased', 'completed')
	`, leaseID)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseNotFound
	}
	return nil
}

// Fail records a failed attempt. Below the retry budget the job returns to
// ready (or deferred while its dependency is active again) after a backoff;
// at the budget it is dead-lettered with the error retained.
func (q *Queue) Fail(ctx context.Context, leaseID string, cause string) error {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		id          string
		attempts    int
		maxAttempts int
		dependency  pgtype.Text
	)
	err = tx.QueryRow(ctx, `
		SELECT id, attempts, max_attempts, dependency_key
		FROM jobs WHERE lease_id = $1 AND state = 'leased'
		FOR UPDATE
	`, leaseID).Scan(&id, &attempts, &maxAttempts, &dependency)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrLeaseNotFound
	}
	if err != nil {
		return fmt.Errorf("lock failed job: %w", err)
	}

	attempts++
	if attempts >= maxAttempts {
		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET state = 'dead_letter', attempts = $2, last_error = $3,
			    lease_id = NULL, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
			WHERE id = $1
		`, id, attempts, cause)
		if err != nil {
			return fmt.Errorf("dead-letter job: %w", err)
		}
		return tx.Commit(ctx)
	}

	state := models.StateReady
	if dependency.Valid && dependency.String != "" {
		var blocked bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM jobs WHERE dedupe_key = $1 AND state IN (`+activeStates+`) AND id <> $2)
		`, dependency.String, id).Scan(&blocked)
		if err != nil {
			return fmt.Errorf("check dependency: %w", err)
		}
		if blocked {
			state = models.StateDeferred
		}
	}

	nextRun := time.Now().UTC().Add(backoffWithJitter(q.backoffInitial, q.backoffMax, attempts))
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET state = $2, attempts = $3, available_at = $4, last_error = $5,
		    lease_id = NULL, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, state, attempts, nextRun, cause)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return tx.Commit(ctx)
}

// ReapExpired resets leased jobs whose lease expired before now, counting
// each as a failed attempt without an explicit error. It must be driven
// periodically by a supervisor; nothing expires leases server-side.
func (q *Queue) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, attempts, max_attempts
		FROM jobs
		WHERE state = 'leased' AND lease_expires_at < $1
		FOR UPDATE SKIP LOCKED
	`, now)
	if err != nil {
		return 0, fmt.Errorf("find expired leases: %w", err)
	}
	type expired struct {
		id                    string
		attempts, maxAttempts int
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.attempts, &e.maxAttempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease: %w", err)
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired leases: %w", err)
	}

	for _, e := range found {
		attempts := e.attempts + 1
		if attempts >= e.maxAttempts {
			_, err = tx.Exec(ctx, `
				UPDATE jobs
				SET state = 'dead_letter', attempts = $2, last_error = 'lease expired',
				    lease_id = NULL, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
				WHERE id = $1
			`, e.id, attempts)
		} else {
			nextRun := now.UTC().Add(backoffWithJitter(q.backoffInitial, q.backoffMax, attempts))
			_, err = tx.Exec(ctx, `
				UPDATE jobs
				SET state = 'ready', attempts = $2, available_at = $3,
				    lease_id = NULL, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
				WHERE id = $1
			`, e.id, attempts, nextRun)
		}
		if err != nil {
			return 0, fmt.Errorf("reap lease %s: %w", e.id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reap: %w", err)
	}
	return len(found), nil
}

// PromoteDeferred moves deferred jobs whose dependency key no longer has an
// active holder back to ready.
func (q *Queue) PromoteDeferred(ctx context.Context) (int, error) {
	tag, err := q.db.Pool().Exec(ctx, `
		UPDATE jobs j
		SET state = 'ready', updated_at = NOW()
		WHERE j.state = 'deferred'
		  AND (j.dependency_key IS NULL OR NOT EXISTS (
			SELECT 1 FROM jobs a
			WHERE a.dedupe_key = j.dependency_key AND a.state IN (`+activeStates+`)
		  ))
	`)
	if err != nil {
		return 0, fmt.Errorf("promote deferred: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get fetches a job by id.
func (q *Queue) Get(ctx context.Context, id string) (models.Job, error) {
	row := q.db.Pool().QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListDeadLetters returns the most recent dead-lettered jobs for operator
// inspection.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Pool().Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = 'dead_letter'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ReadyDepth counts jobs that a worker could lease right now.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE state = 'ready' AND available_at <= NOW()
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ready jobs: %w", err)
	}
	return n, nil
}

// LeasedCount counts jobs currently under lease.
func (q *Queue) LeasedCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE state = 'leased'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count leased jobs: %w", err)
	}
	return n, nil
}

func (q *Queue) findActiveByDedupeKey(ctx context.Context, key string) (models.Job, bool, error) {
	row := q.db.Pool().QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE dedupe_key = $1 AND state IN (`+activeStates+`)
	`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query dedupe key: %w", err)
	}
	return job, true, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		payloadJSON []byte
		leaseOwner  pgtype.Text
		leaseID     pgtype.Text
		leaseExpiry pgtype.Timestamptz
		dedupeKey   pgtype.Text
		dependency  pgtype.Text
		lastErr     pgtype.Text
	)
	err := row.Scan(&job.ID, &job.LibraryID, &job.Kind, &payloadJSON, &job.Priority, &job.State,
		&job.Attempts, &job.MaxAttempts, &job.AvailableAt, &leaseOwner, &leaseID, &leaseExpiry,
		&dedupeKey, &dependency, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LeaseOwner = textPtr(leaseOwner)
	job.LeaseID = textPtr(leaseID)
	if leaseExpiry.Valid {
		t := leaseExpiry.Time
		job.LeaseExpiresAt = &t
	}
	job.DedupeKey = textPtr(dedupeKey)
	job.DependencyKey = textPtr(dependency)
	job.LastError = textPtr(lastErr)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
