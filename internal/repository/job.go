// Package repository wraps all SQL used throughout the API and worker.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NayerAli/ocrdrop/internal/model"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// psql builds queries with Postgres placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Jobs persists document jobs.
type Jobs struct {
	pool *pgxpool.Pool
}

// NewJobs constructs the job repository.
func NewJobs(pool *pgxpool.Pool) *Jobs {
	return &Jobs{pool: pool}
}

// Create inserts a queued job.
func (r *Jobs) Create(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.Status = model.StatusQueued
	job.CreatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs (id, file_name, size, content_type, object_key, provider, total_pages, current_page, progress, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, job.ID, job.FileName, job.Size, job.ContentType, job.ObjectKey, job.Provider, job.TotalPages, 0, 0, job.Status, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, file_name, size, content_type, object_key, COALESCE(processed_key,''), provider,
	total_pages, current_page, progress, status, COALESCE(error_message,''),
	rate_limited, rate_limit_seconds, rate_limit_since, cancel_requested,
	created_at, started_at, completed_at`

// Get returns a job by id.
func (r *Jobs) Get(ctx context.Context, id string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered by status.
func (r *Jobs) List(ctx context.Context, status model.JobStatus, limit, offset uint64) ([]*model.Job, error) {
	builder := psql.Select(jobColumns).
		From("jobs").
		OrderBy("created_at DESC")
	if status != "" {
		builder = builder.Where(sq.Eq{"status": status})
	}
	if limit > 0 {
		builder = builder.Limit(limit)
	}
	if offset > 0 {
		builder = builder.Offset(offset)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkProcessing records the page count and dispatch time.
func (r *Jobs) MarkProcessing(ctx context.Context, id string, totalPages int, startedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status=$1, total_pages=$2, started_at=$3, error_message=NULL,
			rate_limited=FALSE, rate_limit_seconds=0, rate_limit_since=NULL
		WHERE id=$4
	`, model.StatusProcessing, totalPages, startedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// UpdateProgress advances current page and percentage. Progress never moves
// backwards; the GREATEST guards keep a late writer from undoing a faster one.
func (r *Jobs) UpdateProgress(ctx context.Context, id string, currentPage, progress int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET current_page=GREATEST(current_page,$1), progress=GREATEST(progress,$2)
		WHERE id=$3 AND status=$4
	`, currentPage, progress, id, model.StatusProcessing)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// SetRateLimit stores or clears the throttling sub-state.
func (r *Jobs) SetRateLimit(ctx context.Context, id string, state model.RateLimitState) error {
	var since *time.Time
	if state.Since != nil {
		utc := state.Since.UTC()
		since = &utc
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET rate_limited=$1, rate_limit_seconds=$2, rate_limit_since=$3 WHERE id=$4
	`, state.Limited, state.RetryAfter, since, id)
	if err != nil {
		return fmt.Errorf("set rate limit: %w", err)
	}
	return nil
}

// MarkCompleted finishes the job and records the processed artifact key.
func (r *Jobs) MarkCompleted(ctx context.Context, id, processedKey string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status=$1, processed_key=$2, progress=100, current_page=total_pages,
			completed_at=$3, rate_limited=FALSE, rate_limit_seconds=0, rate_limit_since=NULL
		WHERE id=$4
	`, model.StatusCompleted, processedKey, now, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkError records a terminal failure. Saved page results stay untouched.
func (r *Jobs) MarkError(ctx context.Context, id, msg string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status=$1, error_message=$2, completed_at=$3 WHERE id=$4
	`, model.StatusError, msg, now, id)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	return nil
}

// MarkCancelled finalizes a cancelled job.
func (r *Jobs) MarkCancelled(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status=$1, cancel_requested=FALSE, completed_at=$2 WHERE id=$3
	`, model.StatusCancelled, now, id)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return nil
}

// RequestCancel flags an active job for cancellation. Returns the job so the
// caller can decide whether an in-flight task has to be aborted.
func (r *Jobs) RequestCancel(ctx context.Context, id string) (*model.Job, error) {
	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	_, err = r.pool.Exec(ctx, `UPDATE jobs SET cancel_requested=TRUE WHERE id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	job.CancelRequested = true
	return job, nil
}

// ResetToQueued puts a job back in the queue: error and throttling state are
// cleared, progress and saved results are kept.
func (r *Jobs) ResetToQueued(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status=$1, error_message=NULL, cancel_requested=FALSE,
			rate_limited=FALSE, rate_limit_seconds=0, rate_limit_since=NULL,
			completed_at=NULL
		WHERE id=$2
	`, model.StatusQueued, id)
	if err != nil {
		return fmt.Errorf("reset to queued: %w", err)
	}
	return nil
}

// Delete removes the job row.
func (r *Jobs) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job        model.Job
		rlSeconds  int
		rlSince    sql.NullTime
		startedAt  sql.NullTime
		completed  sql.NullTime
	)
	err := row.Scan(&job.ID, &job.FileName, &job.Size, &job.ContentType, &job.ObjectKey, &job.ProcessedKey,
		&job.Provider, &job.TotalPages, &job.CurrentPage, &job.Progress, &job.Status, &job.Error,
		&job.RateLimit.Limited, &rlSeconds, &rlSince, &job.CancelRequested,
		&job.CreatedAt, &startedAt, &completed)
	if err != nil {
		return nil, err
	}
	job.RateLimit.RetryAfter = rlSeconds
	if rlSince.Valid {
		t := rlSince.Time
		job.RateLimit.Since = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
