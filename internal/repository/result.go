package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NayerAli/ocrdrop/internal/model"
)

// Results persists per-page OCR output.
type Results struct {
	pool *pgxpool.Pool
}

// NewResults constructs the result repository.
func NewResults(pool *pgxpool.Pool) *Results {
	return &Results{pool: pool}
}

// Save upserts the result for one page. The (job, page) key makes retried
// pages overwrite their earlier attempt instead of duplicating it.
func (r *Results) Save(ctx context.Context, res *model.PageResult) error {
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO page_results (job_id, page, text, confidence, language, duration_ms, rate_limited, error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (job_id, page) DO UPDATE
		SET text=EXCLUDED.text, confidence=EXCLUDED.confidence, language=EXCLUDED.language,
			duration_ms=EXCLUDED.duration_ms, rate_limited=EXCLUDED.rate_limited,
			error_message=EXCLUDED.error_message, created_at=EXCLUDED.created_at
	`, res.JobID, res.Page, res.Text, res.Confidence, res.Language, res.Duration.Milliseconds(), res.RateLimited, res.Error, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("save page result: %w", err)
	}
	return nil
}

// ForJob returns all page results for a job in page order.
func (r *Results) ForJob(ctx context.Context, jobID string) ([]model.PageResult, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT job_id, page, text, confidence, COALESCE(language,''), duration_ms, rate_limited, COALESCE(error_message,''), created_at
		FROM page_results WHERE job_id=$1 ORDER BY page
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list page results: %w", err)
	}
	defer rows.Close()

	var out []model.PageResult
	for rows.Next() {
		var res model.PageResult
		var durationMS int64
		if err := rows.Scan(&res.JobID, &res.Page, &res.Text, &res.Confidence, &res.Language,
			&durationMS, &res.RateLimited, &res.Error, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan page result: %w", err)
		}
		res.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, res)
	}
	return out, rows.Err()
}

// CompletedPages returns the set of page numbers already saved for a job,
// used to resume a job without redoing finished pages.
func (r *Results) CompletedPages(ctx context.Context, jobID string) (map[int]bool, error) {
	rows, err := r.pool.Query(ctx, `SELECT page FROM page_results WHERE job_id=$1 AND (error_message IS NULL OR error_message='')`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list completed pages: %w", err)
	}
	defer rows.Close()

	pages := make(map[int]bool)
	for rows.Next() {
		var page int
		if err := rows.Scan(&page); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages[page] = true
	}
	return pages, rows.Err()
}

// DeleteForJob removes all results of a job.
func (r *Results) DeleteForJob(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM page_results WHERE job_id=$1`, jobID)
	if err != nil {
		return fmt.Errorf("delete page results: %w", err)
	}
	return nil
}
