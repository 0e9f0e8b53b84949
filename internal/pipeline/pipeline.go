// Package pipeline drives one document job from queued to a terminal state:
// page splitting, chunked concurrent OCR, per-page retries, rate-limit pauses
// and cooperative cancellation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NayerAli/ocrdrop/internal/config"
	"github.com/NayerAli/ocrdrop/internal/model"
	"github.com/NayerAli/ocrdrop/internal/ocr"
	pdfutil "github.com/NayerAli/ocrdrop/internal/pdf"
)

// JobStore is the slice of the job repository the pipeline mutates.
type JobStore interface {
	Get(ctx context.Context, id string) (*model.Job, error)
	MarkProcessing(ctx context.Context, id string, totalPages int, startedAt time.Time) error
	UpdateProgress(ctx context.Context, id string, currentPage, progress int) error
	SetRateLimit(ctx context.Context, id string, state model.RateLimitState) error
	MarkCompleted(ctx context.Context, id, processedKey string) error
	MarkError(ctx context.Context, id, msg string) error
	MarkCancelled(ctx context.Context, id string) error
	ResetToQueued(ctx context.Context, id string) error
}

// ResultStore persists per-page output.
type ResultStore interface {
	Save(ctx context.Context, res *model.PageResult) error
	ForJob(ctx context.Context, jobID string) ([]model.PageResult, error)
	CompletedPages(ctx context.Context, jobID string) (map[int]bool, error)
}

// ObjectStore supplies raw uploads and receives the processed artifact.
type ObjectStore interface {
	DownloadRaw(ctx context.Context, objectKey string) ([]byte, error)
	UploadProcessed(ctx context.Context, objectKey string, data []byte) error
}

// PageError wraps a page-level failure with its page number.
type PageError struct {
	Page int
	Err  error
}

func (e *PageError) Error() string { return fmt.Sprintf("page %d: %v", e.Page, e.Err) }
func (e *PageError) Unwrap() error { return e.Err }

// Pipeline processes documents with a single OCR provider instance. The rate
// limiter is shared across all concurrent pages and jobs hitting that
// provider.
type Pipeline struct {
	jobs     JobStore
	results  ResultStore
	objects  ObjectStore
	provider ocr.Provider
	limiter  *ocr.Limiter
	cfg      config.Processing
	log      *slog.Logger
}

// New constructs a Pipeline.
func New(jobs JobStore, results ResultStore, objects ObjectStore, provider ocr.Provider, cfg config.Processing, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		jobs:     jobs,
		results:  results,
		objects:  objects,
		provider: provider,
		limiter:  ocr.NewLimiter(),
		cfg:      cfg,
		log:      log.With("component", "pipeline"),
	}
}

// Run drives the job to a terminal state. A non-nil return means the job was
// put back in the queue (pause or transient infrastructure trouble) and the
// task should run again later; terminal outcomes, including failures, are
// recorded in the store and return nil.
func (p *Pipeline) Run(ctx context.Context, jobID string) error {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		// Stale task for an already finished job.
		return nil
	}
	if job.CancelRequested {
		return p.jobs.MarkCancelled(ctx, job.ID)
	}

	log := p.log.With("job", job.ID, "file", job.FileName)

	data, err := p.objects.DownloadRaw(ctx, job.ObjectKey)
	if err != nil {
		if ctx.Err() != nil {
			return p.abort(ctx, job, ctx.Err())
		}
		return p.fail(ctx, job, fmt.Errorf("download upload: %w", err))
	}

	var doc *pdfutil.Document
	totalPages := 1
	if isPDF(job.ContentType) {
		doc, err = pdfutil.Prepare(data)
		if err != nil {
			return p.fail(ctx, job, fmt.Errorf("prepare pdf: %w", err))
		}
		defer doc.Close()
		totalPages = doc.PageCount()
	}

	if err := p.jobs.MarkProcessing(ctx, job.ID, totalPages, time.Now()); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	done, err := p.results.CompletedPages(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load completed pages: %w", err)
	}
	tracker := newTracker(totalPages, done)
	log.Info("processing document", "pages", totalPages, "alreadyDone", len(done))

	dp, wholeDoc := p.provider.(ocr.DocumentProvider)
	if wholeDoc && doc != nil && len(done) == 0 {
		err = p.runWholeDocument(ctx, job, doc, dp, tracker)
	} else {
		err = p.runPages(ctx, job, doc, data, tracker, done)
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return p.abort(ctx, job, err)
		}
		return p.fail(ctx, job, err)
	}

	return p.finish(ctx, job, log)
}

// runPages processes pending pages in sequential chunks, with bounded
// parallelism inside each chunk.
func (p *Pipeline) runPages(ctx context.Context, job *model.Job, doc *pdfutil.Document, raw []byte, tracker *tracker, done map[int]bool) error {
	var pending []int
	for page := 1; page <= tracker.total; page++ {
		if !done[page] {
			pending = append(pending, page)
		}
	}

	for start := 0; start < len(pending); start += p.cfg.PagesPerChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + p.cfg.PagesPerChunk
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(p.cfg.ConcurrentPages)
		for _, page := range chunk {
			page := page
			eg.Go(func() error {
				return p.processPage(gctx, job, doc, raw, page, tracker)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// runWholeDocument submits the entire PDF in one call for providers that
// support it, then records results page by page.
func (p *Pipeline) runWholeDocument(ctx context.Context, job *model.Job, doc *pdfutil.Document, dp ocr.DocumentProvider, tracker *tracker) error {
	var pages []ocr.PageText
	rateLimited := false
	start := time.Now()

	err := p.withRetries(ctx, job, 0, &rateLimited, func() error {
		var err error
		pages, err = dp.ProcessPDF(ctx, doc.Raw())
		return err
	})
	if err != nil {
		return err
	}
	duration := time.Since(start)

	if len(pages) != tracker.total {
		return fmt.Errorf("provider returned %d pages, document has %d", len(pages), tracker.total)
	}
	for i, text := range pages {
		page := i + 1
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.saveResult(ctx, job, page, text, duration/time.Duration(len(pages)), rateLimited, tracker); err != nil {
			return err
		}
	}
	return nil
}

// processPage runs one page to completion, including retries.
func (p *Pipeline) processPage(ctx context.Context, job *model.Job, doc *pdfutil.Document, raw []byte, page int, tracker *tracker) error {
	var text ocr.PageText
	rateLimited := false
	start := time.Now()

	err := p.withRetries(ctx, job, page, &rateLimited, func() error {
		var err error
		text, err = p.recognize(ctx, job, doc, raw, page)
		return err
	})
	if err != nil {
		return err
	}
	return p.saveResult(ctx, job, page, text, time.Since(start), rateLimited, tracker)
}

// withRetries applies the page retry policy: transient errors consume one of
// RetryAttempts with a fixed delay in between; rate limits arm the shared
// cooldown gate and retry without consuming an attempt; auth and config
// errors fail immediately since repeating them cannot help.
func (p *Pipeline) withRetries(ctx context.Context, job *model.Job, page int, rateLimited *bool, fn func() error) error {
	attempts := 0
	for {
		if err := p.waitIfLimited(ctx, job); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if rle, ok := ocr.IsRateLimit(err); ok {
			*rateLimited = true
			p.limiter.Limit(rle.RetryAfter)
			now := time.Now().UTC()
			_ = p.jobs.SetRateLimit(ctx, job.ID, model.RateLimitState{
				Limited:    true,
				RetryAfter: int(rle.RetryAfter / time.Second),
				Since:      &now,
			})
			p.log.Warn("provider rate limited", "job", job.ID, "page", page, "retryAfter", rle.RetryAfter)
			continue
		}

		var authErr *ocr.AuthError
		var cfgErr *ocr.ConfigError
		if errors.As(err, &authErr) || errors.As(err, &cfgErr) {
			return &PageError{Page: page, Err: err}
		}

		attempts++
		if attempts >= p.cfg.RetryAttempts {
			return &PageError{Page: page, Err: err}
		}
		p.log.Warn("page attempt failed, retrying", "job", job.ID, "page", page, "attempt", attempts, "error", err)
		timer := time.NewTimer(p.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// waitIfLimited blocks on the shared cooldown gate and clears the job's
// rate-limit sub-state once the window has passed.
func (p *Pipeline) waitIfLimited(ctx context.Context, job *model.Job) error {
	limited, _ := p.limiter.Limited()
	if !limited {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.jobs.SetRateLimit(ctx, job.ID, model.RateLimitState{})
}

// recognize produces the text for one page, choosing the cheapest capable
// path: embedded text layer, whole-page PDF for document providers, or the
// extracted page scan for image-only vendors.
func (p *Pipeline) recognize(ctx context.Context, job *model.Job, doc *pdfutil.Document, raw []byte, page int) (ocr.PageText, error) {
	if doc == nil {
		return p.provider.ProcessImage(ctx, raw, job.ContentType)
	}
	if p.cfg.UseTextLayer {
		if text, ok := doc.TextLayer(page); ok {
			return ocr.PageText{Text: text, Confidence: 1}, nil
		}
	}
	if dp, ok := p.provider.(ocr.DocumentProvider); ok {
		pagePDF, err := doc.PagePDF(page)
		if err != nil {
			return ocr.PageText{}, err
		}
		pages, err := dp.ProcessPDF(ctx, pagePDF)
		if err != nil {
			return ocr.PageText{}, err
		}
		if len(pages) == 0 {
			return ocr.PageText{}, nil
		}
		return pages[0], nil
	}
	img, mimeType, err := doc.PageImage(page)
	if err != nil {
		return ocr.PageText{}, err
	}
	return p.provider.ProcessImage(ctx, img, mimeType)
}

// saveResult stores one page and advances progress. Progress is attributed by
// page number, so out-of-order completion cannot corrupt the result set.
func (p *Pipeline) saveResult(ctx context.Context, job *model.Job, page int, text ocr.PageText, duration time.Duration, rateLimited bool, tracker *tracker) error {
	res := &model.PageResult{
		JobID:       job.ID,
		Page:        page,
		Text:        text.Text,
		Confidence:  text.Confidence,
		Language:    text.Language,
		Duration:    duration,
		RateLimited: rateLimited,
	}
	if err := p.results.Save(ctx, res); err != nil {
		return fmt.Errorf("save page %d: %w", page, err)
	}
	currentPage, percent := tracker.complete(page)
	if err := p.jobs.UpdateProgress(ctx, job.ID, currentPage, percent); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// finish concatenates all page text into the processed artifact and marks the
// job completed.
func (p *Pipeline) finish(ctx context.Context, job *model.Job, log *slog.Logger) error {
	results, err := p.results.ForJob(ctx, job.ID)
	if err != nil {
		return p.fail(ctx, job, fmt.Errorf("load results: %w", err))
	}
	var b strings.Builder
	for i, res := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(res.Text)
	}
	processedKey := processedObjectKey(job.ObjectKey)
	if err := p.objects.UploadProcessed(ctx, processedKey, []byte(b.String())); err != nil {
		return p.fail(ctx, job, fmt.Errorf("upload processed text: %w", err))
	}
	if err := p.jobs.MarkCompleted(ctx, job.ID, processedKey); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	log.Info("document completed", "pages", len(results))
	return nil
}

// abort resolves an interrupted job: an explicit cancel request becomes the
// cancelled terminal state, anything else (queue pause, shutdown) puts the
// job back in the queue to be picked up again. Saved pages survive either
// way. State writes use a detached context because the task context is
// already dead.
func (p *Pipeline) abort(ctx context.Context, job *model.Job, cause error) error {
	stateCtx := context.WithoutCancel(ctx)
	fresh, err := p.jobs.Get(stateCtx, job.ID)
	if err != nil {
		return fmt.Errorf("load job after abort: %w", err)
	}
	if fresh.CancelRequested {
		p.log.Info("job cancelled", "job", job.ID)
		return p.jobs.MarkCancelled(stateCtx, job.ID)
	}
	if err := p.jobs.ResetToQueued(stateCtx, job.ID); err != nil {
		return fmt.Errorf("requeue after abort: %w", err)
	}
	p.log.Info("job interrupted, requeued", "job", job.ID)
	return fmt.Errorf("job %s interrupted: %w", job.ID, cause)
}

// fail records a terminal failure. Completed page results are preserved and
// stay downloadable.
func (p *Pipeline) fail(ctx context.Context, job *model.Job, cause error) error {
	stateCtx := context.WithoutCancel(ctx)
	p.log.Error("job failed", "job", job.ID, "error", cause)
	if err := p.jobs.MarkError(stateCtx, job.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	return nil
}

// tracker guards progress bookkeeping shared by concurrent page goroutines.
type tracker struct {
	mu        sync.Mutex
	total     int
	completed int
	maxPage   int
}

func newTracker(total int, done map[int]bool) *tracker {
	t := &tracker{total: total, completed: len(done)}
	for page := range done {
		if page > t.maxPage {
			t.maxPage = page
		}
	}
	return t
}

// complete records one finished page and returns the current page high-water
// mark and percentage. The percentage only reaches 100 when every page is in.
func (t *tracker) complete(page int) (currentPage, percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	if page > t.maxPage {
		t.maxPage = page
	}
	return t.maxPage, t.completed * 100 / t.total
}

func isPDF(contentType string) bool {
	return contentType == "application/pdf"
}

func processedObjectKey(objectKey string) string {
	base := strings.TrimSuffix(objectKey, filepath.Ext(objectKey))
	return base + ".txt"
}
