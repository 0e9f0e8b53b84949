package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NayerAli/ocrdrop/internal/config"
	"github.com/NayerAli/ocrdrop/internal/model"
	"github.com/NayerAli/ocrdrop/internal/ocr"
	"github.com/NayerAli/ocrdrop/internal/storage"
)

// fakeProvider scripts OCR responses per call and records concurrency.
type fakeProvider struct {
	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
	delay       time.Duration
	block       bool
	fn          func(call int) (ocr.PageText, error)
}

func (f *fakeProvider) Kind() ocr.Kind { return "fake" }

func (f *fakeProvider) ProcessImage(ctx context.Context, img []byte, mimeType string) (ocr.PageText, error) {
	if f.block {
		<-ctx.Done()
		return ocr.PageText{}, ctx.Err()
	}
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(call)
	}
	return ocr.PageText{Text: "recognized", Confidence: 0.9}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() config.Processing {
	return config.Processing{
		MaxConcurrentJobs: 1,
		PagesPerChunk:     2,
		ConcurrentPages:   2,
		RetryAttempts:     3,
		RetryDelay:        time.Millisecond,
		RateLimitFallback: 10 * time.Millisecond,
	}
}

func newImageJob(store *storage.MemoryStore, id string) *model.Job {
	job := &model.Job{
		ID:          id,
		FileName:    "scan.png",
		ContentType: "image/png",
		ObjectKey:   "uploads/" + id + "/scan.png",
		Status:      model.StatusQueued,
	}
	store.PutJob(job)
	store.PutObject(job.ObjectKey, []byte("fake-image-bytes"))
	return job
}

func TestRunImageJobCompletes(t *testing.T) {
	store := storage.NewMemoryStore()
	provider := &fakeProvider{}
	p := New(store, store, store, provider, testConfig(), nil)
	job := newImageJob(store, "job-1")

	if err := p.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %q, want completed (error=%q)", got.Status, got.Error)
	}
	if got.Progress != 100 || got.CurrentPage != 1 || got.TotalPages != 1 {
		t.Errorf("progress = %d/%d pages, percent %d", got.CurrentPage, got.TotalPages, got.Progress)
	}
	if got.ProcessedKey != "uploads/job-1/scan.txt" {
		t.Errorf("processed key = %q", got.ProcessedKey)
	}
	text, ok := store.Object(got.ProcessedKey)
	if !ok || string(text) != "recognized" {
		t.Errorf("processed artifact = %q, %v", text, ok)
	}
	results, _ := store.ForJob(context.Background(), job.ID)
	if len(results) != 1 || results[0].Page != 1 || results[0].Confidence != 0.9 {
		t.Errorf("results = %+v", results)
	}
}

func TestRunSkipsTerminalJob(t *testing.T) {
	store := storage.NewMemoryStore()
	provider := &fakeProvider{}
	p := New(store, store, store, provider, testConfig(), nil)
	job := newImageJob(store, "job-1")
	job.Status = model.StatusCompleted
	store.PutJob(job)

	if err := p.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider called %d times for a finished job", provider.callCount())
	}
}

func TestRunHonorsCancelRequest(t *testing.T) {
	store := storage.NewMemoryStore()
	provider := &fakeProvider{}
	p := New(store, store, store, provider, testConfig(), nil)
	job := newImageJob(store, "job-1")
	job.CancelRequested = true
	store.PutJob(job)
	// A page finished before the cancel request must survive it.
	store.Save(context.Background(), &model.PageResult{JobID: job.ID, Page: 1, Text: "partial"})

	if err := p.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider called %d times after cancel", provider.callCount())
	}
	results, _ := store.ForJob(context.Background(), job.ID)
	if len(results) != 1 || results[0].Text != "partial" {
		t.Errorf("saved results must survive cancellation: %+v", results)
	}
}

func TestRunExhaustsRetriesThenFails(t *testing.T) {
	store := storage.NewMemoryStore()
	provider := &fakeProvider{fn: func(int) (ocr.PageText, error) {
		return ocr.PageText{}, errors.New("boom")
	}}
	p := New(store, store, store, provider, testConfig(), nil)
	job := newImageJob(store, "job-1")

	if err := p.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != model.StatusError {
		t.Fatalf("status = %q, want error", got.Status)
	}
	if !strings.Contains(got.Error, "page 1") {
		t.Errorf("error = %q, want the failing page named", got.Error)
	}
	if provider.callCount() != 3 {
		t.Errorf("provider called %d times, want RetryAttempts=3", provider.callCount())
	}
}

func TestRunAuthErrorFailsFast(t *testing.T) {
	store := storage.NewMemoryStore()
	provider := &fakeProvider{fn: func(int) (ocr.PageText, error) {
		return ocr.PageText{}, &ocr.AuthError{Provider: "fake", Status: "401 Unauthorized"}
	}}
	p := New(store, store, store, provider, testConfig(), nil)
	job := newImageJob(store, "job-1")

	if err := p.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != model.StatusError {
		t.Fatalf("status = %q, want error", got.Status)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider called %d times, auth failures must not be retried", provider.callCount())
	}
}

func TestRunRateLimitRetriesWithoutConsumingAttempts(t *testing.T) {
	store := storage.NewMemoryStore()
	provider := &fakeProvider{fn: func(call int) (ocr.PageText, error) {
		if call == 1 {
			return ocr.PageText{}, &ocr.RateLimitError{Provider: "fake", RetryAfter: 5 * time.Millisecond}
		}
		return ocr.PageText{Text: "after cooldown"}, nil
	}}
	cfg := testConfig()
	cfg.RetryAttempts = 1 // a transient failure would be terminal
	p := New(store, store, store, provider, cfg, nil)
	job := newImageJob(store, "job-1")

	if err := p.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %q, want completed (error=%q)", got.Status, got.Error)
	}
	if got.RateLimit.Limited {
		t.Errorf("rate limit state should be cleared on completion")
	}
	results, _ := store.ForJob(context.Background(), job.ID)
	if len(results) != 1 || !results[0].RateLimited {
		t.Errorf("result should record the cooldown: %+v", results)
	}
}

func TestRunInterruptedJobIsRequeued(t *testing.T) {
	store := storage.NewMemoryStore()
	provider := &fakeProvider{block: true}
	p := New(store, store, store, provider, testConfig(), nil)
	job := newImageJob(store, "job-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Run(ctx, job.ID)
	if err == nil {
		t.Fatalf("Run should report the interruption so the task is retried")
	}
	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != model.StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
}

func TestRunInterruptedByCancelRequestFinalizes(t *testing.T) {
	store := storage.NewMemoryStore()
	provider := &fakeProvider{block: true}
	p := New(store, store, store, provider, testConfig(), nil)
	job := newImageJob(store, "job-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		if err := store.RequestCancel(context.Background(), job.ID); err != nil {
			t.Errorf("request cancel: %v", err)
		}
		cancel()
	}()
	if err := p.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
}

// runPages is exercised directly so multi-page chunking can be tested without
// building PDF fixtures; with no split document every page goes through the
// provider's image path.
func TestRunPagesChunksAndSkipsDone(t *testing.T) {
	store := storage.NewMemoryStore()
	provider := &fakeProvider{delay: 5 * time.Millisecond}
	cfg := testConfig()
	cfg.PagesPerChunk = 3
	cfg.ConcurrentPages = 2
	p := New(store, store, store, provider, cfg, nil)

	job := newImageJob(store, "job-1")
	job.Status = model.StatusProcessing
	job.TotalPages = 10
	store.PutJob(job)
	done := map[int]bool{1: true, 2: true}
	for page := range done {
		store.Save(context.Background(), &model.PageResult{JobID: job.ID, Page: page, Text: "kept"})
	}
	tracker := newTracker(10, done)

	if err := p.runPages(context.Background(), job, nil, []byte("raw"), tracker, done); err != nil {
		t.Fatalf("runPages: %v", err)
	}

	if provider.callCount() != 8 {
		t.Errorf("provider called %d times, want 8 pending pages", provider.callCount())
	}
	if provider.maxInFlight > 2 {
		t.Errorf("observed %d concurrent pages, limit is 2", provider.maxInFlight)
	}
	results, _ := store.ForJob(context.Background(), job.ID)
	if len(results) != 10 {
		t.Fatalf("got %d results, want all 10 pages", len(results))
	}
	for i, res := range results {
		if res.Page != i+1 {
			t.Fatalf("results out of page order: %+v", results)
		}
	}
	if results[0].Text != "kept" || results[1].Text != "kept" {
		t.Errorf("already completed pages were reprocessed")
	}
	got, _ := store.Get(context.Background(), job.ID)
	if got.Progress != 100 || got.CurrentPage != 10 {
		t.Errorf("progress = %d%%, page %d; want 100%% page 10", got.Progress, got.CurrentPage)
	}
}

func TestTrackerProgress(t *testing.T) {
	tr := newTracker(4, map[int]bool{1: true, 2: true})
	page, percent := tr.complete(4)
	if page != 4 || percent != 75 {
		t.Errorf("complete(4) = (%d, %d), want (4, 75)", page, percent)
	}
	// An earlier page finishing later never moves the high-water mark back.
	page, percent = tr.complete(3)
	if page != 4 || percent != 100 {
		t.Errorf("complete(3) = (%d, %d), want (4, 100)", page, percent)
	}
}

func TestProcessedObjectKey(t *testing.T) {
	if got := processedObjectKey("uploads/id/report.pdf"); got != "uploads/id/report.txt" {
		t.Errorf("processedObjectKey = %q", got)
	}
	if got := processedObjectKey("uploads/id/noext"); got != "uploads/id/noext.txt" {
		t.Errorf("processedObjectKey = %q", got)
	}
}
