// Package storage contains an in-memory implementation of the pipeline's
// persistence interfaces. It backs unit tests and keeps the pipeline free of
// any Postgres/MinIO coupling.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NayerAli/ocrdrop/internal/model"
)

// ErrNotFound mirrors the repository sentinel for missing jobs.
var ErrNotFound = errors.New("job not found")

// MemoryStore keeps jobs, page results, and objects in maps guarded by one
// RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*model.Job
	results map[string]map[int]model.PageResult
	objects map[string][]byte
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*model.Job),
		results: make(map[string]map[int]model.PageResult),
		objects: make(map[string][]byte),
	}
}

// PutJob inserts or replaces a job record.
func (m *MemoryStore) PutJob(job *model.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	copied := *job
	m.jobs[job.ID] = &copied
}

// Get returns a copy of the job.
func (m *MemoryStore) Get(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *MemoryStore) update(id string, fn func(*model.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(job)
	return nil
}

// MarkProcessing records the page count and dispatch time.
func (m *MemoryStore) MarkProcessing(_ context.Context, id string, totalPages int, startedAt time.Time) error {
	return m.update(id, func(job *model.Job) {
		job.Status = model.StatusProcessing
		job.TotalPages = totalPages
		start := startedAt.UTC()
		job.StartedAt = &start
		job.Error = ""
		job.RateLimit = model.RateLimitState{}
	})
}

// UpdateProgress advances progress, never backwards.
func (m *MemoryStore) UpdateProgress(_ context.Context, id string, currentPage, progress int) error {
	return m.update(id, func(job *model.Job) {
		if job.Status != model.StatusProcessing {
			return
		}
		if currentPage > job.CurrentPage {
			job.CurrentPage = currentPage
		}
		if progress > job.Progress {
			job.Progress = progress
		}
	})
}

// SetRateLimit stores or clears the throttling sub-state.
func (m *MemoryStore) SetRateLimit(_ context.Context, id string, state model.RateLimitState) error {
	return m.update(id, func(job *model.Job) {
		job.RateLimit = state
	})
}

// MarkCompleted finishes the job.
func (m *MemoryStore) MarkCompleted(_ context.Context, id, processedKey string) error {
	return m.update(id, func(job *model.Job) {
		job.Status = model.StatusCompleted
		job.ProcessedKey = processedKey
		job.Progress = 100
		job.CurrentPage = job.TotalPages
		now := time.Now().UTC()
		job.CompletedAt = &now
		job.RateLimit = model.RateLimitState{}
	})
}

// MarkError records a terminal failure.
func (m *MemoryStore) MarkError(_ context.Context, id, msg string) error {
	return m.update(id, func(job *model.Job) {
		job.Status = model.StatusError
		job.Error = msg
		now := time.Now().UTC()
		job.CompletedAt = &now
	})
}

// MarkCancelled finalizes a cancelled job.
func (m *MemoryStore) MarkCancelled(_ context.Context, id string) error {
	return m.update(id, func(job *model.Job) {
		job.Status = model.StatusCancelled
		job.CancelRequested = false
		now := time.Now().UTC()
		job.CompletedAt = &now
	})
}

// ResetToQueued puts a job back in the queue keeping its results.
func (m *MemoryStore) ResetToQueued(_ context.Context, id string) error {
	return m.update(id, func(job *model.Job) {
		job.Status = model.StatusQueued
		job.Error = ""
		job.CancelRequested = false
		job.RateLimit = model.RateLimitState{}
		job.CompletedAt = nil
	})
}

// RequestCancel flags a job for cancellation.
func (m *MemoryStore) RequestCancel(_ context.Context, id string) error {
	return m.update(id, func(job *model.Job) {
		if !job.Status.Terminal() {
			job.CancelRequested = true
		}
	})
}

// Save upserts one page result.
func (m *MemoryStore) Save(_ context.Context, res *model.PageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	pages, ok := m.results[res.JobID]
	if !ok {
		pages = make(map[int]model.PageResult)
		m.results[res.JobID] = pages
	}
	pages[res.Page] = *res
	return nil
}

// ForJob returns results in page order.
func (m *MemoryStore) ForJob(_ context.Context, jobID string) ([]model.PageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pages := m.results[jobID]
	maxPage := 0
	for page := range pages {
		if page > maxPage {
			maxPage = page
		}
	}
	var out []model.PageResult
	for page := 1; page <= maxPage; page++ {
		if res, ok := pages[page]; ok {
			out = append(out, res)
		}
	}
	return out, nil
}

// CompletedPages returns the set of saved page numbers.
func (m *MemoryStore) CompletedPages(_ context.Context, jobID string) (map[int]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]bool)
	for page, res := range m.results[jobID] {
		if res.Error == "" {
			out[page] = true
		}
	}
	return out, nil
}

// PutObject stores raw bytes under a key.
func (m *MemoryStore) PutObject(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
}

// DownloadRaw implements the pipeline's object store.
func (m *MemoryStore) DownloadRaw(_ context.Context, objectKey string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[objectKey]
	if !ok {
		return nil, errors.New("object not found")
	}
	return append([]byte(nil), data...), nil
}

// UploadProcessed implements the pipeline's object store.
func (m *MemoryStore) UploadProcessed(_ context.Context, objectKey string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey] = append([]byte(nil), data...)
	return nil
}

// Object returns a stored object for assertions.
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}
