// Package orchestrator owns the job lifecycle from the outside: intake
// validation, enqueueing, and the cancel / pause / resume / retry controls.
// The page-level work itself happens in the worker's pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/NayerAli/ocrdrop/internal/config"
	"github.com/NayerAli/ocrdrop/internal/model"
	"github.com/NayerAli/ocrdrop/internal/queue"
	"github.com/NayerAli/ocrdrop/internal/repository"
	"github.com/NayerAli/ocrdrop/internal/s3storage"
)

// InvalidFileError rejects an upload at intake.
type InvalidFileError struct {
	Name   string
	Reason string
}

func (e *InvalidFileError) Error() string {
	return fmt.Sprintf("invalid file %q: %s", e.Name, e.Reason)
}

// ErrNotRetryable is returned when Retry is called on a job that has not
// failed.
var ErrNotRetryable = errors.New("only failed jobs can be retried")

// Upload describes one accepted multipart file.
type Upload struct {
	FileName    string
	Size        int64
	ContentType string
	Content     io.Reader
}

// Orchestrator validates intake and steers jobs through the queue.
type Orchestrator struct {
	cfg       *config.Config
	jobs      *repository.Jobs
	store     *s3storage.Storage
	client    *asynq.Client
	inspector *asynq.Inspector
	log       *slog.Logger
}

// New constructs an Orchestrator. One instance is owned by the API server.
func New(cfg *config.Config, jobs *repository.Jobs, store *s3storage.Storage, client *asynq.Client, inspector *asynq.Inspector, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		jobs:      jobs,
		store:     store,
		client:    client,
		inspector: inspector,
		log:       log.With("component", "orchestrator"),
	}
}

// Enqueue validates the upload, stores the raw bytes, creates a queued job
// and hands it to the worker queue.
func (o *Orchestrator) Enqueue(ctx context.Context, up Upload) (*model.Job, error) {
	if err := o.validate(up); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	objectKey := fmt.Sprintf("uploads/%s/%s", jobID, filepath.Base(up.FileName))
	if err := o.store.UploadRaw(ctx, objectKey, up.Content, up.Size, up.ContentType); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	job := &model.Job{
		ID:          jobID,
		FileName:    up.FileName,
		Size:        up.Size,
		ContentType: up.ContentType,
		ObjectKey:   objectKey,
		Provider:    o.cfg.Provider.Kind,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := queue.EnqueueProcess(ctx, o.client, queue.ProcessPayload{JobID: jobID}); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	o.log.Info("job enqueued", "job", jobID, "file", up.FileName, "size", up.Size)
	return job, nil
}

func (o *Orchestrator) validate(up Upload) error {
	if up.Size <= 0 {
		return &InvalidFileError{Name: up.FileName, Reason: "empty file"}
	}
	if up.Size > o.cfg.MaxFileSize {
		return &InvalidFileError{Name: up.FileName, Reason: fmt.Sprintf("exceeds limit of %d bytes", o.cfg.MaxFileSize)}
	}
	for _, allowed := range o.cfg.AllowedTypes {
		if strings.EqualFold(up.ContentType, allowed) {
			return nil
		}
	}
	return &InvalidFileError{Name: up.FileName, Reason: fmt.Sprintf("unsupported type %s", up.ContentType)}
}

// Cancel aborts a job. A queued job is dropped from the queue directly; a
// processing job gets its task context cancelled and the worker finalizes the
// cancellation at the next page boundary. Already saved pages are kept.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	job, err := o.jobs.RequestCancel(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case model.StatusQueued:
		if err := o.inspector.DeleteTask(queue.QueueName, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("delete queued task: %w", err)
		}
		return o.jobs.MarkCancelled(ctx, id)
	case model.StatusProcessing:
		if err := o.inspector.CancelProcessing(id); err != nil {
			return fmt.Errorf("cancel active task: %w", err)
		}
		o.log.Info("cancellation signaled", "job", id)
		return nil
	}
	// Terminal already; nothing to do.
	return nil
}

// Pause stops job dispatch and aborts in-flight work. Interrupted jobs revert
// to queued and pick up where they left off after Resume.
func (o *Orchestrator) Pause(ctx context.Context) error {
	if err := o.inspector.PauseQueue(queue.QueueName); err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("pause queue: %w", err)
	}
	active, err := o.inspector.ListActiveTasks(queue.QueueName)
	if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("list active tasks: %w", err)
	}
	for _, task := range active {
		if err := o.inspector.CancelProcessing(task.ID); err != nil {
			o.log.Warn("cancel active task on pause", "task", task.ID, "error", err)
		}
	}
	o.log.Info("queue paused", "aborted", len(active))
	return nil
}

// Resume reopens the queue for dispatch.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if err := o.inspector.UnpauseQueue(queue.QueueName); err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("resume queue: %w", err)
	}
	o.log.Info("queue resumed")
	return nil
}

// Retry puts a failed job back in the queue with its error cleared. Partial
// results from the failed run are kept and skipped on the re-run.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != model.StatusError {
		return ErrNotRetryable
	}
	if err := o.jobs.ResetToQueued(ctx, id); err != nil {
		return err
	}
	// The failed run's task may still sit in the archive under the same id.
	if err := o.inspector.DeleteTask(queue.QueueName, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("drop archived task: %w", err)
	}
	if err := queue.EnqueueProcess(ctx, o.client, queue.ProcessPayload{JobID: id}); err != nil {
		return fmt.Errorf("re-enqueue job: %w", err)
	}
	o.log.Info("job retried", "job", id)
	return nil
}

// Delete removes a job with its results and stored objects. An active job is
// cancelled first.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		if err := o.Cancel(ctx, id); err != nil {
			return err
		}
	}
	if err := o.store.Remove(ctx, job.ObjectKey, job.ProcessedKey); err != nil {
		o.log.Warn("remove stored objects", "job", id, "error", err)
	}
	return o.jobs.Delete(ctx, id)
}
