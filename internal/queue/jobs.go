package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// ProcessDocumentTask is scheduled each time a document is accepted.
	ProcessDocumentTask = "document:process"

	// QueueName is the asynq queue all OCR work goes through. Pause/resume
	// act on this queue as a whole.
	QueueName = "ocr"
)

// ProcessPayload is serialized into the task payload so the worker knows which
// job to drive.
type ProcessPayload struct {
	JobID string `json:"job_id"`
}

// EnqueueProcess enqueues a document processing job. The task id is pinned to
// the job id so an in-flight task can be cancelled through the Inspector and
// a duplicate enqueue of the same job is rejected by asynq.
func EnqueueProcess(ctx context.Context, client *asynq.Client, payload ProcessPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ProcessDocumentTask, data)
	opts := []asynq.Option{
		asynq.Queue(QueueName),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(10),
	}
	if _, err := client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue process task: %w", err)
	}
	return nil
}
