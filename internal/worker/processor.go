package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/NayerAli/ocrdrop/internal/pipeline"
	"github.com/NayerAli/ocrdrop/internal/queue"
)

// Processor is plugged into the asynq worker loop. Terminal job outcomes,
// including OCR failures, are recorded by the pipeline and complete the task;
// only interruptions (pause, shutdown) surface as task errors so asynq runs
// the job again later.
type Processor struct {
	pipeline *pipeline.Pipeline
	log      *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(p *pipeline.Pipeline, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{pipeline: p, log: log.With("component", "worker")}
}

// Handler registers the document processing handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ProcessDocumentTask, p.handleProcess)
	return mux
}

func (p *Processor) handleProcess(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := p.pipeline.Run(ctx, payload.JobID); err != nil {
		p.log.Info("task deferred", "job", payload.JobID, "reason", err)
		return err
	}
	return nil
}
