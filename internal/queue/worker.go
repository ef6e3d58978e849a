package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/resilience"
	"github.com/sells-group/lead-enrichment/internal/store"
	"github.com/sells-group/lead-enrichment/internal/waterfall"
)

// Executor runs the waterfall for one job.
type Executor interface {
	Execute(ctx context.Context, orgID string, job *model.EnrichmentJob, req waterfall.Request) (*model.EnrichmentJob, error)
}

// Worker turns queue messages into orchestrator executions and persists the
// outcome. It relies on redelivery plus idempotent resume instead of its own
// retries.
type Worker struct {
	jobs       store.JobStore
	dlq        store.DLQ
	exec       Executor
	maxRetries int
	now        func() time.Time
}

// NewWorker creates a worker. dlq may be nil.
func NewWorker(jobs store.JobStore, dlq store.DLQ, exec Executor, maxRetries int) *Worker {
	return &Worker{
		jobs:       jobs,
		dlq:        dlq,
		exec:       exec,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// SetExecutor replaces the executor. It lets an orchestrator built with
// WithCheckpoint(w.Checkpoint) be attached after the worker exists.
func (w *Worker) SetExecutor(exec Executor) { w.exec = exec }

// Checkpoint saves a running job. It is passed to the orchestrator so each
// settled field is persisted as soon as it is decided.
func (w *Worker) Checkpoint(ctx context.Context, job *model.EnrichmentJob) error {
	job.Lock()
	defer job.Unlock()
	return w.jobs.SaveJob(ctx, job)
}

// Handle processes one envelope. A batch runs its jobs one after another and
// fails if any of them could not be persisted; jobs that already finished
// are skipped on redelivery.
func (w *Worker) Handle(ctx context.Context, env model.Envelope) error {
	switch env.Kind {
	case model.MessageKindJob:
		m := env.Job
		return w.runJob(ctx, m.OrganizationID, m.JobID, m.ContactData)
	case model.MessageKindBatch:
		var firstErr error
		for _, id := range env.Batch.JobIDs {
			if err := w.runJob(ctx, env.Batch.OrganizationID, id, model.ContactIdentity{}); err != nil {
				if ctx.Err() != nil {
					return err
				}
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	default:
		return eris.Errorf("worker: unknown message kind %q", env.Kind)
	}
}

func (w *Worker) runJob(ctx context.Context, orgID, jobID string, identity model.ContactIdentity) error {
	log := zap.L().With(
		zap.String("component", "worker"),
		zap.String("job_id", jobID),
		zap.String("org_id", orgID),
	)

	job, err := w.jobs.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("worker: job not found, dropping message")
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "worker: load job %s", jobID)
	}
	if job.OrganizationID != orgID {
		log.Error("worker: message organization does not own job, dropping message",
			zap.String("job_org_id", job.OrganizationID))
		return nil
	}
	if job.IsTerminal() {
		log.Debug("worker: job already finished")
		return nil
	}

	out, execErr := w.exec.Execute(ctx, orgID, job, waterfall.Request{Identity: identity})
	if execErr != nil {
		if out != nil && !out.IsTerminal() {
			if err := w.jobs.SaveJob(ctx, out); err != nil {
				log.Warn("worker: save interrupted job", zap.Error(err))
			}
		}
		return eris.Wrapf(execErr, "worker: execute job %s", jobID)
	}

	if err := w.jobs.SaveJob(ctx, out); err != nil {
		if errors.Is(err, store.ErrJobFinalized) {
			log.Info("worker: job finalized by another delivery")
			return nil
		}
		return eris.Wrapf(err, "worker: save job %s", jobID)
	}

	if out.Status == model.JobStatusFailed {
		w.deadLetter(ctx, out, log)
	}
	log.Info("worker: job done",
		zap.String("status", string(out.Status)),
		zap.Float64("total_cost", out.TotalCost),
	)
	return nil
}

// deadLetter records a failed job. A DLQ outage does not fail the message
// because the job itself is already persisted as failed.
func (w *Worker) deadLetter(ctx context.Context, job *model.EnrichmentJob, log *zap.Logger) {
	if w.dlq == nil {
		return
	}
	entry := resilience.NewDLQEntry(job, nil, w.maxRetries, w.now())
	if err := w.dlq.EnqueueDLQ(ctx, entry); err != nil {
		log.Error("worker: enqueue dlq failed", zap.Error(err))
		return
	}
	log.Warn("worker: job sent to dlq", zap.String("error", entry.Error))
}
