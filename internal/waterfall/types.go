package waterfall

import (
	"context"
	"time"

	"github.com/sells-group/lead-enrichment/internal/cost"
	"github.com/sells-group/lead-enrichment/internal/model"
)

// Request carries the contact data adapters may use. It is merged over the
// identity stored on the job, so a redelivered message without contact data
// still runs.
type Request struct {
	Identity model.ContactIdentity `json:"identity"`
}

// CheckpointFunc persists a job while it is still running.
type CheckpointFunc func(ctx context.Context, job *model.EnrichmentJob) error

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFieldConcurrency bounds how many fields of one job resolve at once.
func WithFieldConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.fieldConcurrency = n
		}
	}
}

// WithNow sets the clock used for job timestamps and audit entries.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithCheckpoint saves the job each time a field settles, so a worker that
// dies mid-job loses at most the fields still in flight.
func WithCheckpoint(fn CheckpointFunc) Option {
	return func(o *Orchestrator) { o.checkpoint = fn }
}

// WithCalculator sets the rate table used to reserve budget before a call.
func WithCalculator(c *cost.Calculator) Option {
	return func(o *Orchestrator) { o.estimator = c }
}
