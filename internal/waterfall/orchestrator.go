// Package waterfall resolves the requested fields of an enrichment job by
// walking each field's ordered provider list under cache, budget and
// circuit-breaker constraints.
package waterfall

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-enrichment/internal/cache"
	"github.com/sells-group/lead-enrichment/internal/cost"
	"github.com/sells-group/lead-enrichment/internal/health"
	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/resilience"
	"github.com/sells-group/lead-enrichment/internal/waterfall/provider"
)

const defaultFieldConcurrency = 4

// Orchestrator runs the provider waterfall for enrichment jobs. It holds no
// per-job state and is safe for concurrent use.
type Orchestrator struct {
	source   Source
	registry *provider.Registry
	cache    cache.Cache
	health   health.Tracker

	estimator        *cost.Calculator
	fieldConcurrency int
	now              func() time.Time
	checkpoint       CheckpointFunc
}

// NewOrchestrator creates an orchestrator. c may be nil to disable caching;
// a nil h tracks health in memory with the default circuit policy.
func NewOrchestrator(src Source, reg *provider.Registry, c cache.Cache, h health.Tracker, opts ...Option) *Orchestrator {
	if h == nil {
		h = health.NewMemoryTracker(resilience.DefaultCircuitPolicy())
	}
	o := &Orchestrator{
		source:           src,
		registry:         reg,
		health:           h,
		fieldConcurrency: defaultFieldConcurrency,
		now:              time.Now,
	}
	if c != nil {
		o.cache = cache.Advisory(c)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute resolves every unsettled field of job and returns it in a terminal
// state. Fields settled by an earlier run are skipped, so redelivering the
// same job never pays for a field twice.
//
// A job that is already terminal is returned unchanged. An error is returned
// for a nil job, an organization mismatch, an unreadable policy source and
// cancellation of ctx; in the last two cases the job stays running with the
// results gathered so far.
func (o *Orchestrator) Execute(ctx context.Context, orgID string, job *model.EnrichmentJob, req Request) (*model.EnrichmentJob, error) {
	if job == nil {
		return nil, eris.New("waterfall: nil job")
	}
	if job.OrganizationID != orgID {
		return job, eris.Errorf("waterfall: job %s belongs to org %s, not %s", job.ID, job.OrganizationID, orgID)
	}
	if job.IsTerminal() {
		return job, nil
	}
	if err := job.Start(o.now()); err != nil {
		return job, eris.Wrapf(err, "waterfall: start job %s", job.ID)
	}

	snap, err := Snapshot(ctx, o.source, orgID, job.FieldRequests)
	if err != nil {
		return job, err
	}

	run := &execution{
		o:        o,
		job:      job,
		orgID:    orgID,
		identity: req.Identity.Merge(job.Identity),
		snap:     snap,
		budget:   cost.NewBudget(snap.CostCeiling(), job.TotalCost),
		log: zap.L().With(
			zap.String("job_id", job.ID),
			zap.String("org_id", orgID),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fieldConcurrency)
	for _, field := range job.FieldRequests {
		if job.IsSettled(field) {
			continue
		}
		g.Go(func() error {
			return run.resolveField(gctx, field)
		})
	}
	groupErr := g.Wait()

	if job.CurrentStatus() == model.JobStatusFailed {
		run.log.Error("waterfall: job failed", zap.Error(groupErr))
		return job, nil
	}
	if err := ctx.Err(); err != nil {
		run.log.Warn("waterfall: execution interrupted, job left running", zap.Error(err))
		return job, err
	}
	if groupErr != nil {
		return job, groupErr
	}

	if err := job.Finish(o.now()); err != nil && !errors.Is(err, model.ErrJobTerminal) {
		return job, eris.Wrapf(err, "waterfall: finish job %s", job.ID)
	}
	run.log.Info("waterfall: job finished",
		zap.String("status", string(job.Status)),
		zap.Int("results", len(job.Results)),
		zap.Int("unresolved", len(job.Unresolved)),
		zap.Float64("total_cost", job.TotalCost),
	)
	return job, nil
}

// execution is the state shared by the field workers of one Execute call.
type execution struct {
	o        *Orchestrator
	job      *model.EnrichmentJob
	orgID    string
	identity model.ContactIdentity
	snap     *ConfigSnapshot
	budget   *cost.Budget
	log      *zap.Logger

	checkpointMu sync.Mutex
}

// resolveField runs the waterfall for one field. It returns an error only
// when the whole job must stop: a contract violation or cancellation.
func (e *execution) resolveField(ctx context.Context, field string) error {
	log := e.log.With(zap.String("field", field))

	cfg := e.snap.Get(field)
	if cfg == nil {
		log.Info("waterfall: no provider configured")
		e.unresolved(ctx, field, model.ReasonNoProviderConfigured)
		return nil
	}

	if e.fromCache(ctx, field, log) {
		return nil
	}

	attempts := 0
	for _, name := range cfg.ProviderOrder {
		if attempts >= cfg.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.budget.Exhausted() {
			e.audit(field, name, model.AttemptBudgetExceeded, nil)
			e.unresolved(ctx, field, model.ReasonBudgetExceeded)
			return nil
		}

		adapter := e.o.registry.Get(name)
		if adapter == nil {
			log.Warn("waterfall: provider not registered", zap.String("provider", name))
			e.audit(field, name, model.AttemptUnknownProvider, nil)
			continue
		}

		if e.circuitOpen(ctx, name, log) {
			log.Info("waterfall: circuit open, skipping provider", zap.String("provider", name))
			e.audit(field, name, model.AttemptCircuitOpenSkipped, nil)
			continue
		}

		reservation, err := e.budget.Reserve(ctx, e.o.estimator.Estimate(name, field))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			log.Info("waterfall: budget exhausted", zap.String("provider", name), zap.Error(err))
			e.audit(field, name, model.AttemptBudgetExceeded, nil)
			e.unresolved(ctx, field, model.ReasonBudgetExceeded)
			return nil
		}

		resp, err := e.call(ctx, adapter, field, cfg.Timeout())
		if !errors.Is(err, errGateWait) {
			attempts++
		}
		if err != nil {
			e.budget.Release(reservation)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, errGateWait) {
				e.auditErr(field, name, model.AttemptRateLimited, err)
				log.Info("waterfall: provider gate unavailable", zap.String("provider", name), zap.Error(err))
				continue
			}
			_ = e.job.RecordTried(name)

			failure := provider.Classify(err)
			if failure == provider.FailureContract {
				e.auditErr(field, name, model.AttemptContractViolation, err)
				log.Error("waterfall: adapter contract violation", zap.String("provider", name), zap.Error(err))
				_ = e.job.MarkFailed(err, e.o.now())
				return err
			}

			outcome := model.AttemptProviderError
			if failure == provider.FailureTimeout {
				outcome = model.AttemptTimeout
			}
			e.auditErr(field, name, outcome, err)
			log.Info("waterfall: provider failed", zap.String("provider", name),
				zap.String("failure", failure.String()), zap.Error(err))
			e.recordHealth(ctx, name, false, log)
			continue
		}

		if resp.Confidence < cfg.MinConfidence {
			e.budget.Release(reservation)
			_ = e.job.RecordTried(name)
			e.audit(field, name, model.AttemptLowConfidence, resp)
			log.Info("waterfall: confidence below threshold",
				zap.String("provider", name),
				zap.Float64("confidence", resp.Confidence),
				zap.Float64("min_confidence", cfg.MinConfidence),
			)
			e.recordHealth(ctx, name, false, log)
			continue
		}

		if err := e.budget.Commit(reservation, resp.Cost); err != nil {
			_ = e.job.RecordTried(name)
			e.audit(field, name, model.AttemptBudgetExceeded, resp)
			log.Info("waterfall: result would exceed budget", zap.String("provider", name), zap.Error(err))
			e.recordHealth(ctx, name, true, log)
			e.unresolved(ctx, field, model.ReasonBudgetExceeded)
			return nil
		}

		err = e.job.Accept(field, model.FieldResult{
			Provider:   name,
			Value:      resp.Value,
			Confidence: resp.Confidence,
			Cost:       resp.Cost,
			LatencyMs:  resp.LatencyMs,
		})
		if err != nil {
			// Another field failed the job while this call was in flight.
			if errors.Is(err, model.ErrJobTerminal) {
				return nil
			}
			return eris.Wrapf(err, "waterfall: accept %s from %s", field, name)
		}
		e.audit(field, name, model.AttemptAccepted, resp)
		e.recordHealth(ctx, name, true, log)
		if e.o.cache != nil {
			_ = e.o.cache.Put(ctx, e.orgID, field, e.identity, resp.Value, resp.Confidence, name, cfg.CacheTTLDays)
		}
		log.Info("waterfall: field resolved",
			zap.String("provider", name),
			zap.Float64("confidence", resp.Confidence),
			zap.Float64("cost", resp.Cost),
		)
		e.save(ctx)
		return nil
	}

	e.unresolved(ctx, field, model.ReasonProvidersExhausted)
	return nil
}

// fromCache accepts a cached value for field. It reports whether the field
// is now settled.
func (e *execution) fromCache(ctx context.Context, field string, log *zap.Logger) bool {
	if e.o.cache == nil {
		return false
	}
	entry, _ := e.o.cache.Get(ctx, e.orgID, field, e.identity)
	if entry == nil {
		return false
	}
	err := e.job.Accept(field, model.FieldResult{
		Provider:   model.CacheProvider,
		Value:      entry.Value,
		Confidence: entry.Confidence,
	})
	if err != nil {
		return errors.Is(err, model.ErrJobTerminal)
	}
	e.audit(field, model.CacheProvider, model.AttemptCacheHit, nil)
	log.Info("waterfall: cache hit", zap.String("cached_provider", entry.Provider))
	e.save(ctx)
	return true
}

// errGateWait marks a call that never reached the provider because the
// local gate could not be acquired. It says nothing about provider health.
var errGateWait = eris.New("waterfall: provider gate wait failed")

// call waits for a slot on the provider's gate and invokes the adapter.
func (e *execution) call(ctx context.Context, a provider.Adapter, field string, timeout time.Duration) (*provider.Response, error) {
	release, err := e.o.registry.Gate(a.Name()).Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrapf(errGateWait, "%s: %v", a.Name(), err)
	}
	defer release()
	return provider.Invoke(ctx, a, field, e.identity, timeout)
}

func (e *execution) circuitOpen(ctx context.Context, name string, log *zap.Logger) bool {
	state, err := e.o.health.State(ctx, e.orgID, name)
	if err != nil {
		log.Warn("waterfall: health lookup failed, assuming closed", zap.String("provider", name), zap.Error(err))
		return false
	}
	return state == model.CircuitOpen
}

func (e *execution) recordHealth(ctx context.Context, name string, success bool, log *zap.Logger) {
	var err error
	if success {
		err = e.o.health.RecordSuccess(ctx, e.orgID, name)
	} else {
		err = e.o.health.RecordFailure(ctx, e.orgID, name)
	}
	if err != nil {
		log.Warn("waterfall: record health failed", zap.String("provider", name), zap.Error(err))
	}
}

func (e *execution) unresolved(ctx context.Context, field string, reason model.UnresolvedReason) {
	if err := e.job.MarkUnresolved(field, reason); err != nil {
		return
	}
	e.save(ctx)
}

func (e *execution) audit(field, name string, outcome model.AttemptOutcome, resp *provider.Response) {
	a := model.Attempt{Field: field, Provider: name, Outcome: outcome, At: e.o.now().UTC()}
	if resp != nil {
		a.Confidence = resp.Confidence
		a.Cost = resp.Cost
		a.LatencyMs = resp.LatencyMs
	}
	_ = e.job.RecordAttempt(a)
}

func (e *execution) auditErr(field, name string, outcome model.AttemptOutcome, err error) {
	_ = e.job.RecordAttempt(model.Attempt{
		Field:    field,
		Provider: name,
		Outcome:  outcome,
		Error:    err.Error(),
		At:       e.o.now().UTC(),
	})
}

// save runs the checkpoint hook. Failures are logged; the caller persists
// the final job regardless.
func (e *execution) save(ctx context.Context) {
	if e.o.checkpoint == nil {
		return
	}
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()
	if err := e.o.checkpoint(ctx, e.job); err != nil {
		e.log.Warn("waterfall: checkpoint failed", zap.Error(err))
	}
}
