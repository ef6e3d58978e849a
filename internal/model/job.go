package model

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// JobStatus represents the current state of an enrichment job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusExhausted JobStatus = "exhausted"
)

// IsTerminal reports whether no further mutation is allowed in this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusExhausted:
		return true
	}
	return false
}

// IsValid reports whether s is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusExhausted:
		return true
	}
	return false
}

// UnresolvedReason explains why a requested field has no result.
type UnresolvedReason string

const (
	ReasonNoProviderConfigured UnresolvedReason = "no_provider_configured"
	ReasonBudgetExceeded       UnresolvedReason = "budget_exceeded"
	ReasonProvidersExhausted   UnresolvedReason = "providers_exhausted"
)

// CacheProvider is the provider tag used for results served from the cache.
const CacheProvider = "cache"

var (
	// ErrJobTerminal is returned by any mutation attempted after a terminal status.
	ErrJobTerminal = eris.New("job is in a terminal state")
	// ErrFieldResolved is returned when a second result is offered for a field.
	ErrFieldResolved = eris.New("field already has a result")
	// ErrFieldNotRequested is returned for fields outside the job's field requests.
	ErrFieldNotRequested = eris.New("field was not requested")
	// ErrInvalidResult is returned for results violating the value bounds.
	ErrInvalidResult = eris.New("invalid field result")
)

// FieldResult is one accepted value for a requested field.
type FieldResult struct {
	Field      string  `json:"field"`
	Provider   string  `json:"provider"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	Cost       float64 `json:"cost"`
	LatencyMs  int64   `json:"latency_ms"`
}

// Validate checks the numeric bounds of a result.
func (r FieldResult) Validate() error {
	if r.Field == "" {
		return eris.Wrap(ErrInvalidResult, "empty field")
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return eris.Wrapf(ErrInvalidResult, "confidence %v out of [0,1]", r.Confidence)
	}
	if math.IsNaN(r.Cost) || math.IsInf(r.Cost, 0) || r.Cost < 0 {
		return eris.Wrapf(ErrInvalidResult, "cost %v is not a non-negative number", r.Cost)
	}
	if r.LatencyMs < 0 {
		return eris.Wrapf(ErrInvalidResult, "negative latency %d", r.LatencyMs)
	}
	return nil
}

// UnresolvedField records a requested field left without a result.
type UnresolvedField struct {
	Field  string           `json:"field"`
	Reason UnresolvedReason `json:"reason"`
}

// AttemptOutcome classifies a single waterfall step.
type AttemptOutcome string

const (
	AttemptAccepted           AttemptOutcome = "accepted"
	AttemptLowConfidence      AttemptOutcome = "low_confidence"
	AttemptTimeout            AttemptOutcome = "timeout"
	AttemptProviderError      AttemptOutcome = "provider_error"
	AttemptCircuitOpenSkipped AttemptOutcome = "circuit_open_skipped"
	AttemptBudgetExceeded     AttemptOutcome = "budget_exceeded"
	AttemptContractViolation  AttemptOutcome = "contract_violation"
	AttemptUnknownProvider    AttemptOutcome = "unknown_provider"
	AttemptCacheHit           AttemptOutcome = "cache_hit"
	AttemptRateLimited        AttemptOutcome = "rate_limited"
)

// Attempt is one entry of the job's audit trail.
type Attempt struct {
	Field      string         `json:"field"`
	Provider   string         `json:"provider"`
	Outcome    AttemptOutcome `json:"outcome"`
	Confidence float64        `json:"confidence,omitempty"`
	Cost       float64        `json:"cost,omitempty"`
	LatencyMs  int64          `json:"latency_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	At         time.Time      `json:"at"`
}

// EnrichmentJob tracks one enrichment request and its accumulated results.
//
// The mutating methods are safe for concurrent use by the field workers of a
// single execution. Exported fields must not be read while an execution is in
// flight; the persistence layer reads them only after Execute returns.
type EnrichmentJob struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	ContactID      string            `json:"contact_id"`
	Status         JobStatus         `json:"status"`
	FieldRequests  []string          `json:"field_requests"`
	Identity       ContactIdentity   `json:"identity"`
	Results        []FieldResult     `json:"results"`
	TotalCost      float64           `json:"total_cost"`
	TotalLatencyMs int64             `json:"total_latency_ms"`
	ProvidersTried []string          `json:"providers_tried"`
	Unresolved     []UnresolvedField `json:"unresolved,omitempty"`
	Attempts       []Attempt         `json:"attempts,omitempty"`
	Error          *string           `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`

	mu sync.Mutex
}

// NewJob creates a pending job. Field names are trimmed and deduplicated,
// keeping the order of first appearance.
func NewJob(id, orgID, contactID string, fields []string, identity ContactIdentity) (*EnrichmentJob, error) {
	if id == "" {
		return nil, eris.New("model: job id is required")
	}
	if orgID == "" {
		return nil, eris.New("model: organization id is required")
	}
	deduped := DedupFields(fields)
	if len(deduped) == 0 {
		return nil, eris.New("model: at least one field is required")
	}
	return &EnrichmentJob{
		ID:             id,
		OrganizationID: orgID,
		ContactID:      contactID,
		Status:         JobStatusPending,
		FieldRequests:  deduped,
		Identity:       identity,
		Results:        []FieldResult{},
		ProvidersTried: []string{},
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DedupFields trims, drops empties and removes duplicates preserving order.
func DedupFields(fields []string) []string {
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Start moves a pending job to running. Calling it on a running job is a no-op.
func (j *EnrichmentJob) Start(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.Status {
	case JobStatusRunning:
		return nil
	case JobStatusPending:
		j.Status = JobStatusRunning
		if j.StartedAt == nil {
			t := now.UTC()
			j.StartedAt = &t
		}
		return nil
	default:
		return ErrJobTerminal
	}
}

// Accept appends the first result for a field.
func (j *EnrichmentJob) Accept(field string, result FieldResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status.IsTerminal() {
		return ErrJobTerminal
	}
	if !j.requested(field) {
		return eris.Wrapf(ErrFieldNotRequested, "field %s", field)
	}
	if j.hasResult(field) {
		return eris.Wrapf(ErrFieldResolved, "field %s", field)
	}
	result.Field = field
	if err := result.Validate(); err != nil {
		return err
	}

	j.Results = append(j.Results, result)
	j.TotalCost += result.Cost
	j.TotalLatencyMs += result.LatencyMs
	j.ProvidersTried = append(j.ProvidersTried, result.Provider)
	j.clearUnresolved(field)
	return nil
}

// RecordTried appends a provider that was invoked without producing an
// accepted result.
func (j *EnrichmentJob) RecordTried(provider string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status.IsTerminal() {
		return ErrJobTerminal
	}
	j.ProvidersTried = append(j.ProvidersTried, provider)
	return nil
}

// RecordAttempt appends an audit entry.
func (j *EnrichmentJob) RecordAttempt(a Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status.IsTerminal() {
		return ErrJobTerminal
	}
	j.Attempts = append(j.Attempts, a)
	return nil
}

// MarkUnresolved records why a field has no result. A later call for the same
// field replaces the reason.
func (j *EnrichmentJob) MarkUnresolved(field string, reason UnresolvedReason) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status.IsTerminal() {
		return ErrJobTerminal
	}
	if !j.requested(field) {
		return eris.Wrapf(ErrFieldNotRequested, "field %s", field)
	}
	if j.hasResult(field) {
		return eris.Wrapf(ErrFieldResolved, "field %s", field)
	}
	for i := range j.Unresolved {
		if j.Unresolved[i].Field == field {
			j.Unresolved[i].Reason = reason
			return nil
		}
	}
	j.Unresolved = append(j.Unresolved, UnresolvedField{Field: field, Reason: reason})
	return nil
}

// MarkCompleted sets the completed terminal status.
func (j *EnrichmentJob) MarkCompleted(now time.Time) error {
	return j.terminate(JobStatusCompleted, nil, now)
}

// MarkExhausted sets the exhausted terminal status.
func (j *EnrichmentJob) MarkExhausted(now time.Time) error {
	return j.terminate(JobStatusExhausted, nil, now)
}

// MarkFailed sets the failed terminal status with the given error.
func (j *EnrichmentJob) MarkFailed(cause error, now time.Time) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return j.terminate(JobStatusFailed, &msg, now)
}

// Finish picks the terminal status from the accumulated results: completed
// when every requested field has a result, exhausted otherwise. A failed job
// is left untouched.
func (j *EnrichmentJob) Finish(now time.Time) error {
	j.mu.Lock()
	status := j.Status
	complete := len(j.Results) == len(j.FieldRequests)
	j.mu.Unlock()

	if status == JobStatusFailed {
		return nil
	}
	if complete {
		return j.MarkCompleted(now)
	}
	return j.MarkExhausted(now)
}

func (j *EnrichmentJob) terminate(status JobStatus, errMsg *string, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status.IsTerminal() {
		return ErrJobTerminal
	}
	if j.Status != JobStatusRunning {
		return eris.Errorf("model: job %s cannot move from %s to %s", j.ID, j.Status, status)
	}
	j.Status = status
	j.Error = errMsg
	t := now.UTC()
	j.CompletedAt = &t
	return nil
}

// HasResult reports whether field already has an accepted result.
func (j *EnrichmentJob) HasResult(field string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.hasResult(field)
}

// IsSettled reports whether a previous run already decided the field, either
// with a result or with a recorded unresolved reason.
func (j *EnrichmentJob) IsSettled(field string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.hasResult(field) {
		return true
	}
	for _, u := range j.Unresolved {
		if u.Field == field {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the job reached a terminal status.
func (j *EnrichmentJob) IsTerminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status.IsTerminal()
}

// CurrentStatus returns the status under the job lock.
func (j *EnrichmentJob) CurrentStatus() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

// Result returns the accepted result for a field, if any.
func (j *EnrichmentJob) Result(field string) (FieldResult, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.Results {
		if r.Field == field {
			return r, true
		}
	}
	return FieldResult{}, false
}

// Lock and Unlock expose the job mutex so a persistence checkpoint taken while
// field workers are still running reads a consistent view.
func (j *EnrichmentJob) Lock()   { j.mu.Lock() }
func (j *EnrichmentJob) Unlock() { j.mu.Unlock() }

func (j *EnrichmentJob) requested(field string) bool {
	for _, f := range j.FieldRequests {
		if f == field {
			return true
		}
	}
	return false
}

func (j *EnrichmentJob) hasResult(field string) bool {
	for _, r := range j.Results {
		if r.Field == field {
			return true
		}
	}
	return false
}

func (j *EnrichmentJob) clearUnresolved(field string) {
	kept := j.Unresolved[:0]
	for _, u := range j.Unresolved {
		if u.Field != field {
			kept = append(kept, u)
		}
	}
	j.Unresolved = kept
}
