package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/resilience"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrJobFinalized is returned by SaveJob when the stored job already has a
	// terminal status; a late writer must not regress it.
	ErrJobFinalized = eris.New("store: job already finalized")
)

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	OrganizationID string          `json:"organization_id,omitempty"`
	Status         model.JobStatus `json:"status,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	Offset         int             `json:"offset,omitempty"`
}

// JobStats aggregates job outcomes for monitoring.
type JobStats struct {
	Pending   int     `json:"pending"`
	Running   int     `json:"running"`
	Completed int     `json:"completed"`
	Exhausted int     `json:"exhausted"`
	Failed    int     `json:"failed"`
	TotalCost float64 `json:"total_cost"`
}

// Total returns the number of jobs counted.
func (s JobStats) Total() int {
	return s.Pending + s.Running + s.Completed + s.Exhausted + s.Failed
}

// JobStore persists enrichment jobs as whole documents.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.EnrichmentJob) error
	CreateJobs(ctx context.Context, jobs []*model.EnrichmentJob) error
	SaveJob(ctx context.Context, job *model.EnrichmentJob) error
	GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*model.EnrichmentJob, error)
	JobStats(ctx context.Context, since time.Time) (*JobStats, error)
}

// HealthStore persists provider circuit-breaker records.
type HealthStore interface {
	// UpdateHealth loads (or creates) the record for (orgID, providerID),
	// applies fn and writes it back in one transaction. Concurrent updates of
	// the same pair are serialized.
	UpdateHealth(ctx context.Context, orgID, providerID string, fn func(h *model.ProviderHealth) error) (*model.ProviderHealth, error)
	// GetHealth returns nil, nil when no record exists.
	GetHealth(ctx context.Context, orgID, providerID string) (*model.ProviderHealth, error)
	// ListHealth returns all records of orgID, or of every org when empty.
	ListHealth(ctx context.Context, orgID string) ([]model.ProviderHealth, error)
}

// CacheStore persists enrichment cache entries.
type CacheStore interface {
	// GetCacheEntry returns nil, nil on a miss or when the entry expired at now.
	GetCacheEntry(ctx context.Context, orgID, field, identityKey string, now time.Time) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry model.CacheEntry) error
	DeleteExpiredFields(ctx context.Context, now time.Time) (int, error)
}

// ConfigStore persists per-organization waterfall policies.
type ConfigStore interface {
	// GetWaterfallConfig returns nil, nil when the field has no policy.
	GetWaterfallConfig(ctx context.Context, orgID, field string) (*model.WaterfallConfig, error)
	PutWaterfallConfig(ctx context.Context, cfg model.WaterfallConfig) error
	ListOrganizations(ctx context.Context) ([]string, error)
}

// DLQ persists failed jobs for inspection and requeue.
type DLQ interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)
}

// Store is the full persistence interface of the enrichment service.
type Store interface {
	JobStore
	HealthStore
	CacheStore
	ConfigStore
	DLQ

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// jobRow is the indexed projection of a job stored next to its document.
type jobRow struct {
	id, orgID, contactID string
	status               model.JobStatus
	totalCost            float64
	doc                  []byte
}

func encodeJob(job *model.EnrichmentJob) (jobRow, error) {
	job.Lock()
	defer job.Unlock()
	doc, err := json.Marshal(job)
	if err != nil {
		return jobRow{}, eris.Wrapf(err, "marshal job %s", job.ID)
	}
	return jobRow{
		id:        job.ID,
		orgID:     job.OrganizationID,
		contactID: job.ContactID,
		status:    job.Status,
		totalCost: job.TotalCost,
		doc:       doc,
	}, nil
}

func decodeJob(doc []byte) (*model.EnrichmentJob, error) {
	var job model.EnrichmentJob
	if err := json.Unmarshal(doc, &job); err != nil {
		return nil, eris.Wrap(err, "unmarshal job")
	}
	return &job, nil
}

func nanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UTC().UnixNano()
	return &v
}

func timeFromNanos(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(0, *v).UTC()
	return &t
}

var terminalStatuses = []string{
	string(model.JobStatusCompleted),
	string(model.JobStatusFailed),
	string(model.JobStatusExhausted),
}
