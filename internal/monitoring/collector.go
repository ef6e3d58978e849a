package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/resilience"
	"github.com/sells-group/lead-enrichment/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	JobsTotal      int     `json:"jobs_total"`
	JobsPending    int     `json:"jobs_pending"`
	JobsRunning    int     `json:"jobs_running"`
	JobsCompleted  int     `json:"jobs_completed"`
	JobsExhausted  int     `json:"jobs_exhausted"`
	JobsFailed     int     `json:"jobs_failed"`
	FailureRate    float64 `json:"failure_rate"`
	ExhaustionRate float64 `json:"exhaustion_rate"`
	CostUSD        float64 `json:"cost_usd"`
	AvgCostPerJob  float64 `json:"avg_cost_per_job"`

	// Providers whose circuit is open, as "org/provider".
	OpenCircuits []string `json:"open_circuits"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished returns the number of jobs in a terminal state.
func (s *MetricsSnapshot) Finished() int {
	return s.JobsCompleted + s.JobsExhausted + s.JobsFailed
}

// MetricsStore is the subset of the store the collector reads.
type MetricsStore interface {
	JobStats(ctx context.Context, since time.Time) (*store.JobStats, error)
	ListHealth(ctx context.Context, orgID string) ([]model.ProviderHealth, error)
	CountDLQ(ctx context.Context) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store  MetricsStore
	policy resilience.CircuitPolicy
	now    func() time.Time
}

// NewCollector creates a new metrics collector. policy decides whether a
// stored open circuit has cooled down to half-open.
func NewCollector(st MetricsStore, policy resilience.CircuitPolicy) *Collector {
	return &Collector{store: st, policy: policy, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		OpenCircuits:  []string{},
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	stats, err := c.store.JobStats(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: job stats")
	}

	snap.JobsTotal = stats.Total()
	snap.JobsPending = stats.Pending
	snap.JobsRunning = stats.Running
	snap.JobsCompleted = stats.Completed
	snap.JobsExhausted = stats.Exhausted
	snap.JobsFailed = stats.Failed
	snap.CostUSD = stats.TotalCost
	if finished := snap.Finished(); finished > 0 {
		snap.FailureRate = float64(snap.JobsFailed) / float64(finished)
		snap.ExhaustionRate = float64(snap.JobsExhausted) / float64(finished)
		snap.AvgCostPerJob = snap.CostUSD / float64(finished)
	}

	records, err := c.store.ListHealth(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list provider health")
	}
	for i := range records {
		h := &records[i]
		if c.policy.State(h, now) == model.CircuitOpen {
			snap.OpenCircuits = append(snap.OpenCircuits, h.OrganizationID+"/"+h.ProviderID)
		}
	}
	sort.Strings(snap.OpenCircuits)

	// DLQ depth.
	dlqCount, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
