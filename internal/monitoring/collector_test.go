package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/resilience"
	"github.com/sells-group/lead-enrichment/internal/store"
)

// mockStore implements MetricsStore for testing.
type mockStore struct {
	stats     store.JobStats
	health    []model.ProviderHealth
	dlqCount  int
	since     time.Time
	statsErr  error
	healthErr error
	dlqErr    error
}

func (m *mockStore) JobStats(_ context.Context, since time.Time) (*store.JobStats, error) {
	m.since = since
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	s := m.stats
	return &s, nil
}

func (m *mockStore) ListHealth(context.Context, string) ([]model.ProviderHealth, error) {
	return m.health, m.healthErr
}

func (m *mockStore) CountDLQ(context.Context) (int, error) {
	return m.dlqCount, m.dlqErr
}

var collectNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCollector(st MetricsStore) *Collector {
	c := NewCollector(st, resilience.DefaultCircuitPolicy())
	c.now = func() time.Time { return collectNow }
	return c
}

func TestCollector_Collect(t *testing.T) {
	recent := collectNow.Add(-10 * time.Second)
	stale := collectNow.Add(-2 * time.Hour)
	st := &mockStore{
		stats: store.JobStats{Pending: 2, Running: 1, Completed: 6, Exhausted: 2, Failed: 2, TotalCost: 12.0},
		health: []model.ProviderHealth{
			{OrganizationID: "org-1", ProviderID: "apollo", CircuitState: model.CircuitOpen, LastFailureAt: &recent},
			{OrganizationID: "org-1", ProviderID: "clearbit", CircuitState: model.CircuitClosed},
			// Cooled down long ago, so effectively half-open.
			{OrganizationID: "org-2", ProviderID: "hunter", CircuitState: model.CircuitOpen, LastFailureAt: &stale},
		},
		dlqCount: 4,
	}

	snap, err := newTestCollector(st).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, collectNow.Add(-24*time.Hour), st.since)
	assert.Equal(t, 13, snap.JobsTotal)
	assert.Equal(t, 10, snap.Finished())
	assert.InDelta(t, 0.2, snap.FailureRate, 1e-9)
	assert.InDelta(t, 0.2, snap.ExhaustionRate, 1e-9)
	assert.InDelta(t, 12.0, snap.CostUSD, 1e-9)
	assert.InDelta(t, 1.2, snap.AvgCostPerJob, 1e-9)
	assert.Equal(t, []string{"org-1/apollo"}, snap.OpenCircuits)
	assert.Equal(t, 4, snap.DLQDepth)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, collectNow, snap.CollectedAt)
}

func TestCollector_Collect_Empty(t *testing.T) {
	snap, err := newTestCollector(&mockStore{}).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.JobsTotal)
	assert.Zero(t, snap.FailureRate)
	assert.Zero(t, snap.AvgCostPerJob)
	assert.Empty(t, snap.OpenCircuits)
}

func TestCollector_Collect_Errors(t *testing.T) {
	boom := errors.New("db down")
	tests := []struct {
		name string
		st   *mockStore
	}{
		{"stats", &mockStore{statsErr: boom}},
		{"health", &mockStore{healthErr: boom}},
		{"dlq", &mockStore{dlqErr: boom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestCollector(tt.st).Collect(context.Background(), 24)
			assert.Error(t, err)
		})
	}
}

func TestCollector_Collect_SQLite(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(ctx))

	job, err := model.NewJob("job-1", "org-1", "c1", []string{"title"}, model.ContactIdentity{})
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, job.Start(time.Now()))
	require.NoError(t, job.MarkFailed(errors.New("adapter bug"), time.Now()))
	require.NoError(t, s.SaveJob(ctx, job))
	require.NoError(t, s.EnqueueDLQ(ctx, resilience.NewDLQEntry(job, nil, 0, time.Now())))

	snap, err := NewCollector(s, resilience.DefaultCircuitPolicy()).Collect(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.JobsFailed)
	assert.Equal(t, 1, snap.DLQDepth)
	assert.InDelta(t, 1.0, snap.FailureRate, 1e-9)
}
