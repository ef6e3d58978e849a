package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/resilience"
	"github.com/sells-group/lead-enrichment/internal/waterfall/provider"
)

type probeAdapter struct {
	name    string
	healthy bool
}

func (a *probeAdapter) Name() string { return a.name }

func (a *probeAdapter) Request(context.Context, string, model.ContactIdentity) (*provider.Response, error) {
	return nil, provider.ErrTimeout
}

func (a *probeAdapter) HealthCheck(context.Context) bool { return a.healthy }

type staticOrgs []string

func (o staticOrgs) ListOrganizations(context.Context) ([]string, error) { return o, nil }

func TestProber_RecordsEveryOrganization(t *testing.T) {
	ctx := context.Background()
	reg := provider.NewRegistry(provider.Limits{})
	reg.Register(&probeAdapter{name: "apollo", healthy: true}, nil)
	reg.Register(&probeAdapter{name: "clearbit", healthy: false}, nil)

	tr := NewMemoryTracker(resilience.CircuitPolicy{FailureThreshold: 1})
	p := NewProber(reg, tr, staticOrgs{"org-1", "org-2"}, 0)

	results, err := p.Probe(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []ProbeResult{
		{Provider: "apollo", Healthy: true},
		{Provider: "clearbit", Healthy: false},
	}, results)

	for _, org := range []string{"org-1", "org-2"} {
		state, _ := tr.State(ctx, org, "clearbit")
		assert.Equal(t, model.CircuitOpen, state, org)
		state, _ = tr.State(ctx, org, "apollo")
		assert.Equal(t, model.CircuitClosed, state, org)
	}
}

func TestProber_SingleOrganization(t *testing.T) {
	ctx := context.Background()
	reg := provider.NewRegistry(provider.Limits{})
	reg.Register(&probeAdapter{name: "apollo", healthy: true}, nil)

	tr := NewMemoryTracker(resilience.DefaultCircuitPolicy())
	p := NewProber(reg, tr, nil, 0)

	_, err := p.Probe(ctx, "org-9")
	require.NoError(t, err)

	list, err := tr.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "org-9", list[0].OrganizationID)
	assert.Equal(t, int64(1), list[0].SuccessCount)

	_, err = p.Probe(ctx, "")
	assert.Error(t, err)
}
