package health

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-enrichment/internal/waterfall/provider"
)

// OrganizationLister returns the organizations with known configuration.
type OrganizationLister interface {
	ListOrganizations(ctx context.Context) ([]string, error)
}

// ProbeResult is the outcome of one provider health check.
type ProbeResult struct {
	Provider string `json:"provider"`
	Healthy  bool   `json:"healthy"`
}

// Prober runs adapter health checks and feeds the outcomes into a Tracker
// for every organization, so a provider that recovered can close its circuits
// without waiting for live traffic.
type Prober struct {
	registry *provider.Registry
	tracker  Tracker
	orgs     OrganizationLister
	timeout  time.Duration
}

// NewProber creates a prober. timeout bounds each HealthCheck call.
func NewProber(reg *provider.Registry, tracker Tracker, orgs OrganizationLister, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{registry: reg, tracker: tracker, orgs: orgs, timeout: timeout}
}

// Probe checks every registered provider once and records the outcome for
// orgID, or for every known organization when orgID is empty.
func (p *Prober) Probe(ctx context.Context, orgID string) ([]ProbeResult, error) {
	orgs := []string{orgID}
	if orgID == "" {
		if p.orgs == nil {
			return nil, eris.New("health: no organization source configured")
		}
		var err error
		orgs, err = p.orgs.ListOrganizations(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "health: list organizations")
		}
	}

	names := p.registry.List()
	results := make([]ProbeResult, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range names {
		g.Go(func() error {
			a := p.registry.Get(name)
			cctx, cancel := context.WithTimeout(gctx, p.timeout)
			healthy := a.HealthCheck(cctx)
			cancel()
			results[i] = ProbeResult{Provider: name, Healthy: healthy}

			for _, org := range orgs {
				var err error
				if healthy {
					err = p.tracker.RecordSuccess(gctx, org, name)
				} else {
					err = p.tracker.RecordFailure(gctx, org, name)
				}
				if err != nil {
					return eris.Wrapf(err, "health: record probe %s", name)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	zap.L().Info("health: probe complete",
		zap.Int("providers", len(names)),
		zap.Int("organizations", len(orgs)),
	)
	return results, nil
}
