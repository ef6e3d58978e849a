package health

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/resilience"
	"github.com/sells-group/lead-enrichment/internal/store"
)

// StoreTracker persists health records through a store. Each outcome is one
// transactional read-modify-write, so workers in different processes share a
// consistent breaker.
type StoreTracker struct {
	store  store.HealthStore
	policy resilience.CircuitPolicy
	now    func() time.Time
}

// NewStoreTracker creates a tracker backed by s.
func NewStoreTracker(s store.HealthStore, policy resilience.CircuitPolicy) *StoreTracker {
	return &StoreTracker{store: s, policy: policy, now: time.Now}
}

// SetNow replaces the clock. Tests only.
func (t *StoreTracker) SetNow(now func() time.Time) { t.now = now }

func (t *StoreTracker) State(ctx context.Context, orgID, providerID string) (model.CircuitState, error) {
	h, err := t.store.GetHealth(ctx, orgID, providerID)
	if err != nil {
		return model.CircuitClosed, eris.Wrapf(err, "health: state %s/%s", orgID, providerID)
	}
	return t.policy.State(h, t.now()), nil
}

func (t *StoreTracker) RecordSuccess(ctx context.Context, orgID, providerID string) error {
	return t.record(ctx, orgID, providerID, t.policy.RecordSuccess)
}

func (t *StoreTracker) RecordFailure(ctx context.Context, orgID, providerID string) error {
	return t.record(ctx, orgID, providerID, t.policy.RecordFailure)
}

func (t *StoreTracker) record(ctx context.Context, orgID, providerID string,
	apply func(*model.ProviderHealth, time.Time) model.CircuitState) error {
	var from model.CircuitState
	h, err := t.store.UpdateHealth(ctx, orgID, providerID, func(h *model.ProviderHealth) error {
		from = apply(h, t.now())
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "health: record %s/%s", orgID, providerID)
	}
	logTransition(orgID, providerID, from, h.CircuitState)
	return nil
}

func (t *StoreTracker) List(ctx context.Context, orgID string) ([]model.ProviderHealth, error) {
	out, err := t.store.ListHealth(ctx, orgID)
	return out, eris.Wrap(err, "health: list")
}
