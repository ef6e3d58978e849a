// Package health tracks per-organization provider health and drives the
// circuit-breaker policy from recorded call outcomes.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/resilience"
)

// Tracker records provider outcomes and reports circuit state. Updates for
// one (organization, provider) pair are serialized so no outcome is lost when
// many jobs report at once.
type Tracker interface {
	// State returns the effective circuit state at the tracker's clock.
	State(ctx context.Context, orgID, providerID string) (model.CircuitState, error)
	RecordSuccess(ctx context.Context, orgID, providerID string) error
	RecordFailure(ctx context.Context, orgID, providerID string) error
	// List returns the records of one organization, or all when orgID is empty.
	List(ctx context.Context, orgID string) ([]model.ProviderHealth, error)
}

type key struct{ org, provider string }

// MemoryTracker keeps health records in process memory.
type MemoryTracker struct {
	policy resilience.CircuitPolicy
	now    func() time.Time

	mu      sync.Mutex
	records map[key]*model.ProviderHealth
	locks   map[key]*sync.Mutex
}

// NewMemoryTracker creates a tracker for the given policy.
func NewMemoryTracker(policy resilience.CircuitPolicy) *MemoryTracker {
	return &MemoryTracker{
		policy:  policy,
		now:     time.Now,
		records: make(map[key]*model.ProviderHealth),
		locks:   make(map[key]*sync.Mutex),
	}
}

// SetNow replaces the clock. Tests only.
func (t *MemoryTracker) SetNow(now func() time.Time) { t.now = now }

// lock returns the per-key mutex and the record, creating both on first use.
func (t *MemoryTracker) lock(k key) (*sync.Mutex, *model.ProviderHealth) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[k]
	if !ok {
		l = &sync.Mutex{}
		t.locks[k] = l
		t.records[k] = model.NewProviderHealth(k.org, k.provider)
	}
	return l, t.records[k]
}

func (t *MemoryTracker) State(_ context.Context, orgID, providerID string) (model.CircuitState, error) {
	l, h := t.lock(key{orgID, providerID})
	l.Lock()
	defer l.Unlock()
	return t.policy.State(h, t.now()), nil
}

func (t *MemoryTracker) RecordSuccess(_ context.Context, orgID, providerID string) error {
	l, h := t.lock(key{orgID, providerID})
	l.Lock()
	from := t.policy.RecordSuccess(h, t.now())
	to := h.CircuitState
	l.Unlock()
	logTransition(orgID, providerID, from, to)
	return nil
}

func (t *MemoryTracker) RecordFailure(_ context.Context, orgID, providerID string) error {
	l, h := t.lock(key{orgID, providerID})
	l.Lock()
	from := t.policy.RecordFailure(h, t.now())
	to := h.CircuitState
	l.Unlock()
	logTransition(orgID, providerID, from, to)
	return nil
}

func (t *MemoryTracker) List(_ context.Context, orgID string) ([]model.ProviderHealth, error) {
	t.mu.Lock()
	keys := make([]key, 0, len(t.records))
	for k := range t.records {
		if orgID == "" || k.org == orgID {
			keys = append(keys, k)
		}
	}
	t.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].org != keys[j].org {
			return keys[i].org < keys[j].org
		}
		return keys[i].provider < keys[j].provider
	})

	out := make([]model.ProviderHealth, 0, len(keys))
	for _, k := range keys {
		l, h := t.lock(k)
		l.Lock()
		out = append(out, *h)
		l.Unlock()
	}
	return out, nil
}

func logTransition(orgID, providerID string, from, to model.CircuitState) {
	if from == to {
		return
	}
	zap.L().Info("health: circuit transition",
		zap.String("org_id", orgID),
		zap.String("provider", providerID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}
