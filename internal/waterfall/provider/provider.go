// Package provider defines the adapter contract for third-party enrichment
// providers and the registry the orchestrator looks them up in.
package provider

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrichment/internal/model"
)

// Response is a single field value returned by a provider.
type Response struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	Cost       float64 `json:"cost"`
	LatencyMs  int64   `json:"latency_ms"`
}

// Validate checks the bounds an adapter promises to respect.
func (r *Response) Validate() error {
	if !finite(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return eris.Errorf("confidence %v out of [0,1]", r.Confidence)
	}
	if !finite(r.Cost) || r.Cost < 0 {
		return eris.Errorf("cost %v is not a non-negative number", r.Cost)
	}
	if r.LatencyMs < 0 {
		return eris.Errorf("negative latency %d", r.LatencyMs)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Adapter is one third-party data provider.
//
// Request must honour the ctx deadline and report every expected failure as
// ErrTimeout or *Error. Anything else (a panic, an untyped error, a nil
// response without an error, out-of-range numbers) is a contract violation
// and fails the whole job.
type Adapter interface {
	// Name returns the provider id used in waterfall provider orders.
	Name() string
	// Request resolves one field for a contact.
	Request(ctx context.Context, field string, identity model.ContactIdentity) (*Response, error)
	// HealthCheck reports whether the provider is reachable.
	HealthCheck(ctx context.Context) bool
}

// Registry maps provider ids to adapters and their call gates.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	gates    map[string]*Gate
	defaults Limits
}

// NewRegistry creates an empty registry. Adapters registered without their
// own limits get defaults.
func NewRegistry(defaults Limits) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		gates:    make(map[string]*Gate),
		defaults: defaults,
	}
}

// Register adds an adapter, replacing any previous one with the same name.
// A nil limits uses the registry defaults.
func (r *Registry) Register(a Adapter, limits *Limits) {
	lim := r.defaults
	if limits != nil {
		lim = *limits
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
	r.gates[a.Name()] = NewGate(lim)
}

// Get returns an adapter by name, or nil if not found.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// Gate returns the call gate of a registered provider, or nil.
func (r *Registry) Gate(name string) *Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gates[name]
}

// List returns all registered provider names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
