// Package resilience provides the circuit-breaker policy, transient error
// classification and retry helpers used around provider calls.
package resilience

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrichment/internal/model"
)

// ErrCircuitOpen is returned when a provider is skipped because its circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens a circuit.
	DefaultFailureThreshold = 5
	// DefaultCooldown is how long an open circuit waits before allowing a probe.
	DefaultCooldown = 60 * time.Second
)

// CircuitPolicy is the breaker state machine. It holds no state of its own:
// every transition is applied to a model.ProviderHealth record, so the
// caller decides where that record lives and how updates are serialized.
type CircuitPolicy struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// closed circuit. Default: 5.
	FailureThreshold int

	// Cooldown is the time after the last failure before an open circuit
	// admits a half-open probe. Default: 60s.
	Cooldown time.Duration
}

// DefaultCircuitPolicy returns the stock thresholds.
func DefaultCircuitPolicy() CircuitPolicy {
	return CircuitPolicy{
		FailureThreshold: DefaultFailureThreshold,
		Cooldown:         DefaultCooldown,
	}
}

func (p CircuitPolicy) normalized() CircuitPolicy {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = DefaultFailureThreshold
	}
	if p.Cooldown <= 0 {
		p.Cooldown = DefaultCooldown
	}
	return p
}

// State returns the effective state of h at now. An open circuit whose
// cooldown has elapsed reports half-open even though the stored record still
// says open; the record is only rewritten on the next recorded outcome.
func (p CircuitPolicy) State(h *model.ProviderHealth, now time.Time) model.CircuitState {
	if h == nil {
		return model.CircuitClosed
	}
	p = p.normalized()
	switch h.CircuitState {
	case model.CircuitOpen:
		if h.LastFailureAt == nil || now.Sub(*h.LastFailureAt) >= p.Cooldown {
			return model.CircuitHalfOpen
		}
		return model.CircuitOpen
	case model.CircuitHalfOpen:
		return model.CircuitHalfOpen
	default:
		return model.CircuitClosed
	}
}

// Allow reports whether a request may be sent. Closed and half-open circuits
// admit requests; an open circuit within its cooldown does not.
func (p CircuitPolicy) Allow(h *model.ProviderHealth, now time.Time) bool {
	return p.State(h, now) != model.CircuitOpen
}

// RecordSuccess applies a successful outcome: counters advance and the
// circuit closes with the failure streak reset. It returns the state before
// the update.
func (p CircuitPolicy) RecordSuccess(h *model.ProviderHealth, now time.Time) model.CircuitState {
	from := p.State(h, now)
	t := now.UTC()
	h.SuccessCount++
	h.LastSuccessAt = &t
	h.ConsecutiveFailures = 0
	h.CircuitState = model.CircuitClosed
	return from
}

// RecordFailure applies a failed outcome. A closed circuit opens once the
// streak reaches the threshold; a half-open probe that fails reopens at once.
// It returns the state before the update.
func (p CircuitPolicy) RecordFailure(h *model.ProviderHealth, now time.Time) model.CircuitState {
	p = p.normalized()
	from := p.State(h, now)
	t := now.UTC()
	h.FailureCount++
	h.LastFailureAt = &t
	h.ConsecutiveFailures++

	switch from {
	case model.CircuitHalfOpen, model.CircuitOpen:
		h.CircuitState = model.CircuitOpen
	default:
		if h.ConsecutiveFailures >= p.FailureThreshold {
			h.CircuitState = model.CircuitOpen
		} else {
			h.CircuitState = model.CircuitClosed
		}
	}
	return from
}
