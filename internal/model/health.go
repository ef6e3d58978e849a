package model

import "time"

// CircuitState is the circuit-breaker state of one provider for one organization.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ProviderHealth is the persisted circuit-breaker record for an
// (organization, provider) pair.
type ProviderHealth struct {
	OrganizationID string       `json:"organization_id"`
	ProviderID     string       `json:"provider_id"`
	SuccessCount   int64        `json:"success_count"`
	FailureCount   int64        `json:"failure_count"`
	CircuitState   CircuitState `json:"circuit_state"`
	LastFailureAt  *time.Time   `json:"last_failure_at,omitempty"`
	LastSuccessAt  *time.Time   `json:"last_success_at,omitempty"`

	// ConsecutiveFailures is the current failure streak. It is persisted so the
	// breaker survives worker restarts but is not part of the public view.
	ConsecutiveFailures int `json:"-"`
}

// NewProviderHealth returns a closed record with zero counters.
func NewProviderHealth(orgID, providerID string) *ProviderHealth {
	return &ProviderHealth{
		OrganizationID: orgID,
		ProviderID:     providerID,
		CircuitState:   CircuitClosed,
	}
}
