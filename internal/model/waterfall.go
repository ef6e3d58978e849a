package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// WaterfallConfig is the resolution policy for one field of one organization.
type WaterfallConfig struct {
	OrganizationID string   `json:"organization_id" yaml:"-"`
	Field          string   `json:"field" yaml:"-"`
	ProviderOrder  []string `json:"provider_order" yaml:"provider_order"`
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	TimeoutMs      int64    `json:"timeout_ms" yaml:"timeout_ms"`
	MinConfidence  float64  `json:"min_confidence" yaml:"min_confidence"`
	CacheTTLDays   int      `json:"cache_ttl_days" yaml:"cache_ttl_days"`
	MaxCostPerLead *float64 `json:"max_cost_per_lead,omitempty" yaml:"max_cost_per_lead,omitempty"`
}

// Validate checks the policy invariants.
func (c *WaterfallConfig) Validate() error {
	if len(c.ProviderOrder) == 0 {
		return eris.Errorf("waterfall config %s/%s: provider_order is empty", c.OrganizationID, c.Field)
	}
	if c.MaxAttempts <= 0 || c.MaxAttempts > len(c.ProviderOrder) {
		return eris.Errorf("waterfall config %s/%s: max_attempts %d must be in [1,%d]",
			c.OrganizationID, c.Field, c.MaxAttempts, len(c.ProviderOrder))
	}
	if c.TimeoutMs <= 0 {
		return eris.Errorf("waterfall config %s/%s: timeout_ms must be positive", c.OrganizationID, c.Field)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return eris.Errorf("waterfall config %s/%s: min_confidence %v out of [0,1]",
			c.OrganizationID, c.Field, c.MinConfidence)
	}
	if c.CacheTTLDays < 0 {
		return eris.Errorf("waterfall config %s/%s: cache_ttl_days is negative", c.OrganizationID, c.Field)
	}
	if c.MaxCostPerLead != nil && *c.MaxCostPerLead < 0 {
		return eris.Errorf("waterfall config %s/%s: max_cost_per_lead is negative", c.OrganizationID, c.Field)
	}
	return nil
}

// Timeout returns TimeoutMs as a duration.
func (c *WaterfallConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// CacheTTL returns CacheTTLDays as a duration.
func (c *WaterfallConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLDays) * 24 * time.Hour
}

// Clone returns a deep copy so a job snapshot cannot be changed by its source.
func (c *WaterfallConfig) Clone() *WaterfallConfig {
	out := *c
	out.ProviderOrder = append([]string(nil), c.ProviderOrder...)
	if c.MaxCostPerLead != nil {
		v := *c.MaxCostPerLead
		out.MaxCostPerLead = &v
	}
	return &out
}

// CacheEntry is a previously accepted value for (organization, field, identity).
type CacheEntry struct {
	OrganizationID string    `json:"organization_id"`
	Field          string    `json:"field"`
	IdentityKey    string    `json:"identity_key"`
	Value          any       `json:"value"`
	Confidence     float64   `json:"confidence"`
	Provider       string    `json:"provider"`
	CachedAt       time.Time `json:"cached_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the entry is no longer valid at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
