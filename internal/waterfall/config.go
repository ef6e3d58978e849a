package waterfall

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/store"
)

// Source looks up the waterfall policy of one field. A nil config with a nil
// error means the field has no policy.
type Source interface {
	Get(ctx context.Context, orgID, field string) (*model.WaterfallConfig, error)
}

// FileConfig is the YAML waterfall configuration.
type FileConfig struct {
	Defaults      FieldPolicy            `yaml:"defaults"`
	Fields        map[string]FieldPolicy `yaml:"fields"`
	Organizations map[string]OrgPolicy   `yaml:"organizations"`
}

// OrgPolicy holds the field policies of one organization.
type OrgPolicy struct {
	Fields map[string]FieldPolicy `yaml:"fields"`
}

// FieldPolicy is one field's policy as written in YAML. Unset values inherit
// from defaults.
type FieldPolicy struct {
	ProviderOrder  []string `yaml:"provider_order"`
	MaxAttempts    int      `yaml:"max_attempts"`
	TimeoutMs      int64    `yaml:"timeout_ms"`
	MinConfidence  *float64 `yaml:"min_confidence"`
	CacheTTLDays   *int     `yaml:"cache_ttl_days"`
	MaxCostPerLead *float64 `yaml:"max_cost_per_lead"`
}

// FileSource serves policies from a YAML file. Organization-specific fields
// take precedence over the shared fields section.
type FileSource struct {
	cfg FileConfig
}

// LoadConfig reads waterfall policies from a YAML file.
func LoadConfig(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML with a top-level "waterfall" key and validates
// every policy it resolves to.
func ParseConfig(data []byte) (*FileSource, error) {
	var wrapper struct {
		Waterfall FileConfig `yaml:"waterfall"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse config")
	}

	src := &FileSource{cfg: wrapper.Waterfall}
	for field, fp := range src.cfg.Fields {
		c := src.resolve("*", field, fp)
		if err := c.Validate(); err != nil {
			return nil, eris.Wrap(err, "waterfall")
		}
	}
	for org, op := range src.cfg.Organizations {
		for field, fp := range op.Fields {
			c := src.resolve(org, field, fp)
			if err := c.Validate(); err != nil {
				return nil, eris.Wrap(err, "waterfall")
			}
		}
	}
	return src, nil
}

// Get returns the resolved policy for (orgID, field), or nil.
func (s *FileSource) Get(_ context.Context, orgID, field string) (*model.WaterfallConfig, error) {
	if op, ok := s.cfg.Organizations[orgID]; ok {
		if fp, ok := op.Fields[field]; ok {
			c := s.resolve(orgID, field, fp)
			return &c, nil
		}
	}
	if fp, ok := s.cfg.Fields[field]; ok {
		c := s.resolve(orgID, field, fp)
		return &c, nil
	}
	return nil, nil
}

// Organizations returns the organizations with their own policies.
func (s *FileSource) Organizations() []string {
	orgs := make([]string, 0, len(s.cfg.Organizations))
	for org := range s.cfg.Organizations {
		orgs = append(orgs, org)
	}
	return orgs
}

// resolve applies defaults to a field policy.
func (s *FileSource) resolve(orgID, field string, fp FieldPolicy) model.WaterfallConfig {
	d := s.cfg.Defaults
	c := model.WaterfallConfig{
		OrganizationID: orgID,
		Field:          field,
		ProviderOrder:  fp.ProviderOrder,
		MaxAttempts:    fp.MaxAttempts,
		TimeoutMs:      fp.TimeoutMs,
	}
	if len(c.ProviderOrder) == 0 {
		c.ProviderOrder = d.ProviderOrder
	}
	c.ProviderOrder = append([]string(nil), c.ProviderOrder...)
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxAttempts == 0 || c.MaxAttempts > len(c.ProviderOrder) {
		c.MaxAttempts = len(c.ProviderOrder)
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = d.TimeoutMs
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 5000
	}
	switch {
	case fp.MinConfidence != nil:
		c.MinConfidence = *fp.MinConfidence
	case d.MinConfidence != nil:
		c.MinConfidence = *d.MinConfidence
	}
	switch {
	case fp.CacheTTLDays != nil:
		c.CacheTTLDays = *fp.CacheTTLDays
	case d.CacheTTLDays != nil:
		c.CacheTTLDays = *d.CacheTTLDays
	}
	switch {
	case fp.MaxCostPerLead != nil:
		v := *fp.MaxCostPerLead
		c.MaxCostPerLead = &v
	case d.MaxCostPerLead != nil:
		v := *d.MaxCostPerLead
		c.MaxCostPerLead = &v
	}
	return c
}

// StoreSource serves policies from the waterfall_configs table.
type StoreSource struct {
	store store.ConfigStore
}

// NewStoreSource creates a source backed by s.
func NewStoreSource(s store.ConfigStore) *StoreSource {
	return &StoreSource{store: s}
}

func (s *StoreSource) Get(ctx context.Context, orgID, field string) (*model.WaterfallConfig, error) {
	c, err := s.store.GetWaterfallConfig(ctx, orgID, field)
	return c, eris.Wrap(err, "waterfall: store source")
}

// chain asks each source in turn and returns the first policy found.
type chain []Source

// Chain combines sources; earlier sources win.
func Chain(sources ...Source) Source {
	return chain(sources)
}

func (c chain) Get(ctx context.Context, orgID, field string) (*model.WaterfallConfig, error) {
	for _, s := range c {
		cfg, err := s.Get(ctx, orgID, field)
		if err != nil {
			return nil, err
		}
		if cfg != nil {
			return cfg, nil
		}
	}
	return nil, nil
}

// ConfigSnapshot is the set of policies a job runs against. It is read once
// when the job starts so a policy change never affects a running job.
type ConfigSnapshot struct {
	configs map[string]*model.WaterfallConfig
}

// Snapshot reads the policy of every field exactly once.
func Snapshot(ctx context.Context, src Source, orgID string, fields []string) (*ConfigSnapshot, error) {
	snap := &ConfigSnapshot{configs: make(map[string]*model.WaterfallConfig, len(fields))}
	for _, field := range fields {
		if _, ok := snap.configs[field]; ok {
			continue
		}
		c, err := src.Get(ctx, orgID, field)
		if err != nil {
			return nil, eris.Wrapf(err, "waterfall: load config %s/%s", orgID, field)
		}
		if c != nil {
			if err := c.Validate(); err != nil {
				return nil, err
			}
			c = c.Clone()
		}
		snap.configs[field] = c
	}
	return snap, nil
}

// Get returns the policy of a field, or nil when none is configured.
func (s *ConfigSnapshot) Get(field string) *model.WaterfallConfig {
	return s.configs[field]
}

// CostCeiling returns the job-wide spend ceiling: the strictest
// MaxCostPerLead among the snapshot's policies, or nil when none sets one.
func (s *ConfigSnapshot) CostCeiling() *float64 {
	var ceiling *float64
	for _, c := range s.configs {
		if c == nil || c.MaxCostPerLead == nil {
			continue
		}
		if ceiling == nil || *c.MaxCostPerLead < *ceiling {
			v := *c.MaxCostPerLead
			ceiling = &v
		}
	}
	return ceiling
}
