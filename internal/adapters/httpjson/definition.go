// Package httpjson implements provider adapters for JSON-over-HTTP
// enrichment APIs. Each provider is described in providers.yaml: how to
// build the request for a field and which gjson paths hold the value,
// confidence and billed cost in the response.
package httpjson

import (
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-enrichment/internal/cost"
	"github.com/sells-group/lead-enrichment/internal/waterfall/provider"
)

// File is the top-level providers.yaml document.
type File struct {
	Defaults  provider.Limits        `yaml:"defaults"`
	Providers map[string]*Definition `yaml:"providers"`
}

// Definition describes one provider.
type Definition struct {
	BaseURL    string `yaml:"base_url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	AuthHeader string `yaml:"auth_header"`
	AuthPrefix string `yaml:"auth_prefix"`
	HealthPath string `yaml:"health_path"`
	// TimeoutMs bounds a single HTTP attempt. The waterfall deadline still
	// applies on top of it. Default: 30000.
	TimeoutMs   int                      `yaml:"timeout_ms"`
	MaxAttempts int                      `yaml:"max_attempts"`
	Headers     map[string]string        `yaml:"headers"`
	Limits      *provider.Limits         `yaml:"limits"`
	Rates       cost.ProviderRate        `yaml:"rates"`
	Fields      map[string]*FieldMapping `yaml:"fields"`
}

// FieldMapping describes the request for one field and where the answer
// lives in the response.
type FieldMapping struct {
	Method string            `yaml:"method"`
	Path   string            `yaml:"path"`
	Query  map[string]string `yaml:"query"`
	Body   map[string]string `yaml:"body"`

	// Requires lists identity placeholders that must be non-empty before
	// the provider is called, e.g. [email] or [name, domain].
	Requires []string `yaml:"requires"`

	// Value is the gjson path of the field value. Required.
	Value string `yaml:"value"`
	// Confidence is the gjson path of the provider's match score.
	// ConfidenceScale divides it (100 for percentage scores).
	Confidence      string  `yaml:"confidence"`
	ConfidenceScale float64 `yaml:"confidence_scale"`
	// DefaultConfidence is used when the provider reports no score.
	DefaultConfidence float64 `yaml:"default_confidence"`
	// Cost is the gjson path of the billed units, priced at CostPerUnit.
	// Without it the call is billed at the provider's rate card.
	Cost        string  `yaml:"cost"`
	CostPerUnit float64 `yaml:"cost_per_unit"`
	// NotFoundStatus lists statuses that mean "no match" rather than an
	// error. Default: [404].
	NotFoundStatus []int `yaml:"not_found_status"`
}

// LoadFile reads and parses a providers file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "httpjson: read %s", path)
	}
	f, err := ParseFile(data)
	if err != nil {
		return nil, eris.Wrapf(err, "httpjson: %s", path)
	}
	return f, nil
}

// ParseFile parses providers YAML, applies defaults and validates every
// definition.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "httpjson: parse providers")
	}
	for _, name := range f.Names() {
		def := f.Providers[name]
		if def == nil {
			return nil, eris.Errorf("httpjson: provider %q: empty definition", name)
		}
		def.applyDefaults()
		if err := def.validate(); err != nil {
			return nil, eris.Wrapf(err, "httpjson: provider %q", name)
		}
	}
	return &f, nil
}

// Names returns the provider ids in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Providers))
	for name := range f.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rates returns the rate card of every provider, for cost estimates.
func (f *File) Rates() cost.Rates {
	rates := make(cost.Rates, len(f.Providers))
	for name, def := range f.Providers {
		rates[name] = def.Rates
	}
	return rates
}

func (d *Definition) applyDefaults() {
	d.BaseURL = strings.TrimRight(d.BaseURL, "/")
	if d.TimeoutMs <= 0 {
		d.TimeoutMs = 30000
	}
	for _, m := range d.Fields {
		if m == nil {
			continue
		}
		m.Method = strings.ToUpper(m.Method)
		if m.Method == "" {
			m.Method = http.MethodGet
		}
		if m.ConfidenceScale <= 0 {
			m.ConfidenceScale = 1
		}
		if m.CostPerUnit <= 0 {
			m.CostPerUnit = 1
		}
		if len(m.NotFoundStatus) == 0 {
			m.NotFoundStatus = []int{http.StatusNotFound}
		}
	}
}

func (d *Definition) validate() error {
	if d.BaseURL == "" {
		return eris.New("base_url is required")
	}
	if len(d.Fields) == 0 {
		return eris.New("at least one field mapping is required")
	}
	if d.Rates.PerCall < 0 {
		return eris.New("rates.per_call must be >= 0")
	}
	for field, m := range d.Fields {
		if m == nil {
			return eris.Errorf("field %q: empty mapping", field)
		}
		switch m.Method {
		case http.MethodGet, http.MethodPost:
		default:
			return eris.Errorf("field %q: unsupported method %q", field, m.Method)
		}
		if m.Value == "" {
			return eris.Errorf("field %q: value path is required", field)
		}
		if m.DefaultConfidence < 0 || m.DefaultConfidence > 1 {
			return eris.Errorf("field %q: default_confidence must be within [0,1]", field)
		}
		for _, r := range m.Requires {
			if !knownPlaceholder(r) {
				return eris.Errorf("field %q: unknown required identifier %q", field, r)
			}
		}
	}
	return nil
}
