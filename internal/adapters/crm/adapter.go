// Package crm implements a provider adapter that answers fields from the
// organization's own Salesforce Contact records.
package crm

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/waterfall/provider"
	"github.com/sells-group/lead-enrichment/pkg/salesforce"
)

// ExtraContactID is the identity Extra key holding a Salesforce Contact id.
const ExtraContactID = "salesforce_id"

// ErrNoLookupKey is returned when the identity has neither a Salesforce id
// nor an email to look the contact up by.
var ErrNoLookupKey = eris.New("identity has no salesforce id or email")

// DefaultFields maps enrichment fields to Contact attributes.
var DefaultFields = map[string]string{
	"title":        "Title",
	"department":   "Department",
	"phone":        "Phone",
	"mobile_phone": "MobilePhone",
	"email":        "Email",
	"first_name":   "FirstName",
	"last_name":    "LastName",
	"name":         "Name",
	"city":         "MailingCity",
	"state":        "MailingState",
	"country":      "MailingCountry",
}

// Config configures the adapter.
type Config struct {
	// Name is the provider id. Default: "salesforce".
	Name string
	// Confidence is reported for every value found. Default: 0.95.
	Confidence float64
	// Fields overrides DefaultFields.
	Fields map[string]string
	// ContactTTL is how long a looked-up contact is reused across the
	// fields of a job. Default: 1m.
	ContactTTL time.Duration
}

// Adapter is a provider.Adapter backed by Salesforce.
type Adapter struct {
	client   salesforce.Client
	name     string
	conf     float64
	fields   map[string]string
	contacts *gocache.Cache
	log      *zap.Logger
}

// New creates a CRM adapter.
func New(client salesforce.Client, cfg Config) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "salesforce"
	}
	if cfg.Confidence <= 0 || cfg.Confidence > 1 {
		cfg.Confidence = 0.95
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = DefaultFields
	}
	if cfg.ContactTTL <= 0 {
		cfg.ContactTTL = time.Minute
	}
	return &Adapter{
		client:   client,
		name:     cfg.Name,
		conf:     cfg.Confidence,
		fields:   maps.Clone(cfg.Fields),
		contacts: gocache.New(cfg.ContactTTL, 2*cfg.ContactTTL),
		log:      zap.L().With(zap.String("component", "adapter.crm"), zap.String("provider", cfg.Name)),
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return a.name }

// Fields returns the enrichment fields the adapter can answer.
func (a *Adapter) Fields() []string {
	return slices.Sorted(maps.Keys(a.fields))
}

// Request implements provider.Adapter. A contact that does not exist, or has
// the attribute empty, is a zero-confidence answer. CRM lookups cost nothing.
func (a *Adapter) Request(ctx context.Context, field string, identity model.ContactIdentity) (*provider.Response, error) {
	attr, ok := a.fields[field]
	if !ok {
		return nil, provider.NewError(a.name, 0, eris.Errorf("field %q not mapped to a Contact attribute", field))
	}

	start := time.Now()
	contact, err := a.lookup(ctx, identity)
	if err != nil {
		return nil, provider.NewError(a.name, 0, err)
	}
	resp := &provider.Response{LatencyMs: time.Since(start).Milliseconds()}
	if contact == nil {
		return resp, nil
	}

	value, known := contact.Get(attr)
	if !known {
		return nil, provider.NewError(a.name, 0, eris.Errorf("unknown Contact attribute %q", attr))
	}
	if strings.TrimSpace(value) == "" {
		return resp, nil
	}
	resp.Value = value
	resp.Confidence = a.conf
	return resp, nil
}

// lookup finds the contact by Salesforce id, falling back to email. Hits and
// misses are both cached so the fields of one job share a single query.
func (a *Adapter) lookup(ctx context.Context, identity model.ContactIdentity) (*salesforce.Contact, error) {
	var (
		key  string
		find func() (*salesforce.Contact, error)
	)
	switch {
	case identity.Extra[ExtraContactID] != "":
		id := identity.Extra[ExtraContactID]
		key = "id:" + id
		find = func() (*salesforce.Contact, error) { return salesforce.FindContactByID(ctx, a.client, id) }
	case identity.Email != "":
		email := strings.ToLower(strings.TrimSpace(identity.Email))
		key = "email:" + email
		find = func() (*salesforce.Contact, error) { return salesforce.FindContactByEmail(ctx, a.client, email) }
	default:
		return nil, ErrNoLookupKey
	}

	if v, ok := a.contacts.Get(key); ok {
		c, _ := v.(*salesforce.Contact)
		return c, nil
	}
	c, err := find()
	if err != nil {
		return nil, err
	}
	a.contacts.SetDefault(key, c)
	a.log.Debug("crm: contact lookup", zap.String("key", key), zap.Bool("found", c != nil))
	return c, nil
}

// HealthCheck implements provider.Adapter by describing the Contact object,
// which needs a valid session and API access.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	desc, err := a.client.DescribeSObject(ctx, "Contact")
	if err != nil {
		a.log.Warn("crm: health check failed", zap.Error(err))
		return false
	}
	for field, attr := range a.fields {
		if !desc.HasField(attr) {
			a.log.Warn("crm: mapped attribute missing from Contact",
				zap.String("field", field), zap.String("attribute", attr))
		}
	}
	return true
}
