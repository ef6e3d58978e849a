package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/lead-enrichment/internal/cost"
	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/resilience"
	"github.com/sells-group/lead-enrichment/internal/waterfall/provider"
)

var (
	// ErrUnsupportedField is returned for a field the provider has no mapping for.
	ErrUnsupportedField = eris.New("field not supported by provider")
	// ErrMissingIdentity is returned when an identifier the mapping requires is empty.
	ErrMissingIdentity = eris.New("required identifier missing")
)

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 4 << 20

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Adapter) {
		a.http = hc
	}
}

// WithRetry overrides the retry settings for transient HTTP failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(a *Adapter) {
		a.retry = cfg
	}
}

// WithLookupEnv sets how api_key_env is resolved (for testing).
func WithLookupEnv(fn func(string) string) Option {
	return func(a *Adapter) {
		a.getenv = fn
	}
}

// Adapter is a provider.Adapter backed by a JSON HTTP API.
type Adapter struct {
	name   string
	def    *Definition
	apiKey string
	calc   *cost.Calculator
	http   *http.Client
	retry  resilience.RetryConfig
	getenv func(string) string
}

// New builds an adapter from a parsed definition.
func New(name string, def *Definition, opts ...Option) *Adapter {
	a := &Adapter{
		name:   name,
		def:    def,
		calc:   cost.NewCalculator(cost.Rates{name: def.Rates}),
		retry:  resilience.DefaultRetryConfig(),
		getenv: os.Getenv,
		http: &http.Client{
			Timeout: time.Duration(def.TimeoutMs) * time.Millisecond,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	if def.MaxAttempts > 0 {
		a.retry.MaxAttempts = def.MaxAttempts
	}
	for _, opt := range opts {
		opt(a)
	}
	if def.APIKeyEnv != "" {
		a.apiKey = a.getenv(def.APIKeyEnv)
	}
	return a
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return a.name }

// Fields returns the fields this provider can resolve.
func (a *Adapter) Fields() []string {
	fields := make([]string, 0, len(a.def.Fields))
	for f := range a.def.Fields {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	return fields
}

// Request implements provider.Adapter. Every failure comes back as a
// *provider.Error; 429 and 5xx answers are retried first.
func (a *Adapter) Request(ctx context.Context, field string, identity model.ContactIdentity) (*provider.Response, error) {
	m, ok := a.def.Fields[field]
	if !ok {
		return nil, provider.NewError(a.name, 0, eris.Wrapf(ErrUnsupportedField, "%s", field))
	}

	vars := identityVars(field, identity)
	for _, r := range m.Requires {
		if vars[r] == "" {
			return nil, provider.NewError(a.name, 0, eris.Wrapf(ErrMissingIdentity, "%s", r))
		}
	}

	start := time.Now()
	retry := a.retry
	retry.OnRetry = resilience.RetryLogger(a.name, field)
	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (httpResult, error) {
		return a.do(ctx, m, vars)
	})
	if err != nil {
		status := 0
		var te *resilience.TransientError
		if errors.As(err, &te) {
			status = te.StatusCode
		}
		return nil, provider.NewError(a.name, status, err)
	}
	latency := time.Since(start).Milliseconds()

	if slices.Contains(m.NotFoundStatus, res.status) {
		return &provider.Response{LatencyMs: latency}, nil
	}
	if res.status >= 400 {
		return nil, provider.NewError(a.name, res.status,
			eris.Errorf("unexpected status: %s", truncate(res.body, 200)))
	}
	if !gjson.ValidBytes(res.body) {
		return nil, provider.NewError(a.name, res.status, eris.New("response is not valid JSON"))
	}
	return a.mapResponse(field, m, res.body, latency), nil
}

// mapResponse extracts value, confidence and cost from a 2xx body. A
// missing value is a zero-confidence answer, not an error.
func (a *Adapter) mapResponse(field string, m *FieldMapping, body []byte, latency int64) *provider.Response {
	resp := &provider.Response{LatencyMs: latency}

	resp.Cost = a.calc.Estimate(a.name, field)
	if m.Cost != "" {
		if c := gjson.GetBytes(body, m.Cost); c.Exists() {
			resp.Cost = max(c.Float()*m.CostPerUnit, 0)
		}
	}

	value := gjson.GetBytes(body, m.Value)
	if !value.Exists() || value.Type == gjson.Null || (value.Type == gjson.String && value.Str == "") {
		return resp
	}
	resp.Value = value.Value()

	resp.Confidence = m.DefaultConfidence
	if m.Confidence != "" {
		if c := gjson.GetBytes(body, m.Confidence); c.Exists() {
			resp.Confidence = c.Float() / m.ConfidenceScale
		}
	}
	resp.Confidence = min(max(resp.Confidence, 0), 1)
	return resp
}

type httpResult struct {
	status int
	body   []byte
}

// do sends one attempt. Transient statuses come back as a TransientError so
// DoVal retries them.
func (a *Adapter) do(ctx context.Context, m *FieldMapping, vars map[string]string) (httpResult, error) {
	req, err := a.buildRequest(ctx, m, vars)
	if err != nil {
		return httpResult{}, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return httpResult{}, eris.Wrap(err, "httpjson: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return httpResult{status: resp.StatusCode}, eris.Wrap(err, "httpjson: read response body")
	}
	res := httpResult{status: resp.StatusCode, body: body}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return res, resilience.NewTransientError(
			eris.Errorf("httpjson: status %d: %s", resp.StatusCode, truncate(body, 200)), resp.StatusCode)
	}
	return res, nil
}

func (a *Adapter) buildRequest(ctx context.Context, m *FieldMapping, vars map[string]string) (*http.Request, error) {
	u, err := url.Parse(a.def.BaseURL + expand(m.Path, vars))
	if err != nil {
		return nil, eris.Wrap(err, "httpjson: build url")
	}
	if len(m.Query) > 0 {
		q := u.Query()
		for k, v := range m.Query {
			if val := expand(v, vars); val != "" {
				q.Set(k, val)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if m.Method == http.MethodPost {
		payload := make(map[string]string, len(m.Body))
		for k, v := range m.Body {
			if val := expand(v, vars); val != "" {
				payload[k] = val
			}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, eris.Wrap(err, "httpjson: marshal body")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, m.Method, u.String(), body)
	if err != nil {
		return nil, eris.Wrap(err, "httpjson: create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.def.Headers {
		req.Header.Set(k, expand(v, vars))
	}
	a.authorize(req)
	return req, nil
}

func (a *Adapter) authorize(req *http.Request) {
	if a.apiKey == "" {
		return
	}
	header, prefix := a.def.AuthHeader, a.def.AuthPrefix
	if header == "" {
		header, prefix = "Authorization", "Bearer "
	}
	req.Header.Set(header, prefix+a.apiKey)
}

// HealthCheck implements provider.Adapter. With a health_path the endpoint
// must answer 2xx; otherwise any non-5xx answer from the base URL counts.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	target := a.def.BaseURL + a.def.HealthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	a.authorize(req)
	resp, err := a.http.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	if a.def.HealthPath != "" {
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}
	return resp.StatusCode < 500
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
