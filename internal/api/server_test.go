package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrichment/internal/health"
	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/queue"
	"github.com/sells-group/lead-enrichment/internal/resilience"
	"github.com/sells-group/lead-enrichment/internal/store"
)

// fakePublisher records published envelopes.
type fakePublisher struct {
	mu   sync.Mutex
	envs []model.Envelope
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, env model.Envelope) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.envs = append(p.envs, env)
	return "1-0", nil
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	srv     *Server
	store   store.Store
	pub     *fakePublisher
	tracker *health.MemoryTracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))

	pub := &fakePublisher{}
	policy := resilience.DefaultCircuitPolicy()
	tracker := health.NewMemoryTracker(policy)
	tracker.SetNow(func() time.Time { return testNow })

	srv := NewServer(Deps{
		Intake: queue.NewIntake(s, pub),
		Jobs:   s,
		Health: tracker,
		Policy: policy,
		Checks: map[string]Pinger{"store": s},
		Now:    func() time.Time { return testNow },
	}, []string{"*"})
	return &harness{srv: srv, store: s, pub: pub, tracker: tracker}
}

func (h *harness) do(t *testing.T, method, path, org string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if org != "" {
		req.Header.Set(OrgHeader, org)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestSubmitAndGetJob(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/jobs", "org-1", SubmitRequest{
		ContactID:   "contact-1",
		Fields:      []string{"title", "phone"},
		ContactData: model.ContactIdentity{Email: "jane@acme.com"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decode[JobAccepted](t, rec)
	assert.NotEmpty(t, accepted.JobID)
	assert.Equal(t, model.JobStatusPending, accepted.Status)

	require.Len(t, h.pub.envs, 1)
	assert.Equal(t, accepted.JobID, h.pub.envs[0].Job.JobID)

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+accepted.JobID, "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[model.EnrichmentJob](t, rec)
	assert.Equal(t, []string{"title", "phone"}, job.FieldRequests)
	assert.Equal(t, "jane@acme.com", job.Identity.Email)

	// Another organization cannot see the job.
	rec = h.do(t, http.MethodGet, "/v1/jobs/"+accepted.JobID, "org-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/jobs/missing", "org-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		org  string
		body any
		code int
	}{
		{"missing org", "", SubmitRequest{Fields: []string{"title"}, ContactData: model.ContactIdentity{Email: "a@b.c"}}, http.StatusUnauthorized},
		{"bad json", "org-1", "{", http.StatusBadRequest},
		{"no fields", "org-1", SubmitRequest{Fields: []string{" "}, ContactData: model.ContactIdentity{Email: "a@b.c"}}, http.StatusBadRequest},
		{"no identity", "org-1", SubmitRequest{Fields: []string{"title"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/jobs", tt.org, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, decode[map[string]string](t, rec), "error")
		})
	}
	assert.Empty(t, h.pub.envs)
}

func TestSubmit_PublishFailure(t *testing.T) {
	h := newHarness(t)
	h.pub.err = errors.New("redis down")

	rec := h.do(t, http.MethodPost, "/v1/jobs", "org-1", SubmitRequest{
		Fields:      []string{"title"},
		ContactData: model.ContactIdentity{Email: "jane@acme.com"},
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSubmitBatch(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/jobs/batch", "org-1", BatchRequest{
		Fields: []string{"email"},
		Contacts: []model.EnrichmentRequest{
			{ContactID: "c1", Identity: model.ContactIdentity{Name: "Jane Doe", Company: "Acme"}},
			{ContactID: "c2", Identity: model.ContactIdentity{LinkedInURL: "https://linkedin.com/in/jdoe"}},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	out := decode[struct {
		Jobs []JobAccepted `json:"jobs"`
	}](t, rec)
	require.Len(t, out.Jobs, 2)
	assert.Equal(t, "c1", out.Jobs[0].ContactID)
	assert.Equal(t, "c2", out.Jobs[1].ContactID)

	require.Len(t, h.pub.envs, 1)
	assert.Equal(t, model.MessageKindBatch, h.pub.envs[0].Kind)
	assert.Len(t, h.pub.envs[0].Batch.JobIDs, 2)
}

func TestSubmitBatch_Validation(t *testing.T) {
	h := newHarness(t)

	tooMany := make([]model.EnrichmentRequest, MaxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = model.EnrichmentRequest{Identity: model.ContactIdentity{Email: "x@y.z"}}
	}

	tests := []struct {
		name string
		body BatchRequest
		code int
	}{
		{"empty", BatchRequest{Fields: []string{"email"}}, http.StatusBadRequest},
		{"no fields", BatchRequest{Contacts: tooMany[:1]}, http.StatusBadRequest},
		{"empty identity", BatchRequest{Fields: []string{"email"}, Contacts: []model.EnrichmentRequest{{ContactID: "c1"}}}, http.StatusBadRequest},
		{"too large", BatchRequest{Fields: []string{"email"}, Contacts: tooMany}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/jobs/batch", "org-1", tt.body)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
	assert.Empty(t, h.pub.envs)
}

func TestProviderHealth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < resilience.DefaultFailureThreshold; i++ {
		require.NoError(t, h.tracker.RecordFailure(ctx, "org-1", "apollo"))
	}
	require.NoError(t, h.tracker.RecordSuccess(ctx, "org-1", "clearbit"))
	require.NoError(t, h.tracker.RecordFailure(ctx, "org-2", "apollo"))

	rec := h.do(t, http.MethodGet, "/v1/health/providers", "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[struct {
		Providers []ProviderHealthView `json:"providers"`
	}](t, rec)
	require.Len(t, out.Providers, 2)
	assert.Equal(t, "apollo", out.Providers[0].ProviderID)
	assert.Equal(t, model.CircuitOpen, out.Providers[0].EffectiveState)
	assert.Equal(t, int64(resilience.DefaultFailureThreshold), out.Providers[0].FailureCount)
	assert.Equal(t, "clearbit", out.Providers[1].ProviderID)
	assert.Equal(t, model.CircuitClosed, out.Providers[1].EffectiveState)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", out["status"])

	h.srv.deps.Checks["redis"] = pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })
	rec = h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out = decode[map[string]any](t, rec)
	assert.Equal(t, "degraded", out["status"])
	assert.Equal(t, "dial tcp: refused", out["checks"].(map[string]any)["redis"])
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", OrgHeader)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(strings.ToLower(rec.Header().Get("Access-Control-Allow-Headers")), strings.ToLower(OrgHeader)))
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
