package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrichment/internal/model"
)

func TestRunInline_ResolvesField(t *testing.T) {
	ctx := context.Background()
	srv := newProviderServer(t)
	env, err := initEnv(ctx, testConfig(t, srv.URL), "run")
	require.NoError(t, err)
	defer env.Close()

	var out bytes.Buffer
	err = runInline(ctx, env, runOptions{
		OrgID:     "org-1",
		ContactID: "contact-1",
		Fields:    []string{"title"},
		Identity:  model.ContactIdentity{Email: "jane@acme.com"},
	}, &out)
	require.NoError(t, err)

	var job model.EnrichmentJob
	require.NoError(t, json.Unmarshal(out.Bytes(), &job))
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	require.Len(t, job.Results, 1)
	assert.Equal(t, "CTO", job.Results[0].Value)
	assert.Equal(t, "acme", job.Results[0].Provider)
	assert.InDelta(t, 0.05, job.TotalCost, 1e-9)

	stored, err := env.Store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)
}

func TestRunInline_Unresolved(t *testing.T) {
	ctx := context.Background()
	srv := newProviderServer(t)
	env, err := initEnv(ctx, testConfig(t, srv.URL), "run")
	require.NoError(t, err)
	defer env.Close()

	var out bytes.Buffer
	err = runInline(ctx, env, runOptions{
		OrgID:    "org-1",
		Fields:   []string{"title"},
		Identity: model.ContactIdentity{Email: "nobody@acme.com"},
	}, &out)
	require.NoError(t, err)

	var job model.EnrichmentJob
	require.NoError(t, json.Unmarshal(out.Bytes(), &job))
	assert.Equal(t, model.JobStatusExhausted, job.Status)
	assert.Empty(t, job.Results)
	require.Len(t, job.Unresolved, 1)
	assert.Equal(t, "title", job.Unresolved[0].Field)
}

func TestRunInline_Validation(t *testing.T) {
	ctx := context.Background()
	env, err := initEnv(ctx, testConfig(t, "http://127.0.0.1:1"), "run")
	require.NoError(t, err)
	defer env.Close()

	tests := []struct {
		name string
		opts runOptions
	}{
		{"missing org", runOptions{Fields: []string{"title"}, Identity: model.ContactIdentity{Email: "a@b.com"}}},
		{"empty identity", runOptions{OrgID: "org-1", Fields: []string{"title"}}},
		{"no fields", runOptions{OrgID: "org-1", Identity: model.ContactIdentity{Email: "a@b.com"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, runInline(ctx, env, tt.opts, &bytes.Buffer{}))
		})
	}
}
