package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/queue"
	"github.com/sells-group/lead-enrichment/internal/resilience"
	"github.com/sells-group/lead-enrichment/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "cmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// seedFailedJob stores a failed job and its dead-letter entry.
func seedFailedJob(t *testing.T, s store.Store, id string) resilience.DLQEntry {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	job, err := model.NewJob(id, "org-1", "contact-1", []string{"title", "phone"}, model.ContactIdentity{Email: "jane@acme.com"})
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, job.Start(now))
	require.NoError(t, job.MarkFailed(errors.New("adapter bug"), now))
	require.NoError(t, s.SaveJob(ctx, job))

	entry := resilience.NewDLQEntry(job, errors.New("adapter bug"), 0, now)
	entry.ID = "dlq-" + id
	require.NoError(t, s.EnqueueDLQ(ctx, entry))
	return entry
}

func TestListDLQ(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var out bytes.Buffer
	require.NoError(t, listDLQ(ctx, s, resilience.DLQFilter{}, &out))
	assert.JSONEq(t, "[]", out.String())

	seedFailedJob(t, s, "job-1")
	out.Reset()
	require.NoError(t, listDLQ(ctx, s, resilience.DLQFilter{OrganizationID: "org-1"}, &out))

	var entries []resilience.DLQEntry
	require.NoError(t, json.Unmarshal(out.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "job-1", entries[0].JobID)
}

func TestRequeueDLQ(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	entry := seedFailedJob(t, s, "job-1")

	client := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	q := queue.NewRedisQueue(client, queue.RedisConfig{Stream: "test:jobs", Group: "g", Consumer: "c", Block: 10 * time.Millisecond})
	require.NoError(t, q.Setup(ctx))

	job, err := requeueDLQ(ctx, s, queue.NewIntake(s, q), entry.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "job-1", job.ID)
	assert.Equal(t, []string{"title", "phone"}, job.FieldRequests)
	assert.Equal(t, "jane@acme.com", job.Identity.Email)

	remaining, err := s.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	failed, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, failed.Status)

	var seen []model.Envelope
	_, err = q.Poll(ctx, func(_ context.Context, env model.Envelope) error {
		seen = append(seen, env)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, job.ID, seen[0].Job.JobID)
}

func TestRequeueDLQ_UnknownEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := requeueDLQ(ctx, s, queue.NewIntake(s, nil), "missing")
	assert.Error(t, err)
}
