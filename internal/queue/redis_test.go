package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrichment/internal/model"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	return client
}

func newTestQueue(t *testing.T, client *redis.Client, consumer string, mutate func(*RedisConfig)) *RedisQueue {
	t.Helper()
	cfg := RedisConfig{
		Stream:   "test:jobs",
		Group:    "test-workers",
		Consumer: consumer,
		Block:    10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	q := NewRedisQueue(client, cfg)
	require.NoError(t, q.Setup(context.Background()))
	return q
}

func jobEnvelope(jobID string) model.Envelope {
	return model.Envelope{
		Kind: model.MessageKindJob,
		Job: &model.JobMessage{
			JobID:          jobID,
			OrganizationID: "org-1",
			ContactID:      "contact-1",
			ContactData:    model.ContactIdentity{Email: "jane@acme.com"},
		},
	}
}

// recorder is a Handler that stores what it saw and fails on demand.
type recorder struct {
	mu   sync.Mutex
	seen []model.Envelope
	err  error
}

func (r *recorder) handle(_ context.Context, env model.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestRedisQueue_PublishAndPoll(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, setupTestRedis(t), "w1", nil)

	id, err := q.Publish(ctx, jobEnvelope("job-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec := &recorder{}
	acked, err := q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	require.Len(t, rec.seen, 1)
	assert.Equal(t, jobEnvelope("job-1"), rec.seen[0])

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// Nothing new to read.
	acked, err = q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Zero(t, acked)
}

func TestRedisQueue_SetupIsIdempotent(t *testing.T) {
	q := newTestQueue(t, setupTestRedis(t), "w1", nil)
	assert.NoError(t, q.Setup(context.Background()))
}

func TestRedisQueue_FailedMessageIsRedelivered(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	claimIdle := func(c *RedisConfig) { c.ClaimIdle = time.Millisecond }
	first := newTestQueue(t, client, "w1", claimIdle)
	second := newTestQueue(t, client, "w2", claimIdle)

	_, err := first.Publish(ctx, jobEnvelope("job-1"))
	require.NoError(t, err)

	failing := &recorder{err: errors.New("db unavailable")}
	acked, err := first.Poll(ctx, failing.handle)
	require.NoError(t, err)
	assert.Zero(t, acked)
	assert.Equal(t, 1, failing.count())

	pending, err := first.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	time.Sleep(10 * time.Millisecond)
	ok := &recorder{}
	acked, err = second.Poll(ctx, ok.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	require.Len(t, ok.seen, 1)
	assert.Equal(t, "job-1", ok.seen[0].Job.JobID)

	pending, err = second.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRedisQueue_UnclaimedBeforeIdleTimeout(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	first := newTestQueue(t, client, "w1", nil)
	second := newTestQueue(t, client, "w2", nil)

	_, err := first.Publish(ctx, jobEnvelope("job-1"))
	require.NoError(t, err)
	_, err = first.Poll(ctx, (&recorder{err: errors.New("boom")}).handle)
	require.NoError(t, err)

	rec := &recorder{}
	acked, err := second.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Zero(t, acked)
	assert.Zero(t, rec.count())
}

func TestRedisQueue_MaxDeliveriesDropsMessage(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, setupTestRedis(t), "w1", func(c *RedisConfig) {
		c.ClaimIdle = time.Millisecond
		c.MaxDeliveries = 1
	})

	_, err := q.Publish(ctx, jobEnvelope("job-1"))
	require.NoError(t, err)

	rec := &recorder{err: errors.New("poison")}
	_, err = q.Poll(ctx, rec.handle)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = q.Poll(ctx, rec.handle)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.count())
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRedisQueue_MalformedMessageIsDropped(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	q := newTestQueue(t, client, "w1", nil)

	bad := []map[string]interface{}{
		{payloadField: "{not json"},
		{"other": "field"},
		{payloadField: `{"kind":"job"}`},
		{payloadField: `{"kind":"telepathy"}`},
	}
	for _, values := range bad {
		require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "test:jobs", Values: values}).Err())
	}

	rec := &recorder{}
	acked, err := q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, len(bad), acked)
	assert.Zero(t, rec.count())
}

func TestRedisQueue_ConsumeStopsOnCancel(t *testing.T) {
	client := setupTestRedis(t)
	q := newTestQueue(t, client, "w1", nil)
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan model.Envelope, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(_ context.Context, env model.Envelope) error {
			got <- env
			return nil
		})
	}()

	_, err := q.Publish(context.Background(), jobEnvelope("job-9"))
	require.NoError(t, err)

	select {
	case env := <-got:
		assert.Equal(t, "job-9", env.Job.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not consumed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop")
	}
}

func TestRedisQueue_MaxLenTrimsStream(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	q := newTestQueue(t, client, "w1", func(c *RedisConfig) { c.MaxLen = 2 })

	for i := 0; i < 5; i++ {
		_, err := q.Publish(ctx, jobEnvelope("job"))
		require.NoError(t, err)
	}
	n, err := client.XLen(ctx, "test:jobs").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(5))
	assert.GreaterOrEqual(t, n, int64(2))
}
