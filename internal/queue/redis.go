// Package queue delivers enrichment job messages to workers with
// at-least-once semantics over Redis Streams.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrichment/internal/model"
)

const payloadField = "payload"

// Handler processes one message. Returning an error leaves the message
// unacknowledged so it is delivered again.
type Handler func(ctx context.Context, env model.Envelope) error

// Publisher adds messages to the queue.
type Publisher interface {
	Publish(ctx context.Context, env model.Envelope) (string, error)
}

// RedisConfig configures a stream consumer.
type RedisConfig struct {
	Stream   string
	Group    string
	Consumer string

	// Block is how long one read waits for new messages. Default: 2s.
	Block time.Duration
	// Count is the maximum number of messages per read. Default: 10.
	Count int64
	// ClaimIdle is how long a delivered message may stay unacknowledged
	// before another consumer reclaims it. Default: 5m.
	ClaimIdle time.Duration
	// MaxDeliveries drops a message after it was delivered this many times.
	// Zero keeps redelivering forever.
	MaxDeliveries int64
	// MaxLen approximately caps the stream length. Zero disables trimming.
	MaxLen int64
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Stream == "" {
		c.Stream = "enrich:jobs"
	}
	if c.Group == "" {
		c.Group = "enrich-workers"
	}
	if c.Consumer == "" {
		c.Consumer = "worker-1"
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.Count <= 0 {
		c.Count = 10
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 5 * time.Minute
	}
	return c
}

// RedisQueue is a Redis Streams consumer group. Messages are acknowledged
// only after the handler succeeds; pending messages idle longer than
// ClaimIdle are claimed by the next consumer that polls.
type RedisQueue struct {
	client redis.Cmdable
	cfg    RedisConfig
	log    *zap.Logger
}

// NewRedisQueue creates a queue on client.
func NewRedisQueue(client redis.Cmdable, cfg RedisConfig) *RedisQueue {
	cfg = cfg.withDefaults()
	return &RedisQueue{
		client: client,
		cfg:    cfg,
		log: zap.L().With(
			zap.String("component", "queue"),
			zap.String("stream", cfg.Stream),
			zap.String("consumer", cfg.Consumer),
		),
	}
}

// Setup creates the stream and consumer group if they do not exist.
func (q *RedisQueue) Setup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return eris.Wrapf(err, "queue: create group %s", q.cfg.Group)
	}
	return nil
}

// Publish appends env to the stream and returns its stream id.
func (q *RedisQueue) Publish(ctx context.Context, env model.Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", eris.Wrap(err, "queue: marshal envelope")
	}
	args := &redis.XAddArgs{
		Stream: q.cfg.Stream,
		ID:     "*",
		Values: map[string]interface{}{
			payloadField: string(body),
			"kind":       string(env.Kind),
		},
	}
	if q.cfg.MaxLen > 0 {
		args.MaxLen = q.cfg.MaxLen
		args.Approx = true
	}
	id, err := q.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", eris.Wrap(err, "queue: publish")
	}
	return id, nil
}

// Consume processes messages until ctx is done. Read errors are logged and
// retried after a short pause.
func (q *RedisQueue) Consume(ctx context.Context, h Handler) error {
	if err := q.Setup(ctx); err != nil {
		return err
	}
	q.log.Info("queue: consuming")
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := q.Poll(ctx, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.log.Error("queue: poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll runs one consume cycle: it reclaims stale pending messages, reads new
// ones, and hands each to h. It returns how many messages were acknowledged.
func (q *RedisQueue) Poll(ctx context.Context, h Handler) (int, error) {
	acked := 0

	reclaimed, err := q.reclaim(ctx)
	if err != nil {
		return 0, err
	}
	acked += q.dispatch(ctx, reclaimed, h)

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    q.cfg.Count,
		Block:    q.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return acked, nil
	}
	if err != nil {
		return acked, eris.Wrap(err, "queue: read group")
	}
	for _, s := range streams {
		acked += q.dispatch(ctx, s.Messages, h)
	}
	return acked, nil
}

// reclaim claims messages other consumers left pending for longer than
// ClaimIdle. Messages past MaxDeliveries are acknowledged and dropped.
func (q *RedisQueue) reclaim(ctx context.Context) ([]redis.XMessage, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  q.cfg.Count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "queue: list pending")
	}

	var ids []string
	for _, p := range pending {
		if p.Idle < q.cfg.ClaimIdle {
			continue
		}
		if q.cfg.MaxDeliveries > 0 && p.RetryCount >= q.cfg.MaxDeliveries {
			q.log.Error("queue: dropping message after max deliveries",
				zap.String("message_id", p.ID),
				zap.Int64("deliveries", p.RetryCount),
			)
			if err := q.ack(ctx, p.ID); err != nil {
				return nil, err
			}
			continue
		}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ClaimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim pending")
	}
	if len(msgs) > 0 {
		q.log.Info("queue: reclaimed pending messages", zap.Int("count", len(msgs)))
	}
	return msgs, nil
}

func (q *RedisQueue) dispatch(ctx context.Context, msgs []redis.XMessage, h Handler) int {
	acked := 0
	for _, m := range msgs {
		log := q.log.With(zap.String("message_id", m.ID))

		env, err := decode(m)
		if err != nil {
			// A payload that cannot be decoded never will be.
			log.Error("queue: dropping malformed message", zap.Error(err))
			if err := q.ack(ctx, m.ID); err != nil {
				log.Error("queue: ack failed", zap.Error(err))
			} else {
				acked++
			}
			continue
		}

		if err := h(ctx, env); err != nil {
			log.Warn("queue: handler failed, message left pending", zap.Error(err))
			continue
		}
		if err := q.ack(ctx, m.ID); err != nil {
			log.Error("queue: ack failed", zap.Error(err))
			continue
		}
		acked++
	}
	return acked
}

func (q *RedisQueue) ack(ctx context.Context, id string) error {
	return eris.Wrapf(q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(), "queue: ack %s", id)
}

// Pending returns the number of delivered but unacknowledged messages.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	p, err := q.client.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		return 0, eris.Wrap(err, "queue: pending summary")
	}
	return p.Count, nil
}

func decode(m redis.XMessage) (model.Envelope, error) {
	var env model.Envelope
	raw, ok := m.Values[payloadField]
	if !ok {
		return env, eris.New("missing payload")
	}
	if err := json.Unmarshal([]byte(fmt.Sprint(raw)), &env); err != nil {
		return env, eris.Wrap(err, "unmarshal payload")
	}
	switch env.Kind {
	case model.MessageKindJob:
		if env.Job == nil || env.Job.JobID == "" {
			return env, eris.New("job message without job id")
		}
	case model.MessageKindBatch:
		if env.Batch == nil {
			return env, eris.New("batch message without body")
		}
	default:
		return env, eris.Errorf("unknown message kind %q", env.Kind)
	}
	return env, nil
}
