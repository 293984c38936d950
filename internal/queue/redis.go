package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKey = "refengine:triggers"

// ErrEmpty is returned by Reserve when nothing arrived before the timeout.
var ErrEmpty = errors.New("queue empty")

// Connect accepts a redis:// URL or a bare host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Delivery is a reserved trigger. Raw is the exact payload sitting in the
// processing list and is what Ack removes.
type Delivery struct {
	Trigger Trigger
	Raw     string
}

type deadLetter struct {
	Payload  string    `json:"payload"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// RedisQueue keeps three lists: pending (LPUSH in, BLMOVE out), processing
// (entries in flight) and dead (entries that exhausted their retries).
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	dead       string
	policy     string
	now        func() time.Time
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{
		client:     client,
		pending:    key,
		processing: key + ":processing",
		dead:       key + ":dead",
		policy:     key + ":policy",
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}
	payload, err := Encode(t)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.pending, payload).Err()
}

// Reserve moves the oldest pending entry into the processing list. Payloads
// that no longer decode are dead-lettered on the spot.
func (q *RedisQueue) Reserve(ctx context.Context, timeout time.Duration) (Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, err
	}
	d := Delivery{Raw: raw}
	t, err := Decode(raw)
	if err != nil {
		if dlErr := q.DeadLetter(ctx, d, err); dlErr != nil {
			return Delivery{}, errors.Join(err, dlErr)
		}
		return Delivery{}, err
	}
	d.Trigger = t
	return d, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return q.client.LRem(ctx, q.processing, 1, d.Raw).Err()
}

func (q *RedisQueue) DeadLetter(ctx context.Context, d Delivery, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	entry, err := json.Marshal(deadLetter{Payload: d.Raw, Error: msg, FailedAt: q.now()})
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processing, 1, d.Raw)
		p.LPush(ctx, q.dead, entry)
		return nil
	})
	return err
}

// RecoverProcessing puts entries abandoned by a crashed consumer back at the
// head of the pending list. Call it before consumers start.
func (q *RedisQueue) RecoverProcessing(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

type Depth struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	var pending, processing, dead *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.LLen(ctx, q.pending)
		processing = p.LLen(ctx, q.processing)
		dead = p.LLen(ctx, q.dead)
		return nil
	})
	if err != nil {
		return Depth{}, err
	}
	return Depth{Pending: pending.Val(), Processing: processing.Val(), Dead: dead.Val()}, nil
}

// NotifyPolicyChanged tells every process watching the policy channel to drop
// its cached thresholds and rates.
func (q *RedisQueue) NotifyPolicyChanged(ctx context.Context) error {
	return q.client.Publish(ctx, q.policy, q.now().Format(time.RFC3339Nano)).Err()
}

// WatchPolicyChanges calls onChange for every policy notification until ctx
// is done. It returns once the subscription fails or ctx ends.
func (q *RedisQueue) WatchPolicyChanges(ctx context.Context, onChange func()) error {
	sub := q.client.Subscribe(ctx, q.policy)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", q.policy, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return errors.New("policy subscription closed")
			}
			onChange()
		}
	}
}
