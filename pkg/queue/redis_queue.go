package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"bookclub/internal/util"
)

// Message is one event on the stream. Payload holds JSON.
type Message struct {
	ID         string
	Kind       string
	Payload    json.RawMessage
	Attempts   int
	EnqueuedAt time.Time
}

// Decode unmarshals the payload into dst.
func (m Message) Decode(dst any) error {
	return json.Unmarshal(m.Payload, dst)
}

// Handler processes a message. A returned error schedules a retry until
// MaxRetries is reached, after which the message moves to the dead stream.
type Handler func(context.Context, Message) error

// Config tunes a RedisStreamQueue. Zero values pick defaults.
type Config struct {
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

// RedisStreamQueue is an at-least-once queue on a Redis stream with a
// consumer group. Stalled deliveries are reclaimed with XAUTOCLAIM.
type RedisStreamQueue struct {
	client       *redis.Client
	stream       string
	dead         string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	groupOnce    sync.Once
	groupErr     error
}

// NewRedisStreamQueue validates cfg and wraps client. The client is owned by the caller.
func NewRedisStreamQueue(client *redis.Client, cfg Config) (*RedisStreamQueue, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &RedisStreamQueue{
		client:       client,
		stream:       stream,
		dead:         stream + ":dead",
		group:        strings.TrimSpace(cfg.Group),
		consumerBase: strings.TrimSpace(cfg.Consumer),
		maxRetries:   cfg.MaxRetries,
		block:        cfg.Block,
		claimIdle:    cfg.ClaimIdle,
		retryDelay:   cfg.RetryDelay,
		maxLen:       cfg.MaxLen,
		readCount:    cfg.ReadCount,
		claimCount:   cfg.ClaimCount,
	}
	if q.group == "" {
		q.group = "default"
	}
	if q.consumerBase == "" {
		q.consumerBase = uuid.NewString()
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 3
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	if q.claimIdle <= 0 {
		q.claimIdle = 30 * time.Second
	}
	if q.retryDelay < 0 {
		q.retryDelay = 0
	}
	if q.maxLen <= 0 {
		q.maxLen = 10000
	}
	if q.readCount <= 0 {
		q.readCount = 10
	}
	if q.claimCount <= 0 {
		q.claimCount = 10
	}
	return q, nil
}

// Enqueue appends an event of the given kind with a JSON-encoded payload.
func (q *RedisStreamQueue) Enqueue(ctx context.Context, kind string, payload any) (Message, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return Message{}, errors.New("message kind required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode payload: %w", err)
	}
	msg := Message{ID: util.NewID(), Kind: kind, Payload: raw, EnqueuedAt: time.Now().UTC()}
	if err := q.client.XAdd(ctx, q.addArgs(q.stream, msg)).Err(); err != nil {
		return Message{}, fmt.Errorf("xadd: %w", err)
	}
	return msg, nil
}

// Run consumes the stream with concurrency consumers until ctx is done.
func (q *RedisStreamQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		g.Go(func() error {
			q.consumeLoop(gctx, consumer, handler)
			return nil
		})
	}
	return g.Wait()
}

// DeadLetters returns up to count messages that exhausted their retries.
func (q *RedisStreamQueue) DeadLetters(ctx context.Context, count int64) ([]Message, error) {
	entries, err := q.client.XRangeN(ctx, q.dead, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		if msg, ok := decodeMessage(e); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (q *RedisStreamQueue) ensureGroup(ctx context.Context) error {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

func (q *RedisStreamQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	logger := util.LoggerFromContext(ctx).With("stream", q.stream, "consumer", consumer)
	for ctx.Err() == nil {
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		} else if ctx.Err() == nil {
			logger.Warn("queue claim failed", "err", err)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				logger.Warn("queue read failed", "err", err)
				sleep(ctx, time.Second)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisStreamQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RedisStreamQueue) handleMessage(ctx context.Context, entry redis.XMessage, handler Handler) {
	msg, ok := decodeMessage(entry)
	if !ok {
		q.ackAndDel(ctx, entry.ID)
		return
	}
	msg.Attempts++
	err := handler(ctx, msg)
	if err == nil {
		q.ackAndDel(ctx, entry.ID)
		return
	}
	logger := util.LoggerFromContext(ctx).With("stream", q.stream, "kind", msg.Kind, "message_id", msg.ID, "attempts", msg.Attempts)
	if msg.Attempts >= q.maxRetries {
		logger.Error("queue message dead-lettered", "err", err)
		if err := q.moveAndAck(ctx, q.dead, entry.ID, msg); err != nil {
			logger.Error("dead-letter failed", "err", err)
		}
		return
	}
	logger.Warn("queue handler failed, retrying", "err", err)
	if !sleep(ctx, q.retryDelay) {
		return
	}
	if err := q.moveAndAck(ctx, q.stream, entry.ID, msg); err != nil {
		logger.Error("requeue failed", "err", err)
	}
}

func (q *RedisStreamQueue) ackAndDel(ctx context.Context, entryID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, entryID).Result()
	_, _ = q.client.XDel(ctx, q.stream, entryID).Result()
}

// moveAndAck appends msg to target and acknowledges the original entry in
// one MULTI. On failure the original stays pending and is reclaimed later.
func (q *RedisStreamQueue) moveAndAck(ctx context.Context, target, entryID string, msg Message) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(target, msg))
	pipe.XAck(ctx, q.stream, q.group, entryID)
	pipe.XDel(ctx, q.stream, entryID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisStreamQueue) addArgs(stream string, msg Message) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":          msg.ID,
			"kind":        msg.Kind,
			"payload":     string(msg.Payload),
			"attempts":    strconv.Itoa(msg.Attempts),
			"enqueued_at": msg.EnqueuedAt.Format(time.RFC3339Nano),
		},
	}
}

func decodeMessage(entry redis.XMessage) (Message, bool) {
	str := func(key string) string {
		v, _ := entry.Values[key].(string)
		return v
	}
	msg := Message{ID: str("id"), Kind: str("kind"), Payload: json.RawMessage(str("payload"))}
	if msg.ID == "" || msg.Kind == "" || len(msg.Payload) == 0 {
		return Message{}, false
	}
	if n, err := strconv.Atoi(str("attempts")); err == nil {
		msg.Attempts = n
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("enqueued_at")); err == nil {
		msg.EnqueuedAt = ts
	}
	return msg, true
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
