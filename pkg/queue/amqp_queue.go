package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"bookclub/internal/util"
)

// AMQPConfig tunes an AMQPQueue. Zero values pick defaults.
type AMQPConfig struct {
	URL        string
	Queue      string
	MaxRetries int
	RetryDelay time.Duration
	Prefetch   int
}

// AMQPQueue is an at-least-once queue on a durable RabbitMQ queue. Failed
// messages are republished with a bumped attempt count and end up on
// "<queue>.dead" once retries run out.
type AMQPQueue struct {
	conn       *amqp.Connection
	queue      string
	dead       string
	maxRetries int
	retryDelay time.Duration
	prefetch   int

	// amqp channels are not safe for concurrent publishing.
	pubMu sync.Mutex
	pub   *amqp.Channel
}

// DialAMQP connects and declares the work and dead-letter queues.
func DialAMQP(cfg AMQPConfig) (*AMQPQueue, error) {
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		return nil, errors.New("amqp queue name required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	q := &AMQPQueue{
		conn:       conn,
		pub:        ch,
		queue:      name,
		dead:       name + ".dead",
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		prefetch:   cfg.Prefetch,
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 3
	}
	if q.prefetch <= 0 {
		q.prefetch = 10
	}
	for _, queue := range []string{q.queue, q.dead} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declare %s: %w", queue, err)
		}
	}
	return q, nil
}

func (q *AMQPQueue) Close() error {
	return q.conn.Close()
}

// Enqueue publishes a persistent message of the given kind.
func (q *AMQPQueue) Enqueue(ctx context.Context, kind string, payload any) (Message, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return Message{}, errors.New("message kind required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode payload: %w", err)
	}
	msg := Message{ID: util.NewID(), Kind: kind, Payload: raw, EnqueuedAt: time.Now().UTC()}
	if err := q.publish(ctx, q.queue, msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Run consumes with concurrency workers, one channel each, until ctx is done.
func (q *AMQPQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			return q.consume(gctx, handler)
		})
	}
	return g.Wait()
}

func (q *AMQPQueue) consume(ctx context.Context, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("amqp delivery channel closed")
			}
			q.handleDelivery(ctx, d, handler)
		}
	}
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	msg := deliveryMessage(d)
	if msg.ID == "" || msg.Kind == "" {
		_ = d.Ack(false)
		return
	}
	msg.Attempts++
	err := handler(ctx, msg)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	logger := util.LoggerFromContext(ctx).With("queue", q.queue, "kind", msg.Kind, "message_id", msg.ID, "attempts", msg.Attempts)
	target := q.queue
	if msg.Attempts >= q.maxRetries {
		logger.Error("queue message dead-lettered", "err", err)
		target = q.dead
	} else {
		logger.Warn("queue handler failed, retrying", "err", err)
		if !sleep(ctx, q.retryDelay) {
			_ = d.Nack(false, true)
			return
		}
	}
	if err := q.publish(ctx, target, msg); err != nil {
		logger.Error("requeue failed", "err", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (q *AMQPQueue) publish(ctx context.Context, queue string, msg Message) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err := q.pub.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Kind,
		Timestamp:    msg.EnqueuedAt,
		Headers:      amqp.Table{"attempts": int32(msg.Attempts)},
		Body:         msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func deliveryMessage(d amqp.Delivery) Message {
	return Message{
		ID:         d.MessageId,
		Kind:       d.Type,
		Payload:    json.RawMessage(d.Body),
		Attempts:   headerInt(d.Headers, "attempts"),
		EnqueuedAt: d.Timestamp,
	}
}

// headerInt reads an integer header; brokers may widen the stored type.
func headerInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	default:
		return 0
	}
}
