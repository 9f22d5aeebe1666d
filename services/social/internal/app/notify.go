package app

import (
	"context"
	"errors"
	"fmt"

	"bookclub/internal/metrics"
	"bookclub/pkg/domain"
	"bookclub/pkg/queue"
	"bookclub/pkg/store"
)

// NotificationKind tags notification events on the queue.
const NotificationKind = "notification.created"

// Notifier delivers a fully stamped notification.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

type notificationWriter interface {
	CreateNotification(domain.Notification) error
}

// DirectNotifier writes notifications inline.
type DirectNotifier struct {
	store notificationWriter
}

func NewDirectNotifier(s notificationWriter) *DirectNotifier {
	return &DirectNotifier{store: s}
}

func (d *DirectNotifier) Notify(_ context.Context, n domain.Notification) error {
	if err := d.store.CreateNotification(n); err != nil {
		return err
	}
	metrics.NotificationSent(string(n.Verb), "direct")
	return nil
}

// Publisher is satisfied by the Redis stream and AMQP queues.
type Publisher interface {
	Enqueue(ctx context.Context, kind string, payload any) (queue.Message, error)
}

// QueueNotifier hands notifications to a worker through a queue.
type QueueNotifier struct {
	pub Publisher
}

func NewQueueNotifier(pub Publisher) *QueueNotifier {
	return &QueueNotifier{pub: pub}
}

func (q *QueueNotifier) Notify(ctx context.Context, n domain.Notification) error {
	if _, err := q.pub.Enqueue(ctx, NotificationKind, n); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// DeliverNotifications returns the worker handler that stores queued
// notifications. Redelivered messages carry the same id, so a conflict
// means the notification was already written.
func DeliverNotifications(s notificationWriter, mode string) queue.Handler {
	return func(_ context.Context, msg queue.Message) error {
		if msg.Kind != NotificationKind {
			return fmt.Errorf("unexpected message kind %q", msg.Kind)
		}
		var n domain.Notification
		if err := msg.Decode(&n); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		if err := s.CreateNotification(n); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil
			}
			return err
		}
		metrics.NotificationSent(string(n.Verb), mode)
		return nil
	}
}
