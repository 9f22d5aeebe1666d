package app

import (
	"fmt"

	"bookclub/pkg/domain"
)

// Notifications lists the caller's notifications. The full list puts unread
// first; unreadOnly lists are newest first.
func (a *App) Notifications(user domain.User, unreadOnly bool) ([]domain.Notification, error) {
	items, err := a.store.ListNotifications(user.ID, unreadOnly)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return items, nil
}

func (a *App) UnreadCount(user domain.User) (int64, error) {
	return a.store.UnreadNotificationCount(user.ID)
}

// MarkRead reports ErrNotificationNotFound for notifications owned by
// anyone else.
func (a *App) MarkRead(user domain.User, id string) error {
	ok, err := a.store.MarkNotificationRead(user.ID, id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if !ok {
		return ErrNotificationNotFound
	}
	return nil
}

func (a *App) MarkAllRead(user domain.User) (int64, error) {
	n, err := a.store.MarkAllNotificationsRead(user.ID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return n, nil
}

func (a *App) DeleteNotification(user domain.User, id string) error {
	ok, err := a.store.DeleteNotification(user.ID, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if !ok {
		return ErrNotificationNotFound
	}
	return nil
}
