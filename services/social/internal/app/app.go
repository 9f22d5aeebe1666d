package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"bookclub/internal/util"
	"bookclub/pkg/domain"
	"bookclub/pkg/store"
)

// Store is the slice of persistence the social service needs.
type Store interface {
	GetUserByID(id string) (domain.User, bool, error)
	GetProfile(userID string) (domain.Profile, bool, error)
	store.SocialStore
}

// Config wires the social core.
type Config struct {
	Store    Store
	Notifier Notifier
	Now      func() time.Time
}

// App implements posts, comments, likes, follows and notifications.
type App struct {
	store    Store
	notifier Notifier
	now      func() time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("social store required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NewDirectNotifier(cfg.Store)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &App{store: cfg.Store, notifier: cfg.Notifier, now: cfg.Now}, nil
}

// UserRef is the short form used in follower lists.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Follow makes user follow targetID and returns the followee. created is
// false when the edge already existed; only new edges notify the followee.
func (a *App) Follow(ctx context.Context, user domain.User, targetID string) (target domain.User, created bool, err error) {
	if targetID == user.ID {
		return domain.User{}, false, ErrSelfFollow
	}
	if target, err = a.activeUser(targetID); err != nil {
		return domain.User{}, false, err
	}
	created, err = a.store.Follow(user.ID, targetID, a.now().UTC())
	if err != nil {
		return domain.User{}, false, fmt.Errorf("follow: %w", err)
	}
	if created {
		a.notify(ctx, domain.Notification{
			RecipientID: targetID,
			ActorID:     user.ID,
			Verb:        domain.VerbFollowed,
			TargetType:  domain.TargetUser,
			TargetID:    user.ID,
		})
	}
	return target, created, nil
}

// Unfollow removes the edge if present. Repeating it is not an error.
func (a *App) Unfollow(user domain.User, targetID string) (domain.User, error) {
	if targetID == user.ID {
		return domain.User{}, ErrSelfFollow
	}
	target, err := a.activeUser(targetID)
	if err != nil {
		return domain.User{}, err
	}
	if _, err := a.store.Unfollow(user.ID, targetID); err != nil {
		return domain.User{}, fmt.Errorf("unfollow: %w", err)
	}
	return target, nil
}

// UserSummary loads the public account view with follow counts.
func (a *App) UserSummary(ctx context.Context, id string) (domain.UserSummary, error) {
	user, err := a.activeUser(id)
	if err != nil {
		return domain.UserSummary{}, err
	}
	out := domain.UserSummary{ID: user.ID, Username: user.Username}
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		profile, ok, err := a.store.GetProfile(id)
		if ok {
			out.Bio = profile.Bio
		}
		return err
	})
	g.Go(func() (err error) {
		out.Followers, err = a.store.CountFollowers(id)
		return err
	})
	g.Go(func() (err error) {
		out.Following, err = a.store.CountFollowing(id)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.UserSummary{}, fmt.Errorf("user summary: %w", err)
	}
	return out, nil
}

func (a *App) Followers(id string) ([]UserRef, error) {
	if _, err := a.activeUser(id); err != nil {
		return nil, err
	}
	users, err := a.store.ListFollowers(id)
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}
	return refs(users), nil
}

func (a *App) Following(id string) ([]UserRef, error) {
	if _, err := a.activeUser(id); err != nil {
		return nil, err
	}
	users, err := a.store.ListFollowing(id)
	if err != nil {
		return nil, fmt.Errorf("list following: %w", err)
	}
	return refs(users), nil
}

func (a *App) activeUser(id string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(id)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || user.Status != domain.StatusActive {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// notify stamps and hands off a notification. Delivery failures are logged;
// the triggering action has already been committed.
func (a *App) notify(ctx context.Context, n domain.Notification) {
	n.ID = util.NewID()
	n.CreatedAt = a.now().UTC()
	if err := a.notifier.Notify(ctx, n); err != nil {
		util.LoggerFromContext(ctx).Error("notification_failed",
			"verb", string(n.Verb), "recipient", n.RecipientID, "err", err)
	}
}

func refs(users []domain.User) []UserRef {
	out := make([]UserRef, 0, len(users))
	for _, u := range users {
		out = append(out, UserRef{ID: u.ID, Username: u.Username})
	}
	return out
}
