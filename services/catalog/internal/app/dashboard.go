package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"bookclub/pkg/domain"
)

// Dashboard is the landing payload of a role view.
type Dashboard struct {
	Role      domain.UserRole `json:"role"`
	User      domain.User     `json:"user"`
	Message   string          `json:"message"`
	Books     int64           `json:"books"`
	Libraries int64           `json:"libraries"`
}

var dashboardMessages = map[domain.UserRole]string{
	domain.RoleAdmin:     "Welcome to the admin dashboard.",
	domain.RoleLibrarian: "Welcome to the librarian dashboard.",
	domain.RoleMember:    "Welcome to the member dashboard.",
}

// RoleDashboard requires the caller's role to equal role exactly.
func (a *App) RoleDashboard(ctx context.Context, user *domain.User, role domain.UserRole) (Dashboard, error) {
	if user == nil || user.Role != role {
		return Dashboard{}, ErrForbidden
	}
	out := Dashboard{Role: role, User: *user, Message: dashboardMessages[role]}
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.store.BookCount()
		if err != nil {
			return fmt.Errorf("count books: %w", err)
		}
		out.Books = n
		return nil
	})
	g.Go(func() error {
		n, err := a.store.LibraryCount()
		if err != nil {
			return fmt.Errorf("count libraries: %w", err)
		}
		out.Libraries = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	return out, nil
}
