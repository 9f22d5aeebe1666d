package app

import (
	"errors"
	"fmt"
	"strings"

	"bookclub/internal/util"
	"bookclub/internal/validation"
	"bookclub/pkg/domain"
	"bookclub/pkg/store"
)

// CanManageLibraries reports whether the user may edit shelves and librarians.
func CanManageLibraries(user *domain.User) bool {
	return user != nil && (user.Role == domain.RoleLibrarian || user.Role == domain.RoleAdmin)
}

// LibraryInput is the body of library create and update calls.
type LibraryInput struct {
	Name string `json:"name" validate:"required,max=100"`
}

// LibrarianInput names the librarian assigned to a library.
type LibrarianInput struct {
	Name string `json:"name" validate:"required,max=100"`
}

func (a *App) ListLibraries() ([]domain.Library, error) {
	return a.store.ListLibraries()
}

func (a *App) GetLibrary(id string) (domain.Library, error) {
	lib, ok, err := a.store.GetLibrary(id)
	if err != nil {
		return domain.Library{}, fmt.Errorf("fetch library: %w", err)
	}
	if !ok {
		return domain.Library{}, ErrLibraryNotFound
	}
	return lib, nil
}

func (a *App) CreateLibrary(user *domain.User, in LibraryInput) (domain.Library, error) {
	if !CanManageLibraries(user) {
		return domain.Library{}, ErrForbidden
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := validation.Struct(in); err != nil {
		return domain.Library{}, err
	}
	now := a.now().UTC()
	lib := domain.Library{ID: util.NewID(), Name: in.Name, CreatedAt: now, UpdatedAt: now}
	if err := a.saveLibrary(lib); err != nil {
		return domain.Library{}, err
	}
	return a.GetLibrary(lib.ID)
}

func (a *App) UpdateLibrary(user *domain.User, id string, in LibraryInput) (domain.Library, error) {
	if !CanManageLibraries(user) {
		return domain.Library{}, ErrForbidden
	}
	lib, err := a.GetLibrary(id)
	if err != nil {
		return domain.Library{}, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := validation.Struct(in); err != nil {
		return domain.Library{}, err
	}
	lib.Name = in.Name
	lib.UpdatedAt = a.now().UTC()
	if err := a.saveLibrary(lib); err != nil {
		return domain.Library{}, err
	}
	return a.GetLibrary(id)
}

func (a *App) saveLibrary(lib domain.Library) error {
	if err := a.store.SaveLibrary(lib); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrDuplicateLibrary
		}
		return fmt.Errorf("save library: %w", err)
	}
	return nil
}

// DeleteLibrary is admin only. The librarian goes with the library.
func (a *App) DeleteLibrary(user *domain.User, id string) error {
	if user == nil || user.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	if _, err := a.GetLibrary(id); err != nil {
		return err
	}
	if err := a.store.DeleteLibrary(id); err != nil {
		return fmt.Errorf("delete library: %w", err)
	}
	return nil
}

// ShelveBook adds a book to a library. Shelving twice is a no-op.
func (a *App) ShelveBook(user *domain.User, libraryID, bookID string) (domain.Library, error) {
	if !CanManageLibraries(user) {
		return domain.Library{}, ErrForbidden
	}
	if _, err := a.GetLibrary(libraryID); err != nil {
		return domain.Library{}, err
	}
	if _, err := a.GetBook(bookID); err != nil {
		return domain.Library{}, err
	}
	if err := a.store.AddLibraryBook(libraryID, bookID); err != nil {
		return domain.Library{}, fmt.Errorf("shelve book: %w", err)
	}
	return a.GetLibrary(libraryID)
}

func (a *App) UnshelveBook(user *domain.User, libraryID, bookID string) (domain.Library, error) {
	if !CanManageLibraries(user) {
		return domain.Library{}, ErrForbidden
	}
	if _, err := a.GetLibrary(libraryID); err != nil {
		return domain.Library{}, err
	}
	removed, err := a.store.RemoveLibraryBook(libraryID, bookID)
	if err != nil {
		return domain.Library{}, fmt.Errorf("unshelve book: %w", err)
	}
	if !removed {
		return domain.Library{}, ErrBookNotShelved
	}
	return a.GetLibrary(libraryID)
}

// SetLibrarian creates or renames the one librarian of a library.
func (a *App) SetLibrarian(user *domain.User, libraryID string, in LibrarianInput) (domain.Librarian, error) {
	if !CanManageLibraries(user) {
		return domain.Librarian{}, ErrForbidden
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := validation.Struct(in); err != nil {
		return domain.Librarian{}, err
	}
	if _, err := a.GetLibrary(libraryID); err != nil {
		return domain.Librarian{}, err
	}
	librarian, err := a.store.SetLibrarian(domain.Librarian{ID: util.NewID(), Name: in.Name, LibraryID: libraryID})
	if err != nil {
		return domain.Librarian{}, fmt.Errorf("set librarian: %w", err)
	}
	return librarian, nil
}
