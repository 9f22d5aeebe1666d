package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bookclub/internal/util"
	"bookclub/internal/validation"
	"bookclub/pkg/domain"
	"bookclub/pkg/store"
)

// Config wires the catalog core.
type Config struct {
	Store store.CatalogStore
	Now   func() time.Time
}

// App holds the book catalog and library relationship logic.
type App struct {
	store store.CatalogStore
	now   func() time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("catalog store required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &App{store: cfg.Store, now: cfg.Now}, nil
}

// AuthorInput is the body of author create and update calls.
type AuthorInput struct {
	Name string `json:"name" validate:"required,max=100"`
}

func (a *App) ListAuthors() ([]domain.Author, error) {
	return a.store.ListAuthors()
}

func (a *App) GetAuthor(id string) (domain.Author, error) {
	author, ok, err := a.store.GetAuthor(id)
	if err != nil {
		return domain.Author{}, fmt.Errorf("fetch author: %w", err)
	}
	if !ok {
		return domain.Author{}, ErrAuthorNotFound
	}
	return author, nil
}

func (a *App) CreateAuthor(in AuthorInput) (domain.Author, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validation.Struct(in); err != nil {
		return domain.Author{}, err
	}
	now := a.now().UTC()
	author := domain.Author{ID: util.NewID(), Name: in.Name, CreatedAt: now, UpdatedAt: now}
	if err := a.store.SaveAuthor(author); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Author{}, ErrDuplicateAuthor
		}
		return domain.Author{}, fmt.Errorf("save author: %w", err)
	}
	author.Books = []domain.Book{}
	return author, nil
}

func (a *App) UpdateAuthor(id string, in AuthorInput) (domain.Author, error) {
	author, err := a.GetAuthor(id)
	if err != nil {
		return domain.Author{}, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := validation.Struct(in); err != nil {
		return domain.Author{}, err
	}
	author.Name = in.Name
	author.UpdatedAt = a.now().UTC()
	if err := a.store.SaveAuthor(author); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Author{}, ErrDuplicateAuthor
		}
		return domain.Author{}, fmt.Errorf("save author: %w", err)
	}
	return a.GetAuthor(id)
}

// DeleteAuthor removes the author together with every book they wrote.
func (a *App) DeleteAuthor(id string) error {
	if _, err := a.GetAuthor(id); err != nil {
		return err
	}
	if err := a.store.DeleteAuthor(id); err != nil {
		return fmt.Errorf("delete author: %w", err)
	}
	return nil
}
