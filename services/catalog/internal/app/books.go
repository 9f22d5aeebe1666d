package app

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"bookclub/internal/util"
	"bookclub/internal/validation"
	"bookclub/pkg/domain"
	"bookclub/pkg/store"
)

// Accepted ordering values mapped to store keys.
var bookOrderings = map[string]string{
	"title":             "title",
	"-title":            "-title",
	"publicationYear":   "publication_year",
	"-publicationYear":  "-publication_year",
	"publication_year":  "publication_year",
	"-publication_year": "-publication_year",
}

var authorIDPattern = regexp.MustCompile(`^(?:[0-9]+|[0-9a-f]{24})$`)

// ParseBookQuery turns list query parameters into a store query. Unknown
// ordering values fall back to title.
func ParseBookQuery(values url.Values) (store.BookQuery, error) {
	q := store.BookQuery{
		Title:      strings.TrimSpace(values.Get("title")),
		AuthorName: strings.TrimSpace(values.Get("authorName")),
		Search:     strings.TrimSpace(values.Get("search")),
		Ordering:   "title",
	}
	if author := strings.TrimSpace(values.Get("author")); author != "" {
		if authorIDPattern.MatchString(author) {
			q.AuthorID = author
		} else {
			q.AuthorContains = author
		}
	}
	rawYear := strings.TrimSpace(values.Get("publicationYear"))
	if rawYear == "" {
		rawYear = strings.TrimSpace(values.Get("year"))
	}
	if rawYear != "" {
		year, err := strconv.Atoi(rawYear)
		if err != nil {
			return store.BookQuery{}, validation.FieldErrors{"publicationYear": "Enter a whole number."}
		}
		q.PublicationYear = &year
	}
	if ordering, ok := bookOrderings[strings.TrimSpace(values.Get("ordering"))]; ok {
		q.Ordering = ordering
	}
	return q, nil
}

func (a *App) ListBooks(q store.BookQuery) ([]domain.Book, error) {
	return a.store.ListBooks(q)
}

func (a *App) GetBook(id string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	return book, nil
}

// BookInput is the body of book writes. The author is given either by id or
// by exact name; on update every field is optional.
type BookInput struct {
	Title           *string `json:"title"`
	AuthorID        *string `json:"authorId"`
	Author          *string `json:"author"`
	PublicationYear *int    `json:"publicationYear"`
}

// CreateBook requires an authenticated caller.
func (a *App) CreateBook(user *domain.User, in BookInput) (domain.Book, error) {
	if user == nil {
		return domain.Book{}, ErrForbidden
	}
	now := a.now().UTC()
	book := domain.Book{ID: util.NewID(), CreatedAt: now, UpdatedAt: now}
	if err := a.applyBookInput(&book, in, true); err != nil {
		return domain.Book{}, err
	}
	return a.saveBook(book)
}

func (a *App) UpdateBook(user *domain.User, id string, in BookInput) (domain.Book, error) {
	if user == nil {
		return domain.Book{}, ErrForbidden
	}
	book, err := a.GetBook(id)
	if err != nil {
		return domain.Book{}, err
	}
	if err := a.applyBookInput(&book, in, false); err != nil {
		return domain.Book{}, err
	}
	book.UpdatedAt = a.now().UTC()
	return a.saveBook(book)
}

func (a *App) DeleteBook(user *domain.User, id string) error {
	if user == nil {
		return ErrForbidden
	}
	if _, err := a.GetBook(id); err != nil {
		return err
	}
	if err := a.store.DeleteBook(id); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	return nil
}

func (a *App) saveBook(book domain.Book) (domain.Book, error) {
	if err := a.store.SaveBook(book); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Book{}, ErrDuplicateBook
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return a.GetBook(book.ID)
}

// applyBookInput validates in and copies it onto book. With full set, title,
// author and year are all required.
func (a *App) applyBookInput(book *domain.Book, in BookInput, full bool) error {
	fields := validation.FieldErrors{}

	if in.Title != nil || full {
		title := ""
		if in.Title != nil {
			title = strings.TrimSpace(*in.Title)
		}
		if err := validation.Var("title", title, "required,max=200"); err != nil {
			if fe, ok := validation.AsFieldErrors(err); ok {
				fields.Add("title", fe["title"])
			}
		} else {
			book.Title = title
		}
	}

	if in.PublicationYear != nil {
		year := *in.PublicationYear
		switch {
		case year > a.now().UTC().Year():
			fields.Add("publicationYear", "Publication year cannot be in the future.")
		case year < 0:
			fields.Add("publicationYear", "Ensure this value is greater than or equal to 0.")
		default:
			book.PublicationYear = year
		}
	} else if full {
		fields.Add("publicationYear", "This field is required.")
	}

	switch {
	case in.AuthorID != nil && strings.TrimSpace(*in.AuthorID) != "":
		author, ok, err := a.store.GetAuthor(strings.TrimSpace(*in.AuthorID))
		if err != nil {
			return fmt.Errorf("fetch author: %w", err)
		}
		if !ok {
			fields.Add("author", "Invalid author. Object does not exist.")
		} else {
			book.AuthorID = author.ID
		}
	case in.Author != nil && strings.TrimSpace(*in.Author) != "":
		author, ok, err := a.store.GetAuthorByName(strings.TrimSpace(*in.Author))
		if err != nil {
			return fmt.Errorf("fetch author: %w", err)
		}
		if !ok {
			fields.Add("author", "Invalid author. Object does not exist.")
		} else {
			book.AuthorID = author.ID
		}
	case full || in.AuthorID != nil || in.Author != nil:
		fields.Add("author", "This field is required.")
	}

	return fields.Err()
}
