package store

import (
	"errors"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bookclub/pkg/domain"
)

var bookOrderings = map[string]string{
	"title":             "book_models.title ASC",
	"-title":            "book_models.title DESC",
	"publication_year":  "book_models.publication_year ASC",
	"-publication_year": "book_models.publication_year DESC",
}

// bookRow is a book joined with its author's name.
type bookRow struct {
	BookModel
	AuthorName string
}

// ShelfRow is a shelved book with its author name and owning library.
// The book columns come from an embedded exported model so Scan fills them.
type ShelfRow struct {
	BookModel
	AuthorName string
	LibraryID  string
}

func (s *GormStore) bookRows() *gorm.DB {
	return s.db.Model(&BookModel{}).
		Select("book_models.*, author_models.name AS author_name").
		Joins("JOIN author_models ON author_models.id = book_models.author_id")
}

// SaveAuthor upserts an author.
func (s *GormStore) SaveAuthor(a domain.Author) error {
	model := AuthorModel{ID: a.ID, Name: a.Name, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt}
	return translate(s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(&model).Error)
}

// GetAuthor returns an author with their books ordered by title.
func (s *GormStore) GetAuthor(id string) (domain.Author, bool, error) {
	return s.findAuthor("id = ?", id)
}

// GetAuthorByName looks up an author by exact name.
func (s *GormStore) GetAuthorByName(name string) (domain.Author, bool, error) {
	return s.findAuthor("name = ?", name)
}

func (s *GormStore) findAuthor(query string, arg any) (domain.Author, bool, error) {
	var model AuthorModel
	if err := s.db.Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Author{}, false, nil
		}
		return domain.Author{}, false, err
	}
	authors, err := s.withBooks([]AuthorModel{model})
	if err != nil {
		return domain.Author{}, false, err
	}
	return authors[0], true, nil
}

// ListAuthors returns every author, by name, with nested books.
func (s *GormStore) ListAuthors() ([]domain.Author, error) {
	var models []AuthorModel
	if err := s.db.Order("name ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return s.withBooks(models)
}

func (s *GormStore) withBooks(models []AuthorModel) ([]domain.Author, error) {
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	byAuthor := make(map[string][]domain.Book, len(models))
	if len(ids) > 0 {
		var rows []bookRow
		if err := s.bookRows().
			Where("book_models.author_id IN ?", ids).
			Order("book_models.title ASC").Order("book_models.id ASC").
			Scan(&rows).Error; err != nil {
			return nil, err
		}
		for _, r := range rows {
			byAuthor[r.AuthorID] = append(byAuthor[r.AuthorID], bookFromRow(r))
		}
	}
	out := make([]domain.Author, 0, len(models))
	for _, m := range models {
		books := byAuthor[m.ID]
		if books == nil {
			books = []domain.Book{}
		}
		out = append(out, domain.Author{
			ID:        m.ID,
			Name:      m.Name,
			Books:     books,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		})
	}
	return out, nil
}

// DeleteAuthor removes the author, their books and those books' shelf links.
func (s *GormStore) DeleteAuthor(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		bookIDs := tx.Model(&BookModel{}).Select("id").Where("author_id = ?", id)
		if err := tx.Where("book_id IN (?)", bookIDs).Delete(&LibraryBookModel{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&BookModel{}, "author_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&AuthorModel{}, "id = ?", id).Error
	})
}

// SaveBook upserts a book. A duplicate (title, author) yields ErrConflict.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return translate(s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author_id", "publication_year", "updated_at"}),
	}).Create(&model).Error)
}

// GetBook retrieves a book with its author name.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var rows []bookRow
	if err := s.bookRows().Where("book_models.id = ?", id).Limit(1).Scan(&rows).Error; err != nil {
		return domain.Book{}, false, err
	}
	if len(rows) == 0 {
		return domain.Book{}, false, nil
	}
	return bookFromRow(rows[0]), true, nil
}

// ListBooks applies filters, search and ordering. Ties break on id so the
// order is total.
func (s *GormStore) ListBooks(q BookQuery) ([]domain.Book, error) {
	tx := s.bookRows()
	if q.Title != "" {
		tx = tx.Where("book_models.title = ?", q.Title)
	}
	if q.AuthorID != "" {
		tx = tx.Where("book_models.author_id = ?", q.AuthorID)
	}
	if q.AuthorContains != "" {
		tx = tx.Where("LOWER(author_models.name) LIKE ? ESCAPE '!'", likePattern(q.AuthorContains))
	}
	if q.AuthorName != "" {
		tx = tx.Where("author_models.name = ?", q.AuthorName)
	}
	if q.PublicationYear != nil {
		tx = tx.Where("book_models.publication_year = ?", *q.PublicationYear)
	}
	if q.Search != "" {
		pattern := likePattern(q.Search)
		tx = tx.Where("(LOWER(book_models.title) LIKE ? ESCAPE '!' OR LOWER(author_models.name) LIKE ? ESCAPE '!')", pattern, pattern)
	}
	order, ok := bookOrderings[q.Ordering]
	if !ok {
		order = bookOrderings["title"]
	}
	var rows []bookRow
	if err := tx.Order(order).Order("book_models.id ASC").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Book, 0, len(rows))
	for _, r := range rows {
		out = append(out, bookFromRow(r))
	}
	return out, nil
}

// DeleteBook removes a book and detaches it from libraries.
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&LibraryBookModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&BookModel{}, "id = ?", id).Error
	})
}

// BookCount returns the number of books.
func (s *GormStore) BookCount() (int64, error) {
	var n int64
	err := s.db.Model(&BookModel{}).Count(&n).Error
	return n, err
}

// SaveLibrary upserts the library row; books and librarian are managed separately.
func (s *GormStore) SaveLibrary(l domain.Library) error {
	model := LibraryModel{ID: l.ID, Name: l.Name, CreatedAt: l.CreatedAt, UpdatedAt: l.UpdatedAt}
	return translate(s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(&model).Error)
}

// GetLibrary returns a library with librarian and shelved books.
func (s *GormStore) GetLibrary(id string) (domain.Library, bool, error) {
	var model LibraryModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Library{}, false, nil
		}
		return domain.Library{}, false, err
	}
	libs, err := s.hydrateLibraries([]LibraryModel{model})
	if err != nil {
		return domain.Library{}, false, err
	}
	return libs[0], true, nil
}

// ListLibraries returns all libraries ordered by name.
func (s *GormStore) ListLibraries() ([]domain.Library, error) {
	var models []LibraryModel
	if err := s.db.Order("name ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return s.hydrateLibraries(models)
}

func (s *GormStore) hydrateLibraries(models []LibraryModel) ([]domain.Library, error) {
	if len(models) == 0 {
		return []domain.Library{}, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}

	var librarians []LibrarianModel
	if err := s.db.Where("library_id IN ?", ids).Find(&librarians).Error; err != nil {
		return nil, err
	}
	byLibrary := make(map[string]*domain.Librarian, len(librarians))
	for _, l := range librarians {
		byLibrary[l.LibraryID] = &domain.Librarian{ID: l.ID, Name: l.Name, LibraryID: l.LibraryID}
	}

	var shelves []ShelfRow
	if err := s.bookRows().
		Select("book_models.*, author_models.name AS author_name, library_book_models.library_id AS library_id").
		Joins("JOIN library_book_models ON library_book_models.book_id = book_models.id").
		Where("library_book_models.library_id IN ?", ids).
		Scan(&shelves).Error; err != nil {
		return nil, err
	}
	books := make(map[string][]domain.Book, len(models))
	for _, r := range shelves {
		books[r.LibraryID] = append(books[r.LibraryID], bookFromRow(bookRow{BookModel: r.BookModel, AuthorName: r.AuthorName}))
	}

	out := make([]domain.Library, 0, len(models))
	for _, m := range models {
		shelf := books[m.ID]
		sort.Slice(shelf, func(i, j int) bool {
			if shelf[i].Title != shelf[j].Title {
				return shelf[i].Title < shelf[j].Title
			}
			return shelf[i].ID < shelf[j].ID
		})
		if shelf == nil {
			shelf = []domain.Book{}
		}
		out = append(out, domain.Library{
			ID:        m.ID,
			Name:      m.Name,
			Librarian: byLibrary[m.ID],
			Books:     shelf,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		})
	}
	return out, nil
}

// DeleteLibrary removes a library, its librarian and shelf links.
func (s *GormStore) DeleteLibrary(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&LibraryBookModel{}, "library_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&LibrarianModel{}, "library_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&LibraryModel{}, "id = ?", id).Error
	})
}

// LibraryCount returns the number of libraries.
func (s *GormStore) LibraryCount() (int64, error) {
	var n int64
	err := s.db.Model(&LibraryModel{}).Count(&n).Error
	return n, err
}

// AddLibraryBook shelves a book; shelving twice is a no-op.
func (s *GormStore) AddLibraryBook(libraryID, bookID string) error {
	link := LibraryBookModel{LibraryID: libraryID, BookID: bookID}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
}

// RemoveLibraryBook unshelves a book and reports whether a link existed.
func (s *GormStore) RemoveLibraryBook(libraryID, bookID string) (bool, error) {
	res := s.db.Delete(&LibraryBookModel{}, "library_id = ? AND book_id = ?", libraryID, bookID)
	return res.RowsAffected > 0, res.Error
}

// SetLibrarian assigns the librarian of a library, keeping the existing id
// when one is already assigned.
func (s *GormStore) SetLibrarian(l domain.Librarian) (domain.Librarian, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing LibrarianModel
		err := tx.Where("library_id = ?", l.LibraryID).First(&existing).Error
		switch {
		case err == nil:
			l.ID = existing.ID
			return tx.Model(&existing).Update("name", l.Name).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			model := LibrarianModel{ID: l.ID, Name: l.Name, LibraryID: l.LibraryID}
			return translate(tx.Create(&model).Error)
		default:
			return err
		}
	})
	if err != nil {
		return domain.Librarian{}, err
	}
	return l, nil
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:              b.ID,
		Title:           b.Title,
		AuthorID:        b.AuthorID,
		PublicationYear: b.PublicationYear,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

func bookFromRow(r bookRow) domain.Book {
	return domain.Book{
		ID:              r.ID,
		Title:           r.Title,
		AuthorID:        r.AuthorID,
		AuthorName:      r.AuthorName,
		PublicationYear: r.PublicationYear,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
