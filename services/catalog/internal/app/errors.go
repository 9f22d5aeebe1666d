package app

import "errors"

var (
	ErrAuthorNotFound  = errors.New("author not found")
	ErrBookNotFound    = errors.New("book not found")
	ErrLibraryNotFound = errors.New("library not found")
	ErrBookNotShelved  = errors.New("book is not in this library")

	ErrDuplicateAuthor  = errors.New("an author with this name already exists")
	ErrDuplicateBook    = errors.New("a book with this title by this author already exists")
	ErrDuplicateLibrary = errors.New("a library with this name already exists")

	// ErrForbidden covers anonymous writes and insufficient roles alike.
	ErrForbidden = errors.New("you do not have permission to perform this action")
)
