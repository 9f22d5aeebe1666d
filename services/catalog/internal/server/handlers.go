package server

import (
	"net/http"

	"bookclub/internal/util"
	"bookclub/pkg/domain"
	"bookclub/services/catalog/internal/app"
)

func (s *Server) handleListAuthors(w http.ResponseWriter, r *http.Request, _ *domain.User) {
	authors, err := s.app.ListAuthors()
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, authors)
}

func (s *Server) handleCreateAuthor(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if user == nil {
		writeError(w, r, app.ErrForbidden)
		return
	}
	var req app.AuthorInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	author, err := s.app.CreateAuthor(req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, author)
}

func (s *Server) handleGetAuthor(w http.ResponseWriter, r *http.Request, _ *domain.User) {
	author, err := s.app.GetAuthor(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, author)
}

func (s *Server) handleUpdateAuthor(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if user == nil {
		writeError(w, r, app.ErrForbidden)
		return
	}
	var req app.AuthorInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	author, err := s.app.UpdateAuthor(r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, author)
}

func (s *Server) handleDeleteAuthor(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if user == nil {
		writeError(w, r, app.ErrForbidden)
		return
	}
	if err := s.app.DeleteAuthor(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request, _ *domain.User) {
	q, err := app.ParseBookQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	books, err := s.app.ListBooks(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, books)
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if user == nil {
		writeError(w, r, app.ErrForbidden)
		return
	}
	var req app.BookInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	book, err := s.app.CreateBook(user, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, book)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request, _ *domain.User) {
	book, err := s.app.GetBook(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, book)
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if user == nil {
		writeError(w, r, app.ErrForbidden)
		return
	}
	var req app.BookInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	book, err := s.app.UpdateBook(user, r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, book)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if err := s.app.DeleteBook(user, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListLibraries(w http.ResponseWriter, r *http.Request, _ *domain.User) {
	libs, err := s.app.ListLibraries()
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, libs)
}

func (s *Server) handleGetLibrary(w http.ResponseWriter, r *http.Request, _ *domain.User) {
	lib, err := s.app.GetLibrary(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, lib)
}

func (s *Server) handleCreateLibrary(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if !app.CanManageLibraries(user) {
		writeError(w, r, app.ErrForbidden)
		return
	}
	var req app.LibraryInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	lib, err := s.app.CreateLibrary(user, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, lib)
}

func (s *Server) handleUpdateLibrary(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if !app.CanManageLibraries(user) {
		writeError(w, r, app.ErrForbidden)
		return
	}
	var req app.LibraryInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	lib, err := s.app.UpdateLibrary(user, r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, lib)
}

func (s *Server) handleDeleteLibrary(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if err := s.app.DeleteLibrary(user, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShelveBook(w http.ResponseWriter, r *http.Request, user *domain.User) {
	lib, err := s.app.ShelveBook(user, r.PathValue("id"), r.PathValue("bookId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, lib)
}

func (s *Server) handleUnshelveBook(w http.ResponseWriter, r *http.Request, user *domain.User) {
	lib, err := s.app.UnshelveBook(user, r.PathValue("id"), r.PathValue("bookId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, lib)
}

func (s *Server) handleSetLibrarian(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if !app.CanManageLibraries(user) {
		writeError(w, r, app.ErrForbidden)
		return
	}
	var req app.LibrarianInput
	if err := util.DecodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	librarian, err := s.app.SetLibrarian(user, r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, librarian)
}

func (s *Server) handleRoleDashboard(w http.ResponseWriter, r *http.Request, user *domain.User) {
	role, ok := domain.ParseUserRole(r.PathValue("role"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	board, err := s.app.RoleDashboard(r.Context(), user, role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, board)
}
