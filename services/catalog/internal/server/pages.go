package server

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"net/http"

	"bookclub/internal/util"
	"bookclub/pkg/store"
	"bookclub/services/catalog/internal/app"
)

//go:embed templates/*.html
var templateFS embed.FS

func parsePages() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.html")
}

func (s *Server) handleBooksPage(w http.ResponseWriter, r *http.Request) {
	books, err := s.app.ListBooks(store.BookQuery{Ordering: "title"})
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.render(w, r, http.StatusOK, "books.html", map[string]any{"Books": books})
}

func (s *Server) handleLibraryPage(w http.ResponseWriter, r *http.Request) {
	lib, err := s.app.GetLibrary(r.PathValue("id"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.render(w, r, http.StatusOK, "library.html", map[string]any{"Library": lib})
}

// render executes into a buffer first so a template failure never leaves a
// half-written page.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.pages.ExecuteTemplate(&buf, name, data); err != nil {
		util.LoggerFromContext(r.Context()).Error("render_failed", "template", name, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, app.ErrLibraryNotFound) {
		s.render(w, r, http.StatusNotFound, "not_found.html", map[string]any{"What": "Library"})
		return
	}
	util.LoggerFromContext(r.Context()).Error("page_failed", "path", r.URL.Path, "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
