package server

import (
	"errors"
	"net/http"

	"bookclub/internal/usertoken"
	"bookclub/internal/util"
	"bookclub/internal/validation"
	"bookclub/services/catalog/internal/app"
)

type errorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	RequestID string            `json:"requestId,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{util.ErrInvalidJSON, http.StatusBadRequest, "INVALID_JSON"},
	{app.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{app.ErrAuthorNotFound, http.StatusNotFound, "AUTHOR_NOT_FOUND"},
	{app.ErrBookNotFound, http.StatusNotFound, "BOOK_NOT_FOUND"},
	{app.ErrLibraryNotFound, http.StatusNotFound, "LIBRARY_NOT_FOUND"},
	{app.ErrBookNotShelved, http.StatusNotFound, "BOOK_NOT_SHELVED"},
	{app.ErrDuplicateAuthor, http.StatusConflict, "DUPLICATE_AUTHOR"},
	{app.ErrDuplicateBook, http.StatusConflict, "DUPLICATE_BOOK"},
	{app.ErrDuplicateLibrary, http.StatusConflict, "DUPLICATE_LIBRARY"},
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if fields, ok := validation.AsFieldErrors(err); ok {
		util.WriteJSON(w, http.StatusBadRequest, errorResponse{
			Error:     "validation failed",
			Code:      "VALIDATION_FAILED",
			RequestID: util.RequestIDFromRequest(r),
			Fields:    fields,
		})
		return
	}
	if usertoken.IsRejected(err) {
		writeStatus(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
		return
	}
	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			writeStatus(w, r, m.status, m.code, m.err.Error())
			return
		}
	}
	util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "err", err)
	writeStatus(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func writeStatus(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	util.WriteJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: util.RequestIDFromRequest(r),
	})
}
