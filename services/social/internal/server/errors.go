package server

import (
	"errors"
	"net/http"

	"bookclub/internal/usertoken"
	"bookclub/internal/util"
	"bookclub/internal/validation"
	"bookclub/services/social/internal/app"
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
	{app.ErrAuthRequired, http.StatusForbidden, "NOT_AUTHENTICATED"},
	{app.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{app.ErrPostNotFound, http.StatusNotFound, "POST_NOT_FOUND"},
	{app.ErrTagNotFound, http.StatusNotFound, "TAG_NOT_FOUND"},
	{app.ErrCommentNotFound, http.StatusNotFound, "COMMENT_NOT_FOUND"},
	{app.ErrUserNotFound, http.StatusNotFound, "USER_NOT_FOUND"},
	{app.ErrNotificationNotFound, http.StatusNotFound, "NOTIFICATION_NOT_FOUND"},
	{app.ErrAlreadyLiked, http.StatusBadRequest, "ALREADY_LIKED"},
	{app.ErrNotLiked, http.StatusBadRequest, "NOT_LIKED"},
	{app.ErrSelfFollow, http.StatusBadRequest, "SELF_FOLLOW"},
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
