package server

import (
	"errors"
	"net/http"

	"bookclub/internal/util"
	"bookclub/internal/validation"
	"bookclub/pkg/store"
	"bookclub/services/auth/internal/app"
)

type errorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	RequestID string            `json:"requestId,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

type errorMapping struct {
	err    error
	status int
	code   string
	// field names the request field the error belongs to, if any.
	field string
}

var errorMappings = []errorMapping{
	{util.ErrInvalidJSON, http.StatusBadRequest, "INVALID_JSON", ""},
	{app.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS", ""},
	{app.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED", ""},
	{app.ErrUserDisabled, http.StatusForbidden, "USER_DISABLED", ""},
	{app.ErrUserNotFound, http.StatusNotFound, "USER_NOT_FOUND", ""},
	{app.ErrUsernameTaken, http.StatusConflict, "USERNAME_TAKEN", "username"},
	{app.ErrEmailTaken, http.StatusConflict, "EMAIL_TAKEN", "email"},
	{app.ErrRefreshTokenRequired, http.StatusBadRequest, "REFRESH_TOKEN_REQUIRED", ""},
	{app.ErrInvalidRefreshToken, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", ""},
	{app.ErrCurrentPasswordRequired, http.StatusBadRequest, "CURRENT_PASSWORD_REQUIRED", ""},
	{app.ErrSamePassword, http.StatusBadRequest, "SAME_PASSWORD", ""},
	{app.ErrCannotChangeOwnRole, http.StatusBadRequest, "CANNOT_CHANGE_OWN_ROLE", ""},
	{app.ErrCannotDisableSelf, http.StatusBadRequest, "CANNOT_DISABLE_SELF", ""},
	{app.ErrAvatarRequired, http.StatusBadRequest, "AVATAR_REQUIRED", ""},
	{app.ErrAvatarTooLarge, http.StatusRequestEntityTooLarge, "AVATAR_TOO_LARGE", ""},
	{app.ErrAvatarUnsupportedType, http.StatusBadRequest, "AVATAR_UNSUPPORTED_TYPE", ""},
	{store.ErrConflict, http.StatusConflict, "CONFLICT", ""},
}

// writeError maps app errors to a status and machine code. Unknown errors
// are logged and reported as a bare 500.
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
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp := errorResponse{
				Error:     m.err.Error(),
				Code:      m.code,
				RequestID: util.RequestIDFromRequest(r),
			}
			if m.field != "" {
				resp.Fields = map[string]string{m.field: m.err.Error()}
			}
			util.WriteJSON(w, m.status, resp)
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
