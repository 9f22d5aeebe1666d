package app

import "errors"

var (
	// ErrInvalidCredentials is shown to end users for every login failure so
	// the response does not reveal which accounts exist.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUserDisabled is only returned once the password has matched.
	ErrUserDisabled = errors.New("user disabled")

	ErrUnauthorized = errors.New("unauthorized")
	ErrUserNotFound = errors.New("user not found")

	ErrUsernameTaken = errors.New("username already exists")
	ErrEmailTaken    = errors.New("email already exists")

	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")

	ErrCurrentPasswordRequired = errors.New("current password required")
	ErrSamePassword            = errors.New("new password must differ from current password")

	ErrCannotChangeOwnRole = errors.New("cannot change own role")
	ErrCannotDisableSelf   = errors.New("cannot disable self")

	ErrAvatarRequired        = errors.New("avatar file required")
	ErrAvatarTooLarge        = errors.New("avatar exceeds size limit")
	ErrAvatarUnsupportedType = errors.New("avatar must be a png, jpeg or gif image")
)
