package app

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"bookclub/internal/util"
	"bookclub/internal/validation"
	"bookclub/pkg/auth"
	"bookclub/pkg/domain"
	"bookclub/pkg/storage"
	"bookclub/pkg/store"
)

const (
	defaultRefreshTTL   = 7 * 24 * time.Hour
	defaultAvatarURLTTL = time.Hour
)

// Sessions is what the auth service needs from its access-token store.
type Sessions interface {
	store.SessionStore
	store.UserSessionRevoker
	store.JWKSProvider
}

// Config wires the application core. Store, Sessions and RefreshTokens are required.
type Config struct {
	Store         store.UserStore
	Sessions      Sessions
	RefreshTokens store.RefreshTokenStore
	// Objects holds avatars. Uploads fail when nil.
	Objects      storage.ObjectStore
	RefreshTTL   time.Duration
	AvatarURLTTL time.Duration
	Now          func() time.Time
}

// App holds account, session and profile logic.
type App struct {
	store         store.UserStore
	sessions      Sessions
	refreshTokens store.RefreshTokenStore
	objects       storage.ObjectStore
	refreshTTL    time.Duration
	avatarURLTTL  time.Duration
	now           func() time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("user store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	if cfg.RefreshTokens == nil {
		return nil, errors.New("refresh token store required")
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	if cfg.AvatarURLTTL <= 0 {
		cfg.AvatarURLTTL = defaultAvatarURLTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &App{
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		refreshTokens: cfg.RefreshTokens,
		objects:       cfg.Objects,
		refreshTTL:    cfg.RefreshTTL,
		avatarURLTTL:  cfg.AvatarURLTTL,
		now:           cfg.Now,
	}, nil
}

// Session is the token pair handed to a client after signup, login or refresh.
type Session struct {
	User         domain.User `json:"user"`
	Token        string      `json:"token"`
	RefreshToken string      `json:"refreshToken"`
	// Landing is the role dashboard the client should open first.
	Landing string `json:"landing"`
}

// LandingPath returns the dashboard route for a role.
func LandingPath(role domain.UserRole) string {
	return "/api/roles/" + string(role)
}

var usernamePattern = regexp.MustCompile(`^[\w.@+-]+$`)

type SignUpInput struct {
	Username string `json:"username" validate:"required,max=150"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required"`
	Bio      string `json:"bio" validate:"max=500"`
}

// SignUp creates the account and its profile. The very first account is an admin.
func (a *App) SignUp(in SignUpInput) (Session, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = normalizeEmail(in.Email)
	if err := a.validateSignUp(in); err != nil {
		return Session{}, err
	}

	count, err := a.store.UserCount()
	if err != nil {
		return Session{}, fmt.Errorf("count users: %w", err)
	}
	role := domain.RoleMember
	if count == 0 {
		role = domain.RoleAdmin
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	now := a.now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         role,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	profile := domain.Profile{UserID: user.ID, Bio: validation.SanitizeText(in.Bio), UpdatedAt: now}
	if err := a.store.CreateUser(user, profile); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Session{}, a.uniqueConflict(user)
		}
		return Session{}, fmt.Errorf("create user: %w", err)
	}
	return a.issueSession(user)
}

func (a *App) validateSignUp(in SignUpInput) error {
	fields := validation.FieldErrors{}
	if fe, ok := validation.AsFieldErrors(validation.Struct(in)); ok {
		for k, v := range fe {
			fields.Add(k, v)
		}
	}
	if in.Username != "" && !usernamePattern.MatchString(in.Username) {
		fields.Add("username", "Enter a valid username. Letters, digits and @/./+/-/_ only.")
	}
	if in.Password != "" {
		if err := auth.ValidatePassword(in.Password); err != nil {
			fields.Add("password", err.Error())
		}
	}
	if len(fields) > 0 {
		return fields
	}
	taken, err := a.store.HasUsername(in.Username)
	if err != nil {
		return fmt.Errorf("check username: %w", err)
	}
	if taken {
		return ErrUsernameTaken
	}
	taken, err = a.store.HasUserEmail(in.Email)
	if err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if taken {
		return ErrEmailTaken
	}
	return nil
}

// LoginInput identifies the account by username or email.
type LoginInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Identifier is the value rate limits and audit logs key on.
func (in LoginInput) Identifier() string {
	if id := strings.TrimSpace(in.Username); id != "" {
		return strings.ToLower(id)
	}
	return normalizeEmail(in.Email)
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// burnPasswordCheck spends a bcrypt comparison so unknown accounts take as
// long to reject as wrong passwords.
func burnPasswordCheck(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = auth.HashPassword("bookclub-dummy-password")
	})
	auth.CheckPassword(password, dummyHash)
}

// Login checks credentials. Disabled accounts are reported only after the
// password has matched.
func (a *App) Login(in LoginInput) (Session, error) {
	if strings.TrimSpace(in.Password) == "" || in.Identifier() == "" {
		fields := validation.FieldErrors{}
		if in.Identifier() == "" {
			fields.Add("username", "This field is required.")
		}
		if strings.TrimSpace(in.Password) == "" {
			fields.Add("password", "This field is required.")
		}
		return Session{}, fields
	}
	var (
		user domain.User
		ok   bool
		err  error
	)
	if strings.TrimSpace(in.Username) != "" {
		user, ok, err = a.store.GetUserByUsername(strings.TrimSpace(in.Username))
	} else {
		user, ok, err = a.store.GetUserByEmail(normalizeEmail(in.Email))
	}
	if err != nil {
		return Session{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		burnPasswordCheck(in.Password)
		return Session{}, ErrInvalidCredentials
	}
	if !auth.CheckPassword(in.Password, user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}
	if user.Status == domain.StatusDisabled {
		return Session{}, ErrUserDisabled
	}
	return a.issueSession(user)
}

// UserFromToken resolves an active user from an access token.
func (a *App) UserFromToken(token string) (domain.User, error) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, ErrUnauthorized
	}
	user, found, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found || user.Status == domain.StatusDisabled {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// Logout revokes the access token and, when given, the refresh token.
func (a *App) Logout(accessToken, refreshToken string) error {
	if err := a.sessions.DeleteSession(accessToken); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		if err := a.refreshTokens.DeleteToken(refreshToken); err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
	}
	return nil
}

// Refresh rotates the refresh token. A replayed token revokes its family
// inside the token store and surfaces as ErrInvalidRefreshToken.
func (a *App) Refresh(refreshToken string) (Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Session{}, ErrRefreshTokenRequired
	}
	userID, next, err := a.refreshTokens.RotateToken(refreshToken, a.refreshTTL)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRefreshToken) || errors.Is(err, store.ErrRefreshTokenReplay) {
			return Session{}, ErrInvalidRefreshToken
		}
		return Session{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	user, found, err := a.store.GetUserByID(userID)
	if err != nil {
		return Session{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found || user.Status == domain.StatusDisabled {
		_ = a.refreshTokens.DeleteToken(next)
		return Session{}, ErrInvalidRefreshToken
	}
	access, err := a.sessions.NewSession(user.ID)
	if err != nil {
		_ = a.refreshTokens.DeleteToken(next)
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}
	return Session{User: user, Token: access, RefreshToken: next, Landing: LandingPath(user.Role)}, nil
}

// UpdateMeInput carries optional account changes.
type UpdateMeInput struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
}

// UpdateMe changes the caller's username and/or email.
func (a *App) UpdateMe(user domain.User, in UpdateMeInput) (domain.User, error) {
	fields := validation.FieldErrors{}
	if in.Username != nil {
		name := strings.TrimSpace(*in.Username)
		switch {
		case name == "":
			fields.Add("username", "This field may not be blank.")
		case len(name) > 150:
			fields.Add("username", "Ensure this field has no more than 150 characters.")
		case !usernamePattern.MatchString(name):
			fields.Add("username", "Enter a valid username. Letters, digits and @/./+/-/_ only.")
		}
		in.Username = &name
	}
	if in.Email != nil {
		email := normalizeEmail(*in.Email)
		if err := validation.Var("email", email, "required,email,max=254"); err != nil {
			if fe, ok := validation.AsFieldErrors(err); ok {
				fields.Add("email", fe["email"])
			}
		}
		in.Email = &email
	}
	if err := fields.Err(); err != nil {
		return domain.User{}, err
	}

	if in.Username != nil && !strings.EqualFold(*in.Username, user.Username) {
		existing, ok, err := a.store.GetUserByUsername(*in.Username)
		if err != nil {
			return domain.User{}, fmt.Errorf("check username: %w", err)
		}
		if ok && existing.ID != user.ID {
			return domain.User{}, ErrUsernameTaken
		}
	}
	if in.Email != nil && *in.Email != user.Email {
		existing, ok, err := a.store.GetUserByEmail(*in.Email)
		if err != nil {
			return domain.User{}, fmt.Errorf("check email: %w", err)
		}
		if ok && existing.ID != user.ID {
			return domain.User{}, ErrEmailTaken
		}
	}
	if in.Username != nil {
		user.Username = *in.Username
	}
	if in.Email != nil {
		user.Email = *in.Email
	}
	user.UpdatedAt = a.now().UTC()
	if err := a.store.SaveUser(user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.User{}, a.uniqueConflict(user)
		}
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// ChangePassword replaces the password and revokes every token issued before now.
func (a *App) ChangePassword(userID, currentPassword, newPassword string) error {
	if strings.TrimSpace(currentPassword) == "" {
		return ErrCurrentPasswordRequired
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return validation.FieldErrors{"newPassword": err.Error()}
	}
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return ErrUserNotFound
	}
	if !auth.CheckPassword(currentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if currentPassword == newPassword {
		return ErrSamePassword
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := a.now().UTC()
	user.PasswordHash = hash
	user.UpdatedAt = now
	if err := a.store.SaveUser(user); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := a.revokeAllUserTokens(userID, now); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

// ListUsers returns every account, oldest first.
func (a *App) ListUsers() ([]domain.User, error) {
	return a.store.ListUsers()
}

// AdminUpdateInput holds raw role/status strings from the request.
type AdminUpdateInput struct {
	Role   string `json:"role"`
	Status string `json:"status"`
}

// AdminUpdateUser changes another account's role or status. Disabling an
// account revokes its tokens.
func (a *App) AdminUpdateUser(admin domain.User, userID string, in AdminUpdateInput) (domain.User, error) {
	fields := validation.FieldErrors{}
	var role *domain.UserRole
	if strings.TrimSpace(in.Role) != "" {
		parsed, ok := domain.ParseUserRole(in.Role)
		if !ok {
			fields.Add("role", fmt.Sprintf("%q is not a valid choice.", in.Role))
		}
		role = &parsed
	}
	var status *domain.UserStatus
	if strings.TrimSpace(in.Status) != "" {
		parsed, ok := domain.ParseUserStatus(in.Status)
		if !ok {
			fields.Add("status", fmt.Sprintf("%q is not a valid choice.", in.Status))
		}
		status = &parsed
	}
	if role == nil && status == nil {
		fields.Add("role", "Either role or status is required.")
	}
	if err := fields.Err(); err != nil {
		return domain.User{}, err
	}

	target, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	if target.ID == admin.ID {
		if role != nil && *role != admin.Role {
			return domain.User{}, ErrCannotChangeOwnRole
		}
		if status != nil && *status == domain.StatusDisabled {
			return domain.User{}, ErrCannotDisableSelf
		}
	}
	if role != nil {
		target.Role = *role
	}
	if status != nil {
		target.Status = *status
	}
	target.UpdatedAt = a.now().UTC()
	if err := a.store.SaveUser(target); err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	if status != nil && *status == domain.StatusDisabled {
		if err := a.revokeAllUserTokens(target.ID, target.UpdatedAt); err != nil {
			return domain.User{}, fmt.Errorf("revoke disabled user tokens: %w", err)
		}
	}
	return target, nil
}

// JWKS returns the public keys other services verify access tokens with.
func (a *App) JWKS() []store.JWK {
	return a.sessions.JWKS()
}

func (a *App) issueSession(user domain.User) (Session, error) {
	access, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := a.refreshTokens.NewToken(user.ID, a.refreshTTL)
	if err != nil {
		return Session{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return Session{User: user, Token: access, RefreshToken: refresh, Landing: LandingPath(user.Role)}, nil
}

func (a *App) revokeAllUserTokens(userID string, since time.Time) error {
	if err := a.sessions.RevokeUserSessions(userID, since); err != nil {
		return err
	}
	return a.refreshTokens.RevokeUserRefreshTokens(userID)
}

// uniqueConflict works out which unique column another account holds after
// a write lost a race on the username or email index.
func (a *App) uniqueConflict(user domain.User) error {
	if other, ok, err := a.store.GetUserByUsername(user.Username); err == nil && ok && other.ID != user.ID {
		return ErrUsernameTaken
	}
	if other, ok, err := a.store.GetUserByEmail(user.Email); err == nil && ok && other.ID != user.ID {
		return ErrEmailTaken
	}
	return fmt.Errorf("save user %s: %w", user.ID, store.ErrConflict)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
