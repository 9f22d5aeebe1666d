package usertoken

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"bookclub/internal/util"
	"bookclub/pkg/domain"
)

var (
	// ErrNoCredentials means the request carried no bearer token.
	ErrNoCredentials = errors.New("authentication credentials were not provided")
	// ErrInactiveUser covers deleted and disabled accounts.
	ErrInactiveUser = errors.New("user inactive or deleted")
)

// SubjectVerifier is satisfied by *Verifier.
type SubjectVerifier interface {
	VerifySubject(ctx context.Context, token string) (string, error)
}

// UserLoader reads accounts from the shared store.
type UserLoader interface {
	GetUserByID(id string) (domain.User, bool, error)
}

// Authenticator resolves the caller of a request. The token proves identity;
// role and status always come from the stored user record.
type Authenticator struct {
	verifier SubjectVerifier
	users    UserLoader
}

func NewAuthenticator(verifier SubjectVerifier, users UserLoader) *Authenticator {
	return &Authenticator{verifier: verifier, users: users}
}

// Authenticate returns ErrNoCredentials for anonymous requests, and
// ErrInvalidToken, ErrRevoked or ErrInactiveUser for rejected ones.
func (a *Authenticator) Authenticate(r *http.Request) (domain.User, error) {
	token, ok := util.BearerToken(r)
	if !ok {
		return domain.User{}, ErrNoCredentials
	}
	userID, err := a.verifier.VerifySubject(r.Context(), token)
	if err != nil {
		return domain.User{}, err
	}
	user, found, err := a.users.GetUserByID(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !found || user.Status != domain.StatusActive {
		return domain.User{}, ErrInactiveUser
	}
	return user, nil
}

// IsRejected reports whether err means the presented credentials are bad,
// as opposed to an infrastructure failure.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrRevoked) || errors.Is(err, ErrInactiveUser)
}
