package usertoken

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"bookclub/pkg/domain"
)

type stubVerifier map[string]string

func (s stubVerifier) VerifySubject(_ context.Context, token string) (string, error) {
	if sub, ok := s[token]; ok {
		return sub, nil
	}
	return "", ErrInvalidToken
}

type stubUsers map[string]domain.User

func (s stubUsers) GetUserByID(id string) (domain.User, bool, error) {
	if id == "boom" {
		return domain.User{}, false, errors.New("db down")
	}
	u, ok := s[id]
	return u, ok, nil
}

func TestAuthenticate(t *testing.T) {
	auth := NewAuthenticator(
		stubVerifier{"good": "u1", "disabled": "u2", "gone": "u3", "broken": "boom"},
		stubUsers{
			"u1": {ID: "u1", Role: domain.RoleLibrarian, Status: domain.StatusActive},
			"u2": {ID: "u2", Role: domain.RoleAdmin, Status: domain.StatusDisabled},
		},
	)
	cases := []struct {
		name     string
		header   string
		wantErr  error
		rejected bool
	}{
		{name: "anonymous", wantErr: ErrNoCredentials},
		{name: "wrong scheme", header: "Basic good", wantErr: ErrNoCredentials},
		{name: "valid", header: "Bearer good"},
		{name: "bad token", header: "Bearer nope", wantErr: ErrInvalidToken, rejected: true},
		{name: "disabled", header: "Bearer disabled", wantErr: ErrInactiveUser, rejected: true},
		{name: "deleted", header: "Bearer gone", wantErr: ErrInactiveUser, rejected: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			user, err := auth.Authenticate(r)
			if tc.wantErr == nil {
				if err != nil || user.Role != domain.RoleLibrarian {
					t.Fatalf("expected librarian, got %+v %v", user, err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if IsRejected(err) != tc.rejected {
				t.Fatalf("IsRejected(%v) = %v", err, !tc.rejected)
			}
		})
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer broken")
	if _, err := auth.Authenticate(r); err == nil || IsRejected(err) {
		t.Fatalf("store failure should not look like a rejected token: %v", err)
	}
}
