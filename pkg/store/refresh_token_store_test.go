package store

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func refreshStores(t *testing.T) map[string]RefreshTokenStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]RefreshTokenStore{
		"memory": NewMemoryRefreshTokenStore(),
		"redis":  NewRedisRefreshTokenStore(client),
	}
}

func TestRefreshTokenStoreRotateAndDelete(t *testing.T) {
	for name, s := range refreshStores(t) {
		t.Run(name, func(t *testing.T) {
			token, err := s.NewToken("user-1", time.Minute)
			if err != nil {
				t.Fatalf("new token: %v", err)
			}
			userID, next, err := s.RotateToken(token, time.Minute)
			if err != nil {
				t.Fatalf("rotate token: %v", err)
			}
			if userID != "user-1" {
				t.Fatalf("unexpected user id: %q", userID)
			}
			if next == "" || next == token {
				t.Fatalf("expected rotated token")
			}
			famA, _, _ := strings.Cut(token, ".")
			famB, _, _ := strings.Cut(next, ".")
			if famA != famB {
				t.Fatalf("rotation must stay in the same family: %q vs %q", famA, famB)
			}

			if err := s.DeleteToken(next); err != nil {
				t.Fatalf("delete token: %v", err)
			}
			if _, _, err := s.RotateToken(next, time.Minute); !errors.Is(err, ErrInvalidRefreshToken) {
				t.Fatalf("expected invalid token after delete, got: %v", err)
			}
		})
	}
}

func TestRefreshTokenStoreDetectsReplay(t *testing.T) {
	for name, s := range refreshStores(t) {
		t.Run(name, func(t *testing.T) {
			token, err := s.NewToken("user-2", time.Minute)
			if err != nil {
				t.Fatalf("new token: %v", err)
			}
			_, next, err := s.RotateToken(token, time.Minute)
			if err != nil {
				t.Fatalf("first rotate: %v", err)
			}
			if _, _, err := s.RotateToken(token, time.Minute); !errors.Is(err, ErrRefreshTokenReplay) {
				t.Fatalf("expected replay detection, got: %v", err)
			}
			if _, _, err := s.RotateToken(next, time.Minute); !errors.Is(err, ErrInvalidRefreshToken) {
				t.Fatalf("expected family revoked after replay, got: %v", err)
			}
		})
	}
}

func TestRefreshTokenStoreRejectsMalformed(t *testing.T) {
	for name, s := range refreshStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, token := range []string{"", "nodot", ".secret", "family."} {
				if _, _, err := s.RotateToken(token, time.Minute); !errors.Is(err, ErrInvalidRefreshToken) {
					t.Fatalf("token %q: expected invalid, got %v", token, err)
				}
			}
		})
	}
}

func TestRefreshTokenStoreRevokeUserRefreshTokens(t *testing.T) {
	for name, s := range refreshStores(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := s.NewToken("user-3", time.Minute)
			b, _ := s.NewToken("user-3", time.Minute)
			other, _ := s.NewToken("user-4", time.Minute)

			if err := s.RevokeUserRefreshTokens("user-3"); err != nil {
				t.Fatalf("revoke user tokens: %v", err)
			}
			for _, token := range []string{a, b} {
				if _, _, err := s.RotateToken(token, time.Minute); !errors.Is(err, ErrInvalidRefreshToken) {
					t.Fatalf("expected revoked token, got %v", err)
				}
			}
			if _, _, err := s.RotateToken(other, time.Minute); err != nil {
				t.Fatalf("other user's token should survive: %v", err)
			}
		})
	}
}

func TestRefreshTokenStoreConcurrentRotateRevokesFamily(t *testing.T) {
	for name, s := range refreshStores(t) {
		t.Run(name, func(t *testing.T) {
			token, err := s.NewToken("user-5", time.Minute)
			if err != nil {
				t.Fatalf("new token: %v", err)
			}

			const workers = 2
			start := make(chan struct{})
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			issued := make(chan string, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, next, err := s.RotateToken(token, time.Minute)
					if err == nil {
						issued <- next
					}
					errs <- err
				}()
			}
			close(start)
			wg.Wait()
			close(errs)
			close(issued)

			successes, replays := 0, 0
			for err := range errs {
				switch {
				case err == nil:
					successes++
				case errors.Is(err, ErrRefreshTokenReplay):
					replays++
				default:
					t.Fatalf("unexpected rotate error: %v", err)
				}
			}
			if successes != 1 || replays != 1 {
				t.Fatalf("expected one success and one replay, got successes=%d replays=%d", successes, replays)
			}
			for next := range issued {
				if _, _, err := s.RotateToken(next, time.Minute); !errors.Is(err, ErrInvalidRefreshToken) {
					t.Fatalf("expected family revoked after replay race, got: %v", err)
				}
			}
		})
	}
}
