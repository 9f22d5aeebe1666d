package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryStorePutPresignDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Put(ctx, "avatars/u1.png", strings.NewReader("pngdata-extra"), 7, "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, ok := s.Object("avatars/u1.png")
	if !ok || string(obj.Data) != "pngdata" || obj.ContentType != "image/png" {
		t.Fatalf("unexpected object: %+v ok=%v", obj, ok)
	}
	u, err := s.PresignGet(ctx, "avatars/u1.png", time.Minute)
	if err != nil || u != "memory://avatars/u1.png" {
		t.Fatalf("presign: %q %v", u, err)
	}

	if err := s.Delete(ctx, "avatars/u1.png"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.PresignGet(ctx, "avatars/u1.png", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestNewMinioStoreRequiresEndpointAndBucket(t *testing.T) {
	if _, err := NewMinioStore(context.Background(), MinioConfig{Bucket: "avatars"}); err == nil {
		t.Fatal("expected missing endpoint to fail")
	}
	if _, err := NewMinioStore(context.Background(), MinioConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected missing bucket to fail")
	}
}
