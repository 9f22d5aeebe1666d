package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bookclub/internal/util"
	"bookclub/internal/validation"
	"bookclub/pkg/domain"
)

// MaxAvatarBytes caps avatar uploads.
const MaxAvatarBytes = 2 << 20

var avatarTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
}

// GetProfile returns the caller's profile with a short-lived avatar URL.
func (a *App) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	profile, ok, err := a.store.GetProfile(userID)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	if !ok {
		return domain.Profile{}, ErrUserNotFound
	}
	return a.withAvatarURL(ctx, profile), nil
}

// UpdateProfileInput carries optional profile changes. DateOfBirth uses
// YYYY-MM-DD; an empty string clears it.
type UpdateProfileInput struct {
	Bio         *string `json:"bio"`
	DateOfBirth *string `json:"dateOfBirth"`
}

func (a *App) UpdateProfile(ctx context.Context, userID string, in UpdateProfileInput) (domain.Profile, error) {
	profile, ok, err := a.store.GetProfile(userID)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	if !ok {
		return domain.Profile{}, ErrUserNotFound
	}
	fields := validation.FieldErrors{}
	if in.Bio != nil {
		bio := validation.SanitizeText(*in.Bio)
		if len([]rune(bio)) > 500 {
			fields.Add("bio", "Ensure this field has no more than 500 characters.")
		}
		profile.Bio = bio
	}
	if in.DateOfBirth != nil {
		raw := strings.TrimSpace(*in.DateOfBirth)
		if raw == "" {
			profile.DateOfBirth = nil
		} else if dob, err := time.Parse(time.DateOnly, raw); err != nil {
			fields.Add("dateOfBirth", "Date has wrong format. Use YYYY-MM-DD.")
		} else if dob.After(a.now().UTC()) {
			fields.Add("dateOfBirth", "Date of birth cannot be in the future.")
		} else {
			profile.DateOfBirth = &dob
		}
	}
	if err := fields.Err(); err != nil {
		return domain.Profile{}, err
	}
	profile.UpdatedAt = a.now().UTC()
	if err := a.store.SaveProfile(profile); err != nil {
		return domain.Profile{}, fmt.Errorf("save profile: %w", err)
	}
	return a.withAvatarURL(ctx, profile), nil
}

// UploadAvatar stores a png, jpeg or gif image and replaces the previous
// avatar. The content type is sniffed from the bytes, not trusted from the client.
func (a *App) UploadAvatar(ctx context.Context, userID string, body io.Reader) (domain.Profile, error) {
	if a.objects == nil {
		return domain.Profile{}, fmt.Errorf("avatar storage not configured")
	}
	if body == nil {
		return domain.Profile{}, ErrAvatarRequired
	}
	data, err := io.ReadAll(io.LimitReader(body, MaxAvatarBytes+1))
	if err != nil {
		return domain.Profile{}, fmt.Errorf("read avatar: %w", err)
	}
	if len(data) == 0 {
		return domain.Profile{}, ErrAvatarRequired
	}
	if len(data) > MaxAvatarBytes {
		return domain.Profile{}, ErrAvatarTooLarge
	}
	contentType := http.DetectContentType(data)
	ext, ok := avatarTypes[contentType]
	if !ok {
		return domain.Profile{}, ErrAvatarUnsupportedType
	}

	profile, found, err := a.store.GetProfile(userID)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	if !found {
		return domain.Profile{}, ErrUserNotFound
	}
	key := "avatars/" + userID + "/" + util.NewID() + ext
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return domain.Profile{}, fmt.Errorf("store avatar: %w", err)
	}
	previous := profile.AvatarKey
	profile.AvatarKey = key
	profile.UpdatedAt = a.now().UTC()
	if err := a.store.SaveProfile(profile); err != nil {
		_ = a.objects.Delete(ctx, key)
		return domain.Profile{}, fmt.Errorf("save profile: %w", err)
	}
	if previous != "" && previous != key {
		if err := a.objects.Delete(ctx, previous); err != nil {
			util.LoggerFromContext(ctx).Warn("avatar_cleanup_failed", "key", previous, "err", err)
		}
	}
	return a.withAvatarURL(ctx, profile), nil
}

func (a *App) withAvatarURL(ctx context.Context, profile domain.Profile) domain.Profile {
	profile.AvatarURL = ""
	if profile.AvatarKey == "" || a.objects == nil {
		return profile
	}
	url, err := a.objects.PresignGet(ctx, profile.AvatarKey, a.avatarURLTTL)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("avatar_presign_failed", "key", profile.AvatarKey, "err", err)
		return profile
	}
	profile.AvatarURL = url
	return profile
}
