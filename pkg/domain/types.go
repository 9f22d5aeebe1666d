package domain

import (
	"strings"
	"time"
)

type UserRole string

const (
	RoleAdmin     UserRole = "admin"
	RoleLibrarian UserRole = "librarian"
	RoleMember    UserRole = "member"
)

// ParseUserRole accepts the canonical role names case-insensitively.
func ParseUserRole(raw string) (UserRole, bool) {
	switch UserRole(lower(raw)) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleLibrarian:
		return RoleLibrarian, true
	case RoleMember:
		return RoleMember, true
	default:
		return "", false
	}
}

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

func ParseUserStatus(raw string) (UserStatus, bool) {
	switch UserStatus(lower(raw)) {
	case StatusActive:
		return StatusActive, true
	case StatusDisabled:
		return StatusDisabled, true
	default:
		return "", false
	}
}

type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         UserRole   `json:"role"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Profile is the one-to-one extension of a User. AvatarURL is filled in by
// the auth service from AvatarKey and is never persisted.
type Profile struct {
	UserID      string     `json:"userId"`
	Bio         string     `json:"bio"`
	AvatarKey   string     `json:"-"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
	DateOfBirth *time.Time `json:"dateOfBirth,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// UserSummary is the public view of an account with follow counts.
type UserSummary struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Bio       string `json:"bio"`
	Followers int64  `json:"followers"`
	Following int64  `json:"following"`
}

// Catalog

type Author struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Books     []Book    `json:"books"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	AuthorID        string    `json:"authorId"`
	AuthorName      string    `json:"author"`
	PublicationYear int       `json:"publicationYear"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type Library struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Librarian *Librarian `json:"librarian"`
	Books     []Book     `json:"books"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type Librarian struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	LibraryID string `json:"libraryId"`
}

// Social

type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type Post struct {
	ID             string    `json:"id"`
	AuthorID       string    `json:"authorId"`
	AuthorUsername string    `json:"author"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Tags           []Tag     `json:"tags"`
	LikeCount      int64     `json:"likeCount"`
	CommentCount   int64     `json:"commentCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Comment struct {
	ID             string    `json:"id"`
	PostID         string    `json:"postId"`
	AuthorID       string    `json:"authorId"`
	AuthorUsername string    `json:"author"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Like struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

type NotificationVerb string

const (
	VerbFollowed  NotificationVerb = "followed you"
	VerbCommented NotificationVerb = "commented on your post"
	VerbLiked     NotificationVerb = "liked your post"
)

// Notification target types.
const (
	TargetPost = "post"
	TargetUser = "user"
)

type Notification struct {
	ID            string            `json:"id"`
	RecipientID   string            `json:"recipientId"`
	ActorID       string            `json:"actorId"`
	ActorUsername string            `json:"actor"`
	Verb          NotificationVerb  `json:"verb"`
	TargetType    string            `json:"targetType,omitempty"`
	TargetID      string            `json:"targetId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Read          bool              `json:"isRead"`
	CreatedAt     time.Time         `json:"timestamp"`
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
