package store

import (
	"errors"
	"time"

	"bookclub/pkg/domain"
)

// ErrConflict is returned when a write violates a uniqueness constraint.
var ErrConflict = errors.New("store: record already exists")

// UserStore persists accounts and their profiles.
type UserStore interface {
	// CreateUser inserts the user and its profile in one transaction.
	CreateUser(domain.User, domain.Profile) error
	SaveUser(domain.User) error
	HasUsername(username string) (bool, error)
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	ListUsers() ([]domain.User, error)
	UserCount() (int, error)

	GetProfile(userID string) (domain.Profile, bool, error)
	SaveProfile(domain.Profile) error
}

// BookQuery narrows and orders ListBooks. Zero values disable a filter.
type BookQuery struct {
	Title           string
	AuthorID        string
	AuthorContains  string
	AuthorName      string
	PublicationYear *int
	Search          string
	// Ordering is one of title, -title, publication_year, -publication_year.
	Ordering string
}

// CatalogStore persists authors, books, libraries and librarians.
type CatalogStore interface {
	SaveAuthor(domain.Author) error
	GetAuthor(id string) (domain.Author, bool, error)
	GetAuthorByName(name string) (domain.Author, bool, error)
	ListAuthors() ([]domain.Author, error)
	// DeleteAuthor removes the author and every book they wrote.
	DeleteAuthor(id string) error

	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooks(BookQuery) ([]domain.Book, error)
	DeleteBook(id string) error
	BookCount() (int64, error)

	SaveLibrary(domain.Library) error
	GetLibrary(id string) (domain.Library, bool, error)
	ListLibraries() ([]domain.Library, error)
	DeleteLibrary(id string) error
	LibraryCount() (int64, error)
	AddLibraryBook(libraryID, bookID string) error
	RemoveLibraryBook(libraryID, bookID string) (bool, error)
	// SetLibrarian creates or replaces the librarian of a library.
	SetLibrarian(domain.Librarian) (domain.Librarian, error)
}

// PostQuery narrows ListPosts. Results are newest first.
type PostQuery struct {
	AuthorID string
	// FollowedBy restricts to authors followed by this user id.
	FollowedBy string
	TagSlug    string
	Search     string
	Offset     int
	Limit      int
}

// SocialStore persists posts, comments, likes, follows and notifications.
type SocialStore interface {
	// SavePost upserts the post and replaces its tag set, creating tags by slug.
	SavePost(domain.Post) (domain.Post, error)
	GetPost(id string) (domain.Post, bool, error)
	ListPosts(PostQuery) ([]domain.Post, int64, error)
	// DeletePost removes the post with its comments, likes and tag links.
	DeletePost(id string) error
	ListTags() ([]domain.Tag, error)
	GetTagBySlug(slug string) (domain.Tag, bool, error)

	SaveComment(domain.Comment) error
	GetComment(id string) (domain.Comment, bool, error)
	ListComments(postID string) ([]domain.Comment, error)
	DeleteComment(id string) error

	// LikePost is a transactional get-or-create on (post, user). created is
	// false when the like already existed; the existing row is returned.
	LikePost(domain.Like) (like domain.Like, created bool, err error)
	UnlikePost(postID, userID string) (bool, error)

	Follow(followerID, followeeID string, at time.Time) (bool, error)
	Unfollow(followerID, followeeID string) (bool, error)
	ListFollowers(userID string) ([]domain.User, error)
	ListFollowing(userID string) ([]domain.User, error)
	CountFollowers(userID string) (int64, error)
	CountFollowing(userID string) (int64, error)

	CreateNotification(domain.Notification) error
	// ListNotifications orders unread first, then newest.
	ListNotifications(recipientID string, unreadOnly bool) ([]domain.Notification, error)
	UnreadNotificationCount(recipientID string) (int64, error)
	MarkNotificationRead(recipientID, id string) (bool, error)
	MarkAllNotificationsRead(recipientID string) (int64, error)
	DeleteNotification(recipientID, id string) (bool, error)
}

// Store is the full persistence surface implemented by GormStore.
type Store interface {
	UserStore
	CatalogStore
	SocialStore
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker revokes every session issued for a user before a cutoff.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}

// UserRefreshTokenRevoker revokes all refresh tokens for a user.
type UserRefreshTokenRevoker interface {
	RevokeUserRefreshTokens(userID string) error
}

// JWK is one JSON Web Key published on the JWKS endpoint.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is implemented by session stores that publish verification keys.
type JWKSProvider interface {
	JWKS() []JWK
}
