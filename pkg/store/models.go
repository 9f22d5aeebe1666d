package store

import (
	"time"

	"gorm.io/datatypes"
)

// Indexed string columns carry an explicit size so MySQL can index them.

type UserModel struct {
	ID           string    `gorm:"primaryKey;size:32"`
	Username     string    `gorm:"size:150;uniqueIndex;not null"`
	Email        string    `gorm:"size:254;uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"size:16;not null;index"`
	Status       string    `gorm:"size:16;not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ProfileModel struct {
	UserID      string `gorm:"primaryKey;size:32"`
	Bio         string `gorm:"type:text"`
	AvatarKey   string `gorm:"size:255"`
	DateOfBirth *time.Time
	UpdatedAt   time.Time
}

type AuthorModel struct {
	ID        string    `gorm:"primaryKey;size:32"`
	Name      string    `gorm:"size:100;uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type BookModel struct {
	ID              string    `gorm:"primaryKey;size:32"`
	Title           string    `gorm:"size:200;not null;uniqueIndex:idx_book_title_author"`
	AuthorID        string    `gorm:"size:32;not null;index;uniqueIndex:idx_book_title_author"`
	PublicationYear int       `gorm:"not null;index"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time
}

type LibraryModel struct {
	ID        string    `gorm:"primaryKey;size:32"`
	Name      string    `gorm:"size:100;uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type LibraryBookModel struct {
	LibraryID string `gorm:"primaryKey;size:32"`
	BookID    string `gorm:"primaryKey;size:32;index"`
}

type LibrarianModel struct {
	ID        string `gorm:"primaryKey;size:32"`
	Name      string `gorm:"size:100;not null"`
	LibraryID string `gorm:"size:32;uniqueIndex;not null"`
}

type PostModel struct {
	ID        string    `gorm:"primaryKey;size:32"`
	AuthorID  string    `gorm:"size:32;not null;index"`
	Title     string    `gorm:"size:200;not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time
}

type TagModel struct {
	ID   string `gorm:"primaryKey;size:32"`
	Name string `gorm:"size:50;not null"`
	Slug string `gorm:"size:64;uniqueIndex;not null"`
}

type PostTagModel struct {
	PostID string `gorm:"primaryKey;size:32"`
	TagID  string `gorm:"primaryKey;size:32;index"`
}

type CommentModel struct {
	ID        string    `gorm:"primaryKey;size:32"`
	PostID    string    `gorm:"size:32;not null;index"`
	AuthorID  string    `gorm:"size:32;not null;index"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type LikeModel struct {
	ID        string    `gorm:"primaryKey;size:32"`
	PostID    string    `gorm:"size:32;not null;uniqueIndex:idx_like_post_user"`
	UserID    string    `gorm:"size:32;not null;index;uniqueIndex:idx_like_post_user"`
	CreatedAt time.Time `gorm:"not null"`
}

type FollowModel struct {
	FollowerID string    `gorm:"primaryKey;size:32"`
	FolloweeID string    `gorm:"primaryKey;size:32;index"`
	CreatedAt  time.Time `gorm:"not null"`
}

type NotificationModel struct {
	ID          string `gorm:"primaryKey;size:32"`
	RecipientID string `gorm:"size:32;not null;index:idx_notification_recipient"`
	ActorID     string `gorm:"size:32;not null"`
	Verb        string `gorm:"size:64;not null"`
	TargetType  string `gorm:"size:32"`
	TargetID    string `gorm:"size:32;index"`
	Metadata    datatypes.JSON
	Read        bool      `gorm:"column:is_read;not null;default:false"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

func allModels() []any {
	return []any{
		&UserModel{}, &ProfileModel{},
		&AuthorModel{}, &BookModel{}, &LibraryModel{}, &LibraryBookModel{}, &LibrarianModel{},
		&PostModel{}, &TagModel{}, &PostTagModel{}, &CommentModel{}, &LikeModel{}, &FollowModel{},
		&NotificationModel{},
	}
}
