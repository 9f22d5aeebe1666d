package app

import (
	"context"
	"fmt"

	"bookclub/internal/util"
	"bookclub/internal/validation"
	"bookclub/pkg/domain"
)

const maxCommentLen = 5000

// CommentInput is the body of comment writes.
type CommentInput struct {
	Content string `json:"content"`
}

func (a *App) ListComments(postID string) ([]domain.Comment, error) {
	if _, err := a.GetPost(postID); err != nil {
		return nil, err
	}
	return a.store.ListComments(postID)
}

func (a *App) GetComment(id string) (domain.Comment, error) {
	c, ok, err := a.store.GetComment(id)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("fetch comment: %w", err)
	}
	if !ok {
		return domain.Comment{}, ErrCommentNotFound
	}
	return c, nil
}

// CreateComment adds a comment and tells the post author about it, unless
// they wrote the comment themselves.
func (a *App) CreateComment(ctx context.Context, user domain.User, postID string, in CommentInput) (domain.Comment, error) {
	post, err := a.GetPost(postID)
	if err != nil {
		return domain.Comment{}, err
	}
	content, err := commentContent(in.Content)
	if err != nil {
		return domain.Comment{}, err
	}
	now := a.now().UTC()
	c := domain.Comment{
		ID:        util.NewID(),
		PostID:    post.ID,
		AuthorID:  user.ID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.SaveComment(c); err != nil {
		return domain.Comment{}, fmt.Errorf("save comment: %w", err)
	}
	if post.AuthorID != user.ID {
		a.notify(ctx, domain.Notification{
			RecipientID: post.AuthorID,
			ActorID:     user.ID,
			Verb:        domain.VerbCommented,
			TargetType:  domain.TargetPost,
			TargetID:    post.ID,
			Metadata:    map[string]string{"commentId": c.ID, "postTitle": post.Title},
		})
	}
	return a.GetComment(c.ID)
}

func (a *App) UpdateComment(user domain.User, id string, in CommentInput) (domain.Comment, error) {
	c, err := a.GetComment(id)
	if err != nil {
		return domain.Comment{}, err
	}
	if c.AuthorID != user.ID {
		return domain.Comment{}, ErrForbidden
	}
	content, err := commentContent(in.Content)
	if err != nil {
		return domain.Comment{}, err
	}
	c.Content = content
	c.UpdatedAt = a.now().UTC()
	if err := a.store.SaveComment(c); err != nil {
		return domain.Comment{}, fmt.Errorf("save comment: %w", err)
	}
	return c, nil
}

func (a *App) DeleteComment(user domain.User, id string) error {
	c, err := a.GetComment(id)
	if err != nil {
		return err
	}
	if c.AuthorID != user.ID {
		return ErrForbidden
	}
	if err := a.store.DeleteComment(id); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

func commentContent(raw string) (string, error) {
	content := validation.SanitizeText(raw)
	if content == "" {
		return "", validation.FieldErrors{"content": "Comment cannot be empty."}
	}
	if len([]rune(content)) > maxCommentLen {
		return "", validation.FieldErrors{"content": fmt.Sprintf("Ensure this field has no more than %d characters.", maxCommentLen)}
	}
	return content, nil
}

// Like records a like by user. A second like of the same post is rejected
// with ErrAlreadyLiked, even when two requests race.
func (a *App) Like(ctx context.Context, user domain.User, postID string) (domain.Like, error) {
	post, err := a.GetPost(postID)
	if err != nil {
		return domain.Like{}, err
	}
	like, created, err := a.store.LikePost(domain.Like{
		ID:        util.NewID(),
		PostID:    post.ID,
		UserID:    user.ID,
		CreatedAt: a.now().UTC(),
	})
	if err != nil {
		return domain.Like{}, fmt.Errorf("like post: %w", err)
	}
	if !created {
		return domain.Like{}, ErrAlreadyLiked
	}
	if post.AuthorID != user.ID {
		a.notify(ctx, domain.Notification{
			RecipientID: post.AuthorID,
			ActorID:     user.ID,
			Verb:        domain.VerbLiked,
			TargetType:  domain.TargetPost,
			TargetID:    post.ID,
			Metadata:    map[string]string{"postTitle": post.Title},
		})
	}
	return like, nil
}

func (a *App) Unlike(user domain.User, postID string) error {
	if _, err := a.GetPost(postID); err != nil {
		return err
	}
	removed, err := a.store.UnlikePost(postID, user.ID)
	if err != nil {
		return fmt.Errorf("unlike post: %w", err)
	}
	if !removed {
		return ErrNotLiked
	}
	return nil
}
