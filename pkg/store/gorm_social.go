package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bookclub/pkg/domain"
)

const postTagJoin = "SELECT post_tag_models.post_id FROM post_tag_models JOIN tag_models ON tag_models.id = post_tag_models.tag_id"

// SavePost upserts a post and replaces its tags. Tags are matched by slug
// and created when missing.
func (s *GormStore) SavePost(p domain.Post) (domain.Post, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		model := PostModel{
			ID:        p.ID,
			AuthorID:  p.AuthorID,
			Title:     p.Title,
			Content:   p.Content,
			CreatedAt: p.CreatedAt,
			UpdatedAt: p.UpdatedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "content", "updated_at"}),
		}).Create(&model).Error; err != nil {
			return err
		}
		if p.Tags == nil {
			return nil
		}
		if err := tx.Delete(&PostTagModel{}, "post_id = ?", p.ID).Error; err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(p.Tags))
		for _, tag := range p.Tags {
			if _, dup := seen[tag.Slug]; dup {
				continue
			}
			seen[tag.Slug] = struct{}{}
			candidate := TagModel{ID: tag.ID, Name: tag.Name, Slug: tag.Slug}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "slug"}},
				DoNothing: true,
			}).Create(&candidate).Error; err != nil {
				return err
			}
			var stored TagModel
			if err := tx.Where("slug = ?", tag.Slug).First(&stored).Error; err != nil {
				return err
			}
			link := PostTagModel{PostID: p.ID, TagID: stored.ID}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Post{}, translate(err)
	}
	saved, _, err := s.GetPost(p.ID)
	return saved, err
}

// GetPost returns a hydrated post.
func (s *GormStore) GetPost(id string) (domain.Post, bool, error) {
	var model PostModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Post{}, false, nil
		}
		return domain.Post{}, false, err
	}
	posts, err := s.hydratePosts([]PostModel{model})
	if err != nil {
		return domain.Post{}, false, err
	}
	return posts[0], true, nil
}

// ListPosts returns one page of posts, newest first, plus the total match count.
func (s *GormStore) ListPosts(q PostQuery) ([]domain.Post, int64, error) {
	filter := func(tx *gorm.DB) *gorm.DB {
		tx = tx.Model(&PostModel{})
		if q.AuthorID != "" {
			tx = tx.Where("post_models.author_id = ?", q.AuthorID)
		}
		if q.FollowedBy != "" {
			tx = tx.Where("post_models.author_id IN (SELECT followee_id FROM follow_models WHERE follower_id = ?)", q.FollowedBy)
		}
		if q.TagSlug != "" {
			tx = tx.Where("post_models.id IN ("+postTagJoin+" WHERE tag_models.slug = ?)", q.TagSlug)
		}
		if q.Search != "" {
			pattern := likePattern(q.Search)
			tx = tx.Where(
				"(LOWER(post_models.title) LIKE ? ESCAPE '!' OR LOWER(post_models.content) LIKE ? ESCAPE '!' OR post_models.id IN ("+postTagJoin+" WHERE LOWER(tag_models.name) LIKE ? ESCAPE '!'))",
				pattern, pattern, pattern,
			)
		}
		return tx
	}

	var total int64
	if err := filter(s.db).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var models []PostModel
	tx := filter(s.db).Order("post_models.created_at DESC").Order("post_models.id DESC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit).Offset(q.Offset)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, 0, err
	}
	posts, err := s.hydratePosts(models)
	return posts, total, err
}

type countRow struct {
	PostID string
	N      int64
}

func (s *GormStore) hydratePosts(models []PostModel) ([]domain.Post, error) {
	if len(models) == 0 {
		return []domain.Post{}, nil
	}
	ids := make([]string, 0, len(models))
	authors := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
		authors = append(authors, m.AuthorID)
	}
	names, err := usernames(s.db, authors)
	if err != nil {
		return nil, err
	}

	type tagRow struct {
		PostID string
		TagModel
	}
	var tagRows []tagRow
	if err := s.db.Model(&PostTagModel{}).
		Select("post_tag_models.post_id AS post_id, tag_models.id, tag_models.name, tag_models.slug").
		Joins("JOIN tag_models ON tag_models.id = post_tag_models.tag_id").
		Where("post_tag_models.post_id IN ?", ids).
		Order("tag_models.name ASC").
		Scan(&tagRows).Error; err != nil {
		return nil, err
	}
	tags := make(map[string][]domain.Tag, len(models))
	for _, r := range tagRows {
		tags[r.PostID] = append(tags[r.PostID], domain.Tag{ID: r.ID, Name: r.Name, Slug: r.Slug})
	}

	likes, err := countByPost(s.db.Model(&LikeModel{}), ids)
	if err != nil {
		return nil, err
	}
	comments, err := countByPost(s.db.Model(&CommentModel{}), ids)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Post, 0, len(models))
	for _, m := range models {
		postTags := tags[m.ID]
		if postTags == nil {
			postTags = []domain.Tag{}
		}
		out = append(out, domain.Post{
			ID:             m.ID,
			AuthorID:       m.AuthorID,
			AuthorUsername: names[m.AuthorID],
			Title:          m.Title,
			Content:        m.Content,
			Tags:           postTags,
			LikeCount:      likes[m.ID],
			CommentCount:   comments[m.ID],
			CreatedAt:      m.CreatedAt,
			UpdatedAt:      m.UpdatedAt,
		})
	}
	return out, nil
}

func countByPost(tx *gorm.DB, postIDs []string) (map[string]int64, error) {
	var rows []countRow
	if err := tx.Select("post_id, COUNT(*) AS n").
		Where("post_id IN ?", postIDs).
		Group("post_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.PostID] = r.N
	}
	return out, nil
}

// DeletePost removes a post and everything hanging off it.
func (s *GormStore) DeletePost(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&LikeModel{}, &CommentModel{}, &PostTagModel{}} {
			if err := tx.Where("post_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("target_type = ? AND target_id = ?", domain.TargetPost, id).Delete(&NotificationModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&PostModel{}, "id = ?", id).Error
	})
}

// ListTags returns all tags ordered by name.
func (s *GormStore) ListTags() ([]domain.Tag, error) {
	var models []TagModel
	if err := s.db.Order("name ASC").Order("slug ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Tag, 0, len(models))
	for _, m := range models {
		out = append(out, domain.Tag{ID: m.ID, Name: m.Name, Slug: m.Slug})
	}
	return out, nil
}

// GetTagBySlug looks up a tag.
func (s *GormStore) GetTagBySlug(slug string) (domain.Tag, bool, error) {
	var m TagModel
	if err := s.db.First(&m, "slug = ?", slug).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Tag{}, false, nil
		}
		return domain.Tag{}, false, err
	}
	return domain.Tag{ID: m.ID, Name: m.Name, Slug: m.Slug}, true, nil
}

// SaveComment upserts a comment.
func (s *GormStore) SaveComment(c domain.Comment) error {
	model := CommentModel{
		ID:        c.ID,
		PostID:    c.PostID,
		AuthorID:  c.AuthorID,
		Content:   c.Content,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(&model).Error
}

// GetComment returns a comment with its author's username.
func (s *GormStore) GetComment(id string) (domain.Comment, bool, error) {
	var model CommentModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Comment{}, false, nil
		}
		return domain.Comment{}, false, err
	}
	comments, err := s.hydrateComments([]CommentModel{model})
	if err != nil {
		return domain.Comment{}, false, err
	}
	return comments[0], true, nil
}

// ListComments returns a post's comments, oldest first.
func (s *GormStore) ListComments(postID string) ([]domain.Comment, error) {
	var models []CommentModel
	if err := s.db.Where("post_id = ?", postID).
		Order("created_at ASC").Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return s.hydrateComments(models)
}

func (s *GormStore) hydrateComments(models []CommentModel) ([]domain.Comment, error) {
	authors := make([]string, 0, len(models))
	for _, m := range models {
		authors = append(authors, m.AuthorID)
	}
	names, err := usernames(s.db, authors)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Comment, 0, len(models))
	for _, m := range models {
		out = append(out, domain.Comment{
			ID:             m.ID,
			PostID:         m.PostID,
			AuthorID:       m.AuthorID,
			AuthorUsername: names[m.AuthorID],
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
			UpdatedAt:      m.UpdatedAt,
		})
	}
	return out, nil
}

// DeleteComment removes a comment.
func (s *GormStore) DeleteComment(id string) error {
	return s.db.Delete(&CommentModel{}, "id = ?", id).Error
}

// LikePost inserts the like unless (post, user) already exists, inside one
// transaction. Concurrent callers race on the unique index and exactly one
// of them observes created == true.
func (s *GormStore) LikePost(l domain.Like) (domain.Like, bool, error) {
	var out domain.Like
	var created bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		model := LikeModel{ID: l.ID, PostID: l.PostID, UserID: l.UserID, CreatedAt: l.CreatedAt}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			out, created = l, true
			return nil
		}
		var existing LikeModel
		if err := tx.Where("post_id = ? AND user_id = ?", l.PostID, l.UserID).First(&existing).Error; err != nil {
			return err
		}
		out = domain.Like{ID: existing.ID, PostID: existing.PostID, UserID: existing.UserID, CreatedAt: existing.CreatedAt}
		return nil
	})
	if err != nil {
		return domain.Like{}, false, translate(err)
	}
	return out, created, nil
}

// UnlikePost removes a like and reports whether one existed.
func (s *GormStore) UnlikePost(postID, userID string) (bool, error) {
	res := s.db.Where("post_id = ? AND user_id = ?", postID, userID).Delete(&LikeModel{})
	return res.RowsAffected > 0, res.Error
}

// Follow records follower -> followee. created is false if it already existed.
func (s *GormStore) Follow(followerID, followeeID string, at time.Time) (bool, error) {
	model := FollowModel{FollowerID: followerID, FolloweeID: followeeID, CreatedAt: at}
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Unfollow deletes follower -> followee and reports whether it existed.
func (s *GormStore) Unfollow(followerID, followeeID string) (bool, error) {
	res := s.db.Where("follower_id = ? AND followee_id = ?", followerID, followeeID).Delete(&FollowModel{})
	return res.RowsAffected > 0, res.Error
}

// ListFollowers returns users following userID, by username.
func (s *GormStore) ListFollowers(userID string) ([]domain.User, error) {
	return s.listUsersIn("SELECT follower_id FROM follow_models WHERE followee_id = ?", userID)
}

// ListFollowing returns users followed by userID, by username.
func (s *GormStore) ListFollowing(userID string) ([]domain.User, error) {
	return s.listUsersIn("SELECT followee_id FROM follow_models WHERE follower_id = ?", userID)
}

func (s *GormStore) listUsersIn(subquery, userID string) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Where("id IN ("+subquery+")", userID).
		Order("username ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return usersFromModels(models), nil
}

// CountFollowers returns how many users follow userID.
func (s *GormStore) CountFollowers(userID string) (int64, error) {
	var n int64
	err := s.db.Model(&FollowModel{}).Where("followee_id = ?", userID).Count(&n).Error
	return n, err
}

// CountFollowing returns how many users userID follows.
func (s *GormStore) CountFollowing(userID string) (int64, error) {
	var n int64
	err := s.db.Model(&FollowModel{}).Where("follower_id = ?", userID).Count(&n).Error
	return n, err
}

// CreateNotification stores a notification.
func (s *GormStore) CreateNotification(n domain.Notification) error {
	model, err := notificationToModel(n)
	if err != nil {
		return err
	}
	return translate(s.db.Create(&model).Error)
}

// ListNotifications returns a recipient's notifications. The full list puts
// unread first; unreadOnly lists are newest first.
func (s *GormStore) ListNotifications(recipientID string, unreadOnly bool) ([]domain.Notification, error) {
	tx := s.db.Where("recipient_id = ?", recipientID)
	if unreadOnly {
		tx = tx.Where("is_read = ?", false)
	} else {
		tx = tx.Order("is_read ASC")
	}
	var models []NotificationModel
	if err := tx.Order("created_at DESC").Order("id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	actors := make([]string, 0, len(models))
	for _, m := range models {
		actors = append(actors, m.ActorID)
	}
	names, err := usernames(s.db, actors)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		n, err := notificationFromModel(m)
		if err != nil {
			return nil, err
		}
		n.ActorUsername = names[m.ActorID]
		out = append(out, n)
	}
	return out, nil
}

// UnreadNotificationCount counts unread notifications for a recipient.
func (s *GormStore) UnreadNotificationCount(recipientID string) (int64, error) {
	var n int64
	err := s.db.Model(&NotificationModel{}).
		Where("recipient_id = ? AND is_read = ?", recipientID, false).
		Count(&n).Error
	return n, err
}

// MarkNotificationRead flags one notification as read. It reports false
// when the notification does not belong to recipientID.
func (s *GormStore) MarkNotificationRead(recipientID, id string) (bool, error) {
	found := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&NotificationModel{}).Where("id = ? AND recipient_id = ?", id, recipientID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		found = true
		return tx.Model(&NotificationModel{}).Where("id = ?", id).Update("is_read", true).Error
	})
	return found, err
}

// MarkAllNotificationsRead flags every unread notification and returns how many changed.
func (s *GormStore) MarkAllNotificationsRead(recipientID string) (int64, error) {
	res := s.db.Model(&NotificationModel{}).
		Where("recipient_id = ? AND is_read = ?", recipientID, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// DeleteNotification removes a recipient's notification.
func (s *GormStore) DeleteNotification(recipientID, id string) (bool, error) {
	res := s.db.Where("id = ? AND recipient_id = ?", id, recipientID).Delete(&NotificationModel{})
	return res.RowsAffected > 0, res.Error
}

func notificationToModel(n domain.Notification) (NotificationModel, error) {
	var meta datatypes.JSON
	if len(n.Metadata) > 0 {
		raw, err := json.Marshal(n.Metadata)
		if err != nil {
			return NotificationModel{}, err
		}
		meta = datatypes.JSON(raw)
	}
	return NotificationModel{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		ActorID:     n.ActorID,
		Verb:        string(n.Verb),
		TargetType:  n.TargetType,
		TargetID:    n.TargetID,
		Metadata:    meta,
		Read:        n.Read,
		CreatedAt:   n.CreatedAt,
	}, nil
}

func notificationFromModel(m NotificationModel) (domain.Notification, error) {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			return domain.Notification{}, fmt.Errorf("notification %s metadata: %w", m.ID, err)
		}
	}
	return domain.Notification{
		ID:          m.ID,
		RecipientID: m.RecipientID,
		ActorID:     m.ActorID,
		Verb:        domain.NotificationVerb(m.Verb),
		TargetType:  m.TargetType,
		TargetID:    m.TargetID,
		Metadata:    meta,
		Read:        m.Read,
		CreatedAt:   m.CreatedAt,
	}, nil
}
