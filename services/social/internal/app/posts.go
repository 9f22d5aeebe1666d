package app

import (
	"fmt"
	"regexp"
	"strings"

	"bookclub/internal/pagination"
	"bookclub/internal/util"
	"bookclub/internal/validation"
	"bookclub/pkg/domain"
	"bookclub/pkg/store"
)

const (
	maxTitleLen    = 200
	maxContentLen  = 20000
	maxTagLen      = 50
	maxTagsPerPost = 10
)

// PostFilter holds the optional list filters.
type PostFilter struct {
	Search   string
	TagSlug  string
	AuthorID string
}

// PostPage is one page of posts.
type PostPage struct {
	Items []domain.Post   `json:"items"`
	Meta  pagination.Meta `json:"meta"`
}

// PostInput is the body of post writes. Nil fields are left unchanged on
// update; Tags replaces the whole tag set when present.
type PostInput struct {
	Title   *string   `json:"title"`
	Content *string   `json:"content"`
	Tags    *[]string `json:"tags"`
}

func (a *App) ListPosts(f PostFilter, p pagination.Params) (PostPage, error) {
	return a.listPosts(store.PostQuery{
		AuthorID: f.AuthorID,
		TagSlug:  f.TagSlug,
		Search:   strings.TrimSpace(f.Search),
	}, p)
}

// Feed lists posts by the authors user follows.
func (a *App) Feed(user domain.User, p pagination.Params) (PostPage, error) {
	return a.listPosts(store.PostQuery{FollowedBy: user.ID}, p)
}

func (a *App) PostsByTag(slug string, p pagination.Params) (PostPage, error) {
	if _, ok, err := a.store.GetTagBySlug(slug); err != nil {
		return PostPage{}, fmt.Errorf("fetch tag: %w", err)
	} else if !ok {
		return PostPage{}, ErrTagNotFound
	}
	return a.listPosts(store.PostQuery{TagSlug: slug}, p)
}

func (a *App) listPosts(q store.PostQuery, p pagination.Params) (PostPage, error) {
	q.Offset, q.Limit = p.Offset(), p.Limit()
	posts, total, err := a.store.ListPosts(q)
	if err != nil {
		return PostPage{}, fmt.Errorf("list posts: %w", err)
	}
	return PostPage{Items: posts, Meta: pagination.BuildMeta(total, p)}, nil
}

func (a *App) ListTags() ([]domain.Tag, error) {
	return a.store.ListTags()
}

func (a *App) GetPost(id string) (domain.Post, error) {
	post, ok, err := a.store.GetPost(id)
	if err != nil {
		return domain.Post{}, fmt.Errorf("fetch post: %w", err)
	}
	if !ok {
		return domain.Post{}, ErrPostNotFound
	}
	return post, nil
}

func (a *App) CreatePost(user domain.User, in PostInput) (domain.Post, error) {
	now := a.now().UTC()
	post := domain.Post{ID: util.NewID(), AuthorID: user.ID, Tags: []domain.Tag{}, CreatedAt: now, UpdatedAt: now}
	if err := applyPostInput(&post, in, true); err != nil {
		return domain.Post{}, err
	}
	return a.savePost(post)
}

// UpdatePost is restricted to the post author.
func (a *App) UpdatePost(user domain.User, id string, in PostInput) (domain.Post, error) {
	post, err := a.GetPost(id)
	if err != nil {
		return domain.Post{}, err
	}
	if post.AuthorID != user.ID {
		return domain.Post{}, ErrForbidden
	}
	if in.Tags == nil {
		// nil keeps the stored tag links untouched
		post.Tags = nil
	}
	if err := applyPostInput(&post, in, false); err != nil {
		return domain.Post{}, err
	}
	post.UpdatedAt = a.now().UTC()
	return a.savePost(post)
}

func (a *App) DeletePost(user domain.User, id string) error {
	post, err := a.GetPost(id)
	if err != nil {
		return err
	}
	if post.AuthorID != user.ID {
		return ErrForbidden
	}
	if err := a.store.DeletePost(id); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

func (a *App) savePost(post domain.Post) (domain.Post, error) {
	saved, err := a.store.SavePost(post)
	if err != nil {
		return domain.Post{}, fmt.Errorf("save post: %w", err)
	}
	return saved, nil
}

func applyPostInput(post *domain.Post, in PostInput, full bool) error {
	fields := validation.FieldErrors{}
	if in.Title != nil || full {
		title := ""
		if in.Title != nil {
			title = validation.SanitizeText(*in.Title)
		}
		if err := validation.Var("title", title, fmt.Sprintf("required,max=%d", maxTitleLen)); err != nil {
			fe, _ := validation.AsFieldErrors(err)
			fields.Add("title", fe["title"])
		} else {
			post.Title = title
		}
	}
	if in.Content != nil || full {
		content := ""
		if in.Content != nil {
			content = validation.SanitizeText(*in.Content)
		}
		if err := validation.Var("content", content, fmt.Sprintf("required,max=%d", maxContentLen)); err != nil {
			fe, _ := validation.AsFieldErrors(err)
			fields.Add("content", fe["content"])
		} else {
			post.Content = content
		}
	}
	if in.Tags != nil {
		tags, msg := parseTags(*in.Tags)
		if msg != "" {
			fields.Add("tags", msg)
		} else {
			post.Tags = tags
		}
	}
	return fields.Err()
}

// parseTags turns tag names into tags keyed by slug, dropping repeats.
func parseTags(names []string) ([]domain.Tag, string) {
	if len(names) > maxTagsPerPost {
		return nil, fmt.Sprintf("Ensure this field has no more than %d elements.", maxTagsPerPost)
	}
	tags := make([]domain.Tag, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := validation.SanitizeText(raw)
		if name == "" {
			continue
		}
		if len([]rune(name)) > maxTagLen {
			return nil, fmt.Sprintf("Tag names have at most %d characters.", maxTagLen)
		}
		slug := Slugify(name)
		if slug == "" {
			return nil, fmt.Sprintf("Tag %q has no usable characters.", name)
		}
		if _, dup := seen[slug]; dup {
			continue
		}
		seen[slug] = struct{}{}
		tags = append(tags, domain.Tag{ID: util.NewID(), Name: name, Slug: slug})
	}
	return tags, ""
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases name and joins its alphanumeric runs with hyphens.
func Slugify(name string) string {
	return strings.Trim(slugStrip.ReplaceAllString(strings.ToLower(name), "-"), "-")
}
