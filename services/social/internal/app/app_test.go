package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookclub/internal/pagination"
	"bookclub/internal/validation"
	"bookclub/pkg/domain"
	"bookclub/pkg/queue"
	"bookclub/pkg/store"
)

// recorder captures notifications instead of storing them.
type recorder struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (r *recorder) Notify(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) verbs() []domain.NotificationVerb {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.NotificationVerb, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Verb)
	}
	return out
}

// tickingClock advances one second per call so posts order deterministically.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type fixture struct {
	app   *App
	db    *store.GormStore
	sent  *recorder
	alice domain.User
	bob   domain.User
}

// newFixture records notifications unless notifier builds a real one.
func newFixture(t *testing.T, notifier func(*store.GormStore) Notifier) fixture {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := fixture{db: db, sent: &recorder{}}
	f.alice = seedUser(t, db, "u-alice", "alice", "Reads a lot.")
	f.bob = seedUser(t, db, "u-bob", "bob", "")
	var n Notifier = f.sent
	if notifier != nil {
		n = notifier(db)
	}
	f.app, err = New(Config{Store: db, Notifier: n, Now: tickingClock()})
	require.NoError(t, err)
	return f
}

func seedUser(t *testing.T, db *store.GormStore, id, username, bio string) domain.User {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	u := domain.User{
		ID: id, Username: username, Email: username + "@example.com", PasswordHash: "x",
		Role: domain.RoleMember, Status: domain.StatusActive, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.CreateUser(u, domain.Profile{UserID: id, Bio: bio, UpdatedAt: now}))
	return u
}

func ptr[T any](v T) *T { return &v }

func (f fixture) post(t *testing.T, author domain.User, title string, tags ...string) domain.Post {
	t.Helper()
	p, err := f.app.CreatePost(author, PostInput{Title: ptr(title), Content: ptr("body of " + title), Tags: &tags})
	require.NoError(t, err)
	return p
}

func firstPage() pagination.Params { return pagination.Params{Page: 1, PerPage: 10} }

func TestCreatePostTagsAndValidation(t *testing.T) {
	f := newFixture(t, nil)

	p := f.post(t, f.alice, "Reading <b>Dune</b>", "Sci Fi", "sci-fi", "Classics")
	assert.Equal(t, "Reading Dune", p.Title)
	assert.Equal(t, "alice", p.AuthorUsername)
	slugs := []string{}
	for _, tag := range p.Tags {
		slugs = append(slugs, tag.Slug)
	}
	assert.ElementsMatch(t, []string{"sci-fi", "classics"}, slugs)

	_, err := f.app.CreatePost(f.alice, PostInput{Title: ptr("  "), Tags: &[]string{"!!!"}})
	fields, ok := validation.AsFieldErrors(err)
	require.True(t, ok, "got %v", err)
	assert.Contains(t, fields, "title")
	assert.Contains(t, fields, "content")
	assert.Contains(t, fields, "tags")
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Sci Fi":         "sci-fi",
		"  C++ & Go!  ":  "c-go",
		"already-a-slug": "already-a-slug",
		"Émile":          "mile",
		"---":            "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), in)
	}
}

func TestPostAuthorOnlyEdits(t *testing.T) {
	f := newFixture(t, nil)
	p := f.post(t, f.alice, "Mine", "tag")

	_, err := f.app.UpdatePost(f.bob, p.ID, PostInput{Title: ptr("Stolen")})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, f.app.DeletePost(f.bob, p.ID), ErrForbidden)

	updated, err := f.app.UpdatePost(f.alice, p.ID, PostInput{Content: ptr("new body")})
	require.NoError(t, err)
	assert.Equal(t, "Mine", updated.Title)
	assert.Equal(t, "new body", updated.Content)
	require.Len(t, updated.Tags, 1, "tags survive an update without a tags field")

	require.NoError(t, f.app.DeletePost(f.alice, p.ID))
	_, err = f.app.GetPost(p.ID)
	assert.ErrorIs(t, err, ErrPostNotFound)
}

func TestListPostsFiltersAndPagination(t *testing.T) {
	f := newFixture(t, nil)
	f.post(t, f.alice, "Go tips", "golang")
	f.post(t, f.bob, "Gardening", "outdoors")
	f.post(t, f.alice, "More go", "golang")

	page, err := f.app.ListPosts(PostFilter{}, pagination.Params{Page: 1, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "More go", page.Items[0].Title)
	assert.Equal(t, int64(3), page.Meta.Total)
	assert.True(t, page.Meta.HasNext)

	page, err = f.app.ListPosts(PostFilter{Search: "GOLANG"}, firstPage())
	require.NoError(t, err)
	assert.Len(t, page.Items, 2, "search matches tag names")

	page, err = f.app.ListPosts(PostFilter{AuthorID: f.bob.ID}, firstPage())
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Gardening", page.Items[0].Title)

	page, err = f.app.PostsByTag("golang", firstPage())
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	_, err = f.app.PostsByTag("nope", firstPage())
	assert.ErrorIs(t, err, ErrTagNotFound)
}

func TestCommentsNotifyPostAuthor(t *testing.T) {
	f := newFixture(t, nil)
	p := f.post(t, f.alice, "Hello")

	_, err := f.app.CreateComment(context.Background(), f.bob, p.ID, CommentInput{Content: "   "})
	_, ok := validation.AsFieldErrors(err)
	assert.True(t, ok)

	c, err := f.app.CreateComment(context.Background(), f.bob, p.ID, CommentInput{Content: "<script>x</script>Nice post"})
	require.NoError(t, err)
	assert.Equal(t, "Nice post", c.Content)
	assert.Equal(t, "bob", c.AuthorUsername)

	_, err = f.app.CreateComment(context.Background(), f.alice, p.ID, CommentInput{Content: "thanks"})
	require.NoError(t, err)
	assert.Equal(t, []domain.NotificationVerb{domain.VerbCommented}, f.sent.verbs(), "own comments do not notify")

	_, err = f.app.UpdateComment(f.alice, c.ID, CommentInput{Content: "edited"})
	assert.ErrorIs(t, err, ErrForbidden)

	long := make([]byte, maxCommentLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = f.app.UpdateComment(f.bob, c.ID, CommentInput{Content: string(long)})
	_, ok = validation.AsFieldErrors(err)
	assert.True(t, ok)

	comments, err := f.app.ListComments(p.ID)
	require.NoError(t, err)
	assert.Len(t, comments, 2)
}

func TestLikeOnceConcurrently(t *testing.T) {
	f := newFixture(t, nil)
	p := f.post(t, f.alice, "Popular")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.app.Like(context.Background(), f.bob, p.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyLiked)
	}
	assert.Equal(t, 1, succeeded)
	got, err := f.app.GetPost(p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.LikeCount)
	assert.Equal(t, []domain.NotificationVerb{domain.VerbLiked}, f.sent.verbs())

	require.NoError(t, f.app.Unlike(f.bob, p.ID))
	err = f.app.Unlike(f.bob, p.ID)
	assert.ErrorIs(t, err, ErrNotLiked)
	assert.Equal(t, "You have not liked this post.", err.Error())
}

func TestFollowIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _, err := f.app.Follow(ctx, f.alice, f.alice.ID)
	assert.ErrorIs(t, err, ErrSelfFollow)
	_, _, err = f.app.Follow(ctx, f.alice, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)

	target, created, err := f.app.Follow(ctx, f.alice, f.bob.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "bob", target.Username)
	_, created, err = f.app.Follow(ctx, f.alice, f.bob.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []domain.NotificationVerb{domain.VerbFollowed}, f.sent.verbs())

	summary, err := f.app.UserSummary(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Followers)
	assert.Equal(t, int64(0), summary.Following)

	summary, err = f.app.UserSummary(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Reads a lot.", summary.Bio)
	assert.Equal(t, int64(1), summary.Following)

	followers, err := f.app.Followers(f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []UserRef{{ID: f.alice.ID, Username: "alice"}}, followers)

	_, err = f.app.Unfollow(f.alice, f.bob.ID)
	require.NoError(t, err)
	_, err = f.app.Unfollow(f.alice, f.bob.ID)
	require.NoError(t, err)
	following, err := f.app.Following(f.alice.ID)
	require.NoError(t, err)
	assert.Empty(t, following)
}

func TestFeedShowsFollowedAuthors(t *testing.T) {
	f := newFixture(t, nil)
	carol := seedUser(t, f.db, "u-carol", "carol", "")
	f.post(t, f.bob, "From bob")
	f.post(t, carol, "From carol")
	f.post(t, f.alice, "From alice")

	_, _, err := f.app.Follow(context.Background(), f.alice, f.bob.ID)
	require.NoError(t, err)

	feed, err := f.app.Feed(f.alice, firstPage())
	require.NoError(t, err)
	require.Len(t, feed.Items, 1)
	assert.Equal(t, "From bob", feed.Items[0].Title)
}

func TestNotificationsDirect(t *testing.T) {
	f := newFixture(t, func(db *store.GormStore) Notifier { return NewDirectNotifier(db) })
	ctx := context.Background()

	p := f.post(t, f.alice, "Hello")
	_, err := f.app.Like(ctx, f.bob, p.ID)
	require.NoError(t, err)
	_, _, err = f.app.Follow(ctx, f.bob, f.alice.ID)
	require.NoError(t, err)

	items, err := f.app.Notifications(f.alice, false)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, domain.VerbFollowed, items[0].Verb, "newest first")
	assert.Equal(t, "bob", items[0].ActorUsername)

	assert.ErrorIs(t, f.app.MarkRead(f.bob, items[0].ID), ErrNotificationNotFound)
	require.NoError(t, f.app.MarkRead(f.alice, items[0].ID))

	n, err := f.app.UnreadCount(f.alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := f.app.Notifications(f.alice, false)
	require.NoError(t, err)
	assert.False(t, all[0].Read, "unread sorts first")

	changed, err := f.app.MarkAllRead(f.alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)
	unread, err := f.app.Notifications(f.alice, true)
	require.NoError(t, err)
	assert.Empty(t, unread)

	assert.ErrorIs(t, f.app.DeleteNotification(f.bob, items[1].ID), ErrNotificationNotFound)
	require.NoError(t, f.app.DeleteNotification(f.alice, items[1].ID))
}

func TestQueuedNotificationsReachStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := queue.NewRedisStreamQueue(client, queue.Config{
		Stream:   "test:social:notifications",
		Group:    "social",
		Consumer: "c1",
		Block:    20 * time.Millisecond,
	})
	require.NoError(t, err)

	f := newFixture(t, func(*store.GormStore) Notifier { return NewQueueNotifier(q) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx, 1, DeliverNotifications(f.db, "queue"))
	}()

	_, _, err = f.app.Follow(ctx, f.bob, f.alice.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := f.app.UnreadCount(f.alice)
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestDeliverNotificationsIgnoresRedelivery(t *testing.T) {
	f := newFixture(t, nil)
	handler := DeliverNotifications(f.db, "queue")
	n := domain.Notification{
		ID: "n1", RecipientID: f.alice.ID, ActorID: f.bob.ID, Verb: domain.VerbFollowed,
		TargetType: domain.TargetUser, TargetID: f.bob.ID, CreatedAt: time.Now().UTC(),
	}
	msg := queue.Message{ID: "m1", Kind: NotificationKind, Payload: mustJSON(t, n)}
	require.NoError(t, handler(context.Background(), msg))
	require.NoError(t, handler(context.Background(), msg))

	count, err := f.app.UnreadCount(f.alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	assert.Error(t, handler(context.Background(), queue.Message{ID: "m2", Kind: "other", Payload: msg.Payload}))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
