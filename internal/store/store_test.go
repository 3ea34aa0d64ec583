package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cipher.share/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock starts on a millisecond boundary so every backend stores the
// same instant.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backendFactory func(t *testing.T, clock Clock) Backend

func newObject(id string, ttl time.Duration, maxReads int) *models.Object {
	return &models.Object{
		ID:         id,
		Ciphertext: []byte("sealed:" + id),
		Algorithm:  "AES256",
		Filename:   "note.txt",
		MimeType:   "text/plain",
		TTL:        ttl,
		MaxReads:   maxReads,
	}
}

func newPost(id string, ttl time.Duration) *models.Post {
	return &models.Post{
		ID:       id,
		Title:    "title " + id,
		Content:  "content " + id,
		Author:   "Anonymous",
		AuthorID: "author-" + id,
		TTL:      ttl,
	}
}

func newComment(id string, ttl time.Duration) models.Comment {
	return models.Comment{
		ID:       id,
		Author:   "Anonymous",
		AuthorID: "commenter",
		Content:  "comment " + id,
		TTL:      ttl,
	}
}

// runBackendSuite checks the behaviour every backend must share.
func runBackendSuite(t *testing.T, factory backendFactory) {
	t.Run("objects", func(t *testing.T) { runObjectTests(t, factory) })
	t.Run("posts", func(t *testing.T) { runPostTests(t, factory) })
}

func runObjectTests(t *testing.T, factory backendFactory) {
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, clock.Now).Objects()

		obj := newObject("a", time.Hour, 3)
		obj.RemainingReads = 99
		require.NoError(t, s.Put(ctx, obj))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("sealed:a"), got.Ciphertext)
		assert.Equal(t, "AES256", got.Algorithm)
		assert.Equal(t, "note.txt", got.Filename)
		assert.Equal(t, "text/plain", got.MimeType)
		assert.Equal(t, 3, got.MaxReads)
		assert.Equal(t, 3, got.RemainingReads)
		assert.True(t, clock.Now().Equal(got.CreatedAt))
		assert.Equal(t, time.Hour, got.TTL)
	})

	t.Run("get missing", func(t *testing.T) {
		s := factory(t, newFakeClock().Now).Objects()
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Consume(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects invalid objects", func(t *testing.T) {
		s := factory(t, newFakeClock().Now).Objects()
		assert.Error(t, s.Put(ctx, newObject("", time.Hour, 1)))
		assert.Error(t, s.Put(ctx, newObject("x", 0, 1)))
		assert.Error(t, s.Put(ctx, newObject("x", time.Hour, -1)))
	})

	t.Run("ttl boundary", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, clock.Now).Objects()
		require.NoError(t, s.Put(ctx, newObject("a", 10*time.Second, 0)))

		clock.Advance(10*time.Second - 10*time.Millisecond)
		_, err := s.Get(ctx, "a")
		require.NoError(t, err)

		clock.Advance(20 * time.Millisecond)
		_, err = s.Get(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Consume(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("read budget", func(t *testing.T) {
		s := factory(t, newFakeClock().Now).Objects()
		require.NoError(t, s.Put(ctx, newObject("a", time.Hour, 2)))

		left, err := s.Consume(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1, left)

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1, got.RemainingReads)

		left, err = s.Consume(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 0, left)

		_, err = s.Get(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Consume(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unlimited reads", func(t *testing.T) {
		s := factory(t, newFakeClock().Now).Objects()
		require.NoError(t, s.Put(ctx, newObject("a", time.Hour, 0)))

		for i := 0; i < 5; i++ {
			left, err := s.Consume(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, Unlimited, left)
		}
		_, err := s.Get(ctx, "a")
		assert.NoError(t, err)
	})

	t.Run("single read under contention", func(t *testing.T) {
		s := factory(t, newFakeClock().Now).Objects()
		require.NoError(t, s.Put(ctx, newObject("a", time.Hour, 1)))

		const workers = 16
		var wins, losses atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Consume(ctx, "a")
				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, ErrNotFound):
					losses.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(workers-1), losses.Load())
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := factory(t, newFakeClock().Now).Objects()
		require.NoError(t, s.Put(ctx, newObject("a", time.Hour, 1)))

		require.NoError(t, s.Delete(ctx, "a"))
		require.NoError(t, s.Delete(ctx, "a"))
		require.NoError(t, s.Delete(ctx, "never-existed"))

		_, err := s.Get(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete expired", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, clock.Now).Objects()
		require.NoError(t, s.Put(ctx, newObject("short", time.Second, 1)))
		require.NoError(t, s.Put(ctx, newObject("long", time.Hour, 1)))

		n, err := s.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		clock.Advance(2 * time.Second)
		n, err = s.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "long")
		assert.NoError(t, err)

		n, err = s.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func runPostTests(t *testing.T, factory backendFactory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, clock.Now).Posts()

		p := newPost("p1", time.Hour)
		p.Likes = 7
		require.NoError(t, s.CreatePost(ctx, p))

		got, err := s.GetPost(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "title p1", got.Title)
		assert.Equal(t, "content p1", got.Content)
		assert.Equal(t, "author-p1", got.AuthorID)
		assert.Zero(t, got.Likes)
		assert.Empty(t, got.Comments)
		assert.True(t, clock.Now().Equal(got.CreatedAt))
	})

	t.Run("missing post", func(t *testing.T) {
		s := factory(t, newFakeClock().Now).Posts()
		_, err := s.GetPost(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.LikePost(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.AddComment(ctx, "nope", newComment("c", time.Hour))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteComment(ctx, "nope", 0), ErrNotFound)
	})

	t.Run("concurrent likes", func(t *testing.T) {
		s := factory(t, newFakeClock().Now).Posts()
		require.NoError(t, s.CreatePost(ctx, newPost("p1", time.Hour)))

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.LikePost(ctx, "p1")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.GetPost(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Likes)

		likes, err := s.LikePost(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 3, likes)
	})

	t.Run("list order", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, clock.Now).Posts()

		require.NoError(t, s.CreatePost(ctx, newPost("old", time.Hour)))
		clock.Advance(time.Second)
		require.NoError(t, s.CreatePost(ctx, newPost("new", time.Hour)))
		clock.Advance(time.Second)
		require.NoError(t, s.CreatePost(ctx, newPost("liked", time.Hour)))
		_, err := s.LikePost(ctx, "liked")
		require.NoError(t, err)

		posts, err := s.ListPosts(ctx)
		require.NoError(t, err)
		require.Len(t, posts, 3)
		assert.Equal(t, "liked", posts[0].ID)
		assert.Equal(t, "new", posts[1].ID)
		assert.Equal(t, "old", posts[2].ID)
	})

	t.Run("comment expiry", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, clock.Now).Posts()
		require.NoError(t, s.CreatePost(ctx, newPost("p1", time.Hour)))

		_, err := s.AddComment(ctx, "p1", newComment("short", time.Second))
		require.NoError(t, err)
		updated, err := s.AddComment(ctx, "p1", newComment("long", time.Hour))
		require.NoError(t, err)
		require.Len(t, updated.Comments, 2)
		assert.True(t, clock.Now().Equal(updated.Comments[1].Timestamp))

		clock.Advance(2 * time.Second)

		got, err := s.GetPost(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, got.Comments, 1)
		assert.Equal(t, "long", got.Comments[0].ID)

		posts, err := s.ListPosts(ctx)
		require.NoError(t, err)
		require.Len(t, posts, 1)
		require.Len(t, posts[0].Comments, 1)
		assert.Equal(t, "long", posts[0].Comments[0].ID)
	})

	t.Run("delete comment by index", func(t *testing.T) {
		s := factory(t, newFakeClock().Now).Posts()
		require.NoError(t, s.CreatePost(ctx, newPost("p1", time.Hour)))
		for _, id := range []string{"c0", "c1", "c2"} {
			_, err := s.AddComment(ctx, "p1", newComment(id, time.Hour))
			require.NoError(t, err)
		}

		require.NoError(t, s.DeleteComment(ctx, "p1", 0))

		got, err := s.GetPost(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, got.Comments, 2)
		assert.Equal(t, "c1", got.Comments[0].ID)
		assert.Equal(t, "c2", got.Comments[1].ID)

		assert.ErrorIs(t, s.DeleteComment(ctx, "p1", 2), ErrNotFound)
		assert.ErrorIs(t, s.DeleteComment(ctx, "p1", -1), ErrNotFound)
	})

	t.Run("delete comment index skips expired", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, clock.Now).Posts()
		require.NoError(t, s.CreatePost(ctx, newPost("p1", time.Hour)))
		_, err := s.AddComment(ctx, "p1", newComment("gone", time.Second))
		require.NoError(t, err)
		_, err = s.AddComment(ctx, "p1", newComment("kept", time.Hour))
		require.NoError(t, err)
		_, err = s.AddComment(ctx, "p1", newComment("target", time.Hour))
		require.NoError(t, err)

		clock.Advance(2 * time.Second)
		require.NoError(t, s.DeleteComment(ctx, "p1", 1))

		got, err := s.GetPost(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, got.Comments, 1)
		assert.Equal(t, "kept", got.Comments[0].ID)
	})

	t.Run("delete comment by id", func(t *testing.T) {
		s := factory(t, newFakeClock().Now).Posts()
		require.NoError(t, s.CreatePost(ctx, newPost("p1", time.Hour)))
		for _, id := range []string{"c0", "c1"} {
			_, err := s.AddComment(ctx, "p1", newComment(id, time.Hour))
			require.NoError(t, err)
		}

		require.NoError(t, s.DeleteCommentByID(ctx, "p1", "c1"))
		assert.ErrorIs(t, s.DeleteCommentByID(ctx, "p1", "c1"), ErrNotFound)

		got, err := s.GetPost(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, got.Comments, 1)
		assert.Equal(t, "c0", got.Comments[0].ID)
	})

	t.Run("post expiry", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, clock.Now).Posts()
		require.NoError(t, s.CreatePost(ctx, newPost("p1", time.Second)))

		clock.Advance(2 * time.Second)

		_, err := s.GetPost(ctx, "p1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.LikePost(ctx, "p1")
		assert.ErrorIs(t, err, ErrNotFound)

		posts, err := s.ListPosts(ctx)
		require.NoError(t, err)
		assert.Empty(t, posts)
	})

	t.Run("delete post is idempotent", func(t *testing.T) {
		s := factory(t, newFakeClock().Now).Posts()
		require.NoError(t, s.CreatePost(ctx, newPost("p1", time.Hour)))

		require.NoError(t, s.DeletePost(ctx, "p1"))
		require.NoError(t, s.DeletePost(ctx, "p1"))

		_, err := s.GetPost(ctx, "p1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete expired", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, clock.Now).Posts()

		require.NoError(t, s.CreatePost(ctx, newPost("dying", time.Second)))
		_, err := s.AddComment(ctx, "dying", newComment("c", time.Hour))
		require.NoError(t, err)

		require.NoError(t, s.CreatePost(ctx, newPost("living", time.Hour)))
		_, err = s.AddComment(ctx, "living", newComment("stale", time.Second))
		require.NoError(t, err)
		_, err = s.AddComment(ctx, "living", newComment("fresh", time.Hour))
		require.NoError(t, err)

		clock.Advance(2 * time.Second)

		n, err := s.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		got, err := s.GetPost(ctx, "living")
		require.NoError(t, err)
		require.Len(t, got.Comments, 1)
		assert.Equal(t, "fresh", got.Comments[0].ID)

		n, err = s.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
