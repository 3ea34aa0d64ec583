package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"cipher.share/internal/models"
)

// ErrNotFound is returned for absent entries and for entries that are
// logically dead (expired or out of reads). Callers cannot tell which.
var ErrNotFound = errors.New("not found")

// Unlimited is the remaining-read count reported for objects without a
// read budget.
const Unlimited = -1

// ObjectStore persists encrypted objects and enforces their TTL and read
// budget.
type ObjectStore interface {
	// Put stores obj, stamping CreatedAt from the store clock and resetting
	// RemainingReads to MaxReads.
	Put(ctx context.Context, obj *models.Object) error
	Get(ctx context.Context, id string) (*models.Object, error)
	// Consume atomically re-checks liveness and spends one read. The entry
	// is deleted when the budget reaches zero. It returns the reads left,
	// or Unlimited.
	Consume(ctx context.Context, id string) (remaining int, err error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context) (int, error)
}

// PostStore persists community posts and their comments.
type PostStore interface {
	CreatePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	// ListPosts returns live posts carrying only live comments, most liked
	// first.
	ListPosts(ctx context.Context) ([]models.Post, error)
	LikePost(ctx context.Context, id string) (likes int, err error)
	AddComment(ctx context.Context, postID string, comment models.Comment) (*models.Post, error)
	// DeleteComment removes the comment at index within the live comment
	// sequence. Later comments shift down by one.
	DeleteComment(ctx context.Context, postID string, index int) error
	DeleteCommentByID(ctx context.Context, postID, commentID string) error
	DeletePost(ctx context.Context, id string) error
	// DeleteExpired removes expired posts and expired comments of live
	// posts, returning how many records went.
	DeleteExpired(ctx context.Context) (int, error)
}

// Backend owns the shared resources behind a pair of stores.
type Backend interface {
	Objects() ObjectStore
	Posts() PostStore
	Close() error
}

// Clock supplies the current time.
type Clock func() time.Time

type options struct {
	clock Clock
}

type Option func(*options)

// WithClock overrides time.Now for liveness decisions.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validateObject(obj *models.Object) error {
	if obj == nil || obj.ID == "" {
		return errors.New("object id is required")
	}
	if obj.TTL <= 0 {
		return errors.New("object ttl must be positive")
	}
	if obj.MaxReads < 0 {
		return errors.New("object max reads must not be negative")
	}
	return nil
}

func validatePost(post *models.Post) error {
	if post == nil || post.ID == "" {
		return errors.New("post id is required")
	}
	if post.TTL <= 0 {
		return errors.New("post ttl must be positive")
	}
	return nil
}

func validateComment(c *models.Comment) error {
	if c.ID == "" {
		return errors.New("comment id is required")
	}
	if c.TTL <= 0 {
		return errors.New("comment ttl must be positive")
	}
	return nil
}

// livePost copies p keeping only live comments.
func livePost(p *models.Post, now time.Time) models.Post {
	out := *p
	out.Comments = p.LiveComments(now)
	return out
}

func sortPosts(posts []models.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		if posts[i].Likes != posts[j].Likes {
			return posts[i].Likes > posts[j].Likes
		}
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
}

// removeLiveComment deletes the index-th live comment from p.
func removeLiveComment(p *models.Post, index int, now time.Time) bool {
	if index < 0 {
		return false
	}
	seen := 0
	for i := range p.Comments {
		if !p.Comments[i].Alive(now) {
			continue
		}
		if seen == index {
			p.Comments = append(p.Comments[:i:i], p.Comments[i+1:]...)
			return true
		}
		seen++
	}
	return false
}

func removeCommentByID(p *models.Post, commentID string, now time.Time) bool {
	for i := range p.Comments {
		if p.Comments[i].ID == commentID && p.Comments[i].Alive(now) {
			p.Comments = append(p.Comments[:i:i], p.Comments[i+1:]...)
			return true
		}
	}
	return false
}
