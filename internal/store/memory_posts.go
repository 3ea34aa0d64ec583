package store

import (
	"context"
	"sync"

	"cipher.share/internal/models"
)

var _ PostStore = (*memoryPosts)(nil)

type postEntry struct {
	mu      sync.Mutex
	post    models.Post
	deleted bool
}

type memoryPosts struct {
	mu      sync.RWMutex
	entries map[string]*postEntry
	now     Clock
}

func (s *memoryPosts) CreatePost(ctx context.Context, post *models.Post) error {
	if err := validatePost(post); err != nil {
		return err
	}
	post.CreatedAt = s.now()
	post.Likes = 0
	post.Comments = []models.Comment{}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[post.ID] = &postEntry{post: *post}
	return nil
}

func (s *memoryPosts) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var out models.Post
	err := s.withLivePost(id, func(p *models.Post) error {
		out = livePost(p, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *memoryPosts) ListPosts(ctx context.Context) ([]models.Post, error) {
	now := s.now()
	posts := make([]models.Post, 0)
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if !e.deleted && e.post.Alive(now) {
			posts = append(posts, livePost(&e.post, now))
		}
		e.mu.Unlock()
	}
	sortPosts(posts)
	return posts, nil
}

func (s *memoryPosts) LikePost(ctx context.Context, id string) (int, error) {
	var likes int
	err := s.withLivePost(id, func(p *models.Post) error {
		p.Likes++
		likes = p.Likes
		return nil
	})
	return likes, err
}

func (s *memoryPosts) AddComment(ctx context.Context, postID string, comment models.Comment) (*models.Post, error) {
	if err := validateComment(&comment); err != nil {
		return nil, err
	}
	var out models.Post
	err := s.withLivePost(postID, func(p *models.Post) error {
		now := s.now()
		comment.Timestamp = now
		p.Comments = append(p.Comments, comment)
		out = livePost(p, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *memoryPosts) DeleteComment(ctx context.Context, postID string, index int) error {
	return s.withLivePost(postID, func(p *models.Post) error {
		if !removeLiveComment(p, index, s.now()) {
			return ErrNotFound
		}
		return nil
	})
}

func (s *memoryPosts) DeleteCommentByID(ctx context.Context, postID, commentID string) error {
	return s.withLivePost(postID, func(p *models.Post) error {
		if !removeCommentByID(p, commentID, s.now()) {
			return ErrNotFound
		}
		return nil
	})
}

func (s *memoryPosts) DeletePost(ctx context.Context, id string) error {
	e := s.lookup(id)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.deleted {
		s.remove(id, e)
	}
	return nil
}

func (s *memoryPosts) DeleteExpired(ctx context.Context) (int, error) {
	now := s.now()
	removed := 0
	for id, e := range s.snapshot() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		e.mu.Lock()
		switch {
		case e.deleted:
		case !e.post.Alive(now):
			s.remove(id, e)
			removed += 1 + len(e.post.Comments)
		default:
			removed += e.post.PruneComments(now)
		}
		e.mu.Unlock()
	}
	return removed, nil
}

// withLivePost runs fn under the post's lock, failing with ErrNotFound if
// the post is gone or expired.
func (s *memoryPosts) withLivePost(id string, fn func(p *models.Post) error) error {
	e := s.lookup(id)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return ErrNotFound
	}
	if !e.post.Alive(s.now()) {
		s.remove(id, e)
		return ErrNotFound
	}
	return fn(&e.post)
}

func (s *memoryPosts) snapshot() map[string]*postEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*postEntry, len(s.entries))
	for id, e := range s.entries {
		out[id] = e
	}
	return out
}

func (s *memoryPosts) lookup(id string) *postEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// remove must be called with e.mu held.
func (s *memoryPosts) remove(id string, e *postEntry) {
	e.deleted = true

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[id] == e {
		delete(s.entries, id)
	}
}
