package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cipher.share/internal/models"
	"github.com/redis/go-redis/v9"
)

var _ PostStore = (*redisPosts)(nil)

// hashReader is satisfied by both *redis.Client and *redis.Tx.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

type redisPosts struct {
	client *redis.Client
	now    Clock
}

// storedComment keeps millisecond TTLs; the wire form only has seconds.
type storedComment struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	TTL       int64  `json:"ttl_ms"`
}

func (r *redisPosts) CreatePost(ctx context.Context, post *models.Post) error {
	if err := validatePost(post); err != nil {
		return err
	}
	post.CreatedAt = r.now()
	post.Likes = 0
	post.Comments = []models.Comment{}

	key := postKey(post.ID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"title", post.Title,
			"content", post.Content,
			"author", post.Author,
			"author_id", post.AuthorID,
			"likes", 0,
			"created_at", post.CreatedAt.UnixMilli(),
			"ttl", post.TTL.Milliseconds(),
			"comments", "[]",
		)
		pipe.PExpire(ctx, key, post.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create post: %w", err)
	}
	return nil
}

func (r *redisPosts) GetPost(ctx context.Context, id string) (*models.Post, error) {
	post, err := r.load(ctx, r.client, id)
	if err != nil {
		return nil, err
	}
	out := livePost(post, r.now())
	return &out, nil
}

func (r *redisPosts) ListPosts(ctx context.Context) ([]models.Post, error) {
	return retryRead(ctx, func() ([]models.Post, error) {
		var keys []string
		iter := r.client.Scan(ctx, 0, postPrefix+"*", scanCount).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("scan posts: %w", err)
		}

		cmds := make([]*redis.MapStringStringCmd, len(keys))
		_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range keys {
				cmds[i] = pipe.HGetAll(ctx, key)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load posts: %w", err)
		}

		now := r.now()
		posts := make([]models.Post, 0, len(keys))
		for i, cmd := range cmds {
			vals := cmd.Val()
			if len(vals) == 0 {
				continue // expired between scan and load
			}
			post, err := decodePost(strings.TrimPrefix(keys[i], postPrefix), vals)
			if err != nil {
				return nil, err
			}
			if post.Alive(now) {
				posts = append(posts, livePost(post, now))
			}
		}
		sortPosts(posts)
		return posts, nil
	})
}

// likeScript refuses to resurrect a missing key, which HINCRBY alone would.
var likeScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	if redis.call('EXISTS', key) == 0 then
		return -1
	end
	local created = tonumber(redis.call('HGET', key, 'created_at'))
	local ttl = tonumber(redis.call('HGET', key, 'ttl'))
	if now > created + ttl then
		return -1
	end
	return redis.call('HINCRBY', key, 'likes', 1)
`)

func (r *redisPosts) LikePost(ctx context.Context, id string) (int, error) {
	likes, err := likeScript.Run(ctx, r.client, []string{postKey(id)}, r.now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis like post: %w", err)
	}
	if likes < 0 {
		return 0, ErrNotFound
	}
	return likes, nil
}

func (r *redisPosts) AddComment(ctx context.Context, postID string, comment models.Comment) (*models.Post, error) {
	if err := validateComment(&comment); err != nil {
		return nil, err
	}
	var out models.Post
	err := r.mutate(ctx, postID, func(p *models.Post, now time.Time) error {
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

func (r *redisPosts) DeleteComment(ctx context.Context, postID string, index int) error {
	return r.mutate(ctx, postID, func(p *models.Post, now time.Time) error {
		if !removeLiveComment(p, index, now) {
			return ErrNotFound
		}
		return nil
	})
}

func (r *redisPosts) DeleteCommentByID(ctx context.Context, postID, commentID string) error {
	return r.mutate(ctx, postID, func(p *models.Post, now time.Time) error {
		if !removeCommentByID(p, commentID, now) {
			return ErrNotFound
		}
		return nil
	})
}

func (r *redisPosts) DeletePost(ctx context.Context, id string) error {
	return r.client.Del(ctx, postKey(id)).Err()
}

var errNothingToPrune = errors.New("nothing to prune")

func (r *redisPosts) DeleteExpired(ctx context.Context) (int, error) {
	removed := 0
	var errs []error

	iter := r.client.Scan(ctx, 0, postPrefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), postPrefix)

		var pruned int
		err := r.mutate(ctx, id, func(p *models.Post, now time.Time) error {
			pruned = p.PruneComments(now)
			if pruned == 0 {
				return errNothingToPrune
			}
			return nil
		})
		switch {
		case err == nil:
			removed += pruned
		case errors.Is(err, errNothingToPrune):
		case errors.Is(err, ErrNotFound):
			n, err := r.reap(ctx, id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			removed += n
		default:
			errs = append(errs, fmt.Errorf("prune post %s: %w", id, err))
		}
	}
	if err := iter.Err(); err != nil {
		errs = append(errs, fmt.Errorf("scan posts: %w", err))
	}
	return removed, errors.Join(errs...)
}

// reap deletes an expired post together with its comments.
func (r *redisPosts) reap(ctx context.Context, id string) (int, error) {
	key := postKey(id)
	removed := 0

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return nil
		}
		post, err := decodePost(id, vals)
		if err != nil {
			return err
		}
		if post.Alive(r.now()) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			removed = 1 + len(post.Comments)
		}
		return err
	}

	if err := r.watch(ctx, key, txf); err != nil {
		return 0, fmt.Errorf("reap post %s: %w", id, err)
	}
	return removed, nil
}

// mutate applies fn to a live post inside a WATCH transaction, writing back
// the comment list. Likes are never rewritten here, so a concurrent
// LikePost is not lost.
func (r *redisPosts) mutate(ctx context.Context, id string, fn func(p *models.Post, now time.Time) error) error {
	key := postKey(id)

	txf := func(tx *redis.Tx) error {
		post, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(post, r.now()); err != nil {
			return err
		}
		data, err := encodeComments(post.Comments)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "comments", data)
			return nil
		})
		return err
	}

	return r.watch(ctx, key, txf)
}

func (r *redisPosts) watch(ctx context.Context, key string, txf func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (r *redisPosts) load(ctx context.Context, c hashReader, id string) (*models.Post, error) {
	vals, err := c.HGetAll(ctx, postKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get post: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	post, err := decodePost(id, vals)
	if err != nil {
		return nil, err
	}
	if !post.Alive(r.now()) {
		return nil, ErrNotFound
	}
	return post, nil
}

func decodePost(id string, vals map[string]string) (*models.Post, error) {
	likes, err := strconv.Atoi(vals["likes"])
	if err != nil {
		return nil, fmt.Errorf("decode post %s likes: %w", id, err)
	}
	created, err := strconv.ParseInt(vals["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode post %s created_at: %w", id, err)
	}
	ttl, err := strconv.ParseInt(vals["ttl"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode post %s ttl: %w", id, err)
	}
	comments, err := decodeComments(vals["comments"])
	if err != nil {
		return nil, fmt.Errorf("decode post %s comments: %w", id, err)
	}

	return &models.Post{
		ID:        id,
		Title:     vals["title"],
		Content:   vals["content"],
		Author:    vals["author"],
		AuthorID:  vals["author_id"],
		Likes:     likes,
		CreatedAt: time.UnixMilli(created),
		TTL:       time.Duration(ttl) * time.Millisecond,
		Comments:  comments,
	}, nil
}

func encodeComments(comments []models.Comment) (string, error) {
	stored := make([]storedComment, len(comments))
	for i, c := range comments {
		stored[i] = storedComment{
			ID:        c.ID,
			Author:    c.Author,
			AuthorID:  c.AuthorID,
			Content:   c.Content,
			Timestamp: c.Timestamp.UnixMilli(),
			TTL:       c.TTL.Milliseconds(),
		}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeComments(data string) ([]models.Comment, error) {
	if data == "" {
		return []models.Comment{}, nil
	}
	var stored []storedComment
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, err
	}
	comments := make([]models.Comment, len(stored))
	for i, s := range stored {
		comments[i] = models.Comment{
			ID:        s.ID,
			Author:    s.Author,
			AuthorID:  s.AuthorID,
			Content:   s.Content,
			Timestamp: time.UnixMilli(s.Timestamp),
			TTL:       time.Duration(s.TTL) * time.Millisecond,
		}
	}
	return comments, nil
}
