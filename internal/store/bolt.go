package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cipher.share/internal/models"
	"go.etcd.io/bbolt"
)

var (
	bucketObjects = []byte("objects")
	bucketPosts   = []byte("posts")
)

var (
	_ Backend     = (*BoltStore)(nil)
	_ ObjectStore = (*boltObjects)(nil)
	_ PostStore   = (*boltPosts)(nil)
)

// BoltStore is the embedded single-file backend. bbolt serializes write
// transactions, which gives every check-then-modify its atomicity.
type BoltStore struct {
	db      *bbolt.DB
	objects *boltObjects
	posts   *boltPosts
}

// OpenBoltStore opens or creates the database at path, creating the parent
// directory if needed.
func OpenBoltStore(path string, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("bolt: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("bolt: open db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketObjects, bucketPosts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: create buckets: %w", err)
	}

	o := buildOptions(opts)
	return &BoltStore{
		db:      db,
		objects: &boltObjects{db: db, now: o.clock},
		posts:   &boltPosts{db: db, now: o.clock},
	}, nil
}

func (s *BoltStore) Objects() ObjectStore { return s.objects }

func (s *BoltStore) Posts() PostStore { return s.posts }

func (s *BoltStore) Close() error { return s.db.Close() }

type boltObjects struct {
	db  *bbolt.DB
	now Clock
}

func (s *boltObjects) Put(ctx context.Context, obj *models.Object) error {
	if err := validateObject(obj); err != nil {
		return err
	}
	obj.CreatedAt = s.now()
	obj.RemainingReads = obj.MaxReads

	data, err := encodeGob(obj)
	if err != nil {
		return fmt.Errorf("encode object: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjects).Put([]byte(obj.ID), data)
	})
}

func (s *boltObjects) Get(ctx context.Context, id string) (*models.Object, error) {
	var obj models.Object
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return decodeGob(data, &obj)
	})
	if err != nil {
		return nil, err
	}
	if !obj.Alive(s.now()) {
		return nil, ErrNotFound
	}
	return &obj, nil
}

func (s *boltObjects) Consume(ctx context.Context, id string) (int, error) {
	left := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var obj models.Object
		if err := decodeGob(data, &obj); err != nil {
			return err
		}
		if !obj.Alive(s.now()) {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
			left = -2
			return nil
		}
		if obj.Unlimited() {
			left = Unlimited
			return nil
		}

		obj.RemainingReads--
		left = obj.RemainingReads
		if left <= 0 {
			return b.Delete([]byte(id))
		}
		updated, err := encodeGob(&obj)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
	if err != nil {
		return 0, err
	}
	// The dead entry is gone, but the caller still gets nothing.
	if left == -2 {
		return 0, ErrNotFound
	}
	return left, nil
}

func (s *boltObjects) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjects).Delete([]byte(id))
	})
}

func (s *boltObjects) DeleteExpired(ctx context.Context) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.now()
		b := tx.Bucket(bucketObjects)

		var dead [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var obj models.Object
			if err := decodeGob(v, &obj); err != nil {
				return fmt.Errorf("decode object %s: %w", k, err)
			}
			if !obj.Alive(now) {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(dead)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

type boltPosts struct {
	db  *bbolt.DB
	now Clock
}

func (s *boltPosts) CreatePost(ctx context.Context, post *models.Post) error {
	if err := validatePost(post); err != nil {
		return err
	}
	post.CreatedAt = s.now()
	post.Likes = 0
	post.Comments = []models.Comment{}

	data, err := encodeGob(post)
	if err != nil {
		return fmt.Errorf("encode post: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPosts).Put([]byte(post.ID), data)
	})
}

func (s *boltPosts) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPosts).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return decodeGob(data, &post)
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !post.Alive(now) {
		return nil, ErrNotFound
	}
	out := livePost(&post, now)
	return &out, nil
}

func (s *boltPosts) ListPosts(ctx context.Context) ([]models.Post, error) {
	posts := make([]models.Post, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		now := s.now()
		return tx.Bucket(bucketPosts).ForEach(func(k, v []byte) error {
			var post models.Post
			if err := decodeGob(v, &post); err != nil {
				return fmt.Errorf("decode post %s: %w", k, err)
			}
			if post.Alive(now) {
				posts = append(posts, livePost(&post, now))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortPosts(posts)
	return posts, nil
}

func (s *boltPosts) LikePost(ctx context.Context, id string) (int, error) {
	var likes int
	err := s.mutate(id, func(p *models.Post) error {
		p.Likes++
		likes = p.Likes
		return nil
	})
	return likes, err
}

func (s *boltPosts) AddComment(ctx context.Context, postID string, comment models.Comment) (*models.Post, error) {
	if err := validateComment(&comment); err != nil {
		return nil, err
	}
	var out models.Post
	err := s.mutate(postID, func(p *models.Post) error {
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

func (s *boltPosts) DeleteComment(ctx context.Context, postID string, index int) error {
	return s.mutate(postID, func(p *models.Post) error {
		if !removeLiveComment(p, index, s.now()) {
			return ErrNotFound
		}
		return nil
	})
}

func (s *boltPosts) DeleteCommentByID(ctx context.Context, postID, commentID string) error {
	return s.mutate(postID, func(p *models.Post) error {
		if !removeCommentByID(p, commentID, s.now()) {
			return ErrNotFound
		}
		return nil
	})
}

func (s *boltPosts) DeletePost(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPosts).Delete([]byte(id))
	})
}

func (s *boltPosts) DeleteExpired(ctx context.Context) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.now()
		b := tx.Bucket(bucketPosts)

		var dead [][]byte
		updates := make(map[string][]byte)
		err := b.ForEach(func(k, v []byte) error {
			var post models.Post
			if err := decodeGob(v, &post); err != nil {
				return fmt.Errorf("decode post %s: %w", k, err)
			}
			if !post.Alive(now) {
				dead = append(dead, append([]byte(nil), k...))
				removed += 1 + len(post.Comments)
				return nil
			}
			if n := post.PruneComments(now); n > 0 {
				data, err := encodeGob(&post)
				if err != nil {
					return err
				}
				updates[string(k)] = data
				removed += n
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Buckets must not be modified during ForEach.
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for k, data := range updates {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// mutate runs fn on a live post inside one write transaction.
func (s *boltPosts) mutate(id string, fn func(p *models.Post) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPosts)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var post models.Post
		if err := decodeGob(data, &post); err != nil {
			return err
		}
		if !post.Alive(s.now()) {
			return ErrNotFound
		}
		if err := fn(&post); err != nil {
			return err
		}
		updated, err := encodeGob(&post)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// encodeGob serializes a value using gob encoding.
func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeGob deserializes gob-encoded data into a value.
func decodeGob(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return errors.Join(errors.New("gob decode"), err)
	}
	return nil
}
