// redis.go
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cipher.share/internal/models"
	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

var (
	_ Backend     = (*RedisStore)(nil)
	_ ObjectStore = (*redisObjects)(nil)
)

const (
	objectPrefix = "cipher_share:"
	postPrefix   = "post:"

	maxTxRetries = 3
	scanCount    = 100
)

// RedisStore keeps objects and posts in redis hashes. Every record also
// carries a native EXPIRE, but liveness is always judged against the
// store clock so a late expiry is never served.
type RedisStore struct {
	client  *redis.Client
	objects *redisObjects
	posts   *redisPosts
}

func NewRedisStore(options *redis.Options, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(options)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	o := buildOptions(opts)
	return &RedisStore{
		client:  client,
		objects: &redisObjects{client: client, now: o.clock},
		posts:   &redisPosts{client: client, now: o.clock},
	}, nil
}

func (r *RedisStore) Objects() ObjectStore { return r.objects }

func (r *RedisStore) Posts() PostStore { return r.posts }

func (r *RedisStore) Close() error {
	return r.client.Close()
}

type redisObjects struct {
	client *redis.Client
	now    Clock
}

func (r *redisObjects) Put(ctx context.Context, obj *models.Object) error {
	if err := validateObject(obj); err != nil {
		return err
	}
	obj.CreatedAt = r.now()
	obj.RemainingReads = obj.MaxReads

	key := objectKey(obj.ID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"ciphertext", obj.Ciphertext,
			"algorithm", obj.Algorithm,
			"file_name", obj.Filename,
			"file_type", obj.MimeType,
			"created_at", obj.CreatedAt.UnixMilli(),
			"ttl", obj.TTL.Milliseconds(),
			"max_reads", obj.MaxReads,
			"reads", obj.RemainingReads,
		)
		pipe.PExpire(ctx, key, obj.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put object: %w", err)
	}
	return nil
}

func (r *redisObjects) Get(ctx context.Context, id string) (*models.Object, error) {
	vals, err := retryRead(ctx, func() (map[string]string, error) {
		return r.client.HGetAll(ctx, objectKey(id)).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("redis get object: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}

	obj, err := decodeObject(id, vals)
	if err != nil {
		return nil, err
	}
	if !obj.Alive(r.now()) {
		return nil, ErrNotFound
	}
	return obj, nil
}

// consumeScript is the whole check-and-decrement in one atomic step.
// -2 means dead or absent, -1 means unlimited.
var consumeScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	if redis.call('EXISTS', key) == 0 then
		return -2
	end
	local created = tonumber(redis.call('HGET', key, 'created_at'))
	local ttl = tonumber(redis.call('HGET', key, 'ttl'))
	if now > created + ttl then
		redis.call('DEL', key)
		return -2
	end
	if tonumber(redis.call('HGET', key, 'max_reads')) == 0 then
		return -1
	end
	local left = redis.call('HINCRBY', key, 'reads', -1)
	if left <= 0 then
		redis.call('DEL', key)
	end
	if left < 0 then
		return -2
	end
	return left
`)

func (r *redisObjects) Consume(ctx context.Context, id string) (int, error) {
	left, err := consumeScript.Run(ctx, r.client, []string{objectKey(id)}, r.now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis consume object: %w", err)
	}
	if left == -2 {
		return 0, ErrNotFound
	}
	return left, nil
}

func (r *redisObjects) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, objectKey(id)).Err()
}

// reapScript deletes the object only if it is dead at ARGV[1].
var reapScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local v = redis.call('HMGET', key, 'created_at', 'ttl', 'max_reads', 'reads')
	if not v[1] then
		return 0
	end
	local dead = now > tonumber(v[1]) + tonumber(v[2])
	if tonumber(v[3]) ~= 0 and tonumber(v[4]) <= 0 then
		dead = true
	end
	if dead then
		return redis.call('DEL', key)
	end
	return 0
`)

func (r *redisObjects) DeleteExpired(ctx context.Context) (int, error) {
	now := r.now().UnixMilli()
	removed := 0
	var errs []error

	iter := r.client.Scan(ctx, 0, objectPrefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		n, err := reapScript.Run(ctx, r.client, []string{iter.Val()}, now).Int()
		if err != nil {
			errs = append(errs, fmt.Errorf("reap %s: %w", iter.Val(), err))
			continue
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		errs = append(errs, fmt.Errorf("scan objects: %w", err))
	}
	return removed, errors.Join(errs...)
}

// Helpers

func objectKey(id string) string {
	return objectPrefix + id
}

func postKey(id string) string {
	return postPrefix + id
}

func decodeObject(id string, vals map[string]string) (*models.Object, error) {
	created, err := strconv.ParseInt(vals["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode object %s created_at: %w", id, err)
	}
	ttl, err := strconv.ParseInt(vals["ttl"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode object %s ttl: %w", id, err)
	}
	maxReads, err := strconv.Atoi(vals["max_reads"])
	if err != nil {
		return nil, fmt.Errorf("decode object %s max_reads: %w", id, err)
	}
	reads, err := strconv.Atoi(vals["reads"])
	if err != nil {
		return nil, fmt.Errorf("decode object %s reads: %w", id, err)
	}

	return &models.Object{
		ID:             id,
		Ciphertext:     []byte(vals["ciphertext"]),
		Algorithm:      vals["algorithm"],
		Filename:       vals["file_name"],
		MimeType:       vals["file_type"],
		CreatedAt:      time.UnixMilli(created),
		TTL:            time.Duration(ttl) * time.Millisecond,
		MaxReads:       maxReads,
		RemainingReads: reads,
	}, nil
}

// retryRead retries an idempotent read on transient failures.
func retryRead[T any](ctx context.Context, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTxRetries))
}
