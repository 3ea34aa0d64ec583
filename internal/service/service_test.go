package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"cipher.share/config"
	"cipher.share/internal/crypto"
	"cipher.share/internal/metrics"
	"cipher.share/internal/sharelink"
	"cipher.share/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock   *clock
	backend *store.MemoryStore
	secrets *Secrets
	posts   *Posts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	backend := store.NewMemoryStore(store.WithClock(c.Now))

	engine, err := crypto.NewEngine(crypto.Params{LogN: 10, R: 8, P: 1})
	require.NoError(t, err)

	cfg := config.Default()
	return &fixture{
		clock:   c,
		backend: backend,
		secrets: NewSecrets(backend.Objects(), engine, cfg.Secrets, "https://share.example/", nil, nil),
		posts:   NewPosts(backend.Posts(), cfg.Posts),
	}
}

func intPtr(n int) *int { return &n }

func TestSecrets_HelloScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.secrets.Encode(ctx, EncodeInput{
		Data:     []byte("hello"),
		Password: "pw1",
		Reads:    intPtr(1),
		TTL:      60 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://share.example/decode/"+res.Token, res.ShareLink)
	assert.Equal(t, f.clock.Now().Add(time.Minute), res.ExpiresAt)

	out, err := f.secrets.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out.Data))
	assert.Equal(t, 0, out.RemainingReads)
	assert.Equal(t, DefaultFilename, out.Filename)
	assert.Equal(t, DefaultMimeType, out.MimeType)

	_, err = f.secrets.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSecrets_WrongPasswordKeepsRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.secrets.Encode(ctx, EncodeInput{Data: []byte("hello"), Password: "pw1", Reads: intPtr(1)})
	require.NoError(t, err)

	_, err = f.secrets.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw2"})
	assert.ErrorIs(t, err, crypto.ErrAuthentication)

	out, err := f.secrets.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out.Data))
}

func TestSecrets_AlgorithmMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.secrets.Encode(ctx, EncodeInput{Data: []byte("x"), Password: "pw", Algorithm: crypto.AES256})
	require.NoError(t, err)

	_, err = f.secrets.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw", Algorithm: "ROT13"})
	assert.ErrorIs(t, err, crypto.ErrAuthentication)

	_, err = f.secrets.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw", Algorithm: crypto.AES256})
	assert.NoError(t, err)
}

func TestSecrets_ConcurrentSingleRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.secrets.Encode(ctx, EncodeInput{Data: []byte("once"), Password: "pw", Reads: intPtr(1)})
	require.NoError(t, err)

	const readers = 8
	errs := make(chan error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.secrets.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	assert.Equal(t, 1, wins)
}

func TestSecrets_Unlimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.secrets.Encode(ctx, EncodeInput{Data: []byte("many"), Password: "pw", Reads: intPtr(0)})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		out, err := f.secrets.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw"})
		require.NoError(t, err)
		assert.Equal(t, store.Unlimited, out.RemainingReads)
	}
}

func TestSecrets_Expiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.secrets.Encode(ctx, EncodeInput{Data: []byte("x"), Password: "pw", Reads: intPtr(0), TTL: time.Minute})
	require.NoError(t, err)

	f.clock.Advance(time.Minute - time.Millisecond)
	_, err = f.secrets.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw"})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Millisecond)
	_, err = f.secrets.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Dead and wrong password look the same as dead and right password.
	_, err = f.secrets.Decode(ctx, DecodeInput{Token: res.Token, Password: "nope"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSecrets_Defaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.secrets.Encode(ctx, EncodeInput{
		Data:     []byte("report"),
		Filename: "report.pdf",
		MimeType: "application/pdf",
		Password: "pw",
	})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), res.ExpiresAt)

	id, err := sharelink.Decode(res.Token)
	require.NoError(t, err)
	obj, err := f.backend.Objects().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, obj.MaxReads)
	assert.Equal(t, crypto.AES256, obj.Algorithm)
	assert.Equal(t, "report.pdf", obj.Filename)
	assert.Equal(t, "application/pdf", obj.MimeType)
	assert.NotContains(t, string(obj.Ciphertext), "report")
}

func TestSecrets_EncodeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    EncodeInput
		field string
	}{
		{"no password", EncodeInput{Data: []byte("x")}, "password"},
		{"long password", EncodeInput{Data: []byte("x"), Password: strings.Repeat("p", crypto.MaxPasswordBytes+1)}, "password"},
		{"no data", EncodeInput{Password: "pw"}, "file_data"},
		{"too large", EncodeInput{Data: make([]byte, 16<<20+1), Password: "pw"}, "file_data"},
		{"ttl below a second", EncodeInput{Data: []byte("x"), Password: "pw", TTL: time.Millisecond}, "ttl"},
		{"negative ttl", EncodeInput{Data: []byte("x"), Password: "pw", TTL: -time.Second}, "ttl"},
		{"ttl beyond max", EncodeInput{Data: []byte("x"), Password: "pw", TTL: config.HardMaxTTL + time.Second}, "ttl"},
		{"negative reads", EncodeInput{Data: []byte("x"), Password: "pw", Reads: intPtr(-1)}, "reads"},
		{"unknown algorithm", EncodeInput{Data: []byte("x"), Password: "pw", Algorithm: "DES"}, "algorithm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.secrets.Encode(ctx, tt.in)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestSecrets_ReadCap(t *testing.T) {
	c := &clock{now: time.Now()}
	backend := store.NewMemoryStore(store.WithClock(c.Now))
	engine, err := crypto.NewEngine(crypto.Params{LogN: 10, R: 8, P: 1})
	require.NoError(t, err)

	cfg := config.Default().Secrets
	cfg.MaxReads = 5
	s := NewSecrets(backend.Objects(), engine, cfg, "", nil, nil)
	ctx := context.Background()

	_, err = s.Encode(ctx, EncodeInput{Data: []byte("x"), Password: "pw", Reads: intPtr(5)})
	assert.NoError(t, err)

	var ve *ValidationError
	_, err = s.Encode(ctx, EncodeInput{Data: []byte("x"), Password: "pw", Reads: intPtr(6)})
	assert.ErrorAs(t, err, &ve)
	_, err = s.Encode(ctx, EncodeInput{Data: []byte("x"), Password: "pw", Reads: intPtr(0)})
	assert.ErrorAs(t, err, &ve)
}

func TestSecrets_DecodeMalformedToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.secrets.Decode(context.Background(), DecodeInput{Token: "not a token", Password: "pw"})
	assert.ErrorIs(t, err, sharelink.ErrMalformedToken)
}

func TestSecrets_Retract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.secrets.Encode(ctx, EncodeInput{Data: []byte("x"), Password: "pw"})
	require.NoError(t, err)

	require.NoError(t, f.secrets.Retract(ctx, res.Token))
	require.NoError(t, f.secrets.Retract(ctx, res.Token))

	_, err = f.secrets.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, f.secrets.Retract(ctx, "%%%"), sharelink.ErrMalformedToken)
}

func TestSecrets_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	backend := store.NewMemoryStore()
	engine, err := crypto.NewEngine(crypto.Params{LogN: 10, R: 8, P: 1})
	require.NoError(t, err)
	s := NewSecrets(backend.Objects(), engine, config.Default().Secrets, "", m, nil)
	ctx := context.Background()

	res, err := s.Encode(ctx, EncodeInput{Data: []byte("x"), Password: "pw"})
	require.NoError(t, err)
	_, _ = s.Decode(ctx, DecodeInput{Token: res.Token, Password: "bad"})
	_, _ = s.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw"})
	_, _ = s.Decode(ctx, DecodeInput{Token: res.Token, Password: "pw"})

	count, err := testutil.GatherAndCount(reg, "cipher_share_secrets_total")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestPosts_Create(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	post, err := f.posts.Create(ctx, CreatePostInput{Title: " A ", Content: "B", TTL: 86400 * time.Second})
	require.NoError(t, err)
	assert.NotEmpty(t, post.ID)
	assert.Equal(t, "A", post.Title)
	assert.Equal(t, DefaultAuthor, post.Author)
	assert.NotEmpty(t, post.AuthorID)
	assert.Equal(t, 24*time.Hour, post.TTL)
	assert.Zero(t, post.Likes)

	withID, err := f.posts.Create(ctx, CreatePostInput{Content: "B", Author: "ann", AuthorID: "session-1"})
	require.NoError(t, err)
	assert.Equal(t, "ann", withID.Author)
	assert.Equal(t, "session-1", withID.AuthorID)
	assert.Equal(t, config.HardMaxTTL, withID.TTL)
}

func TestPosts_CreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    CreatePostInput
		field string
	}{
		{"empty content", CreatePostInput{Title: "A", Content: "   "}, "content"},
		{"long content", CreatePostInput{Content: strings.Repeat("c", 10001)}, "content"},
		{"long title", CreatePostInput{Title: strings.Repeat("t", 201), Content: "B"}, "title"},
		{"long author", CreatePostInput{Content: "B", Author: strings.Repeat("a", 101)}, "author"},
		{"ttl too short", CreatePostInput{Content: "B", TTL: time.Millisecond}, "ttl"},
		{"ttl too long", CreatePostInput{Content: "B", TTL: config.HardMaxTTL + time.Second}, "ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.posts.Create(ctx, tt.in)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	posts, err := f.posts.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestPosts_ConcurrentLikes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	post, err := f.posts.Create(ctx, CreatePostInput{Title: "A", Content: "B", TTL: 86400 * time.Second})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.posts.Like(ctx, post.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.posts.Get(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Likes)
}

func TestPosts_Comments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	post, err := f.posts.Create(ctx, CreatePostInput{Content: "B"})
	require.NoError(t, err)

	_, err = f.posts.Comment(ctx, post.ID, CommentInput{Content: "first"})
	require.NoError(t, err)
	updated, err := f.posts.Comment(ctx, post.ID, CommentInput{Content: "second", Author: "bob"})
	require.NoError(t, err)
	require.Len(t, updated.Comments, 2)
	assert.Equal(t, DefaultAuthor, updated.Comments[0].Author)
	assert.Equal(t, "bob", updated.Comments[1].Author)
	assert.NotEqual(t, updated.Comments[0].ID, updated.Comments[1].ID)

	require.NoError(t, f.posts.DeleteComment(ctx, post.ID, 0))
	got, err := f.posts.Get(ctx, post.ID)
	require.NoError(t, err)
	require.Len(t, got.Comments, 1)
	assert.Equal(t, "second", got.Comments[0].Content)

	require.NoError(t, f.posts.DeleteCommentByID(ctx, post.ID, got.Comments[0].ID))
	got, err = f.posts.Get(ctx, post.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Comments)

	var ve *ValidationError
	assert.ErrorAs(t, f.posts.DeleteComment(ctx, post.ID, -1), &ve)
	assert.ErrorIs(t, f.posts.DeleteComment(ctx, post.ID, 0), store.ErrNotFound)

	_, err = f.posts.Comment(ctx, post.ID, CommentInput{Content: ""})
	assert.ErrorAs(t, err, &ve)
	_, err = f.posts.Comment(ctx, "missing", CommentInput{Content: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPosts_CommentExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	post, err := f.posts.Create(ctx, CreatePostInput{Content: "B"})
	require.NoError(t, err)
	_, err = f.posts.Comment(ctx, post.ID, CommentInput{Content: "brief", TTL: time.Second})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)

	posts, err := f.posts.List(ctx)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Empty(t, posts[0].Comments)
}

func TestPosts_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	post, err := f.posts.Create(ctx, CreatePostInput{Content: "B"})
	require.NoError(t, err)

	require.NoError(t, f.posts.Delete(ctx, post.ID))
	require.NoError(t, f.posts.Delete(ctx, post.ID))

	_, err = f.posts.Like(ctx, post.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
