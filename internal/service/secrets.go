package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cipher.share/config"
	"cipher.share/internal/crypto"
	"cipher.share/internal/metrics"
	"cipher.share/internal/models"
	"cipher.share/internal/sharelink"
	"cipher.share/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultFilename = "unknown"
	DefaultMimeType = "application/octet-stream"
)

type EncodeInput struct {
	Data      []byte
	Filename  string
	MimeType  string
	Password  string
	Algorithm string
	// Reads nil means the configured default; 0 means unlimited.
	Reads *int
	// TTL 0 means the configured default.
	TTL time.Duration
}

type EncodeResult struct {
	Token     string
	ShareLink string
	ExpiresAt time.Time
}

type DecodeInput struct {
	Token     string
	Password  string
	Algorithm string
}

type DecodeResult struct {
	Data     []byte
	Filename string
	MimeType string
	// RemainingReads is store.Unlimited for objects without a budget and 0
	// when this read removed the object.
	RemainingReads int
}

// Secrets runs the encode/decode lifecycle of encrypted objects.
type Secrets struct {
	objects store.ObjectStore
	engine  *crypto.Engine
	cfg     config.SecretsConfig
	baseURL string
	slots   *semaphore.Weighted
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewSecrets(
	objects store.ObjectStore,
	engine *crypto.Engine,
	cfg config.SecretsConfig,
	baseURL string,
	m *metrics.Metrics,
	log *zap.Logger,
) *Secrets {
	if log == nil {
		log = zap.NewNop()
	}
	slots := cfg.KDFConcurrency
	if slots < 1 {
		slots = 1
	}
	return &Secrets{
		objects: objects,
		engine:  engine,
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		slots:   semaphore.NewWeighted(int64(slots)),
		metrics: m,
		log:     log,
	}
}

func (s *Secrets) Encode(ctx context.Context, in EncodeInput) (EncodeResult, error) {
	res, err := s.encode(ctx, in)
	s.metrics.SecretOutcome("encode", outcome(err))
	return res, err
}

func (s *Secrets) encode(ctx context.Context, in EncodeInput) (EncodeResult, error) {
	if in.Password == "" {
		return EncodeResult{}, invalid("password", "password is required")
	}
	if len(in.Password) > crypto.MaxPasswordBytes {
		return EncodeResult{}, invalid("password", "password must be at most %d bytes", crypto.MaxPasswordBytes)
	}
	if len(in.Data) == 0 {
		return EncodeResult{}, invalid("file_data", "file data is required")
	}
	if int64(len(in.Data)) > s.cfg.MaxUploadBytes {
		return EncodeResult{}, invalid("file_data", "file exceeds %d bytes", s.cfg.MaxUploadBytes)
	}

	ttl, err := s.ttl(in.TTL)
	if err != nil {
		return EncodeResult{}, err
	}
	reads, err := s.reads(in.Reads)
	if err != nil {
		return EncodeResult{}, err
	}

	algorithm := in.Algorithm
	if algorithm == "" {
		algorithm = crypto.DefaultAlgorithm
	}
	if _, err := s.engine.Lookup(algorithm); err != nil {
		return EncodeResult{}, invalid("algorithm", "unsupported algorithm %q", algorithm)
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return EncodeResult{}, err
	}
	ciphertext, tag, err := s.engine.Encrypt(in.Data, in.Password, algorithm)
	s.slots.Release(1)
	if err != nil {
		return EncodeResult{}, fmt.Errorf("encrypt: %w", err)
	}

	obj := &models.Object{
		ID:         crypto.GenerateID(),
		Ciphertext: ciphertext,
		Algorithm:  tag,
		Filename:   orDefault(in.Filename, DefaultFilename),
		MimeType:   orDefault(in.MimeType, DefaultMimeType),
		TTL:        ttl,
		MaxReads:   reads,
	}
	if err := s.objects.Put(ctx, obj); err != nil {
		return EncodeResult{}, fmt.Errorf("store object: %w", err)
	}

	token := sharelink.Encode(obj.ID)
	return EncodeResult{
		Token:     token,
		ShareLink: s.baseURL + "/decode/" + token,
		ExpiresAt: obj.ExpiresAt(),
	}, nil
}

// Decode decrypts outside any store lock and only then spends the read, so
// a wrong password never costs one and the store alone decides which of
// several concurrent readers wins the last read.
func (s *Secrets) Decode(ctx context.Context, in DecodeInput) (DecodeResult, error) {
	res, err := s.decode(ctx, in)
	s.metrics.SecretOutcome("decode", outcome(err))
	return res, err
}

func (s *Secrets) decode(ctx context.Context, in DecodeInput) (DecodeResult, error) {
	id, err := sharelink.Decode(in.Token)
	if err != nil {
		return DecodeResult{}, err
	}
	if in.Password == "" {
		return DecodeResult{}, invalid("password", "password is required")
	}

	obj, err := s.objects.Get(ctx, id)
	if err != nil {
		return DecodeResult{}, err
	}

	// A mismatched tag is indistinguishable from a wrong password.
	if in.Algorithm != "" && in.Algorithm != obj.Algorithm {
		return DecodeResult{}, crypto.ErrAuthentication
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return DecodeResult{}, err
	}
	plaintext, err := s.engine.Decrypt(obj.Ciphertext, in.Password, obj.Algorithm)
	s.slots.Release(1)
	if err != nil {
		if errors.Is(err, crypto.ErrUnsupportedAlgorithm) {
			s.log.Error("stored object has unknown algorithm", zap.String("algorithm", obj.Algorithm))
			return DecodeResult{}, err
		}
		return DecodeResult{}, crypto.ErrAuthentication
	}

	remaining, err := s.objects.Consume(ctx, id)
	if err != nil {
		return DecodeResult{}, err
	}

	return DecodeResult{
		Data:           plaintext,
		Filename:       obj.Filename,
		MimeType:       obj.MimeType,
		RemainingReads: remaining,
	}, nil
}

// Retract removes an object before it is redeemed. Unknown tokens succeed.
func (s *Secrets) Retract(ctx context.Context, token string) error {
	id, err := sharelink.Decode(token)
	if err != nil {
		return err
	}
	return s.objects.Delete(ctx, id)
}

func (s *Secrets) ttl(ttl time.Duration) (time.Duration, error) {
	return boundTTL(ttl, s.cfg.DefaultTTL, s.cfg.MaxTTL)
}

func (s *Secrets) reads(reads *int) (int, error) {
	if reads == nil {
		return s.cfg.DefaultReads, nil
	}
	n := *reads
	if n < 0 {
		return 0, invalid("reads", "reads must not be negative")
	}
	if s.cfg.MaxReads > 0 && (n == 0 || n > s.cfg.MaxReads) {
		return 0, invalid("reads", "reads must be between 1 and %d", s.cfg.MaxReads)
	}
	return n, nil
}

// boundTTL applies the default for 0 and rejects anything outside
// [1s, max].
func boundTTL(ttl, def, max time.Duration) (time.Duration, error) {
	if ttl == 0 {
		return def, nil
	}
	if ttl < time.Second || ttl > max {
		return 0, invalid("ttl", "ttl must be between 1 and %d seconds", int64(max/time.Second))
	}
	return ttl, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func outcome(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve), errors.Is(err, sharelink.ErrMalformedToken):
		return "invalid"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, crypto.ErrAuthentication):
		return "auth_failed"
	default:
		return "error"
	}
}
