// Package crypto encrypts uploaded payloads under a user password.
package crypto

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrAuthentication covers both a wrong password and a damaged frame.
	ErrAuthentication       = errors.New("authentication failed")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrPasswordTooLong      = errors.New("password too long")
)

// DefaultAlgorithm is the tag used when a request names none.
const DefaultAlgorithm = AES256

// MaxPasswordBytes bounds the input fed to key derivation.
const MaxPasswordBytes = 1024

// Cipher is one password-based authenticated encryption scheme.
type Cipher interface {
	Name() string
	Seal(plaintext []byte, password string) ([]byte, error)
	Open(frame []byte, password string) ([]byte, error)
}

// Engine dispatches to registered ciphers by tag. It keeps no per-call state.
type Engine struct {
	mu      sync.RWMutex
	ciphers map[string]Cipher
}

// NewEngine returns an engine with AES256 registered under params.
func NewEngine(params Params) (*Engine, error) {
	gcm, err := NewAESGCM(params)
	if err != nil {
		return nil, err
	}
	e := &Engine{ciphers: make(map[string]Cipher)}
	e.Register(gcm)
	return e, nil
}

func (e *Engine) Register(c Cipher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ciphers[c.Name()] = c
}

func (e *Engine) Lookup(name string) (Cipher, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.ciphers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return c, nil
}

// Algorithms lists the registered tags in sorted order.
func (e *Engine) Algorithms() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.ciphers))
	for name := range e.ciphers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encrypt seals plaintext and returns the frame with the tag that opens it.
func (e *Engine) Encrypt(plaintext []byte, password, algorithm string) ([]byte, string, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	c, err := e.Lookup(algorithm)
	if err != nil {
		return nil, "", err
	}
	if len(password) > MaxPasswordBytes {
		return nil, "", ErrPasswordTooLong
	}
	frame, err := c.Seal(plaintext, password)
	if err != nil {
		return nil, "", err
	}
	return frame, c.Name(), nil
}

func (e *Engine) Decrypt(frame []byte, password, algorithm string) ([]byte, error) {
	c, err := e.Lookup(algorithm)
	if err != nil {
		return nil, err
	}
	if len(password) > MaxPasswordBytes {
		return nil, ErrAuthentication
	}
	return c.Open(frame, password)
}
