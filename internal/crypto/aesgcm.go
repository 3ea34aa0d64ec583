package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// AES256 is AES-256-GCM keyed by scrypt.
const AES256 = "AES256"

const (
	frameVersion = 1
	headerSize   = 4
	saltSize     = 16
	nonceSize    = 12 // GCM standard nonce size
	keySize      = 32

	// Hard ceilings on stored KDF parameters, checked before deriving.
	maxLogN = 20
	maxR    = 16
	maxP    = 4
)

// Params are the scrypt cost parameters written into every frame.
type Params struct {
	LogN uint8
	R    uint8
	P    uint8
}

// DefaultParams matches N=2^14, r=8, p=1.
var DefaultParams = Params{LogN: 14, R: 8, P: 1}

func (p Params) validate() error {
	if p.LogN < 1 || p.LogN > maxLogN || p.R < 1 || p.R > maxR || p.P < 1 || p.P > maxP {
		return fmt.Errorf("scrypt parameters out of range: logN=%d r=%d p=%d", p.LogN, p.R, p.P)
	}
	return nil
}

// AESGCM frames ciphertext as
//
//	version | logN | r | p | salt(16) | nonce(12) | sealed
//
// The header and the algorithm tag are authenticated as associated data.
type AESGCM struct {
	params Params
}

var _ Cipher = (*AESGCM)(nil)

func NewAESGCM(params Params) (*AESGCM, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &AESGCM{params: params}, nil
}

func (a *AESGCM) Name() string { return AES256 }

func (a *AESGCM) Seal(plaintext []byte, password string) ([]byte, error) {
	header := []byte{frameVersion, a.params.LogN, a.params.R, a.params.P}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt generation failed: %w", err)
	}

	gcm, err := newGCM(password, salt, a.params)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	frame := make([]byte, 0, headerSize+saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	frame = append(frame, header...)
	frame = append(frame, salt...)
	frame = append(frame, nonce...)
	return gcm.Seal(frame, nonce, plaintext, associatedData(header)), nil
}

func (a *AESGCM) Open(frame []byte, password string) ([]byte, error) {
	if len(frame) < headerSize+saltSize+nonceSize {
		return nil, ErrAuthentication
	}
	header := frame[:headerSize]
	if header[0] != frameVersion {
		return nil, ErrAuthentication
	}
	params := Params{LogN: header[1], R: header[2], P: header[3]}
	if params.validate() != nil {
		return nil, ErrAuthentication
	}

	salt := frame[headerSize : headerSize+saltSize]
	nonce := frame[headerSize+saltSize : headerSize+saltSize+nonceSize]
	sealed := frame[headerSize+saltSize+nonceSize:]

	gcm, err := newGCM(password, salt, params)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, associatedData(header))
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(password string, salt []byte, params Params) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, 1<<params.LogN, int(params.R), int(params.P), keySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return gcm, nil
}

func associatedData(header []byte) []byte {
	ad := make([]byte, 0, len(header)+len(AES256))
	ad = append(ad, header...)
	return append(ad, AES256...)
}
