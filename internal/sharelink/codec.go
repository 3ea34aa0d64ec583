// Package sharelink turns store identifiers into opaque URL-safe tokens.
//
// A token is the unpadded base64url encoding of
//
//	version(1) | shard(1) | id | checksum(4)
//
// where checksum is the first four bytes of xxhash64 over everything before
// it. Decoding is purely structural; whether the id exists is the store's
// business.
package sharelink

import (
	"encoding/base64"
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
)

var ErrMalformedToken = errors.New("malformed share token")

const (
	version      = 1
	checksumSize = 4
	overhead     = 2 + checksumSize
	maxIDLength  = 128
)

// Key is a store id plus a routing hint.
type Key struct {
	ID    string
	Shard uint8
}

// Encode returns the token for id with no shard hint.
func Encode(id string) string {
	return EncodeKey(Key{ID: id})
}

func EncodeKey(k Key) string {
	buf := make([]byte, 0, len(k.ID)+overhead)
	buf = append(buf, version, k.Shard)
	buf = append(buf, k.ID...)
	buf = binary.BigEndian.AppendUint32(buf, checksum(buf))
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Decode returns the id carried by token.
func Decode(token string) (string, error) {
	k, err := DecodeKey(token)
	if err != nil {
		return "", err
	}
	return k.ID, nil
}

func DecodeKey(token string) (Key, error) {
	if token == "" || len(token) > base64.RawURLEncoding.EncodedLen(maxIDLength+overhead) {
		return Key{}, ErrMalformedToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Key{}, ErrMalformedToken
	}
	if len(raw) <= overhead || raw[0] != version {
		return Key{}, ErrMalformedToken
	}

	body, sum := raw[:len(raw)-checksumSize], raw[len(raw)-checksumSize:]
	if binary.BigEndian.Uint32(sum) != checksum(body) {
		return Key{}, ErrMalformedToken
	}
	return Key{ID: string(body[2:]), Shard: body[1]}, nil
}

func checksum(b []byte) uint32 {
	return uint32(xxhash.Sum64(b) >> 32)
}
