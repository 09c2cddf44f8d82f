package wgconf

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyLen is the size of a Curve25519 key.
const KeyLen = 32

// ErrInvalidKey is returned for keys that are not 32 bytes of base64.
var ErrInvalidKey = errors.New("invalid key")

// Key is a WireGuard private, public or preshared key.
type Key [KeyLen]byte

// ParseKey decodes a standard base64 key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != KeyLen {
		return k, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidKey, len(b), KeyLen)
	}
	copy(k[:], b)
	return k, nil
}

// GeneratePrivateKey returns a new clamped private key.
func GeneratePrivateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("read random: %w", err)
	}
	// clamp as in RFC 7748
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
	return k, nil
}

// PublicKey derives the public key for a private key.
func (k Key) PublicKey() (Key, error) {
	var pub Key
	b, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(pub[:], b)
	return pub, nil
}

// IsZero reports whether all key bytes are zero.
func (k Key) IsZero() bool {
	return k == Key{}
}

func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}
