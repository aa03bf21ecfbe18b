// Package vault seals sensitive field values with AES-256-GCM under a
// process-held key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	KeySize       = 32
	versionPrefix = "v1:"
)

var (
	ErrNoKey      = errors.New("vault key not configured")
	ErrBadKey     = errors.New("vault key must be 32 bytes")
	ErrCiphertext = errors.New("malformed ciphertext")
)

// Sealer encrypts and decrypts values. The zero value refuses to operate.
type Sealer struct {
	aead cipher.AEAD
	rand io.Reader
}

// New builds a Sealer from a raw 32-byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	if len(key) != KeySize {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead, rand: rand.Reader}, nil
}

// FromBase64 decodes a standard or URL-safe base64 key.
func FromBase64(encoded string) (*Sealer, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrNoKey
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return nil, fmt.Errorf("decode vault key: %w", err)
		}
	}
	return New(key)
}

// GenerateKey returns a fresh base64 key suitable for FromBase64.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext. binding is authenticated but not stored, so a
// ciphertext only opens under the same binding (instance and field).
func (s *Sealer) Seal(plaintext, binding string) (string, error) {
	if s == nil || s.aead == nil {
		return "", ErrNoKey
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(binding))
	return versionPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, binding string) (string, error) {
	if s == nil || s.aead == nil {
		return "", ErrNoKey
	}
	if !strings.HasPrefix(sealed, versionPrefix) {
		return "", ErrCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, versionPrefix))
	if err != nil {
		return "", ErrCiphertext
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return "", ErrCiphertext
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], []byte(binding))
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether v looks like Seal output.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, versionPrefix)
}

// Binding is the authenticated context for one onboarding field.
func Binding(instanceID, fieldKey string) string {
	return instanceID + "/" + fieldKey
}
