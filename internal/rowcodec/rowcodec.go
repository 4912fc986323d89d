// Package rowcodec encodes row payloads for storage, encrypting them when a
// server key is configured.
package rowcodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrNoKey          = errors.New("row is encrypted but no encryption key is configured")
	ErrMalformedToken = errors.New("malformed encrypted payload")
)

const hkdfInfo = "tabport row payload v1"

// Codec turns serialized rows into stored payloads and back.
type Codec interface {
	// Encode returns the stored payload and whether it is encrypted.
	Encode(plain []byte) (string, bool, error)
	// Decode reverses Encode given the stored encrypted flag.
	Decode(payload string, encrypted bool) ([]byte, error)
}

// New returns an AES-GCM codec when key is non-empty, Plain otherwise.
func New(key string) (Codec, error) {
	if key == "" {
		return Plain{}, nil
	}
	return NewAESGCM([]byte(key))
}

// Plain stores payloads in clear.
type Plain struct{}

func (Plain) Encode(plain []byte) (string, bool, error) {
	return string(plain), false, nil
}

func (Plain) Decode(payload string, encrypted bool) ([]byte, error) {
	if encrypted {
		return nil, ErrNoKey
	}
	return []byte(payload), nil
}

// AESGCM stores base64(nonce || ciphertext) sealed with a key derived from
// the configured secret.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM derives a 256-bit key from secret with HKDF-SHA256.
func NewAESGCM(secret []byte) (*AESGCM, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty encryption secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCM{aead: aead}, nil
}

func (c *AESGCM) Encode(plain []byte) (string, bool, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", false, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), true, nil
}

// Decode opens encrypted payloads; clear payloads written before a key was
// configured pass through.
func (c *AESGCM) Decode(payload string, encrypted bool) ([]byte, error) {
	if !encrypted {
		return []byte(payload), nil
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return nil, ErrMalformedToken
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt row: %w", err)
	}
	return plain, nil
}
