// Package secrets encrypts sensitive profile fields before they reach the store.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const encPrefix = "enc:"

// Cipher seals and opens birth-data values with XChaCha20-Poly1305.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: new cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals the value. Empty values and values already sealed pass through.
func (c *Cipher) Encrypt(value string) (string, error) {
	if c == nil || value == "" {
		return value, nil
	}
	if strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(value), nil)
	return encPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed value. Plain values pass through untouched so rows
// written before encryption was enabled stay readable.
func (c *Cipher) Decrypt(value string) (string, error) {
	if c == nil || value == "" {
		return value, nil
	}
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("secrets: decode payload: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", errors.New("secrets: payload too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open payload: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether the value carries the sealed marker.
func (c *Cipher) IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}
