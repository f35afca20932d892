// Package secrets seals and unseals storage-config credentials with
// AES-256-GCM. The key is derived from the gateway's environment secret;
// ciphertexts are stored in the storage_configs table and only ever opened
// inside a driver factory.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrEmptySecret    = errors.New("secrets: encryption secret is empty")
	ErrBadCiphertext  = errors.New("secrets: ciphertext is malformed")
	ErrDecryptFailure = errors.New("secrets: decryption failed")
)

// Box seals and opens credential blobs under a single derived key.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives an AES-256 key from secret via SHA-256 and returns a Box.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: creating GCM: %w", err)
	}

	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (b *Box) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generating nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a string produced by Seal. A wrong key or tampered
// ciphertext yields ErrDecryptFailure.
func (b *Box) Open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrBadCiphertext
	}

	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return nil, ErrBadCiphertext
	}

	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, ErrDecryptFailure
	}

	return plain, nil
}
