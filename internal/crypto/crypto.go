// Package crypto seals and unseals sensitive configuration values.
// Provider API keys can be stored as sealed strings ("sealed:<base64>")
// in env vars or config files and decrypted at boot with the master
// encryption key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// SealedPrefix marks a value as encrypted.
const SealedPrefix = "sealed:"

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrNotSealed         = errors.New("value is not sealed")
)

// Encryptor performs AES-256-GCM encryption with a key derived from a
// passphrase. The AEAD is constructed once; Encrypt and Decrypt are safe
// for concurrent use.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives a 32-byte AES key from the passphrase via SHA-256.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	key := sha256.Sum256([]byte(passphrase))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("building GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext) for the plaintext. Each
// call draws a fresh random nonce, so encrypting the same value twice
// yields different outputs.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or truncated input, or input
// encrypted under a different key, returns an error.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < e.aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, body := raw[:e.aead.NonceSize()], raw[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// IsSealed reports whether a config value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal encrypts a value and attaches the sealed prefix.
func (e *Encryptor) Seal(plaintext string) (string, error) {
	ct, err := e.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return SealedPrefix + ct, nil
}

// Unseal decrypts a prefixed value produced by Seal.
func (e *Encryptor) Unseal(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	return e.Decrypt(strings.TrimPrefix(sealed, SealedPrefix))
}
