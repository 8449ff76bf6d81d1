// Package crypto seals configuration secrets and handles SSH key material.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// Sealed values are AES-256-GCM ciphertexts, base64 encoded so they can sit
// in a YAML config file or an environment variable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEmptyKey is returned when no sealing key is configured.
	ErrEmptyKey = errors.New("sealing key is empty")

	// ErrInvalidCiphertext is returned when a sealed value is malformed.
	ErrInvalidCiphertext = errors.New("invalid sealed value")

	// ErrOpenFailed is returned when a sealed value does not authenticate
	// under the key (wrong key or tampered data).
	ErrOpenFailed = errors.New("sealed value does not open with this key")

	// ErrInvalidSSHKey is returned when the SSH key cannot be parsed.
	ErrInvalidSSHKey = errors.New("invalid SSH private key format")
)

// DeriveKey derives the 32-byte AES-256 key from the configured passphrase.
// Deterministic: the same passphrase always opens the same values.
func DeriveKey(passphrase string) ([]byte, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrEmptyKey
	}
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:], nil
}

// Seal encrypts plaintext and returns it base64 encoded. The layout under
// the encoding is nonce || ciphertext || tag.
func Seal(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

// Open reverses Seal.
func Open(sealed string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrEmptyKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
