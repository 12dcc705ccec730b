// Package crypto seals configuration secrets so they can sit in config files
// and environment variables. A sealed value reads "enc:v1:<base64>"; anything
// without the prefix is treated as plaintext.
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

const sealedPrefix = "enc:v1:"

var (
	ErrMissingKey    = errors.New("crypto: secret is sealed but no encryption key is configured")
	ErrMalformed     = errors.New("crypto: malformed sealed secret")
	ErrWrongKeyOrTag = errors.New("crypto: secret cannot be opened with this key")
)

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// SealSecret encrypts plain under key with AES-256-GCM. label binds the
// ciphertext to the setting it is meant for, so a sealed password cannot be
// pasted into another field.
func SealSecret(plain, key, label string) (string, error) {
	if key == "" {
		return "", ErrMissingKey
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), []byte(label))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenSecret returns value unchanged when it is plaintext and decrypts it
// when it is sealed.
func OpenSecret(value, key, label string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if key == "" {
		return "", ErrMissingKey
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", ErrMalformed
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}
	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, []byte(label))
	if err != nil {
		return "", ErrWrongKeyOrTag
	}
	return string(plain), nil
}

// newAEAD stretches key with SHA-256, so any passphrase length works.
func newAEAD(key string) (cipher.AEAD, error) {
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
