package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// keySalt pins the argon2 derivation so the same passphrase always yields
// the same key. Changing it invalidates every sealed value in the store.
var keySalt = []byte("mailharvest/credential-key/v1")

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Box seals and opens token material before it reaches the credential
// store. The key is derived from an operator-supplied passphrase with
// argon2id; values are encrypted with AES-256-GCM and base64-encoded.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives an encryption key from the passphrase and returns a Box.
// An empty passphrase returns (nil, nil): a nil *Box is a valid passthrough
// and leaves values unencrypted.
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, nil
	}

	key := argon2.IDKey([]byte(passphrase), keySalt, 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts the value. The random nonce is prepended to the
// ciphertext before encoding. A nil Box returns the value unchanged.
func (b *Box) Seal(value string) (string, error) {
	if b == nil {
		return value, nil
	}

	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. A nil Box returns the value
// unchanged.
func (b *Box) Open(encoded string) (string, error) {
	if b == nil {
		return encoded, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(sealed) < b.aead.NonceSize() {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
