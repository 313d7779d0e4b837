package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// SecretKeySize is the AES-256 key length in bytes
const SecretKeySize = 32

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// SecretCipher encrypts TOTP secrets at rest with AES-256-GCM
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher creates a cipher from a 32-byte key
func NewSecretCipher(key []byte) (*SecretCipher, error) {
	if len(key) != SecretKeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes, got %d", SecretKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &SecretCipher{aead: gcm}, nil
}

// Encrypt seals a secret under a fresh random nonce
// Returns: (ciphertext, nonce, error)
func (c *SecretCipher) Encrypt(plaintext []byte) ([]byte, []byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return c.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens a secret sealed by Encrypt
func (c *SecretCipher) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	// gcm.Open panics on a short nonce
	if len(nonce) != c.aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	return plaintext, nil
}
