package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// Obfuscator performs symmetric, recoverable at-rest obfuscation of
// sensitive user parameter values using AES-256-GCM. This is an opacity
// boundary for casual inspection of the database file, not a security
// boundary: the key lives in process configuration.
type Obfuscator struct {
	key []byte // 32 bytes for AES-256
}

// NewObfuscator creates an obfuscator with the given 32-byte key
func NewObfuscator(key []byte) (*Obfuscator, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Obfuscator{key: key}, nil
}

// NewObfuscatorFromPassphrase derives the key from a passphrase with SHA-256
func NewObfuscatorFromPassphrase(passphrase string) (*Obfuscator, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	hash := sha256.Sum256([]byte(passphrase))
	return NewObfuscator(hash[:])
}

// Seal encrypts a plaintext value and returns it base64-encoded with the
// nonce prepended.
func (o *Obfuscator) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(o.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal.
func (o *Obfuscator) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode value: %w", err)
	}

	block, err := aes.NewCipher(o.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
