// Package secrets implements encryption of API keys at rest and hashing of
// webhook secrets. API keys use AES-GCM under a master key loaded from the
// environment; webhook secrets are salted-SHA-256 hashed and verified with a
// constant-time compare.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MasterKeyEnv is the environment variable holding the base64-encoded
// 32-byte master key.
const MasterKeyEnv = "ATRIUM_MASTER_KEY"

var (
	ErrKeySize    = errors.New("secrets: master key must be 32 bytes")
	ErrCiphertext = errors.New("secrets: malformed ciphertext")
)

// Box encrypts and decrypts small secrets with AES-256-GCM.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box from a raw 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	return &Box{aead: aead}, nil
}

// NewBoxFromEnv decodes the base64 master key from value (typically
// os.Getenv(MasterKeyEnv)).
func NewBoxFromEnv(value string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("secrets: decode master key: %w", err)
	}
	return NewBox(key)
}

// Encrypt seals plaintext. The nonce is prepended to the ciphertext.
func (b *Box) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets: nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (b *Box) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) < b.aead.NonceSize() {
		return "", ErrCiphertext
	}
	nonce, sealed := ciphertext[:b.aead.NonceSize()], ciphertext[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// saltSize is the webhook-secret salt length in bytes.
const saltSize = 16

// HashSecret returns "salt:digest" (hex) for a webhook secret.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("secrets: salt: %w", err)
	}
	digest := sha256.Sum256(append(salt, []byte(secret)...))
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(digest[:]), nil
}

// VerifySecret checks a presented secret against a stored "salt:digest" in
// constant time.
func VerifySecret(stored, presented string) bool {
	saltHex, digestHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(digestHex)
	if err != nil {
		return false
	}
	got := sha256.Sum256(append(salt, []byte(presented)...))
	return subtle.ConstantTimeCompare(got[:], want) == 1
}
