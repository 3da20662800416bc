package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// SecretBox seals short secrets (the stored password-proof keys) under an
// AES-256-GCM key derived from the server secret plus a context label, so the
// proof-key key and the cookie key never coincide.
type SecretBox struct {
	aead cipher.AEAD
}

func NewSecretBox(secret, label string) (*SecretBox, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("secret box: empty secret")
	}

	key := sha256.Sum256([]byte(label + ":" + secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("secret box: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret box: %w", err)
	}

	return &SecretBox{aead: aead}, nil
}

func (b *SecretBox) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret box nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (b *SecretBox) Open(value string) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(sealed) <= b.aead.NonceSize() {
		return "", fmt.Errorf("secret box: malformed value")
	}

	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secret box: open failed")
	}
	return string(plaintext), nil
}
