package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// cookiePrefix versions the plaintext inside the encrypted cookie value so a
// decrypted payload minted for some other purpose is never taken for a
// session id.
const cookiePrefix = "sid:v1:"

var legacySessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// CookieCipher symmetrically encrypts session ids for the cookie, so an
// exfiltrated cookie value is useless without the server's key.
type CookieCipher struct {
	aead cipher.AEAD
}

// NewCookieCipher derives a 256-bit AES-GCM key from the configured secret.
func NewCookieCipher(secret string) (*CookieCipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("cookie cipher: empty secret")
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cookie cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cookie cipher: %w", err)
	}

	return &CookieCipher{aead: aead}, nil
}

// Encode encrypts "sid:v1:"+sessionID and returns base64url(nonce|ciphertext).
func (c *CookieCipher) Encode(sessionID string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cookie nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(cookiePrefix+sessionID), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode accepts either an encrypted cookie value or a legacy plaintext
// session id. Foreign-prefixed or otherwise malformed payloads return "".
func (c *CookieCipher) Decode(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}

	if raw, ok := c.open(value); ok {
		if id, found := strings.CutPrefix(raw, cookiePrefix); found && legacySessionIDRe.MatchString(id) {
			return id
		}
		return ""
	}

	// Back-compat: cookies issued before encryption hold the raw id.
	if legacySessionIDRe.MatchString(value) {
		return value
	}
	return ""
}

func (c *CookieCipher) open(value string) (string, bool) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(sealed) <= c.aead.NonceSize() {
		return "", false
	}

	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", false
	}
	return string(plaintext), true
}
