package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	argon2Prefix = "$argon2id$"
	legacyPrefix = "pbkdf2$"

	argon2SaltLen = 16
	argon2KeyLen  = 32
)

// Argon2Params controls argon2id hashing cost. Memory is in KiB as required
// by argon2.IDKey.
type Argon2Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{MemoryKiB: 64 * 1024, Iterations: 3, Parallelism: 2}
}

// Hasher hashes passwords with argon2id and verifies both argon2id hashes and
// legacy pbkdf2$sha256$<iterations>$<saltB64>$<digestB64> hashes left over
// from the previous scheme.
type Hasher struct {
	params Argon2Params
}

func NewHasher(params Argon2Params) *Hasher {
	if params.MemoryKiB == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		params = DefaultArgon2Params()
	}
	return &Hasher{params: params}
}

// VerifyResult reports the outcome of a password check. Legacy is true when
// the stored hash used the old PBKDF2 scheme; NeedsRehash is true when the
// caller should re-hash the password under current policy after a success.
type VerifyResult struct {
	OK          bool
	Legacy      bool
	NeedsRehash bool
}

// Hash returns the argon2id encoding
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<saltB64>$<keyB64>.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Iterations, h.params.MemoryKiB, h.params.Parallelism, argon2KeyLen)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.MemoryKiB, h.params.Iterations, h.params.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// Verify dispatches on the hash prefix. Malformed hashes of either scheme
// fail closed: OK=false, no error, no hint about what was wrong with them.
func (h *Hasher) Verify(encoded, password string) VerifyResult {
	switch {
	case strings.HasPrefix(encoded, argon2Prefix):
		return h.verifyArgon2(encoded, password)
	case strings.HasPrefix(encoded, legacyPrefix):
		return h.verifyLegacy(encoded, password)
	default:
		return VerifyResult{}
	}
}

func (h *Hasher) verifyArgon2(encoded, password string) VerifyResult {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" || parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return VerifyResult{}
	}

	var mem, iter, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iter, &par); err != nil {
		return VerifyResult{}
	}
	if mem == 0 || iter == 0 || par == 0 || par > 255 {
		return VerifyResult{}
	}
	// Refuse attacker-controlled hash strings with pathological cost.
	if mem > h.params.MemoryKiB*2 || iter > h.params.Iterations*4 {
		return VerifyResult{}
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) < 8 || len(salt) > 64 {
		return VerifyResult{}
	}
	expected, err := b64.DecodeString(parts[5])
	if err != nil || len(expected) < 16 || len(expected) > 128 {
		return VerifyResult{}
	}

	key := argon2.IDKey([]byte(password), salt, iter, mem, uint8(par), uint32(len(expected)))
	if subtle.ConstantTimeCompare(key, expected) != 1 {
		return VerifyResult{}
	}

	stale := mem != h.params.MemoryKiB || iter != h.params.Iterations || uint8(par) != h.params.Parallelism
	return VerifyResult{OK: true, NeedsRehash: stale}
}

func (h *Hasher) verifyLegacy(encoded, password string) VerifyResult {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return VerifyResult{Legacy: true}
	}

	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return VerifyResult{Legacy: true}
	}

	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return VerifyResult{Legacy: true}
	}
	expected, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil || len(expected) != sha256.Size {
		return VerifyResult{Legacy: true}
	}

	digest := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	if subtle.ConstantTimeCompare(digest, expected) != 1 {
		return VerifyResult{Legacy: true}
	}

	// Legacy hashes always migrate to argon2id on the next success.
	return VerifyResult{OK: true, Legacy: true, NeedsRehash: true}
}
