package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

const (
	challengeIDBytes    = 24
	challengeNonceBytes = 24

	// challengeStoreMaxEntries bounds the live map; the endpoint is
	// unauthenticated, so TTL pruning alone is not a limit.
	challengeStoreMaxEntries = 5000

	// ProofAlgorithm names the client-side derivation published with every
	// challenge: PBKDF2-SHA256 derives the key, HMAC-SHA256 proves it.
	ProofAlgorithm = "PBKDF2-SHA256-HMAC-SHA256"
)

// ChallengeStore issues and consumes single-use login challenges. State is
// process-local; a clustered deployment would need a shared backing store.
type ChallengeStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	challenges map[string]*LoginChallenge
	maxEntries int
	now        func() time.Time
}

func NewChallengeStore(ttl time.Duration) *ChallengeStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &ChallengeStore{
		ttl:        ttl,
		challenges: make(map[string]*LoginChallenge),
		maxEntries: challengeStoreMaxEntries,
		now:        time.Now,
	}
}

// Create issues a challenge bound to the given username and (possibly empty)
// user id. Salt and iterations echo the account's proof material, or decoy
// values when the account does not exist.
func (s *ChallengeStore) Create(username, userID, salt string, iterations int) (*LoginChallenge, error) {
	id, err := randomURLToken(challengeIDBytes)
	if err != nil {
		return nil, fmt.Errorf("generate challenge id: %w", err)
	}
	nonce, err := randomURLToken(challengeNonceBytes)
	if err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}

	now := s.now().UTC()
	challenge := &LoginChallenge{
		ID:         id,
		Username:   username,
		UserID:     userID,
		Salt:       salt,
		Iterations: iterations,
		Nonce:      nonce,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}

	s.mu.Lock()
	s.pruneLocked(now)
	for len(s.challenges) >= s.maxEntries {
		s.evictEarliestLocked()
	}
	s.challenges[id] = challenge
	s.mu.Unlock()

	return challenge, nil
}

// evictEarliestLocked drops the challenge closest to expiry to make room for
// a new one when the store is at capacity.
func (s *ChallengeStore) evictEarliestLocked() {
	earliestID := ""
	var earliestAt time.Time
	for id, challenge := range s.challenges {
		if earliestID == "" || challenge.ExpiresAt.Before(earliestAt) {
			earliestID = id
			earliestAt = challenge.ExpiresAt
		}
	}
	if earliestID != "" {
		delete(s.challenges, earliestID)
	}
}

// Consume atomically marks the challenge consumed and returns it exactly
// once. Unknown, expired and already-consumed ids all return nil.
func (s *ChallengeStore) Consume(id string) *LoginChallenge {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)

	challenge, ok := s.challenges[id]
	if !ok || challenge.consumed || now.After(challenge.ExpiresAt) {
		return nil
	}

	challenge.consumed = true
	delete(s.challenges, id)
	return challenge
}

// Prune drops expired entries and returns how many were removed.
func (s *ChallengeStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(s.now().UTC())
}

func (s *ChallengeStore) pruneLocked(now time.Time) int {
	removed := 0
	for id, challenge := range s.challenges {
		if now.After(challenge.ExpiresAt) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed
}

// BuildExpectedProof computes base64url(HMAC-SHA256(key, challengeID+":"+nonce))
// over the client's derived key.
func BuildExpectedProof(keyB64, challengeID, nonce string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return "", fmt.Errorf("decode proof key: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(challengeID + ":" + nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// ProofMatches compares two proofs in constant time. Unequal lengths fail
// immediately without touching the bytes.
func ProofMatches(expected, actual string) bool {
	if len(expected) != len(actual) || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}

func randomURLToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
