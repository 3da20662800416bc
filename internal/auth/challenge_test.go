package auth

import (
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeConsumeExactlyOnce(t *testing.T) {
	t.Parallel()

	store := NewChallengeStore(time.Minute)
	challenge, err := store.Create("admin", "user-1", "c2FsdA==", 310000)
	require.NoError(t, err)

	got := store.Consume(challenge.ID)
	require.NotNil(t, got)
	assert.Equal(t, "admin", got.Username)
	assert.Equal(t, "user-1", got.UserID)

	assert.Nil(t, store.Consume(challenge.ID), "second consume must return nil")
}

func TestChallengeExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewChallengeStore(time.Minute)
	store.now = clock.Now

	challenge, err := store.Create("admin", "user-1", "c2FsdA==", 310000)
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	assert.Nil(t, store.Consume(challenge.ID), "expired challenge must not be consumable")
}

func TestChallengeRandomness(t *testing.T) {
	t.Parallel()

	store := NewChallengeStore(time.Minute)
	a, err := store.Create("admin", "", "c2FsdA==", 310000)
	require.NoError(t, err)
	b, err := store.Create("admin", "", "c2FsdA==", 310000)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Nonce, b.Nonce)

	idBytes, err := base64.RawURLEncoding.DecodeString(a.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(idBytes), 24)

	nonceBytes, err := base64.RawURLEncoding.DecodeString(a.Nonce)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(nonceBytes), 24)
}

func TestChallengePrune(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewChallengeStore(time.Minute)
	store.now = clock.Now

	_, err := store.Create("admin", "", "c2FsdA==", 310000)
	require.NoError(t, err)

	assert.Equal(t, 0, store.Prune())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, store.Prune())
}

func TestChallengeStoreCapsLiveEntries(t *testing.T) {
	t.Parallel()

	store := NewChallengeStore(time.Minute)
	store.maxEntries = 8

	var newest *LoginChallenge
	for i := 0; i < 40; i++ {
		challenge, err := store.Create("admin", "", "c2FsdA==", 310000)
		require.NoError(t, err)
		newest = challenge
	}

	store.mu.Lock()
	size := len(store.challenges)
	store.mu.Unlock()
	assert.LessOrEqual(t, size, 8, "live entries must never exceed the cap")

	// The most recent challenge survives the evictions.
	assert.NotNil(t, store.Consume(newest.ID))
}

func TestBuildExpectedProofDeterministic(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	keyB64 := base64.StdEncoding.EncodeToString(key)

	first, err := BuildExpectedProof(keyB64, "challenge-id", "nonce-value")
	require.NoError(t, err)
	second, err := BuildExpectedProof(keyB64, "challenge-id", "nonce-value")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := BuildExpectedProof(keyB64, "challenge-id", "different-nonce")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	_, err = BuildExpectedProof("not base64 !!!", "id", "nonce")
	assert.Error(t, err)
}

func TestProofMatches(t *testing.T) {
	t.Parallel()

	assert.True(t, ProofMatches("abcdef", "abcdef"))
	assert.False(t, ProofMatches("abcdef", "abcdeg"))
	assert.False(t, ProofMatches("abcdef", "abc"), "unequal lengths must fail")
	assert.False(t, ProofMatches("", ""), "empty proofs never match")
}
