package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"curator/internal/db"
	"curator/internal/observability"
)

// Service tests run against a real database. Set TEST_DATABASE_URL to enable
// them; they truncate the auth tables on every setup.
func newTestService(t *testing.T, throttleCfg ThrottleConfig) (*Service, *Repository) {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	database, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.RunMigrations(database))
	_, err = database.Exec(`TRUNCATE users CASCADE`)
	require.NoError(t, err)

	repo := NewRepository(database)
	cookies, err := NewCookieCipher("test-cookie-secret")
	require.NoError(t, err)
	proofBox, err := NewSecretBox("test-proof-secret", "password-proof-key")
	require.NoError(t, err)

	service := NewService(
		repo,
		testHasher(),
		NewThrottle(throttleCfg),
		NewChallengeStore(time.Minute),
		NewCaptchaGate(false, "", "", 0),
		testEnvelopeKey(t),
		cookies,
		proofBox,
		NewTokenIssuer("test-token-secret", time.Hour),
		observability.NewLoggerTo(io.Discard),
		nil,
		ServiceConfig{SessionMaxAge: time.Hour, ChallengeIterations: 1000},
	)
	return service, repo
}

func TestServiceRegisterAndLogin(t *testing.T) {
	service, _ := newTestService(t, ThrottleConfig{})
	ctx := context.Background()

	user, err := service.Register(ctx, "Admin", "correct horse battery")
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username, "usernames are stored lowercase")

	_, err = service.Register(ctx, "second", "another password")
	assert.ErrorIs(t, err, ErrAdminExists)

	result, err := service.Login(ctx, LoginInput{
		Username: "ADMIN",
		Password: "correct horse battery",
		IP:       "203.0.113.9",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)

	resolved, err := service.GetUserForSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, user.ID, resolved.ID)

	_, err = service.Login(ctx, LoginInput{
		Username: "admin",
		Password: "wrong password",
		IP:       "203.0.113.9",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestServiceHasAdmin(t *testing.T) {
	service, _ := newTestService(t, ThrottleConfig{})
	ctx := context.Background()

	exists, err := service.HasAdmin(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = service.Register(ctx, "admin", "correct horse battery")
	require.NoError(t, err)

	exists, err = service.HasAdmin(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestServiceUnknownUserSameError(t *testing.T) {
	service, _ := newTestService(t, ThrottleConfig{})
	ctx := context.Background()

	_, err := service.Register(ctx, "admin", "correct horse battery")
	require.NoError(t, err)

	_, err = service.Login(ctx, LoginInput{Username: "nobody", Password: "whatever password", IP: "203.0.113.9"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestServiceLockout(t *testing.T) {
	service, _ := newTestService(t, ThrottleConfig{Threshold: 2, Lock: time.Minute})
	ctx := context.Background()

	_, err := service.Register(ctx, "admin", "correct horse battery")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = service.Login(ctx, LoginInput{Username: "admin", Password: "wrong", IP: "203.0.113.9"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// The lock holds even with the correct password.
	_, err = service.Login(ctx, LoginInput{Username: "admin", Password: "correct horse battery", IP: "203.0.113.9"})
	var locked ErrLocked
	require.ErrorAs(t, err, &locked)
	assert.GreaterOrEqual(t, locked.RetryAfter, 1)
}

func TestServiceChallengeLogin(t *testing.T) {
	service, _ := newTestService(t, ThrottleConfig{})
	ctx := context.Background()

	_, err := service.Register(ctx, "admin", "correct horse battery")
	require.NoError(t, err)

	challenge, err := service.CreateLoginChallenge(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, ProofAlgorithm, challenge.Algorithm)

	proof := clientProof(t, "correct horse battery", challenge)
	result, err := service.LoginWithChallengeProof(ctx, ProofLoginInput{
		ChallengeID: challenge.ChallengeID,
		Proof:       proof,
		IP:          "203.0.113.9",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)

	// Challenges are single use.
	_, err = service.LoginWithChallengeProof(ctx, ProofLoginInput{
		ChallengeID: challenge.ChallengeID,
		Proof:       proof,
		IP:          "203.0.113.9",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestServiceChallengeWrongPassword(t *testing.T) {
	service, _ := newTestService(t, ThrottleConfig{})
	ctx := context.Background()

	_, err := service.Register(ctx, "admin", "correct horse battery")
	require.NoError(t, err)

	challenge, err := service.CreateLoginChallenge(ctx, "admin")
	require.NoError(t, err)

	_, err = service.LoginWithChallengeProof(ctx, ProofLoginInput{
		ChallengeID: challenge.ChallengeID,
		Proof:       clientProof(t, "wrong password entirely", challenge),
		IP:          "203.0.113.9",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestServiceChallengeUnknownUserIsDecoy(t *testing.T) {
	service, _ := newTestService(t, ThrottleConfig{})
	ctx := context.Background()

	_, err := service.Register(ctx, "admin", "correct horse battery")
	require.NoError(t, err)

	challenge, err := service.CreateLoginChallenge(ctx, "nobody")
	require.NoError(t, err)
	assert.NotEmpty(t, challenge.Salt, "decoy challenges look like real ones")
	assert.Positive(t, challenge.Iterations)

	_, err = service.LoginWithChallengeProof(ctx, ProofLoginInput{
		ChallengeID: challenge.ChallengeID,
		Proof:       clientProof(t, "any password", challenge),
		IP:          "203.0.113.9",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestServiceChangePasswordRevokesEverything(t *testing.T) {
	service, _ := newTestService(t, ThrottleConfig{})
	ctx := context.Background()

	user, err := service.Register(ctx, "admin", "correct horse battery")
	require.NoError(t, err)

	result, err := service.Login(ctx, LoginInput{Username: "admin", Password: "correct horse battery", IP: "203.0.113.9"})
	require.NoError(t, err)
	token, err := service.IssueAPIToken(ctx, user.ID)
	require.NoError(t, err)

	err = service.ChangePassword(ctx, user.ID, "wrong current", "a new password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, service.ChangePassword(ctx, user.ID, "correct horse battery", "a new password"))

	resolved, err := service.GetUserForSession(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Nil(t, resolved, "old sessions die with the password")

	_, err = service.GetUserForAPIToken(ctx, token.Token)
	assert.ErrorIs(t, err, ErrInvalidCredentials, "old bearer tokens die with the password")

	_, err = service.Login(ctx, LoginInput{Username: "admin", Password: "a new password", IP: "203.0.113.9"})
	require.NoError(t, err)
}

func TestServiceLogoutAllRevokesSessionsAndTokens(t *testing.T) {
	service, _ := newTestService(t, ThrottleConfig{})
	ctx := context.Background()

	user, err := service.Register(ctx, "admin", "correct horse battery")
	require.NoError(t, err)

	result, err := service.Login(ctx, LoginInput{Username: "admin", Password: "correct horse battery", IP: "203.0.113.9"})
	require.NoError(t, err)
	token, err := service.IssueAPIToken(ctx, user.ID)
	require.NoError(t, err)

	require.NoError(t, service.LogoutAll(ctx, user.ID))

	resolved, err := service.GetUserForSession(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Nil(t, resolved)

	_, err = service.GetUserForAPIToken(ctx, token.Token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestServiceLegacyHashMigratesOnLogin(t *testing.T) {
	service, repo := newTestService(t, ThrottleConfig{})
	ctx := context.Background()

	// A row imported from the previous deployment: PBKDF2 hash, no proof
	// material.
	legacy := legacyHash(t, "correct horse battery", 1000)
	user, err := repo.CreateUser(ctx, "admin", legacy, "", 0, "")
	require.NoError(t, err)

	result, err := service.Login(ctx, LoginInput{Username: "admin", Password: "correct horse battery", IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)

	migrated, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(migrated.PasswordHash, "$argon2id$"), "hash upgrades on first login")
	assert.True(t, migrated.HasProofMaterial(), "proof material backfills on first login")

	// The upgraded account can complete a challenge login.
	challenge, err := service.CreateLoginChallenge(ctx, "admin")
	require.NoError(t, err)
	_, err = service.LoginWithChallengeProof(ctx, ProofLoginInput{
		ChallengeID: challenge.ChallengeID,
		Proof:       clientProof(t, "correct horse battery", challenge),
		IP:          "203.0.113.9",
	})
	require.NoError(t, err)
}

func TestServiceEnvelopeLogin(t *testing.T) {
	service, _ := newTestService(t, ThrottleConfig{})
	ctx := context.Background()

	_, err := service.Register(ctx, "admin", "correct horse battery")
	require.NoError(t, err)

	envelope := sealEnvelope(t, testEnvelopeKey(t), EnvelopePayload{
		Purpose:     "login",
		Username:    "admin",
		Password:    "correct horse battery",
		TimestampMs: time.Now().UnixMilli(),
	})

	username, password, err := service.DecryptCredentials(envelope)
	require.NoError(t, err)

	_, err = service.Login(ctx, LoginInput{Username: username, Password: password, IP: "203.0.113.9"})
	require.NoError(t, err)
}

func TestServiceSessionExpiry(t *testing.T) {
	service, repo := newTestService(t, ThrottleConfig{})
	ctx := context.Background()

	_, err := service.Register(ctx, "admin", "correct horse battery")
	require.NoError(t, err)

	result, err := service.Login(ctx, LoginInput{Username: "admin", Password: "correct horse battery", IP: "203.0.113.9"})
	require.NoError(t, err)

	// Force the row past its deadline.
	hashed := HashSessionID(result.SessionID)
	_, err = repo.db.Exec(`UPDATE sessions SET expires_at = NOW() - INTERVAL '1 hour' WHERE id = $1`, hashed)
	require.NoError(t, err)

	resolved, err := service.GetUserForSession(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Nil(t, resolved)

	// The expired row was dropped, not just ignored.
	_, err = repo.GetSession(ctx, hashed)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

// clientProof derives the proof the browser would send for a challenge.
func clientProof(t *testing.T, password string, challenge ChallengeResponse) string {
	t.Helper()

	salt, err := base64.StdEncoding.DecodeString(challenge.Salt)
	require.NoError(t, err)

	key := pbkdf2.Key([]byte(password), salt, challenge.Iterations, 32, sha256.New)
	proof, err := BuildExpectedProof(base64.StdEncoding.EncodeToString(key), challenge.ChallengeID, challenge.Nonce)
	require.NoError(t, err)
	return proof
}
