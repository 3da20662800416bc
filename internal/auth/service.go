package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"curator/internal/observability"
)

const (
	minPasswordLen    = 8
	sessionIDBytes    = 32
	proofSaltBytes    = 16
	proofKeyBytes     = 32
	purposeLogin      = "login"
	defaultSessionAge = 30 * 24 * time.Hour
)

// decoyHash absorbs a full argon2 verification when the account does not
// exist, so the unknown-user and wrong-password paths cost the same.
const decoyHash = "$argon2id$v=19$m=65536,t=3,p=2$AAAAAAAAAAAAAAAAAAAAAA$JHshG1upW4qwo2xBsf2VXWMNg4qbLP1wFEnbJZampWI"

// ServiceConfig holds the orchestrator tunables.
type ServiceConfig struct {
	SessionMaxAge       time.Duration
	ChallengeIterations int
	EnvelopeMaxSkew     time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = defaultSessionAge
	}
	if c.ChallengeIterations <= 0 {
		c.ChallengeIterations = 310000
	}
	if c.EnvelopeMaxSkew <= 0 {
		c.EnvelopeMaxSkew = 5 * time.Minute
	}
	return c
}

// Service composes the hasher, throttle, challenge store, captcha gate and
// envelope key into the register/login/change-password/logout flows.
type Service struct {
	repo       *Repository
	hasher     *Hasher
	throttle   *Throttle
	challenges *ChallengeStore
	captcha    *CaptchaGate
	envelope   *EnvelopeKey
	cookies    *CookieCipher
	proofBox   *SecretBox
	tokens     *TokenIssuer
	logger     *observability.Logger
	metrics    *observability.AuthMetrics
	cfg        ServiceConfig
}

func NewService(
	repo *Repository,
	hasher *Hasher,
	throttle *Throttle,
	challenges *ChallengeStore,
	captcha *CaptchaGate,
	envelope *EnvelopeKey,
	cookies *CookieCipher,
	proofBox *SecretBox,
	tokens *TokenIssuer,
	logger *observability.Logger,
	metrics *observability.AuthMetrics,
	cfg ServiceConfig,
) *Service {
	return &Service{
		repo:       repo,
		hasher:     hasher,
		throttle:   throttle,
		challenges: challenges,
		captcha:    captcha,
		envelope:   envelope,
		cookies:    cookies,
		proofBox:   proofBox,
		tokens:     tokens,
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg.withDefaults(),
	}
}

// LoginInput carries one password-login attempt.
type LoginInput struct {
	Username     string
	Password     string
	IP           string
	UserAgent    string
	CaptchaToken string
}

// ProofLoginInput carries phase two of a challenge login.
type ProofLoginInput struct {
	ChallengeID  string
	Proof        string
	IP           string
	UserAgent    string
	CaptchaToken string
}

// LoginResult is a freshly issued session. SessionID is the raw id; only its
// hash is persisted.
type LoginResult struct {
	User      User
	SessionID string
	ExpiresAt time.Time
}

// HasAdmin reports whether the admin account exists yet. Cheaper than an
// attempted registration, which hashes the password before hitting the guard.
func (s *Service) HasAdmin(ctx context.Context) (bool, error) {
	count, err := s.repo.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Register creates the bootstrap admin. A second registration while any user
// exists fails with ErrAdminExists.
func (s *Service) Register(ctx context.Context, username, password string) (User, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return User{}, validationErr("username is required")
	}
	if len(password) < minPasswordLen {
		return User{}, validationErr(fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	salt, iterations, keyEnc, err := s.makeProofMaterial(password)
	if err != nil {
		return User{}, err
	}

	user, err := s.repo.CreateUser(ctx, username, hash, salt, iterations, keyEnc)
	if err != nil {
		return User{}, err
	}

	s.logger.Info("admin_registered", map[string]any{"user_id": user.ID})
	return user, nil
}

// Login runs the full per-attempt flow: throttle, captcha, credential check,
// opportunistic migrations, session issuance. Every credential failure routes
// through the same RecordFailure + ErrInvalidCredentials path regardless of
// whether the account exists.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	username := NormalizeUsername(in.Username)
	if username == "" || in.Password == "" {
		return nil, validationErr("username and password are required")
	}

	identity := ThrottleIdentity(username, in.IP)
	if err := s.gate(ctx, identity, in.CaptchaToken, in.IP); err != nil {
		return nil, err
	}

	user, err := s.lookupUser(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.hasher.Verify(decoyHash, in.Password)
			return nil, s.fail(identity, "unknown_user", in.UserAgent)
		}
		return nil, err
	}

	result := s.hasher.Verify(user.PasswordHash, in.Password)
	if !result.OK {
		return nil, s.fail(identity, "bad_password", in.UserAgent)
	}

	if result.NeedsRehash {
		s.rehash(ctx, user, in.Password)
	}
	if !user.HasProofMaterial() {
		s.backfillProofMaterial(ctx, user, in.Password)
	}

	s.throttle.RecordSuccess(identity)
	s.metrics.LoginAttempt("success")
	return s.issueSession(ctx, user)
}

// CreateLoginChallenge is phase one of challenge login. Unknown accounts get
// a decoy salt and the default iteration count so the response shape never
// reveals whether the account exists.
func (s *Service) CreateLoginChallenge(ctx context.Context, username string) (ChallengeResponse, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return ChallengeResponse{}, validationErr("username is required")
	}

	salt := ""
	iterations := s.cfg.ChallengeIterations
	userID := ""

	user, err := s.lookupUser(ctx, username)
	switch {
	case err == nil && user.HasProofMaterial():
		salt = user.PasswordProofSalt
		iterations = user.PasswordProofIterations
		userID = user.ID
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return ChallengeResponse{}, err
	default:
		decoy := make([]byte, proofSaltBytes)
		if _, err := rand.Read(decoy); err != nil {
			return ChallengeResponse{}, fmt.Errorf("generate decoy salt: %w", err)
		}
		salt = base64.StdEncoding.EncodeToString(decoy)
	}

	challenge, err := s.challenges.Create(username, userID, salt, iterations)
	if err != nil {
		return ChallengeResponse{}, err
	}

	return ChallengeResponse{
		ChallengeID: challenge.ID,
		Algorithm:   ProofAlgorithm,
		Salt:        challenge.Salt,
		Iterations:  challenge.Iterations,
		Nonce:       challenge.Nonce,
		ExpiresAt:   challenge.ExpiresAt.Format(time.RFC3339),
	}, nil
}

// LoginWithChallengeProof is phase two: consume the challenge, re-gate by its
// bound username, recompute the expected HMAC over the stored proof key and
// compare in constant time.
func (s *Service) LoginWithChallengeProof(ctx context.Context, in ProofLoginInput) (*LoginResult, error) {
	if in.ChallengeID == "" || in.Proof == "" {
		return nil, validationErr("challenge id and proof are required")
	}

	challenge := s.challenges.Consume(in.ChallengeID)
	if challenge == nil {
		return nil, ErrInvalidCredentials
	}

	identity := ThrottleIdentity(challenge.Username, in.IP)
	if err := s.gate(ctx, identity, in.CaptchaToken, in.IP); err != nil {
		return nil, err
	}

	if challenge.UserID == "" {
		return nil, s.fail(identity, "decoy_challenge", in.UserAgent)
	}

	user, err := s.repo.GetUserByID(ctx, challenge.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.fail(identity, "challenge_user_gone", in.UserAgent)
		}
		return nil, err
	}

	keyB64, err := s.proofBox.Open(user.PasswordProofKeyEnc)
	if err != nil {
		return nil, s.fail(identity, "proof_key_unreadable", in.UserAgent)
	}

	expected, err := BuildExpectedProof(keyB64, challenge.ID, challenge.Nonce)
	if err != nil {
		return nil, s.fail(identity, "proof_build_failed", in.UserAgent)
	}
	if !ProofMatches(expected, in.Proof) {
		return nil, s.fail(identity, "bad_proof", in.UserAgent)
	}

	s.throttle.RecordSuccess(identity)
	s.metrics.LoginAttempt("success")
	return s.issueSession(ctx, user)
}

// ChangePassword rotates the hash, proof material and token version and wipes
// every session for the account, including the caller's own.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if currentPassword == "" {
		return validationErr("current password is required")
	}
	if len(newPassword) < minPasswordLen {
		return validationErr(fmt.Sprintf("new password must be at least %d characters", minPasswordLen))
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidCredentials
		}
		return err
	}

	if !s.hasher.Verify(user.PasswordHash, currentPassword).OK {
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash new password: %w", err)
	}
	salt, iterations, keyEnc, err := s.makeProofMaterial(newPassword)
	if err != nil {
		return err
	}

	newVersion, err := s.repo.ChangePassword(ctx, userID, hash, salt, iterations, keyEnc)
	if err != nil {
		return err
	}

	s.logger.Info("password_changed", map[string]any{"user_id": userID, "token_version": newVersion})
	return nil
}

// LogoutAll bumps the token version and deletes every session for the user.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	newVersion, err := s.repo.BumpTokenVersion(ctx, userID)
	if err != nil {
		return err
	}
	s.logger.Info("logout_all", map[string]any{"user_id": userID, "token_version": newVersion})
	return nil
}

// Logout deletes one session. Best-effort: a storage failure is logged, never
// surfaced.
func (s *Service) Logout(ctx context.Context, rawSessionID string) {
	if rawSessionID == "" {
		return
	}
	if err := s.repo.DeleteSession(ctx, HashSessionID(rawSessionID)); err != nil {
		s.logger.Error("logout_delete_failed", map[string]any{"error": err.Error()})
	}
}

// GetUserForSession resolves a raw session id. Expired rows and token-version
// mismatches are deleted and resolve to nil; valid sessions get their
// last-seen timestamp touched (best-effort).
func (s *Service) GetUserForSession(ctx context.Context, rawSessionID string) (*User, error) {
	if rawSessionID == "" {
		return nil, nil
	}

	hashed := HashSessionID(rawSessionID)
	session, err := s.repo.GetSession(ctx, hashed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	if !now.Before(session.ExpiresAt) {
		s.dropSession(ctx, hashed, "expired")
		return nil, nil
	}

	user, err := s.repo.GetUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.dropSession(ctx, hashed, "user_gone")
			return nil, nil
		}
		return nil, err
	}

	if session.TokenVersion != user.TokenVersion {
		s.dropSession(ctx, hashed, "token_version_mismatch")
		return nil, nil
	}

	if err := s.repo.TouchSession(ctx, hashed, now); err != nil {
		s.logger.Error("session_touch_failed", map[string]any{"error": err.Error()})
	}

	return &user, nil
}

// dropSession removes a stale session row. Failures are logged and swallowed;
// the caller already treats the session as invalid.
func (s *Service) dropSession(ctx context.Context, hashedID, reason string) {
	if err := s.repo.DeleteSession(ctx, hashedID); err != nil {
		s.logger.Error("session_drop_failed", map[string]any{"reason": reason, "error": err.Error()})
		return
	}
	s.logger.Info("session_dropped", map[string]any{"reason": reason})
}

// IssueAPIToken mints a bearer token pinned to the user's current token
// version.
func (s *Service) IssueAPIToken(ctx context.Context, userID string) (APIToken, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return APIToken{}, ErrInvalidCredentials
		}
		return APIToken{}, err
	}
	return s.tokens.Issue(user.ID, user.TokenVersion)
}

// GetUserForAPIToken verifies a bearer token and rejects it when the user's
// token version has moved past the token's snapshot.
func (s *Service) GetUserForAPIToken(ctx context.Context, token string) (*User, error) {
	userID, version, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if version != user.TokenVersion {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// DecryptCredentials opens a login envelope with the login purpose policy.
func (s *Service) DecryptCredentials(envelope Envelope) (username, password string, err error) {
	return s.envelope.DecryptCredentials(envelope, DecryptOptions{
		Purpose: purposeLogin,
		MaxSkew: s.cfg.EnvelopeMaxSkew,
	})
}

// PublicKeyInfo exposes the envelope key descriptor for GET /auth/pubkey.
func (s *Service) PublicKeyInfo() (PublicKeyInfo, error) {
	return s.envelope.PublicInfo()
}

// EncodeSessionCookie encrypts a raw session id for the cookie value.
func (s *Service) EncodeSessionCookie(sessionID string) (string, error) {
	return s.cookies.Encode(sessionID)
}

// DecodeSessionCookie accepts encrypted or legacy plaintext cookie values.
func (s *Service) DecodeSessionCookie(value string) string {
	return s.cookies.Decode(value)
}

// SessionMaxAge is exposed for cookie attributes.
func (s *Service) SessionMaxAge() time.Duration {
	return s.cfg.SessionMaxAge
}

// gate applies the throttle and, when escalated, the captcha.
func (s *Service) gate(ctx context.Context, identity, captchaToken, ip string) error {
	decision := s.throttle.Assess(identity)
	if !decision.Allowed {
		s.metrics.LoginAttempt("locked")
		return ErrLocked{
			RetryAfter:      decision.RetryAfterSeconds,
			RetryAt:         decision.RetryAt,
			CaptchaRequired: decision.CaptchaRequired,
		}
	}

	if decision.CaptchaRequired {
		ok := s.captcha.Verify(ctx, captchaToken, ip)
		s.metrics.CaptchaCheck(ok)
		if !ok {
			return ErrCaptchaRequired
		}
	}

	return nil
}

// fail records a throttle failure and returns the one generic credential
// error.
func (s *Service) fail(identity, reason, userAgent string) error {
	decision := s.throttle.RecordFailure(identity, reason, userAgent)
	s.metrics.LoginAttempt("failure")
	if !decision.Allowed {
		s.metrics.Lockout()
	}
	s.logger.Info("login_failed", map[string]any{
		"reason":       reason,
		"locked":       !decision.Allowed,
		"captcha_next": decision.CaptchaRequired,
	})
	return ErrInvalidCredentials
}

func (s *Service) lookupUser(ctx context.Context, username string) (User, error) {
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}
	// Pre-canonicalization rows may carry mixed case.
	return s.repo.GetUserByUsernameFold(ctx, username)
}

func (s *Service) issueSession(ctx context.Context, user User) (*LoginResult, error) {
	raw := make([]byte, sessionIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	rawID := base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now().UTC()
	session := Session{
		ID:           HashSessionID(rawID),
		UserID:       user.ID,
		TokenVersion: user.TokenVersion,
		CreatedAt:    now,
		LastSeenAt:   now,
		ExpiresAt:    now.Add(s.cfg.SessionMaxAge),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	return &LoginResult{User: user, SessionID: rawID, ExpiresAt: session.ExpiresAt}, nil
}

func (s *Service) makeProofMaterial(password string) (saltB64 string, iterations int, keyEnc string, err error) {
	salt := make([]byte, proofSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", 0, "", fmt.Errorf("generate proof salt: %w", err)
	}

	iterations = s.cfg.ChallengeIterations
	key := pbkdf2.Key([]byte(password), salt, iterations, proofKeyBytes, sha256.New)

	keyEnc, err = s.proofBox.Seal(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		return "", 0, "", err
	}

	return base64.StdEncoding.EncodeToString(salt), iterations, keyEnc, nil
}

func (s *Service) rehash(ctx context.Context, user User, password string) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Error("rehash_failed", map[string]any{"error": err.Error()})
		return
	}
	if err := s.repo.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		s.logger.Error("rehash_store_failed", map[string]any{"error": err.Error()})
		return
	}
	s.logger.Info("password_rehashed", map[string]any{"user_id": user.ID})
}

func (s *Service) backfillProofMaterial(ctx context.Context, user User, password string) {
	salt, iterations, keyEnc, err := s.makeProofMaterial(password)
	if err != nil {
		s.logger.Error("proof_backfill_failed", map[string]any{"error": err.Error()})
		return
	}
	if err := s.repo.UpdateProofMaterial(ctx, user.ID, salt, iterations, keyEnc); err != nil {
		s.logger.Error("proof_backfill_store_failed", map[string]any{"error": err.Error()})
		return
	}
	s.logger.Info("proof_material_backfilled", map[string]any{"user_id": user.ID})
}
