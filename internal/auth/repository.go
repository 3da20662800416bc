package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository persists users and sessions. Usernames are stored canonically
// lowercased; the fold lookup exists only for rows that predate
// canonicalization.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// HashSessionID maps a raw session id to the stored row id. Raw ids are never
// persisted.
func HashSessionID(rawID string) string {
	sum := sha256.Sum256([]byte(rawID))
	return hex.EncodeToString(sum[:])
}

const userColumns = `id, username, password_hash, token_version,
	COALESCE(password_proof_salt, ''), COALESCE(password_proof_iterations, 0),
	COALESCE(password_proof_key_enc, ''), created_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.TokenVersion,
		&user.PasswordProofSalt, &user.PasswordProofIterations, &user.PasswordProofKeyEnc, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (r *Repository) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// CreateUser inserts the bootstrap admin. The count guard runs inside the
// transaction so two concurrent registrations cannot both pass it.
func (r *Repository) CreateUser(ctx context.Context, username, passwordHash, proofSalt string, proofIterations int, proofKeyEnc string) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin create user tx: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&existing); err != nil {
		return User{}, fmt.Errorf("count users: %w", err)
	}
	if existing > 0 {
		return User{}, ErrAdminExists
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, token_version,
			password_proof_salt, password_proof_iterations, password_proof_key_enc, created_at)
		VALUES ($1, $2, $3, 1, $4, $5, $6, $7)
	`, id.String(), username, passwordHash, proofSalt, proofIterations, proofKeyEnc, now); err != nil {
		return User{}, fmt.Errorf("insert admin user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit create user tx: %w", err)
	}

	return User{
		ID:                      id.String(),
		Username:                username,
		PasswordHash:            passwordHash,
		TokenVersion:            1,
		PasswordProofSalt:       proofSalt,
		PasswordProofIterations: proofIterations,
		PasswordProofKeyEnc:     proofKeyEnc,
		CreatedAt:               now,
	}, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by username: %w", err)
	}
	return user, nil
}

// GetUserByUsernameFold is the case-insensitive fallback for rows created
// before usernames were canonicalized.
func (r *Repository) GetUserByUsernameFold(ctx context.Context, username string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER($1)`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by username fold: %w", err)
	}
	return user, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}
	return user, nil
}

// UpdatePasswordHash rewrites only the hash. Used for the opportunistic
// rehash after a legacy or stale-parameter verification; leaves the token
// version alone so existing sessions survive.
func (r *Repository) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, userID, passwordHash); err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

// UpdateProofMaterial backfills challenge-proof material for accounts that
// predate the proof scheme.
func (r *Repository) UpdateProofMaterial(ctx context.Context, userID, proofSalt string, proofIterations int, proofKeyEnc string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_proof_salt = $2, password_proof_iterations = $3, password_proof_key_enc = $4
		WHERE id = $1
	`, userID, proofSalt, proofIterations, proofKeyEnc); err != nil {
		return fmt.Errorf("update proof material: %w", err)
	}
	return nil
}

// ChangePassword applies the whole credential rotation in one transaction:
// new hash, new proof material, token version bump, session wipe. All or
// nothing.
func (r *Repository) ChangePassword(ctx context.Context, userID, passwordHash, proofSalt string, proofIterations int, proofKeyEnc string) (newTokenVersion int, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin change password tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		UPDATE users
		SET password_hash = $2, password_proof_salt = $3, password_proof_iterations = $4,
			password_proof_key_enc = $5, token_version = token_version + 1
		WHERE id = $1
		RETURNING token_version
	`, userID, passwordHash, proofSalt, proofIterations, proofKeyEnc).Scan(&newTokenVersion)
	if err != nil {
		return 0, fmt.Errorf("rotate credentials: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return 0, fmt.Errorf("wipe sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit change password tx: %w", err)
	}

	return newTokenVersion, nil
}

// BumpTokenVersion invalidates every outstanding session and bearer token for
// the user, and wipes the session rows for storage hygiene.
func (r *Repository) BumpTokenVersion(ctx context.Context, userID string) (newTokenVersion int, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin logout tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		UPDATE users SET token_version = token_version + 1 WHERE id = $1 RETURNING token_version
	`, userID).Scan(&newTokenVersion)
	if err != nil {
		return 0, fmt.Errorf("bump token version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return 0, fmt.Errorf("wipe sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit logout tx: %w", err)
	}

	return newTokenVersion, nil
}

func (r *Repository) CreateSession(ctx context.Context, session Session) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, token_version, created_at, last_seen_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, session.ID, session.UserID, session.TokenVersion,
		session.CreatedAt, session.LastSeenAt, session.ExpiresAt); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *Repository) GetSession(ctx context.Context, hashedID string) (Session, error) {
	var session Session
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_version, created_at, last_seen_at, expires_at
		FROM sessions
		WHERE id = $1
	`, hashedID).Scan(&session.ID, &session.UserID, &session.TokenVersion,
		&session.CreatedAt, &session.LastSeenAt, &session.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	return session, nil
}

func (r *Repository) TouchSession(ctx context.Context, hashedID string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen_at = $2 WHERE id = $1`, hashedID, at.UTC()); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (r *Repository) DeleteSession(ctx context.Context, hashedID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, hashedID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes expired rows in batches for the maintenance
// endpoint.
func (r *Repository) DeleteExpiredSessions(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM sessions
			WHERE expires_at < NOW()
			ORDER BY expires_at ASC
			LIMIT $1
		)
		DELETE FROM sessions s
		USING stale
		WHERE s.id = stale.id
	`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired sessions rows affected: %w", err)
	}
	return affected, nil
}

// NormalizeUsername lowercases and trims a username to its canonical stored
// form.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
