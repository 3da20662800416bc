package auth

import "time"

type User struct {
	ID                      string
	Username                string
	PasswordHash            string
	TokenVersion            int
	PasswordProofSalt       string
	PasswordProofIterations int
	PasswordProofKeyEnc     string
	CreatedAt               time.Time
}

// HasProofMaterial reports whether the account carries the derived-key
// material needed for challenge-proof login. Accounts created before the
// proof scheme existed get it backfilled on their next password login.
func (u User) HasProofMaterial() bool {
	return u.PasswordProofSalt != "" && u.PasswordProofIterations > 0 && u.PasswordProofKeyEnc != ""
}

// Session is the server-side session row. ID is hex(SHA-256(raw session id));
// the raw id only ever lives in the client cookie.
type Session struct {
	ID           string
	UserID       string
	TokenVersion int
	CreatedAt    time.Time
	LastSeenAt   time.Time
	ExpiresAt    time.Time
}

// LoginChallenge is an ephemeral single-use challenge handed to the client
// during proof login. Destroyed on consumption or TTL expiry.
type LoginChallenge struct {
	ID         string
	Username   string
	UserID     string
	Salt       string
	Iterations int
	Nonce      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	consumed   bool
}

// ChallengeResponse is the wire shape returned by POST /auth/challenge.
type ChallengeResponse struct {
	ChallengeID string `json:"challengeId"`
	Algorithm   string `json:"algorithm"`
	Salt        string `json:"salt"`
	Iterations  int    `json:"iterations"`
	Nonce       string `json:"nonce"`
	ExpiresAt   string `json:"expiresAt"`
}
