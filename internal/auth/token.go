package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer mints bearer API tokens for non-browser clients (the panel's
// curation cron jobs). Tokens carry the user's token version at issue time;
// verification rejects any token whose version no longer matches the user
// row, so password changes and logout-all revoke bearer tokens the same way
// they revoke sessions.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

type APIToken struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
}

func (i *TokenIssuer) Issue(userID string, tokenVersion int) (APIToken, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": userID,
		"ver": tokenVersion,
		"typ": "api",
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return APIToken{}, fmt.Errorf("sign api token: %w", err)
	}

	return APIToken{Token: encoded, TokenType: "Bearer", ExpiresIn: int64(i.ttl.Seconds())}, nil
}

// Verify checks the signature and shape and returns the subject and the token
// version snapshot. The caller still has to compare the version against the
// user row.
func (i *TokenIssuer) Verify(tokenStr string) (userID string, tokenVersion int, err error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", 0, ErrInvalidCredentials
	}

	if tokenType, _ := claims["typ"].(string); tokenType != "api" {
		return "", 0, ErrInvalidCredentials
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", 0, ErrInvalidCredentials
	}
	version, ok := claims["ver"].(float64)
	if !ok {
		return "", 0, ErrInvalidCredentials
	}

	return sub, int(version), nil
}
