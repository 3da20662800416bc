package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"curator/internal/observability"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const (
	maxJSONBodyBytes = 1 << 20
	maxPasswordLen   = 200

	// SessionCookieName holds either the encrypted session value or a legacy
	// plaintext id.
	SessionCookieName = "curator_session"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username     string    `json:"username"`
	Password     string    `json:"password"`
	Envelope     *Envelope `json:"envelope"`
	CaptchaToken string    `json:"captchaToken"`
}

type challengeRequest struct {
	Username string `json:"username"`
}

type proofLoginRequest struct {
	ChallengeID  string `json:"challengeId"`
	Proof        string `json:"proof"`
	CaptchaToken string `json:"captchaToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type userResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"createdAt"`
}

func toUserResponse(user User) userResponse {
	return userResponse{
		ID:        user.ID,
		Username:  user.Username,
		CreatedAt: user.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if !usernameRegex.MatchString(NormalizeUsername(body.Username)) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if len(body.Password) > maxPasswordLen {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	user, err := h.service.Register(r.Context(), body.Username, body.Password)
	if err != nil {
		h.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	username, password := body.Username, body.Password
	if body.Envelope != nil {
		var err error
		username, password, err = h.service.DecryptCredentials(*body.Envelope)
		if err != nil {
			h.respondError(w, err)
			return
		}
	}

	if len(password) > maxPasswordLen {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	result, err := h.service.Login(r.Context(), LoginInput{
		Username:     username,
		Password:     password,
		IP:           observability.ClientIP(r),
		UserAgent:    r.UserAgent(),
		CaptchaToken: body.CaptchaToken,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.finishLogin(w, result)
}

func (h *Handler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	var body challengeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	response, err := h.service.CreateLoginChallenge(r.Context(), body.Username)
	if err != nil {
		h.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) ChallengeLogin(w http.ResponseWriter, r *http.Request) {
	var body proofLoginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.LoginWithChallengeProof(r.Context(), ProofLoginInput{
		ChallengeID:  strings.TrimSpace(body.ChallengeID),
		Proof:        strings.TrimSpace(body.Proof),
		IP:           observability.ClientIP(r),
		UserAgent:    r.UserAgent(),
		CaptchaToken: body.CaptchaToken,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.finishLogin(w, result)
}

func (h *Handler) PublicKey(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.PublicKeyInfo()
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(body.NewPassword) > maxPasswordLen {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	if err := h.service.ChangePassword(r.Context(), user.ID, body.CurrentPassword, body.NewPassword); err != nil {
		h.respondError(w, err)
		return
	}

	// The caller's session died with the rotation; drop the cookie too.
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if sessionID := h.service.DecodeSessionCookie(cookie.Value); sessionID != "" {
			h.service.Logout(r.Context(), sessionID)
		}
	}

	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.service.LogoutAll(r.Context(), user.ID); err != nil {
		h.respondError(w, err)
		return
	}

	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	token, err := h.service.IssueAPIToken(r.Context(), user.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(*user))
}

func (h *Handler) finishLogin(w http.ResponseWriter, result *LoginResult) {
	encoded, err := h.service.EncodeSessionCookie(result.SessionID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(h.service.SessionMaxAge().Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"user":      toUserResponse(result.User),
		"expiresAt": result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// respondError maps the error taxonomy onto status codes. Anything outside
// the taxonomy is unexpected: captured, logged as a generic 500.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var validation ValidationError
	if errors.As(err, &validation) {
		writeError(w, http.StatusBadRequest, validation.Message)
		return
	}

	var locked ErrLocked
	if errors.As(err, &locked) {
		w.Header().Set("Retry-After", strconv.Itoa(locked.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":             "too many failed attempts",
			"retryAfterSeconds": locked.RetryAfter,
			"retryAt":           locked.RetryAt.UTC().Format(time.RFC3339),
			"captchaRequired":   locked.CaptchaRequired,
		})
		return
	}

	switch {
	case errors.Is(err, ErrCaptchaRequired):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":           "captcha verification required",
			"captchaRequired": true,
		})
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrDecryptFailed):
		writeError(w, http.StatusBadRequest, "unable to decrypt credentials payload")
	case errors.Is(err, ErrAdminExists):
		writeError(w, http.StatusConflict, "admin already exists")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
