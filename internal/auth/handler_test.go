package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondErrorTaxonomy(t *testing.T) {
	t.Parallel()

	handler := NewHandler(nil)

	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"validation", validationErr("username format is invalid"), http.StatusBadRequest},
		{"invalid credentials", ErrInvalidCredentials, http.StatusUnauthorized},
		{"wrapped invalid credentials", errors.Join(errors.New("ctx"), ErrInvalidCredentials), http.StatusUnauthorized},
		{"decrypt failed", ErrDecryptFailed, http.StatusBadRequest},
		{"captcha required", ErrCaptchaRequired, http.StatusForbidden},
		{"admin exists", ErrAdminExists, http.StatusConflict},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			handler.respondError(rec, tc.err)
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestRespondErrorLocked(t *testing.T) {
	t.Parallel()

	handler := NewHandler(nil)
	retryAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := httptest.NewRecorder()
	handler.respondError(rec, ErrLocked{RetryAfter: 120, RetryAt: retryAt, CaptchaRequired: true})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "120", rec.Header().Get("Retry-After"))

	var body struct {
		RetryAfterSeconds int    `json:"retryAfterSeconds"`
		RetryAt           string `json:"retryAt"`
		CaptchaRequired   bool   `json:"captchaRequired"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 120, body.RetryAfterSeconds)
	assert.Equal(t, "2026-03-01T12:00:00Z", body.RetryAt)
	assert.True(t, body.CaptchaRequired)
}

func TestRegisterRejectsBadInputBeforeService(t *testing.T) {
	t.Parallel()

	// Service is nil on purpose: these requests must be rejected before the
	// handler touches it.
	handler := NewHandler(nil)

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"username":`},
		{"unknown field", `{"username":"admin","password":"pw","extra":true}`},
		{"short username", `{"username":"ab","password":"password123"}`},
		{"bad username chars", `{"username":"Admin User!","password":"password123"}`},
		{"oversized password", `{"username":"admin","password":"` + strings.Repeat("a", 300) + `"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			handler.Register(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRegisterNormalizesUsernameCase(t *testing.T) {
	t.Parallel()

	// Mixed case passes the format gate because validation runs on the
	// normalized form. The nil service then panics, which is fine to assert
	// indirectly: reaching the service means the gate passed.
	handler := NewHandler(nil)
	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"username":"AdMiN","password":"password123"}`))
	rec := httptest.NewRecorder()

	assert.Panics(t, func() { handler.Register(rec, req) })
}

func TestAuthedEndpointsRequireUser(t *testing.T) {
	t.Parallel()

	handler := NewHandler(nil)

	endpoints := map[string]http.HandlerFunc{
		"me":         handler.Me,
		"logout all": handler.LogoutAll,
		"token":      handler.IssueToken,
	}

	for name, endpoint := range endpoints {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			rec := httptest.NewRecorder()
			endpoint(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestDecodeJSONLimitsBodySize(t *testing.T) {
	t.Parallel()

	oversized := `{"username":"` + strings.Repeat("a", maxJSONBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(oversized))
	rec := httptest.NewRecorder()

	var dst loginRequest
	assert.False(t, decodeJSON(rec, req, &dst))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearSessionCookie(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	clearSessionCookie(rec)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookieName, cookies[0].Name)
	assert.Empty(t, cookies[0].Value)
	assert.Negative(t, cookies[0].MaxAge)
	assert.True(t, cookies[0].HttpOnly)
}
