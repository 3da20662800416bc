package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CaptchaGate verifies captcha tokens against a remote verifier. With no
// verifier URL configured the gate runs in hook mode: any non-empty token
// passes. That materially weakens the gate, so bootstrap warns when it is
// enabled without a verifier.
type CaptchaGate struct {
	enabled   bool
	verifyURL string
	secret    string
	client    *http.Client
}

func NewCaptchaGate(enabled bool, verifyURL, secret string, timeout time.Duration) *CaptchaGate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CaptchaGate{
		enabled:   enabled,
		verifyURL: strings.TrimSpace(verifyURL),
		secret:    secret,
		client:    &http.Client{Timeout: timeout},
	}
}

// HookMode reports whether the gate would pass any non-empty token.
func (g *CaptchaGate) HookMode() bool {
	return g.IsEnabled() && g.verifyURL == ""
}

func (g *CaptchaGate) IsEnabled() bool {
	return g.enabled || g.verifyURL != ""
}

// Verify checks a captcha token. Disabled gates always pass; enabled gates
// fail closed on empty tokens and on any verifier network or parse failure.
func (g *CaptchaGate) Verify(ctx context.Context, token, ip string) bool {
	if !g.IsEnabled() {
		return true
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	if g.verifyURL == "" {
		return true
	}

	form := url.Values{}
	form.Set("response", token)
	form.Set("secret", g.secret)
	form.Set("remoteip", ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}

	return body.Success
}
