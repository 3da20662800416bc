package auth

import (
	"errors"
	"time"
)

// Credential failures, unknown accounts, bad proofs and expired challenges all
// collapse to this one error so responses never reveal which check failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrDecryptFailed is the single error for every envelope failure, whatever
// stage broke. Distinguishing RSA vs GCM vs JSON would hand clients an oracle.
var ErrDecryptFailed = errors.New("unable to decrypt credentials payload")

var ErrAdminExists = errors.New("admin already exists")

var ErrCaptchaRequired = errors.New("captcha verification required")

// ValidationError marks malformed or missing input. Safe to render as-is.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

func validationErr(message string) error {
	return ValidationError{Message: message}
}

// ErrLocked reports an active lockout. RetryAfter/CaptchaRequired are the only
// throttle details a response may carry.
type ErrLocked struct {
	RetryAfter      int
	RetryAt         time.Time
	CaptchaRequired bool
}

func (e ErrLocked) Error() string {
	return "too many failed attempts"
}
