package auth

import (
	"strings"
	"sync"
	"time"
)

// ThrottleConfig tunes the lockout policy. Zero values fall back to defaults.
type ThrottleConfig struct {
	Window           time.Duration // sliding failure window
	Threshold        int           // failures before a lock engages
	Lock             time.Duration // base lock duration
	LockMax          time.Duration // backoff cap
	CaptchaEnabled   bool
	CaptchaThreshold int // failures before captcha escalation
}

func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Window:           15 * time.Minute,
		Threshold:        5,
		Lock:             15 * time.Minute,
		LockMax:          24 * time.Hour,
		CaptchaThreshold: 3,
	}
}

func (c ThrottleConfig) withDefaults() ThrottleConfig {
	d := DefaultThrottleConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Lock <= 0 {
		c.Lock = d.Lock
	}
	if c.LockMax <= 0 {
		c.LockMax = d.LockMax
	}
	if c.CaptchaThreshold <= 0 {
		c.CaptchaThreshold = d.CaptchaThreshold
	}
	return c
}

// Decision is the throttle's answer for one identity.
type Decision struct {
	Allowed           bool      `json:"allowed"`
	RetryAfterSeconds int       `json:"retryAfterSeconds,omitempty"`
	RetryAt           time.Time `json:"retryAt,omitempty"`
	CaptchaRequired   bool      `json:"captchaRequired"`
}

type throttleRecord struct {
	failures       int
	firstFailureAt time.Time
	lastFailureAt  time.Time
	lockUntil      time.Time
	lastReason     string
	lastUserAgent  string
}

// Throttle tracks login failures per identity with an exponential-backoff
// lockout. Process-local; replicas would need a shared store.
type Throttle struct {
	mu      sync.Mutex
	cfg     ThrottleConfig
	records map[string]*throttleRecord
	now     func() time.Time
}

func NewThrottle(cfg ThrottleConfig) *Throttle {
	return &Throttle{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*throttleRecord),
		now:     time.Now,
	}
}

// ThrottleIdentity builds the composite key scoping lockout state.
func ThrottleIdentity(username, ip string) string {
	return strings.ToLower(strings.TrimSpace(username)) + "|" + strings.ToLower(strings.TrimSpace(ip))
}

// Assess is a pure read of the identity's state, plus opportunistic cleanup.
func (t *Throttle) Assess(identity string) Decision {
	now := t.now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[identity]
	if !ok {
		return Decision{Allowed: true}
	}
	if t.expiredLocked(record, now) {
		delete(t.records, identity)
		return Decision{Allowed: true}
	}

	return t.decisionLocked(record, now)
}

// RecordFailure advances the identity's failure state and returns the
// post-failure decision. Reason and userAgent are kept on the record for
// operator inspection only.
func (t *Throttle) RecordFailure(identity, reason, userAgent string) Decision {
	now := t.now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[identity]
	if !ok {
		record = &throttleRecord{firstFailureAt: now}
		t.records[identity] = record
	} else if now.Sub(record.firstFailureAt) > t.cfg.Window {
		// Prior episode's window elapsed; start counting fresh.
		record.failures = 0
		record.firstFailureAt = now
	}

	lockRemaining := record.lockUntil.Sub(now)
	lockActive := lockRemaining > 0

	record.failures++
	record.lastFailureAt = now
	record.lastReason = reason
	record.lastUserAgent = userAgent

	if record.failures >= t.cfg.Threshold {
		next := t.cfg.Lock
		if lockActive {
			next = 2 * lockRemaining
			if next > t.cfg.LockMax {
				next = t.cfg.LockMax
			}
		}
		record.lockUntil = now.Add(next)
	}

	return t.decisionLocked(record, now)
}

// RecordSuccess wipes the identity's state entirely.
func (t *Throttle) RecordSuccess(identity string) {
	t.mu.Lock()
	delete(t.records, identity)
	t.mu.Unlock()
}

// Prune sweeps every record whose lock and window have both expired and
// returns how many were removed.
func (t *Throttle) Prune() int {
	now := t.now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for identity, record := range t.records {
		if t.expiredLocked(record, now) {
			delete(t.records, identity)
			removed++
		}
	}
	return removed
}

// expiredLocked requires both conditions: a still-open window means the
// failure count is still informative even after the lock lapses.
func (t *Throttle) expiredLocked(record *throttleRecord, now time.Time) bool {
	return !now.Before(record.lockUntil) && now.Sub(record.lastFailureAt) > t.cfg.Window
}

func (t *Throttle) decisionLocked(record *throttleRecord, now time.Time) Decision {
	decision := Decision{
		Allowed:         !now.Before(record.lockUntil),
		CaptchaRequired: t.cfg.CaptchaEnabled && record.failures >= t.cfg.CaptchaThreshold,
	}

	if !decision.Allowed {
		decision.RetryAt = record.lockUntil
		seconds := int((record.lockUntil.Sub(now) + time.Second - 1) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		decision.RetryAfterSeconds = seconds
	}

	return decision
}
