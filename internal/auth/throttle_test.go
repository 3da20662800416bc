package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests drive throttle time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestThrottle(cfg ThrottleConfig) (*Throttle, *fakeClock) {
	clock := newFakeClock()
	throttle := NewThrottle(cfg)
	throttle.now = clock.Now
	return throttle, clock
}

func TestThrottleLocksAfterThreshold(t *testing.T) {
	t.Parallel()

	throttle, _ := newTestThrottle(ThrottleConfig{Threshold: 3, Lock: 2 * time.Minute})
	identity := ThrottleIdentity("Admin", "10.0.0.1")

	for i := 0; i < 2; i++ {
		decision := throttle.RecordFailure(identity, "bad_password", "ua")
		assert.True(t, decision.Allowed, "failure %d should not lock yet", i+1)
	}

	decision := throttle.RecordFailure(identity, "bad_password", "ua")
	assert.False(t, decision.Allowed)
	assert.GreaterOrEqual(t, decision.RetryAfterSeconds, 1)

	assessed := throttle.Assess(identity)
	assert.False(t, assessed.Allowed)
	assert.Equal(t, decision.RetryAt, assessed.RetryAt)
}

func TestThrottleIdentityNormalization(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "admin|10.0.0.1", ThrottleIdentity(" Admin ", "10.0.0.1"))
	assert.Equal(t, ThrottleIdentity("ADMIN", "FE80::1"), ThrottleIdentity("admin", "fe80::1"))
}

func TestThrottleRecordSuccessResets(t *testing.T) {
	t.Parallel()

	throttle, _ := newTestThrottle(ThrottleConfig{Threshold: 2, Lock: time.Minute})
	identity := ThrottleIdentity("admin", "10.0.0.1")

	throttle.RecordFailure(identity, "bad_password", "ua")
	throttle.RecordFailure(identity, "bad_password", "ua")
	assert.False(t, throttle.Assess(identity).Allowed)

	throttle.RecordSuccess(identity)
	assert.True(t, throttle.Assess(identity).Allowed)
}

func TestThrottleExponentialBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	throttle, clock := newTestThrottle(ThrottleConfig{
		Threshold: 3,
		Lock:      120 * time.Second,
		LockMax:   300 * time.Second,
	})
	identity := ThrottleIdentity("admin", "10.0.0.1")

	throttle.RecordFailure(identity, "bad_password", "ua")
	throttle.RecordFailure(identity, "bad_password", "ua")
	first := throttle.RecordFailure(identity, "bad_password", "ua")
	assert.False(t, first.Allowed)
	assert.Equal(t, clock.Now().Add(120*time.Second), first.RetryAt)

	// Another failure while the first lock is fully remaining: double it.
	second := throttle.RecordFailure(identity, "bad_password", "ua")
	assert.Equal(t, clock.Now().Add(240*time.Second), second.RetryAt)

	// And again: 2x240s exceeds the cap, so the cap wins.
	third := throttle.RecordFailure(identity, "bad_password", "ua")
	assert.Equal(t, clock.Now().Add(300*time.Second), third.RetryAt)
}

func TestThrottleLockUntilMonotonic(t *testing.T) {
	t.Parallel()

	throttle, clock := newTestThrottle(ThrottleConfig{Threshold: 1, Lock: time.Minute, LockMax: time.Hour})
	identity := ThrottleIdentity("admin", "10.0.0.1")

	previous := time.Time{}
	for i := 0; i < 6; i++ {
		decision := throttle.RecordFailure(identity, "bad_password", "ua")
		assert.False(t, decision.RetryAt.Before(previous), "lockUntil must never move backwards")
		previous = decision.RetryAt
		clock.Advance(5 * time.Second)
	}
}

func TestThrottleWindowResetStartsFreshEpisode(t *testing.T) {
	t.Parallel()

	throttle, clock := newTestThrottle(ThrottleConfig{
		Window:    10 * time.Minute,
		Threshold: 3,
		Lock:      time.Minute,
	})
	identity := ThrottleIdentity("admin", "10.0.0.1")

	throttle.RecordFailure(identity, "bad_password", "ua")
	throttle.RecordFailure(identity, "bad_password", "ua")

	// Past the window: the next failure counts as 1, not 3.
	clock.Advance(11 * time.Minute)
	decision := throttle.RecordFailure(identity, "bad_password", "ua")
	assert.True(t, decision.Allowed)
}

func TestThrottleCaptchaEscalation(t *testing.T) {
	t.Parallel()

	throttle, _ := newTestThrottle(ThrottleConfig{
		Threshold:        5,
		CaptchaEnabled:   true,
		CaptchaThreshold: 2,
	})
	identity := ThrottleIdentity("admin", "10.0.0.1")

	first := throttle.RecordFailure(identity, "bad_password", "ua")
	assert.False(t, first.CaptchaRequired)

	second := throttle.RecordFailure(identity, "bad_password", "ua")
	assert.True(t, second.CaptchaRequired)
}

func TestThrottleCaptchaDisabledNeverRequired(t *testing.T) {
	t.Parallel()

	throttle, _ := newTestThrottle(ThrottleConfig{Threshold: 10, CaptchaThreshold: 2})
	identity := ThrottleIdentity("admin", "10.0.0.1")

	for i := 0; i < 5; i++ {
		assert.False(t, throttle.RecordFailure(identity, "bad_password", "ua").CaptchaRequired)
	}
}

func TestThrottlePruneRequiresLockAndWindowExpiry(t *testing.T) {
	t.Parallel()

	throttle, clock := newTestThrottle(ThrottleConfig{
		Window:    10 * time.Minute,
		Threshold: 1,
		Lock:      time.Minute,
	})
	identity := ThrottleIdentity("admin", "10.0.0.1")
	throttle.RecordFailure(identity, "bad_password", "ua")

	// Lock expired but window still open: the record stays informative.
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, throttle.Prune())

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, throttle.Prune())
}

func TestThrottleRetryAfterClampedToOne(t *testing.T) {
	t.Parallel()

	throttle, clock := newTestThrottle(ThrottleConfig{Threshold: 1, Lock: time.Minute})
	identity := ThrottleIdentity("admin", "10.0.0.1")
	throttle.RecordFailure(identity, "bad_password", "ua")

	clock.Advance(time.Minute - 10*time.Millisecond)
	decision := throttle.Assess(identity)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 1, decision.RetryAfterSeconds)
}

func TestThrottleConcurrentFailuresStayConsistent(t *testing.T) {
	t.Parallel()

	throttle, _ := newTestThrottle(ThrottleConfig{Threshold: 100, Lock: time.Minute})
	identity := ThrottleIdentity("admin", "10.0.0.1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			throttle.RecordFailure(identity, "bad_password", "ua")
		}()
	}
	wg.Wait()

	throttle.mu.Lock()
	failures := throttle.records[identity].failures
	throttle.mu.Unlock()
	assert.Equal(t, 50, failures)
}
