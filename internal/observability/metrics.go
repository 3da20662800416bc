package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AuthMetrics counts authentication outcomes. A nil receiver is a no-op so
// tests can run without a registry.
type AuthMetrics struct {
	loginAttempts *prometheus.CounterVec
	lockouts      prometheus.Counter
	captchaChecks *prometheus.CounterVec
}

func NewAuthMetrics(reg prometheus.Registerer) *AuthMetrics {
	factory := promauto.With(reg)
	return &AuthMetrics{
		loginAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by result (success, failure, locked).",
		}, []string{"result"}),
		lockouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "auth_lockouts_total",
			Help: "Lockouts engaged by the login throttle.",
		}),
		captchaChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_captcha_checks_total",
			Help: "Captcha verifications by result (pass, fail).",
		}, []string{"result"}),
	}
}

func (m *AuthMetrics) LoginAttempt(result string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(result).Inc()
}

func (m *AuthMetrics) Lockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *AuthMetrics) CaptchaCheck(ok bool) {
	if m == nil {
		return
	}
	result := "fail"
	if ok {
		result = "pass"
	}
	m.captchaChecks.WithLabelValues(result).Inc()
}
