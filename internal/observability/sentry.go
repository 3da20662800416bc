package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryConfig carries the crash-reporting settings the bootstrap reads from
// env. An empty DSN disables reporting entirely, the local-development
// default.
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
}

func InitSentry(cfg SentryConfig) error {
	if cfg.DSN == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
	})
}

// FlushSentry drains buffered events; runs on shutdown and must not block
// longer than a serverless instance teardown allows.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
