package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"curator/internal/auth"
	"curator/internal/db"
	"curator/internal/maintenance"
	"curator/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	sessionSecret, err := mustEnv("SESSION_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(observability.SentryConfig{
		DSN:         os.Getenv("SENTRY_DSN"),
		Environment: envOrDefault("APP_ENV", "development"),
		Release:     os.Getenv("APP_RELEASE"),
	}); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewAuthMetrics(registry)

	hasher := auth.NewHasher(auth.Argon2Params{
		MemoryKiB:   uint32(envIntOrDefault("ARGON2_MEMORY_KIB", 65536)),
		Iterations:  uint32(envIntOrDefault("ARGON2_ITERATIONS", 3)),
		Parallelism: uint8(envIntOrDefault("ARGON2_PARALLELISM", 2)),
	})

	throttle := auth.NewThrottle(auth.ThrottleConfig{
		Window:           envMinutesOrDefault("LOCKOUT_WINDOW_MINUTES", 15),
		Threshold:        envIntOrDefault("LOCKOUT_THRESHOLD", 5),
		Lock:             envMinutesOrDefault("LOCKOUT_LOCK_MINUTES", 15),
		LockMax:          envMinutesOrDefault("LOCKOUT_LOCK_MAX_MINUTES", 1440),
		CaptchaEnabled:   EnvBoolOrDefault("CAPTCHA_ENABLED", false),
		CaptchaThreshold: envIntOrDefault("CAPTCHA_THRESHOLD", 3),
	})

	captcha := auth.NewCaptchaGate(
		EnvBoolOrDefault("CAPTCHA_ENABLED", false),
		os.Getenv("CAPTCHA_VERIFY_URL"),
		os.Getenv("CAPTCHA_SECRET"),
		envSecondsOrDefault("CAPTCHA_TIMEOUT_SECONDS", 5),
	)
	if captcha.HookMode() {
		logger.Warn("captcha_hook_mode", map[string]any{
			"detail": "captcha enabled without a verifier URL, any non-empty token passes",
		})
	}

	envelopeKey, err := auth.LoadEnvelopeKey(os.Getenv("ENVELOPE_PRIVATE_KEY_PEM"))
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("load envelope key: %w", err)
	}
	if envelopeKey.Ephemeral() {
		logger.Warn("ephemeral_envelope_key", map[string]any{
			"key_id": envelopeKey.KeyID(),
			"detail": "no ENVELOPE_PRIVATE_KEY_PEM configured, envelopes will not survive a restart",
		})
	}

	cookies, err := auth.NewCookieCipher(envOrDefault("COOKIE_ENC_KEY", sessionSecret))
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init cookie cipher: %w", err)
	}
	proofBox, err := auth.NewSecretBox(sessionSecret, "password-proof-key")
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init proof key box: %w", err)
	}

	tokens := auth.NewTokenIssuer(sessionSecret, envMinutesOrDefault("API_TOKEN_TTL_MINUTES", 60))
	challenges := auth.NewChallengeStore(envSecondsOrDefault("CHALLENGE_TTL_SECONDS", 120))
	rateLimiter := auth.NewRequestRateLimiter(
		envIntOrDefault("AUTH_RATE_LIMIT_MAX_HITS", 30),
		envSecondsOrDefault("AUTH_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(
		authRepo, hasher, throttle, challenges, captcha, envelopeKey,
		cookies, proofBox, tokens, logger, metrics,
		auth.ServiceConfig{
			SessionMaxAge:       envHoursOrDefault("SESSION_MAX_AGE_HOURS", 720),
			ChallengeIterations: envIntOrDefault("CHALLENGE_ITERATIONS", 310000),
			EnvelopeMaxSkew:     time.Duration(envIntOrDefault("ENVELOPE_MAX_SKEW_MS", 300000)) * time.Millisecond,
		},
	)
	authHandler := auth.NewHandler(authService)

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo, throttle, challenges, logger,
		os.Getenv("CRON_SECRET"),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	if err := bootstrapAdmin(authService, logger); err != nil {
		_ = database.Close()
		return nil, err
	}

	// Unauthenticated endpoints sit behind the per-IP request limiter; the
	// credential throttle only counts failures, so raw request volume needs
	// its own bound.
	limited := func(h http.HandlerFunc) http.Handler {
		return rateLimiter.Middleware(h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/register", limited(authHandler.Register))
	mux.Handle("POST /auth/login", limited(authHandler.Login))
	mux.Handle("POST /auth/challenge", limited(authHandler.CreateChallenge))
	mux.Handle("POST /auth/challenge/login", limited(authHandler.ChallengeLogin))
	mux.HandleFunc("GET /auth/pubkey", authHandler.PublicKey)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("POST /auth/password", auth.Middleware(authService, http.HandlerFunc(authHandler.ChangePassword)))
	mux.Handle("POST /auth/logout-all", auth.Middleware(authService, http.HandlerFunc(authHandler.LogoutAll)))
	mux.Handle("POST /auth/token", auth.Middleware(authService, http.HandlerFunc(authHandler.IssueToken)))
	mux.Handle("GET /auth/me", auth.Middleware(authService, http.HandlerFunc(authHandler.Me)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

// bootstrapAdmin registers the admin from env on first boot. An already
// bootstrapped database is not an error; a changed env password is applied
// through the normal change-password flow, never silently here.
func bootstrapAdmin(service *auth.Service, logger *observability.Logger) error {
	username := strings.TrimSpace(os.Getenv("ADMIN_USERNAME"))
	password := os.Getenv("ADMIN_PASSWORD")

	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	// Skip the registration (and its argon2 hash) on every boot after the
	// first; ErrAdminExists still covers the race with a concurrent instance.
	exists, err := service.HasAdmin(context.Background())
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if exists {
		return nil
	}

	user, err := service.Register(context.Background(), username, password)
	if err != nil {
		if errors.Is(err, auth.ErrAdminExists) {
			return nil
		}
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	logger.Info("admin_bootstrapped", map[string]any{"user_id": user.ID})
	return nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
