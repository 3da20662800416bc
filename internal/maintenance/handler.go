package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"

	"curator/internal/auth"
	"curator/internal/observability"
)

// CleanupHandler prunes expired session rows and the in-memory throttle and
// challenge tables. Meant to be hit by a scheduled job; guarded by a shared
// secret and disabled entirely when none is configured.
type CleanupHandler struct {
	repo       *auth.Repository
	throttle   *auth.Throttle
	challenges *auth.ChallengeStore
	logger     *observability.Logger
	cronSecret string
	batchSize  int
}

func NewCleanupHandler(
	repo *auth.Repository,
	throttle *auth.Throttle,
	challenges *auth.ChallengeStore,
	logger *observability.Logger,
	cronSecret string,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		repo:       repo,
		throttle:   throttle,
		challenges: challenges,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		batchSize:  batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	deletedSessions, err := h.repo.DeleteExpiredSessions(r.Context(), h.batchSize)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	prunedThrottle := h.throttle.Prune()
	prunedChallenges := h.challenges.Prune()

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_sessions":  deletedSessions,
		"pruned_throttle":   prunedThrottle,
		"pruned_challenges": prunedChallenges,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": map[string]any{
			"deleted_sessions":  deletedSessions,
			"pruned_throttle":   prunedThrottle,
			"pruned_challenges": prunedChallenges,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
