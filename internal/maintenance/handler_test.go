package maintenance

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"curator/internal/observability"
)

func newTestHandler(secret string) *CleanupHandler {
	return NewCleanupHandler(nil, nil, nil, observability.NewLoggerTo(io.Discard), secret, 500)
}

func TestCleanupDisabledWithoutSecret(t *testing.T) {
	t.Parallel()

	handler := newTestHandler("")

	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code, "endpoint must not exist without a configured secret")
}

func TestCleanupRejectsBadAuthorization(t *testing.T) {
	t.Parallel()

	handler := newTestHandler("cron-secret")

	cases := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic cron-secret",
		"wrong secret":   "Bearer nope",
		"bare token":     "cron-secret",
	}

	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			handler.Handle(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestCleanupRejectsOtherMethods(t *testing.T) {
	t.Parallel()

	handler := newTestHandler("cron-secret")

	req := httptest.NewRequest(http.MethodDelete, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
