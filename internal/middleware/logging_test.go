package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nutrimed/chat-relay/internal/middleware"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

func TestLogging_CorrelationID(t *testing.T) {
	t.Parallel()

	var seen string
	h := middleware.Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "corr-1", seen)
}

func TestLogging_KeepsStreamingCapabilities(t *testing.T) {
	t.Parallel()

	h := middleware.Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !assert.True(t, ok, "wrapped writer must flush") {
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(": connected\n\n"))
		f.Flush()

		rw, ok := w.(interface{ Unwrap() http.ResponseWriter })
		assert.True(t, ok)
		assert.NotNil(t, rw.Unwrap())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", nil))

	assert.True(t, rec.Flushed)
	assert.Equal(t, ": connected\n\n", rec.Body.String())
}

func TestLogging_CorrelationIDSources(t *testing.T) {
	t.Parallel()

	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetCorrelationID(r.Context())
	})
	h := chimiddleware.RequestID(middleware.Logging(logger.NewNop())(inner))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "bad id\nwith newline")
	req.Header.Set("X-Request-Id", "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "req-42", seen, "unsafe header falls back to the request id")
}

func TestLogging_LevelByStatus(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	log := &logger.Logger{Logger: zap.New(core)}

	for _, status := range []int{http.StatusOK, http.StatusPaymentRequired, http.StatusServiceUnavailable} {
		h := middleware.Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.NotContains(t, entries[0].ContextMap(), "user_id")
}
