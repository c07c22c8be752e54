package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/pkg/logger"
	"github.com/nutrimed/chat-relay/pkg/metrics"
)

const (
	// CorrelationIDKey is the context key for correlation ID.
	CorrelationIDKey ContextKey = "correlation_id"

	requestInfoKey ContextKey = "request_info"
)

// requestInfo collects values set by inner middleware for the access log.
type requestInfo struct {
	userID string
}

// recordUser notes the authenticated user for the access log.
func recordUser(ctx context.Context, userID string) {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.userID = userID
	}
}

// responseWriter wraps http.ResponseWriter to capture status code. It
// forwards Flush so streaming handlers keep working behind it.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Logging creates request logging middleware. It assigns the correlation
// id, echoes it in X-Correlation-ID and writes one access line per request.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	log = logger.OrGlobal(log)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			correlationID := correlationIDFor(r)

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			wrapped.Header().Set("X-Correlation-ID", correlationID)

			info := &requestInfo{}
			ctx := context.WithValue(r.Context(), CorrelationIDKey, correlationID)
			ctx = context.WithValue(ctx, requestInfoKey, info)
			r = r.WithContext(ctx)

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Int64("bytes", wrapped.written),
				zap.Duration("duration", duration),
				zap.String("correlation_id", correlationID),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
			}
			if info.userID != "" {
				fields = append(fields, zap.String("user_id", info.userID))
			}
			if strings.HasPrefix(wrapped.Header().Get("Content-Type"), "text/event-stream") {
				fields = append(fields, zap.Bool("stream", true))
			}

			switch {
			case wrapped.statusCode >= http.StatusInternalServerError:
				log.Error("request completed", fields...)
			case wrapped.statusCode >= http.StatusBadRequest:
				log.Warn("request completed", fields...)
			default:
				log.Info("request completed", fields...)
			}

			metrics.RecordRequest(r.Method, routePattern(r), strconv.Itoa(wrapped.statusCode), duration.Seconds())
		})
	}
}

// correlationIDFor takes a caller supplied X-Correlation-ID when it is a
// sane opaque token, then chi's request id, then a fresh uuid.
func correlationIDFor(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-ID"); id != "" && validateOpaqueID("correlation ID", id) == nil {
		return id
	}
	if id := chimiddleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

// routePattern keeps metric label cardinality bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// GetCorrelationID gets correlation ID from context.
func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return v
	}
	return ""
}

// RequestLogger returns log annotated with the request's correlation and
// user ids.
func RequestLogger(ctx context.Context, log *logger.Logger) *logger.Logger {
	return logger.OrGlobal(log).WithContext(GetCorrelationID(ctx), GetUserID(ctx))
}
