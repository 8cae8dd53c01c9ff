package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/emissary-hq/emissary/pkg/httputil"
	"github.com/emissary-hq/emissary/pkg/observability"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogging assigns each request an ID, attaches a request-scoped
// logger to the context and logs the outcome.
func RequestLogging(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}

			ctx := observability.WithRequestID(r.Context(), requestID)
			requestLogger := logger.WithField("request_id", requestID)
			ctx = observability.WithLogger(ctx, requestLogger)

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r.WithContext(ctx))

			requestLogger.WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      recorder.status,
				"duration_ms": time.Since(start).Milliseconds(),
				"client_ip":   httputil.ClientIP(r),
			}).Info("request completed")
		})
	}
}
