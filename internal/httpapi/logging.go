package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// loggingMiddleware logs method/path/status/latency/request-id as slog
// attributes, the same wrap-http.Handler shape as the teacher's
// LoggingMiddleware, rewritten onto structured logging.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.New().String()
		lw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		lw.Header().Set("x-des-request-id", reqID)

		next.ServeHTTP(lw, r)

		h.logger().Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"dur_ms", time.Since(start).Milliseconds(),
			"bytes", lw.bytes,
			"req_id", reqID,
		)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}
