package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

// requestLogger emits one structured line per request. Scrapes of /metrics
// are logged at debug.
func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	logger = logger.Module("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if r.URL.Path == "/metrics" {
				logger.Debug("request completed", attrs...)
				return
			}
			logger.Info("request completed", attrs...)
		})
	}
}
