package status

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/flamenco-io/flamenco-worker/internal/logger"
)

// requestLogger logs each request's method, path, status and duration.
func requestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.WithComponent("status-http").Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request handled")
		})
	}
}
