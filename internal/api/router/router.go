package router

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/visa-scheduler/internal/session"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

// SessionReporter exposes the guardian's view of the browser session.
type SessionReporter interface {
	State() session.State
	UserID() string
}

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Status         StatusSource
	Session        SessionReporter
	MetricsHandler http.Handler
	// Ready reports whether dependencies (database) are reachable.
	Ready func(ctx context.Context) error
}

// New creates the ops router: health, metrics and a read-only status view.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(requestLogger(cfg.Logger))
	}

	r.Get("/healthz", healthHandler(cfg.Ready))
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}
	if cfg.Status != nil {
		r.Get("/status", statusHandler(cfg.Status, cfg.Session, cfg.Logger))
	}
	return r
}

func healthHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
