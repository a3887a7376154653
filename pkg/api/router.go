// Package api serves the observability HTTP surface: health probes, active
// session status, the session journal and Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/streamcache/internal/logger"
	"github.com/marmos91/streamcache/pkg/journal"
	"github.com/marmos91/streamcache/pkg/metrics"
	"github.com/marmos91/streamcache/pkg/transfer"
)

// StatusSource reports the active cache session. The cache engine satisfies
// it; nil means no session is active.
type StatusSource interface {
	Progress() (downloaded, expected int64)
	State() transfer.State
	Path() string
}

// NewRouter creates the chi router with all middleware and routes.
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /api/v1/status - Active session state and progress
//   - GET /api/v1/sessions - Journaled sessions
//   - GET /metrics - Prometheus exposition
func NewRouter(source StatusSource, store *journal.Journal) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", statusHandler(source))
		r.Get("/sessions", sessionsHandler(store))
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

type statusResponse struct {
	State      string `json:"state"`
	Path       string `json:"path,omitempty"`
	Downloaded int64  `json:"downloaded"`
	Expected   int64  `json:"expected"`
}

func statusHandler(source StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if source == nil {
			writeJSON(w, http.StatusOK, statusResponse{State: "idle", Expected: -1})
			return
		}
		down, exp := source.Progress()
		writeJSON(w, http.StatusOK, statusResponse{
			State:      source.State().String(),
			Path:       source.Path(),
			Downloaded: down,
			Expected:   exp,
		})
	}
}

func sessionsHandler(store *journal.Journal) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if store == nil {
			writeJSON(w, http.StatusOK, []journal.Entry{})
			return
		}
		entries, err := store.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if entries == nil {
			entries = []journal.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", logger.KeyError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// requestLogger logs requests through the structured logger instead of chi's
// default stdout logger. Health probes log at DEBUG to keep orchestrator
// noise out of normal logs.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			logger.KeyStatus, ww.Status(),
			logger.KeyBytes, ww.BytesWritten(),
			logger.KeyDuration, time.Since(start).String(),
		}
		if strings.HasPrefix(r.URL.Path, "/health") {
			logger.Debug("request completed", logArgs...)
		} else {
			logger.Info("request completed", logArgs...)
		}
	})
}
