package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"reportpipe/internal/cron"
	"reportpipe/internal/heartbeat"
)

// CronLister exposes the trigger snapshots on the admin surface.
type CronLister interface {
	All() []cron.Snapshot
}

// NewRouter serves the process's liveness, readiness and metrics endpoints.
// Liveness always succeeds once the process is up; readiness fails while any
// mandatory service is missing.
func NewRouter(reg *heartbeat.Registry, crons CronLister, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		missing := reg.MissingMandatoryServices()
		if len(missing) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":  "unavailable",
				"missing": missing,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Get("/services", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, reg.Services())
	})

	if crons != nil {
		r.Get("/crons", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, crons.All())
		})
	}

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
