package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// MetricsProvider exposes a scrape handler and request instrumentation.
type MetricsProvider interface {
	Handler() http.Handler
	InstrumentHandler(next http.Handler) http.Handler
}

// Routes builds the HTTP handler serving /healthz and, when metrics is
// non-nil, /metrics.
func Routes(checks map[string]HealthCheck, metrics MetricsProvider) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", healthHandler(checks))
	if metrics == nil {
		return mux
	}
	mux.Handle("GET /metrics", metrics.Handler())
	return metrics.InstrumentHandler(mux)
}

func healthHandler(checks map[string]HealthCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		body := map[string]any{"status": "ok", "checks": results}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
}
