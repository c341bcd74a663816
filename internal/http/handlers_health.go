package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

const (
	healthPath    = "/healthz"
	healthTimeout = 2 * time.Second
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// healthHandler runs every named check and answers 200 when all pass, 503 otherwise.
func healthHandler(checks map[string]HealthCheck, logger *slog.Logger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
		code := http.StatusOK
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				logger.WarnContext(ctx, "health check failed", "check", name, "error", err)
				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}

		if r.Method == http.MethodHead {
			w.WriteHeader(code)
			return
		}
		WriteJSON(w, code, resp)
	}
}
