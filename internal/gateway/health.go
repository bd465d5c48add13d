package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
)

// HealthCheck reports on one dependency. Run returns extra details to
// include; a non-nil error marks the dependency unhealthy.
type HealthCheck struct {
	Name string
	Run  func(ctx context.Context) (map[string]any, error)
}

// Health is the liveness endpoint.
func Health(version string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"version":   version,
		})
	})
}

// DetailedHealth runs every check under timeout and reports "degraded"
// with 503 if any fails. Check errors are logged, never written to the
// response.
func DetailedHealth(version string, timeout time.Duration, checks ...HealthCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		status := "healthy"
		services := make(map[string]any, len(checks))
		for _, c := range checks {
			details, err := c.Run(ctx)
			if details == nil {
				details = map[string]any{}
			}
			details["status"] = "healthy"
			if err != nil {
				hlog.FromRequest(r).Warn().Err(err).Str("check", c.Name).Msg("health check failed")
				details["status"] = "unhealthy"
				status = "degraded"
			}
			services[c.Name] = details
		}

		code := http.StatusOK
		if status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, map[string]any{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"version":   version,
			"services":  services,
		})
	})
}

func writeHealth(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
