package gateway

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/GateRelay/internal/ratelimit"
	"github.com/AlexKimmel/GateRelay/internal/routing"
)

// KeyFunc returns the partition key a request is limited on.
type KeyFunc func(r *http.Request) string

// RateLimit admits requests through lim, keyed by key. Rejected requests
// get 429 with a Retry-After hint and never reach next.
func RateLimit(
	lim *ratelimit.Limiter,
	key KeyFunc,
	skipPaths map[string]struct{},
	onLimited func(routeID string),
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			dec := lim.Decide(r.Context(), key(r), 1)

			if dec.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))
			}

			if !dec.Allowed {
				if onLimited != nil {
					onLimited(routing.RouteID(r))
				}
				secs := retryAfterSeconds(dec.RetryAfter, lim.Policy().Window)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeLimited(w, secs)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up to whole seconds, at least 1 and at most one
// window.
func retryAfterSeconds(d, window time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if limit := int(math.Ceil(window.Seconds())); limit > 0 && (secs > limit || d == time.Duration(math.MaxInt64)) {
		secs = limit
	}
	return max(secs, 1)
}

func writeLimited(w http.ResponseWriter, retryAfter int) {
	var body struct {
		Error struct {
			Code       string `json:"code"`
			Message    string `json:"message"`
			RetryAfter int    `json:"retry_after"`
		} `json:"error"`
	}
	body.Error.Code = "rate_limited"
	body.Error.Message = "Rate limit exceeded"
	body.Error.RetryAfter = retryAfter
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}

// local tiny JSON helper to avoid coupling to auth package
func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
