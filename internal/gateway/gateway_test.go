package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/GateRelay/internal/ratelimit"
	"github.com/AlexKimmel/GateRelay/internal/ratelimit/memory"
	"github.com/AlexKimmel/GateRelay/internal/routing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(okHandler, mw("a"), mw("b"), mw("c"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRateLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	lim := ratelimit.New(
		ratelimit.Policy{Requests: 2, Window: 60 * time.Second},
		nil,
		memory.New(memory.WithClock(clock)),
		ratelimit.Options{Now: clock},
	)
	var limited []string
	rr := routing.New()
	rr.Handle("chat", "/api/v1/chat/completions", okHandler, http.MethodPost)

	h := Chain(okHandler,
		RouteMatcher(rr, nil),
		RateLimit(lim, func(*http.Request) string { return "user:42" },
			map[string]struct{}{"/api/v1/health": {}},
			func(route string) { limited = append(limited, route) }),
	)

	do := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		return rec
	}

	rec := do("/api/v1/chat/completions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusOK, do("/api/v1/chat/completions").Code)

	rec = do("/api/v1/chat/completions")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	var body struct {
		Error struct {
			Code       string `json:"code"`
			RetryAfter int    `json:"retry_after"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Error.Code)
	assert.Equal(t, 30, body.Error.RetryAfter)
	assert.Equal(t, []string{"chat"}, limited)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0, time.Minute))
	assert.Equal(t, 1, retryAfterSeconds(200*time.Millisecond, time.Minute))
	assert.Equal(t, 2, retryAfterSeconds(1100*time.Millisecond, time.Minute))
	assert.Equal(t, 60, retryAfterSeconds(time.Duration(math.MaxInt64), time.Minute))
	assert.Equal(t, 60, retryAfterSeconds(5*time.Minute, time.Minute))
}

func TestRouteMatcher(t *testing.T) {
	rr := routing.New()
	var seen string
	rr.Handle("models", "/api/v1/chat/models", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = routing.RouteID(r)
	}), http.MethodGet)
	h := Chain(rr, RouteMatcher(rr, map[string]struct{}{"/metrics": {}}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chat/models", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "models", seen)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat/models", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET", rec.Header().Get("Allow"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_route")
}

func TestBodyLimit(t *testing.T) {
	var readErr error
	h := BodyLimit(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)
	var tooLarge *http.MaxBytesError
	assert.True(t, errors.As(readErr, &tooLarge))
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health("1.2.3").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])

	h := DetailedHealth("1.2.3", time.Second,
		HealthCheck{Name: "rate_limiter", Run: func(context.Context) (map[string]any, error) {
			return map[string]any{"backend": "local"}, nil
		}},
	)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health/detailed", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"backend":"local","status":"healthy"}`, mustField(t, rec.Body.Bytes(), "rate_limiter"))
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestDetailedHealthHidesErrors(t *testing.T) {
	h := DetailedHealth("1.2.3", time.Second,
		HealthCheck{Name: "rate_limiter", Run: func(context.Context) (map[string]any, error) {
			return map[string]any{"backend": "local"}, nil
		}},
		HealthCheck{Name: "upstream", Run: func(context.Context) (map[string]any, error) {
			return nil, errors.New("status 401: Incorrect API key provided: sk-test****9xyz")
		}},
	)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health/detailed", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.JSONEq(t, `{"status":"unhealthy"}`, mustField(t, rec.Body.Bytes(), "upstream"))
	assert.NotContains(t, rec.Body.String(), "sk-test")
}

func mustField(t *testing.T, raw []byte, service string) string {
	t.Helper()
	var body struct {
		Services map[string]json.RawMessage `json:"services"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	return string(body.Services[service])
}
