package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/GateRelay/internal/auth"
	"github.com/AlexKimmel/GateRelay/internal/config"
)

func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"data":[{"id":"gpt-4o-mini"}]}`)
		case "/chat/completions":
			var req struct {
				Stream bool `json:"stream"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if !req.Stream {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
					"choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}]}`)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			for _, f := range []string{
				`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`,
				`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
				`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
				`[DONE]`,
			} {
				_, _ = fmt.Fprintf(w, "data: %s\n\n", f)
				w.(http.Flusher).Flush()
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, redisAddr, upstreamURL string) *config.Root {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
auth:
  secret_key: s3cret
  users:
    - id: "42"
      name: ada
limits:
  requests: 3
  window_seconds: 60
redis:
  addr: %q
upstream:
  api_key: sk-test
  base_url: %q
`, redisAddr, upstreamURL)))
	require.NoError(t, err)
	return cfg
}

func TestRelayEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	provider := fakeProvider(t)
	cfg := testConfig(t, mr.Addr(), provider.URL)

	a, err := newApp(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "redis", a.userLim.Backend())

	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	tok, _, err := auth.NewIssuer("s3cret", "gaterelay", time.Hour).Issue("42")
	require.NoError(t, err)

	do := func(method, path, body string, authed bool) *http.Response {
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		if authed {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}
	chatBody := `{"messages":[{"role":"user","content":"hi"}]}`

	resp := do(http.MethodGet, "/api/v1/health", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(http.MethodGet, "/api/v1/chat/models", "", false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(http.MethodGet, "/api/v1/chat/models", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"models":["gpt-4o-mini"]}`, string(b))

	resp = do(http.MethodPost, "/api/v1/chat/completions/stream", chatBody, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	b, _ = io.ReadAll(resp.Body)
	frames := strings.Split(strings.TrimSuffix(string(b), "\n\n"), "\n\n")
	require.Len(t, frames, 4, string(b))
	assert.Equal(t, "data: [DONE]", frames[3])
	assert.Contains(t, frames[2], `"finish_reason":"stop"`)

	resp = do(http.MethodPost, "/api/v1/chat/completions", chatBody, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `"total_tokens":0`)

	assert.True(t, mr.Exists("bucket:user:42"))

	resp = do(http.MethodPost, "/api/v1/chat/completions", chatBody, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(http.MethodPost, "/api/v1/chat/completions", chatBody, true)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp = do(http.MethodGet, "/api/v1/auth/me", "", true)
	b, _ = io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"id":"42","name":"ada"}`, string(b))

	resp = do(http.MethodGet, "/api/v1/health/detailed", "", false)
	b, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `"backend":"redis"`)

	resp = do(http.MethodGet, "/metrics", "", false)
	b, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `gaterelay_streams_total{outcome="completed"} 1`)
	assert.Contains(t, string(b), `gaterelay_rate_limited_total{route="chat"} 1`)
}

func TestRelayWithoutRedis(t *testing.T) {
	provider := fakeProvider(t)
	cfg := testConfig(t, "", provider.URL)

	a, err := newApp(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "local", a.userLim.Backend())
	assert.False(t, a.userLim.Degraded())
}

func TestRelayRedisUnreachableAtStartup(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig(t, addr, fakeProvider(t).URL)
	cfg.Limits.ProbeTimeoutMS = 200

	a, err := newApp(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "local", a.userLim.Backend())
	assert.True(t, a.userLim.Degraded())
}

func TestDetailedHealthHidesProviderError(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided: sk-test****9xyz","type":"invalid_request_error"}}`)
	}))
	defer provider.Close()

	a, err := newApp(context.Background(), testConfig(t, "", provider.URL), zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health/detailed", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status   string                    `json:"status"`
		Services map[string]map[string]any `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, map[string]any{"status": "unhealthy"}, body.Services["upstream"])
	assert.NotContains(t, rec.Body.String(), "Incorrect API key")
	assert.NotContains(t, rec.Body.String(), "sk-test")
}

func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  secret_key: s3cret
  users:
    - id: "42"
    - id: "7"
      disabled: true
upstream:
  api_key: sk-test
`), 0o600))

	run := func(args ...string) (string, error) {
		cmd := newRootCommand()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs(append([]string{"--config", path}, args...))
		err := cmd.Execute()
		return strings.TrimSpace(out.String()), err
	}

	tok, err := run("token", "--subject", "42", "--ttl", "10m")
	require.NoError(t, err)
	gate := auth.NewGate("s3cret", "gaterelay", auth.NewStaticDirectory([]auth.User{{ID: "42", Active: true}}))
	id, err := gate.Authenticate(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "42", id.ID)

	_, err = run("token", "--subject", "7")
	assert.Error(t, err)
	_, err = run("token", "--subject", "nobody")
	assert.Error(t, err)
}
