package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "s3cret"
	testIssuer = "gaterelay"
)

func testDirectory() *StaticDirectory {
	return NewStaticDirectory([]User{
		{ID: "42", Name: "ada", Active: true},
		{ID: "7", Name: "bob", Active: false},
	})
}

func signed(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestAuthenticate(t *testing.T) {
	gate := NewGate(testSecret, testIssuer, testDirectory())
	ctx := context.Background()
	now := time.Now()
	valid := jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "42",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	t.Run("valid token resolves identity", func(t *testing.T) {
		id, err := gate.Authenticate(ctx, signed(t, testSecret, valid))
		require.NoError(t, err)
		assert.Equal(t, Identity{ID: "42", Name: "ada"}, id)
		assert.Equal(t, "user:42", id.PartitionKey())
	})

	t.Run("issued token round trips", func(t *testing.T) {
		tok, exp, err := NewIssuer(testSecret, testIssuer, time.Hour).Issue("42")
		require.NoError(t, err)
		assert.WithinDuration(t, now.Add(time.Hour), exp, 5*time.Second)
		id, err := gate.Authenticate(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "42", id.ID)
	})

	cases := []struct {
		name   string
		token  func() string
		reason error
	}{
		{"empty", func() string { return "  " }, ErrMalformed},
		{"garbage", func() string { return "not.a.jwt" }, ErrMalformed},
		{"wrong secret", func() string { return signed(t, "other", valid) }, ErrMalformed},
		{"expired", func() string {
			c := valid
			c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
			return signed(t, testSecret, c)
		}, ErrExpired},
		{"missing expiry", func() string {
			c := valid
			c.ExpiresAt = nil
			return signed(t, testSecret, c)
		}, ErrMalformed},
		{"missing subject", func() string {
			c := valid
			c.Subject = ""
			return signed(t, testSecret, c)
		}, ErrMalformed},
		{"wrong issuer", func() string {
			c := valid
			c.Issuer = "someone-else"
			return signed(t, testSecret, c)
		}, ErrMalformed},
		{"unknown subject", func() string {
			c := valid
			c.Subject = "999"
			return signed(t, testSecret, c)
		}, ErrUnknownSubject},
		{"inactive subject", func() string {
			c := valid
			c.Subject = "7"
			return signed(t, testSecret, c)
		}, ErrInactive},
		{"none algorithm", func() string {
			tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, valid).SignedString(jwt.UnsafeAllowNoneSignatureType)
			require.NoError(t, err)
			return tok
		}, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := gate.Authenticate(ctx, tc.token())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnauthenticated), "got %v", err)
			assert.True(t, errors.Is(err, tc.reason), "got %v", err)
		})
	}
}

func TestMiddleware(t *testing.T) {
	gate := NewGate(testSecret, testIssuer, testDirectory())
	issuer := NewIssuer(testSecret, testIssuer, time.Hour)
	tok, _, err := issuer.Issue("42")
	require.NoError(t, err)

	var seen Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := gate.Middleware(map[string]struct{}{"/api/v1/health": {}})(next)

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chat/models", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
		assert.Contains(t, rec.Body.String(), "missing_token")
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/models", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid_token")
	})

	t.Run("valid token reaches handler", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/models", nil)
		req.Header.Set("Authorization", "bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "42", seen.ID)
	})

	t.Run("skipped path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRefreshAndMe(t *testing.T) {
	issuer := NewIssuer(testSecret, testIssuer, 30*time.Minute)
	ctx := WithIdentity(context.Background(), Identity{ID: "42", Name: "ada"})

	rec := httptest.NewRecorder()
	issuer.RefreshHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil).WithContext(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	var body tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bearer", body.TokenType)
	assert.Equal(t, int64(1800), body.ExpiresIn)

	id, err := NewGate(testSecret, testIssuer, testDirectory()).Authenticate(context.Background(), body.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "42", id.ID)

	rec = httptest.NewRecorder()
	MeHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil).WithContext(ctx))
	assert.JSONEq(t, `{"id":"42","name":"ada"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	MeHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPartitionKeys(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "ip:10.1.2.3", ClientPartitionKey(false)(req))
	assert.Equal(t, "ip:203.0.113.9", ClientPartitionKey(true)(req))
	assert.Equal(t, "ip:10.1.2.3", UserPartitionKey(false)(req))

	authed := req.WithContext(WithIdentity(req.Context(), Identity{ID: "42"}))
	assert.Equal(t, "user:42", UserPartitionKey(true)(authed))

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	bare.RemoteAddr = ""
	assert.Equal(t, "unknown", ClientIP(bare, false))
}
