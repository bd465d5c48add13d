package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var (
	// ErrUnauthenticated wraps every credential failure.
	ErrUnauthenticated = errors.New("unauthenticated")

	ErrMalformed      = errors.New("malformed credential")
	ErrExpired        = errors.New("credential expired")
	ErrUnknownSubject = errors.New("unknown subject")
	ErrInactive       = errors.New("subject inactive")
)

type ctxKey int

const keyIdentity ctxKey = 0

// Identity is the caller resolved from a bearer credential.
type Identity struct {
	ID   string
	Name string
}

// PartitionKey is the rate-limit key for an authenticated caller.
func (id Identity) PartitionKey() string { return "user:" + id.ID }

// Gate verifies HS256 bearer tokens and resolves their subject.
type Gate struct {
	secret []byte
	issuer string
	dir    Directory
}

func NewGate(secret, issuer string, dir Directory) *Gate {
	return &Gate{secret: []byte(secret), issuer: issuer, dir: dir}
}

// Authenticate returns the identity behind bearer. Every failure wraps
// ErrUnauthenticated together with the specific reason.
func (g *Gate) Authenticate(ctx context.Context, bearer string) (Identity, error) {
	raw := strings.TrimSpace(bearer)
	if raw == "" {
		return Identity{}, unauthenticated(ErrMalformed)
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return g.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, unauthenticated(ErrExpired)
		}
		return Identity{}, unauthenticated(fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if claims.ExpiresAt == nil || claims.Subject == "" {
		return Identity{}, unauthenticated(fmt.Errorf("%w: missing exp or sub", ErrMalformed))
	}
	if g.issuer != "" && !claims.VerifyIssuer(g.issuer, true) {
		return Identity{}, unauthenticated(fmt.Errorf("%w: unexpected issuer %q", ErrMalformed, claims.Issuer))
	}

	u, err := g.dir.Lookup(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, unauthenticated(ErrUnknownSubject)
		}
		return Identity{}, fmt.Errorf("lookup subject: %w", err)
	}
	if !u.Active {
		return Identity{}, unauthenticated(ErrInactive)
	}
	return Identity{ID: u.ID, Name: u.Name}, nil
}

func unauthenticated(reason error) error {
	return fmt.Errorf("%w: %w", ErrUnauthenticated, reason)
}

// Issuer mints bearer tokens accepted by a Gate with the same secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret, issuer string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for subject and returns it with its expiry.
func (i *Issuer) Issue(subject string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tok, exp, nil
}

// WithIdentity injects the caller identity into context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFrom extracts the caller identity from context (if present).
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(keyIdentity).(Identity)
	return id, ok
}

// Middleware authenticates the Authorization bearer token and writes JSON
// errors on failure. It skips authentication for any path in skipPaths.
func (g *Gate) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			h := r.Header.Get("Authorization")
			if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, "missing_token", "Provide a bearer token in Authorization")
				return
			}

			id, err := g.Authenticate(r.Context(), h[7:])
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					w.Header().Set("WWW-Authenticate", "Bearer")
					writeJSON(w, http.StatusUnauthorized, "invalid_token", "Could not validate credentials")
					return
				}
				writeJSON(w, http.StatusInternalServerError, "server_error", "Internal server error")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
