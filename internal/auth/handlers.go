package auth

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/hlog"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type meResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MeHandler returns the authenticated caller.
func MeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, "missing_token", "Not authenticated")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meResponse{ID: id.ID, Name: id.Name})
	})
}

// RefreshHandler issues a fresh token for the authenticated caller.
func (i *Issuer) RefreshHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, "missing_token", "Not authenticated")
			return
		}
		tok, _, err := i.Issue(id.ID)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("user", id.ID).Msg("token refresh failed")
			writeJSON(w, http.StatusInternalServerError, "server_error", "Token refresh failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: tok,
			TokenType:   "bearer",
			ExpiresIn:   int64(i.ttl.Seconds()),
		})
	})
}
