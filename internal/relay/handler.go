package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"
)

// Handler serves the chat endpoints. Admission and authentication happen
// in middleware before these handlers run.
type Handler struct {
	relay *Relay

	// OnStreamOutcome is called once per finished stream.
	OnStreamOutcome func(outcome State)
	// OnUpstreamError is called with "complete", "stream" or "models".
	OnUpstreamError func(op string)
}

func NewHandler(r *Relay) *Handler {
	return &Handler{relay: r}
}

func (h *Handler) upstreamError(op string) {
	if h.OnUpstreamError != nil {
		h.OnUpstreamError(op)
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (*ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, "body_too_large", "Request body too large")
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body")
		return nil, false
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, false
	}
	return &req, true
}

// Completions handles non-streaming completions.
func (h *Handler) Completions() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRequest(w, r)
		if !ok {
			return
		}
		req.Stream = false

		resp, err := h.relay.Complete(r.Context(), req)
		if err != nil {
			h.upstreamError("complete")
			hlog.FromRequest(r).Error().Err(err).Msg("chat completion failed")
			writeJSON(w, http.StatusInternalServerError, "server_error", "Internal server error")
			return
		}
		hlog.FromRequest(r).Info().Str("model", resp.Model).Int("total_tokens", resp.Usage.TotalTokens).Msg("chat completion")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// Stream handles streaming completions as server-sent events.
func (h *Handler) Stream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRequest(w, r)
		if !ok {
			return
		}
		req.Stream = true

		sess := h.relay.Stream(r.Context(), req)
		defer sess.Close()

		outcome := sess.Forward(r.Context(), NewEventWriter(w))
		if outcome == StateUpstreamError {
			h.upstreamError("stream")
		}
		if h.OnStreamOutcome != nil {
			h.OnStreamOutcome(outcome)
		}
		hlog.FromRequest(r).Info().Str("outcome", outcome.String()).Msg("chat stream finished")
	})
}

type modelsResponse struct {
	Models []string `json:"models"`
}

// Models lists upstream models, falling back to a static list.
func (h *Handler) Models() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids, err := h.relay.Models(r.Context())
		if err != nil {
			h.upstreamError("models")
			hlog.FromRequest(r).Warn().Err(err).Msg("model listing failed, serving fallback")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(modelsResponse{Models: ids})
	})
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	body.Error.Code = errCode
	body.Error.Message = msg
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
