// Package relay forwards chat completions from the upstream provider,
// either as a single response or as a stream of chunk events.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/AlexKimmel/GateRelay/internal/upstream"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FallbackModels is served when the provider's model listing fails.
var FallbackModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo"}

// Upstream is the provider surface the relay needs. *upstream.Client
// implements it.
type Upstream interface {
	CreateChatCompletion(ctx context.Context, req *upstream.ChatCompletionRequest) (*upstream.ChatCompletionResponse, error)
	StreamChatCompletion(ctx context.Context, req *upstream.ChatCompletionRequest) (upstream.ChunkReader, error)
	ListModels(ctx context.Context) ([]string, error)
}

// Defaults fill request fields the caller left unset.
type Defaults struct {
	Model            string
	MaxTokens        int
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

func DefaultDefaults() Defaults {
	return Defaults{
		Model:       "gpt-4o-mini",
		MaxTokens:   4096,
		Temperature: 0.7,
		TopP:        1.0,
	}
}

type Options struct {
	Defaults Defaults
	// Buffer is the capacity of a session's event channel.
	Buffer int
	Logger zerolog.Logger
}

type Relay struct {
	up       Upstream
	defaults Defaults
	buffer   int
	log      zerolog.Logger
}

func New(up Upstream, opts Options) *Relay {
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	return &Relay{up: up, defaults: opts.Defaults, buffer: opts.Buffer, log: opts.Logger}
}

func (r *Relay) upstreamRequest(req *ChatRequest) *upstream.ChatCompletionRequest {
	d := r.defaults
	out := &upstream.ChatCompletionRequest{
		Model:            d.Model,
		Messages:         make([]upstream.Message, len(req.Messages)),
		Temperature:      d.Temperature,
		MaxTokens:        d.MaxTokens,
		TopP:             d.TopP,
		FrequencyPenalty: d.FrequencyPenalty,
		PresencePenalty:  d.PresencePenalty,
		User:             req.User,
	}
	for i, m := range req.Messages {
		out.Messages[i] = upstream.Message{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	if req.Model != "" {
		out.Model = req.Model
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	if req.FrequencyPenalty != nil {
		out.FrequencyPenalty = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		out.PresencePenalty = *req.PresencePenalty
	}
	return out
}

// Complete runs a non-streaming completion. Missing usage is reported as zero.
func (r *Relay) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := r.up.CreateChatCompletion(ctx, r.upstreamRequest(req))
	if err != nil {
		return nil, fmt.Errorf("relay: completion: %w", err)
	}

	out := &ChatResponse{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: make([]Choice, 0, len(resp.Choices)),
	}
	if out.ID == "" {
		out.ID = newCompletionID()
	}
	if out.Object == "" {
		out.Object = "chat.completion"
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, Choice{
			Index:        c.Index,
			Message:      ChatMessage{Role: c.Message.Role, Content: c.Message.Content, Name: c.Message.Name},
			FinishReason: c.FinishReason,
		})
	}
	if u := resp.Usage; u != nil {
		out.Usage = Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// Models lists provider models. On failure it returns FallbackModels and
// the error that caused the fallback.
func (r *Relay) Models(ctx context.Context) ([]string, error) {
	ids, err := r.up.ListModels(ctx)
	if err != nil {
		return append([]string(nil), FallbackModels...), err
	}
	return ids, nil
}

// Ping reports whether the provider answers a model listing.
func (r *Relay) Ping(ctx context.Context) error {
	_, err := r.up.ListModels(ctx)
	return err
}

// Stream opens a streaming session. Each call opens a fresh upstream
// request; the caller must Close the session.
func (r *Relay) Stream(ctx context.Context, req *ChatRequest) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		events: make(chan Event, r.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
		id:     newCompletionID(),
		log:    r.log,
	}
	go s.run(ctx, r.up, r.upstreamRequest(req))
	return s
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}
