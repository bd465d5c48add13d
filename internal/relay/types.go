package relay

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRequest marks a request rejected before any upstream call.
var ErrInvalidRequest = errors.New("relay: invalid request")

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the inbound completion request. Nil sampling fields take
// the configured defaults.
type ChatRequest struct {
	Messages         []ChatMessage `json:"messages"`
	Model            string        `json:"model,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	User             string        `json:"user,omitempty"`
}

func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		if strings.TrimSpace(m.Role) == "" {
			return fmt.Errorf("%w: messages[%d].role is required", ErrInvalidRequest, i)
		}
	}
	if err := inRange("temperature", r.Temperature, 0, 2); err != nil {
		return err
	}
	if err := inRange("top_p", r.TopP, 0, 1); err != nil {
		return err
	}
	if err := inRange("frequency_penalty", r.FrequencyPenalty, -2, 2); err != nil {
		return err
	}
	if err := inRange("presence_penalty", r.PresencePenalty, -2, 2); err != nil {
		return err
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidRequest)
	}
	return nil
}

func inRange(name string, v *float64, lo, hi float64) error {
	if v != nil && (*v < lo || *v > hi) {
		return fmt.Errorf("%w: %s must be within [%g, %g]", ErrInvalidRequest, name, lo, hi)
	}
	return nil
}

// Delta carries incremental content; the finish chunk has an empty delta.
type Delta struct {
	Content string `json:"content,omitempty"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatChunk is one outbound stream event payload.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason *string     `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}
