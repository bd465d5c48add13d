// Package upstream talks to the OpenAI-compatible completion provider.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	// ErrTransport covers network failures, including a stream body cut
	// off mid-read. A body that ends cleanly without [DONE] is io.EOF.
	ErrTransport = errors.New("upstream: transport error")
	// ErrMalformedChunk is returned for stream payloads that are not valid chunks.
	ErrMalformedChunk = errors.New("upstream: malformed chunk")
)

// APIError is an error reported by the provider, either as a non-2xx
// response or as an error payload inside a stream.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream: %s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("upstream: status %d: %s: %s", e.StatusCode, e.Type, e.Message)
}

type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds non-streaming calls and the wait for a stream to start.
	Timeout time.Duration
}

type Client struct {
	rc      *resty.Client
	timeout time.Duration
}

func New(cfg Config) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTransport(NewHTTPTransport(cfg.Timeout)).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{rc: rc, timeout: cfg.Timeout}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// CreateChatCompletion runs a non-streaming completion.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	body := *req
	body.Stream = false

	var out ChatCompletionResponse
	var apiErr errorEnvelope
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(&body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if resp.IsError() {
		return nil, newAPIError(resp.StatusCode(), apiErr.Error, resp.Body())
	}
	return &out, nil
}

// StreamChatCompletion opens a streaming completion. The returned reader
// must be closed; cancelling ctx aborts a pending Recv.
func (c *Client) StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest) (ChunkReader, error) {
	body := *req
	body.Stream = true

	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(&body).
		SetHeader("Accept", "text/event-stream").
		SetDoNotParseResponse(true).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	raw := resp.RawBody()
	if resp.StatusCode() >= 300 {
		defer raw.Close()
		b, _ := io.ReadAll(io.LimitReader(raw, 64<<10))
		var env errorEnvelope
		_ = json.Unmarshal(b, &env)
		return nil, newAPIError(resp.StatusCode(), env.Error, b)
	}
	return newEventStream(raw), nil
}

// ListModels returns the model ids the provider offers.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var out modelList
	var apiErr errorEnvelope
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/models")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if resp.IsError() {
		return nil, newAPIError(resp.StatusCode(), apiErr.Error, resp.Body())
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func newAPIError(status int, body *errorBody, raw []byte) *APIError {
	e := &APIError{StatusCode: status, Type: "api_error"}
	if body != nil {
		if body.Type != "" {
			e.Type = body.Type
		}
		e.Message = body.Message
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(raw))
		if len(e.Message) > 256 {
			e.Message = e.Message[:256]
		}
	}
	return e
}
