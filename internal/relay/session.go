package relay

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/GateRelay/internal/upstream"
	"github.com/rs/zerolog"
)

// StreamErrorMessage is the only error text a client sees mid-stream.
const StreamErrorMessage = "Stream error occurred"

type State int32

const (
	StateIdle State = iota
	StateUpstreamOpening
	StateStreaming
	StateCompleted
	StateUpstreamError
	StateClientCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUpstreamOpening:
		return "upstream_opening"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateUpstreamError:
		return "upstream_error"
	case StateClientCancelled:
		return "client_cancelled"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s >= StateCompleted
}

type EventKind int

const (
	EventChunk EventKind = iota
	EventDone
	EventError
)

// Event is what the producer hands the writer. A session emits any number
// of chunk events followed by exactly one done or error event, unless the
// client goes away first.
type Event struct {
	Kind  EventKind
	Chunk *ChatChunk
	Err   error
}

// Session is one streamed completion. It is owned by the request that
// opened it and is not restartable.
type Session struct {
	events chan Event
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
	id     string
	err    error
	log    zerolog.Logger
}

// Events is closed once the producer has exited.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State { return State(s.state.Load()) }

// Err returns the upstream failure, if any, once the session is done.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Done is closed when the producer goroutine has exited and the upstream
// stream is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close cancels the upstream call and waits for the producer to exit.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) run(ctx context.Context, up Upstream, req *upstream.ChatCompletionRequest) {
	defer close(s.done)
	defer close(s.events)

	s.setState(StateUpstreamOpening)
	rd, err := up.StreamChatCompletion(ctx, req)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	defer rd.Close()
	// unblock a pending Recv when the client goes away
	stop := context.AfterFunc(ctx, func() { _ = rd.Close() })
	defer stop()

	for {
		chunk, err := rd.Recv()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.setState(StateClientCancelled)
			case errors.Is(err, io.EOF):
				s.finish(ctx)
			default:
				s.fail(ctx, err)
			}
			return
		}
		s.state.CompareAndSwap(int32(StateUpstreamOpening), int32(StateStreaming))

		out, finished := s.translate(chunk)
		for _, c := range out {
			if !s.send(ctx, Event{Kind: EventChunk, Chunk: c}) {
				s.setState(StateClientCancelled)
				return
			}
		}
		if finished {
			s.finish(ctx)
			return
		}
	}
}

func (s *Session) send(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) finish(ctx context.Context) {
	if s.send(ctx, Event{Kind: EventDone}) {
		s.setState(StateCompleted)
		return
	}
	s.setState(StateClientCancelled)
}

func (s *Session) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		s.setState(StateClientCancelled)
		return
	}
	s.err = err
	s.log.Error().Err(err).Str("stream_id", s.id).Str("state", s.State().String()).Msg("upstream stream failed")
	if s.send(ctx, Event{Kind: EventError, Err: err}) {
		s.setState(StateUpstreamError)
		return
	}
	s.setState(StateClientCancelled)
}

// translate maps one upstream chunk to outbound chunks: a content chunk for
// non-empty content, then a finish chunk with an empty delta when the
// choice carries a finish reason.
func (s *Session) translate(c *upstream.ChatCompletionChunk) ([]*ChatChunk, bool) {
	if len(c.Choices) == 0 {
		return nil, false
	}
	choice := c.Choices[0]

	head := ChatChunk{ID: c.ID, Object: c.Object, Created: c.Created, Model: c.Model}
	if head.ID == "" {
		head.ID = s.id
	}
	if head.Object == "" {
		head.Object = "chat.completion.chunk"
	}
	if head.Created == 0 {
		head.Created = time.Now().Unix()
	}

	var out []*ChatChunk
	if d := choice.Delta.Content; d != nil && *d != "" {
		ch := head
		ch.Choices = []ChunkChoice{{Index: choice.Index, Delta: Delta{Content: *d}, FinishReason: choice.FinishReason}}
		out = append(out, &ch)
	}
	finished := choice.FinishReason != nil && *choice.FinishReason != ""
	if finished {
		ch := head
		ch.Choices = []ChunkChoice{{Index: choice.Index, FinishReason: choice.FinishReason}}
		out = append(out, &ch)
	}
	return out, finished
}

// Sink receives the outbound stream.
type Sink interface {
	WriteChunk(c *ChatChunk) error
	WriteDone() error
	WriteError(message string) error
}

// Forward drains the session into sink until a terminal event, a write
// failure, or ctx cancellation. It returns the outcome as seen by the
// client. Nothing is written once ctx is done.
func (s *Session) Forward(ctx context.Context, sink Sink) State {
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return StateClientCancelled
		case ev, ok := <-s.events:
			if !ok {
				return s.State()
			}
			if ctx.Err() != nil {
				s.Close()
				return StateClientCancelled
			}
			var err error
			switch ev.Kind {
			case EventChunk:
				err = sink.WriteChunk(ev.Chunk)
			case EventDone:
				err = sink.WriteDone()
			case EventError:
				err = sink.WriteError(StreamErrorMessage)
			}
			if err != nil {
				s.log.Debug().Err(err).Str("stream_id", s.id).Msg("client write failed")
				s.Close()
				return StateClientCancelled
			}
		}
	}
}
