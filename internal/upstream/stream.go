package upstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

const maxEventSize = 1 << 20

// ChunkReader yields the chunks of one streamed completion. Recv returns
// io.EOF once the provider ends the stream.
type ChunkReader interface {
	Recv() (*ChatCompletionChunk, error)
	Close() error
}

// eventStream decodes "data: <json>" lines of a server-sent event body.
type eventStream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
	once sync.Once
	err  error
}

func newEventStream(body io.ReadCloser) *eventStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxEventSize)
	return &eventStream{body: body, sc: sc}
}

func (s *eventStream) Recv() (*ChatCompletionChunk, error) {
	for s.sc.Scan() {
		data, ok := strings.CutPrefix(s.sc.Text(), "data:")
		if !ok {
			// blank separators, comments, event:/id: fields
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil, io.EOF
		}

		var f streamFrame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
		}
		if f.Error != nil {
			return nil, newAPIError(0, f.Error, []byte(data))
		}
		return &f.ChatCompletionChunk, nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil, io.EOF
}

func (s *eventStream) Close() error {
	s.once.Do(func() { s.err = s.body.Close() })
	return s.err
}
