package relay

import (
	"encoding/json"
	"net/http"
	"time"
)

// EventWriter frames chunks as server-sent events on an HTTP response.
type EventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewEventWriter sends the stream headers and clears the server write
// deadline so long completions are not cut off.
func NewEventWriter(w http.ResponseWriter) *EventWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.Flush()
	return &EventWriter{w: w, rc: rc}
}

func (e *EventWriter) WriteChunk(c *ChatChunk) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return e.data(b)
}

func (e *EventWriter) WriteDone() error {
	return e.data([]byte("[DONE]"))
}

func (e *EventWriter) WriteError(message string) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	body.Error.Message = message
	body.Error.Type = "server_error"
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return e.data(b)
}

func (e *EventWriter) data(payload []byte) error {
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')
	if _, err := e.w.Write(buf); err != nil {
		return err
	}
	return e.rc.Flush()
}
