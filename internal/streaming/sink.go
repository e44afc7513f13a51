// Package streaming translates agent stream fragments into OpenAI chunk
// events and writes them to a client transport.
package streaming

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/xiaot623/gogo/agentbridge/internal/openai"
)

// ErrStreamClosed is returned for writes after the terminal sentinel.
var ErrStreamClosed = errors.New("stream already terminated")

// Sink receives serialized events. data is either a JSON document or the
// literal done sentinel.
type Sink interface {
	WriteEvent(data []byte) error
}

// SSEWriter writes server-sent events and flushes after each one.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps w. It fails when w cannot be flushed incrementally.
func NewSSEWriter(w io.Writer) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes one "data:" event.
func (s *SSEWriter) WriteEvent(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// terminalGuard forwards events until the sentinel has been written and
// rejects everything after it.
type terminalGuard struct {
	mu   sync.Mutex
	next Sink
	done bool
}

func (g *terminalGuard) WriteEvent(data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return ErrStreamClosed
	}
	if string(data) == openai.DoneSentinel {
		g.done = true
	}
	return g.next.WriteEvent(data)
}
