// ABOUTME: Pull-based reader for SSE turn streams.
// ABOUTME: Parses event/data frames and decodes them into wire stream events.

package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/2389/loom/internal/wire"
)

// Product batches can make frames far larger than the scanner default.
const maxFrameSize = 1 << 20

// sseStream adapts a text/event-stream response body into the pull-based
// sequence the session consumes. Seq numbers are assigned in arrival order
// and feed fallback id generation downstream.
type sseStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	seq       int64
	closeOnce sync.Once
	closeErr  error
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &sseStream{body: body, scanner: scanner}
}

// Next blocks until the stream yields an event, ends (io.EOF), or ctx is
// done. Unknown event names and malformed payloads are skipped, never
// surfaced as errors.
func (s *sseStream) Next(ctx context.Context) (wire.StreamEvent, error) {
	var eventName string
	var dataLines []string

	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return wire.StreamEvent{}, err
		}

		line := s.scanner.Text()

		// Empty line ends the frame
		if line == "" {
			if eventName == "" && len(dataLines) == 0 {
				continue
			}
			name := eventName
			data := strings.Join(dataLines, "\n")
			eventName = ""
			dataLines = nil

			s.seq++
			ev, ok := wire.DecodeStreamEvent(name, []byte(data), s.seq)
			if !ok {
				continue
			}
			return ev, nil
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment line, used by servers as a keepalive
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	// Cancellation surfaces through the body read; report it as such so the
	// session can tell a local abort from a transport failure.
	if err := ctx.Err(); err != nil {
		return wire.StreamEvent{}, err
	}
	if err := s.scanner.Err(); err != nil {
		return wire.StreamEvent{}, fmt.Errorf("reading stream: %w", err)
	}
	return wire.StreamEvent{}, io.EOF
}

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
