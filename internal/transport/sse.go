package transport

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/stockpilot/stockstream/internal/progress"
)

// maxLineSize bounds a single SSE line; result payloads can be large.
const maxLineSize = 1024 * 1024

// sseStream reads Server-Sent Events from a response body.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
	closeErr  error
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &sseStream{body: body, scanner: scanner}
}

// Next returns the next event. Comment lines and heartbeat/ping events are
// returned as heartbeat frames. At the end of the body it returns io.EOF; an
// event without its terminating blank line is discarded.
func (s *sseStream) Next() (progress.Frame, error) {
	var (
		frame     progress.Frame
		dataLines []string
		hasFields bool
	)

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Empty line dispatches the event.
		if line == "" {
			if len(dataLines) == 0 && !hasFields {
				continue
			}
			frame.Data = []byte(strings.Join(dataLines, "\n"))
			if isHeartbeatEvent(frame.Event) {
				frame.Heartbeat = true
			}
			return frame, nil
		}

		// Comments between events are keep-alives. Inside an event they are ignored.
		if strings.HasPrefix(line, ":") {
			if !hasFields {
				return progress.Frame{Heartbeat: true}, nil
			}
			continue
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], strings.TrimPrefix(line[i+1:], " ")
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasFields = true
		case "event":
			frame.Event = value
			hasFields = true
		case "id":
			frame.ID = value
			hasFields = true
		}
		// retry: and unknown fields are ignored
	}

	if err := s.scanner.Err(); err != nil {
		return progress.Frame{}, fmt.Errorf("error reading stream: %w", err)
	}
	return progress.Frame{}, io.EOF
}

// Close releases the response body. It is safe to call more than once.
func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func isHeartbeatEvent(event string) bool {
	switch strings.ToLower(event) {
	case "heartbeat", "ping", "keepalive":
		return true
	}
	return false
}
