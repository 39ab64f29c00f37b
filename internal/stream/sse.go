package stream

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

const doneMarker = "[DONE]"

// StreamClient opens the SSE response channel.
type StreamClient interface {
	OpenStream(ctx context.Context, path string, body interface{}) (io.ReadCloser, error)
}

// SSEOpener opens streams by posting the submission and reading an event-stream response.
type SSEOpener struct {
	client StreamClient
	path   string
}

// NewSSEOpener creates an opener posting to path.
func NewSSEOpener(client StreamClient, path string) *SSEOpener {
	return &SSEOpener{client: client, path: path}
}

// Open starts the stream for sub.
func (o *SSEOpener) Open(ctx context.Context, sub domain.Submission) (EventSource, error) {
	body, err := o.client.OpenStream(ctx, o.path, sub)
	if err != nil {
		return nil, err
	}
	return NewSSESource(body), nil
}

// NewSSESource reads server-sent events from body.
func NewSSESource(body io.ReadCloser) EventSource {
	d := &sseDecoder{scanner: bufio.NewScanner(body)}
	d.scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return newPumpSource(d.next, body)
}

// sseDecoder parses one event at a time from an SSE stream.
type sseDecoder struct {
	scanner *bufio.Scanner
	done    bool
}

func (d *sseDecoder) next() (domain.StreamEvent, error) {
	if d.done {
		return domain.StreamEvent{}, io.EOF
	}

	var name string
	var data []string
	for {
		line, ok := d.readLine()
		if !ok {
			if err := d.scanner.Err(); err != nil {
				return domain.StreamEvent{}, err
			}
			d.done = true
			if name == "" && len(data) == 0 {
				return domain.StreamEvent{}, io.EOF
			}
			// Flush a final event not followed by a blank line.
			line = ""
		}

		// Empty line marks end of event
		if line == "" {
			if name == "" && len(data) == 0 {
				continue
			}
			ev, ok, err := d.dispatch(name, strings.Join(data, "\n"))
			if err != nil || ok {
				return ev, err
			}
			if d.done {
				return domain.StreamEvent{}, io.EOF
			}
			name, data = "", nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// Ignore comments (lines starting with :) and other fields
	}
}

func (d *sseDecoder) readLine() (string, bool) {
	if !d.scanner.Scan() {
		return "", false
	}
	return strings.TrimSuffix(d.scanner.Text(), "\r"), true
}

func (d *sseDecoder) dispatch(name, data string) (domain.StreamEvent, bool, error) {
	if data == doneMarker {
		return domain.StreamEvent{Kind: domain.EventKindDone, Done: &domain.DoneEventData{}}, true, nil
	}
	if name == "" {
		name = "message"
	}
	return decodeEvent(name, []byte(data))
}
