package stream

import (
	"context"
	"io"
	"sync"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

// EventSource yields the events of one stream attempt in arrival order.
// Next returns io.EOF once the channel ends.
type EventSource interface {
	Next(ctx context.Context) (domain.StreamEvent, error)
	Close() error
}

type result struct {
	ev  domain.StreamEvent
	err error
}

// pumpSource adapts a blocking decode function to a context-aware EventSource.
// The decoder runs on its own goroutine; closing the underlying connection unblocks it.
type pumpSource struct {
	results chan result
	done    chan struct{}
	closer  io.Closer
	once    sync.Once
	err     error
}

func newPumpSource(decode func() (domain.StreamEvent, error), closer io.Closer) *pumpSource {
	s := &pumpSource{
		results: make(chan result),
		done:    make(chan struct{}),
		closer:  closer,
	}
	go s.pump(decode)
	return s
}

func (s *pumpSource) pump(decode func() (domain.StreamEvent, error)) {
	for {
		ev, err := decode()
		select {
		case s.results <- result{ev: ev, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *pumpSource) Next(ctx context.Context) (domain.StreamEvent, error) {
	select {
	case <-ctx.Done():
		return domain.StreamEvent{}, ctx.Err()
	case <-s.done:
		return domain.StreamEvent{}, io.EOF
	case r := <-s.results:
		return r.ev, r.err
	}
}

func (s *pumpSource) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.closer.Close()
	})
	return s.err
}
