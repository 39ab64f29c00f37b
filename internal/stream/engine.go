// Package stream drives live assistant responses into the conversation store.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
	"github.com/xiaot623/gogo/chatclient/internal/logger"
)

// Opener opens the live channel for a submission.
type Opener interface {
	Open(ctx context.Context, sub domain.Submission) (EventSource, error)
}

// Store is the mutation target of a stream.
type Store interface {
	AppendMessage(conversationID string, msg domain.Message) bool
	MutateLastMessage(conversationID string, delta domain.MessageDelta) (bool, error)
}

// Policy vets a submission before any channel is opened.
type Policy interface {
	Check(ctx context.Context, sub domain.Submission) error
}

// Options configures an Engine.
type Options struct {
	Policy      Policy
	IdleTimeout time.Duration
	Logger      logrus.FieldLogger
}

// Engine runs at most one stream per conversation.
type Engine struct {
	opener      Opener
	store       Store
	policy      Policy
	idleTimeout time.Duration
	log         logrus.FieldLogger

	mu     sync.Mutex
	active map[string]*Stream
}

// NewEngine creates a stream engine.
func NewEngine(opener Opener, store Store, opts Options) *Engine {
	return &Engine{
		opener:      opener,
		store:       store,
		policy:      opts.Policy,
		idleTimeout: opts.IdleTimeout,
		log:         logger.OrDiscard(opts.Logger).WithField("component", "stream"),
		active:      make(map[string]*Stream),
	}
}

// Submit appends the user message and starts streaming the assistant response.
// It fails with ErrStreamBusy, without opening a channel, when the conversation
// already has an open stream. The stream lives until done, failure, Cancel, or ctx ends.
func (e *Engine) Submit(ctx context.Context, sub domain.Submission) (*Stream, error) {
	if sub.ConversationID == "" {
		return nil, domain.NewValidationError("conversation id is required", nil)
	}
	if e.policy != nil {
		if err := e.policy.Check(ctx, sub); err != nil {
			return nil, err
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		conversationID: sub.ConversationID,
		state:          domain.StreamStateIdle,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	e.mu.Lock()
	if _, busy := e.active[sub.ConversationID]; busy {
		e.mu.Unlock()
		cancel()
		return nil, domain.ErrStreamBusy
	}
	e.active[sub.ConversationID] = s
	e.mu.Unlock()

	e.store.AppendMessage(sub.ConversationID, domain.Message{
		ID:        uuid.New().String(),
		Role:      domain.RoleUser,
		Content:   sub.Message,
		CreatedAt: time.Now(),
		File:      sub.File,
	})

	s.setState(domain.StreamStateOpening)
	go e.run(sctx, s, sub)
	return s, nil
}

// Busy reports whether the conversation has an open stream.
func (e *Engine) Busy(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[conversationID]
	return ok
}

// CancelAll cancels every open stream.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	streams := make([]*Stream, 0, len(e.active))
	for _, s := range e.active {
		streams = append(streams, s)
	}
	e.mu.Unlock()

	for _, s := range streams {
		s.Cancel()
	}
}

func (e *Engine) release(s *Stream) {
	e.mu.Lock()
	if e.active[s.conversationID] == s {
		delete(e.active, s.conversationID)
	}
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, s *Stream, sub domain.Submission) {
	log := e.log.WithField("conversation_id", sub.ConversationID)
	r := &runner{engine: e, stream: s, log: log}
	defer func() {
		s.cancel()
		e.release(s)
		close(s.done)
	}()

	src, err := e.opener.Open(ctx, sub)
	if err != nil {
		r.fail(err)
		return
	}
	defer src.Close()

	for {
		ev, err := e.next(ctx, src)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = &domain.APIError{Kind: domain.ErrTransientNetwork, Message: "stream ended before completion"}
			}
			r.fail(err)
			return
		}
		if r.apply(ev) {
			return
		}
	}
}

// next waits for the next event, failing the wait after the idle timeout.
func (e *Engine) next(ctx context.Context, src EventSource) (domain.StreamEvent, error) {
	if e.idleTimeout <= 0 {
		return src.Next(ctx)
	}

	ictx, cancel := context.WithTimeout(ctx, e.idleTimeout)
	defer cancel()

	ev, err := src.Next(ictx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return ev, &domain.APIError{Kind: domain.ErrTransientNetwork, Message: fmt.Sprintf("no event for %s", e.idleTimeout)}
	}
	return ev, err
}

// runner holds the per-stream state machine.
type runner struct {
	engine      *Engine
	stream      *Stream
	log         logrus.FieldLogger
	placeholder bool
	lastSeq     int64
}

// apply handles one event and reports whether the stream reached a terminal state.
func (r *runner) apply(ev domain.StreamEvent) bool {
	if ev.Seq != 0 {
		if ev.Seq <= r.lastSeq {
			r.fail(fmt.Errorf("%w: seq %d after %d", domain.ErrStreamOrdering, ev.Seq, r.lastSeq))
			return true
		}
		r.lastSeq = ev.Seq
	}

	if !r.placeholder {
		r.open(ev)
	}

	switch ev.Kind {
	case domain.EventKindDelta:
		return r.mutate(domain.MessageDelta{Content: ev.Delta.Content})
	case domain.EventKindSources:
		r.stream.setState(domain.StreamStateCompleting)
		return r.mutate(domain.MessageDelta{Sources: ev.Sources.Sources})
	case domain.EventKindError:
		r.fail(&domain.APIError{Kind: domain.ErrServer, Code: ev.Error.Code, Message: ev.Error.Message})
		return true
	case domain.EventKindDone:
		if r.mutate(domain.MessageDelta{Complete: true}) {
			return true
		}
		r.stream.finish(domain.StreamStateClosed, nil)
		r.log.Debug("Stream closed")
		return true
	}
	return false
}

// open appends the placeholder assistant message on the first event.
func (r *runner) open(ev domain.StreamEvent) {
	msg := domain.Message{
		ID:        uuid.New().String(),
		Role:      domain.RoleAssistant,
		CreatedAt: time.Now(),
		InFlight:  true,
	}
	if ev.Start != nil {
		if ev.Start.MessageID != "" {
			msg.ID = ev.Start.MessageID
		}
		msg.Agent = ev.Start.Agent
	}

	r.engine.store.AppendMessage(r.stream.conversationID, msg)
	r.placeholder = true
	r.stream.setMessageID(msg.ID)
	r.stream.setState(domain.StreamStateStreaming)
	r.log.WithField("message_id", msg.ID).Debug("Stream opened")
}

// mutate applies delta and reports whether doing so failed the stream.
func (r *runner) mutate(delta domain.MessageDelta) bool {
	delta.MessageID = r.stream.MessageID()
	if _, err := r.engine.store.MutateLastMessage(r.stream.conversationID, delta); err != nil {
		r.fail(err)
		return true
	}
	return false
}

// fail moves the stream to Failed and marks its assistant message with the error.
func (r *runner) fail(err error) {
	if r.stream.State().Terminal() {
		return
	}

	cid := r.stream.conversationID
	if r.placeholder {
		if _, mErr := r.engine.store.MutateLastMessage(cid, domain.MessageDelta{MessageID: r.stream.MessageID(), Failure: err.Error()}); mErr != nil {
			r.log.WithError(mErr).Warn("Could not mark streamed message as failed")
		}
	} else {
		r.engine.store.AppendMessage(cid, domain.Message{
			ID:        uuid.New().String(),
			Role:      domain.RoleAssistant,
			CreatedAt: time.Now(),
			Failed:    true,
			Error:     err.Error(),
		})
	}

	r.stream.finish(domain.StreamStateFailed, err)
	r.log.WithError(err).Warn("Stream failed")
}

// Stream is the handle of one submission's response.
type Stream struct {
	conversationID string
	cancel         context.CancelFunc
	done           chan struct{}

	mu        sync.Mutex
	state     domain.StreamState
	messageID string
	err       error
}

// ConversationID returns the conversation the stream writes to.
func (s *Stream) ConversationID() string {
	return s.conversationID
}

// MessageID returns the id of the assistant message, empty until the first event.
func (s *Stream) MessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

// State returns the current state.
func (s *Stream) State() domain.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause once the stream has failed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the stream reached a terminal state and released its conversation.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the stream ends or ctx is done, and returns the stream's failure, if any.
func (s *Stream) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// Cancel aborts the stream; it ends in Failed unless it already finished.
func (s *Stream) Cancel() {
	s.cancel()
}

func (s *Stream) setState(state domain.StreamState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = state
	}
}

func (s *Stream) setMessageID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageID = id
}

func (s *Stream) finish(state domain.StreamState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = state
	s.err = err
}
