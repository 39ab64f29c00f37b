// Package conversation keeps the ordered, de-duplicated conversation list and the
// message lists of the conversations currently open.
package conversation

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
	"github.com/xiaot623/gogo/chatclient/internal/logger"
)

// API is the part of the chat service the store talks to.
type API interface {
	ListConversations(ctx context.Context) ([]domain.ConversationSummary, error)
	DeleteConversation(ctx context.Context, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

// Listener is called after every applied mutation.
type Listener func(domain.Change)

// Store is the only writer of conversation and message state.
type Store struct {
	api API
	log logrus.FieldLogger

	mu            sync.Mutex
	conversations []domain.ConversationSummary
	messages      map[string][]domain.Message
	deleted       map[string]struct{}
	loadSeq       uint64
	appliedSeq    uint64

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// NewStore creates an empty store.
func NewStore(api API, log logrus.FieldLogger) *Store {
	return &Store{
		api:       api,
		log:       logger.OrDiscard(log).WithField("component", "conversation"),
		messages:  make(map[string][]domain.Message),
		deleted:   make(map[string]struct{}),
		listeners: make(map[int]Listener),
	}
}

// LoadConversations fetches the list and replaces the stored one wholesale.
// A load that resolves after a later-issued load has been applied is discarded.
func (s *Store) LoadConversations(ctx context.Context) error {
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	list, err := s.api.ListConversations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if seq <= s.appliedSeq {
		s.mu.Unlock()
		s.log.WithField("seq", seq).Debug("Discarding stale conversation list")
		return nil
	}
	s.appliedSeq = seq
	s.conversations = s.dedupe(list)
	count := len(s.conversations)
	s.mu.Unlock()

	s.log.WithField("count", count).Debug("Conversation list replaced")
	s.notify(domain.Change{Kind: domain.ChangeConversationsLoaded})
	return nil
}

// dedupe keeps the first occurrence of every id in server order and drops deleted ids.
func (s *Store) dedupe(list []domain.ConversationSummary) []domain.ConversationSummary {
	seen := make(map[string]struct{}, len(list))
	out := make([]domain.ConversationSummary, 0, len(list))
	for _, c := range list {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		if _, gone := s.deleted[c.ID]; gone {
			continue
		}
		out = append(out, c)
	}
	return out
}

// RemoveConversation deletes a conversation on the server and, once confirmed, locally.
// NotFound counts as confirmation. Any other failure leaves the store untouched.
func (s *Store) RemoveConversation(ctx context.Context, id string) error {
	err := s.api.DeleteConversation(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.log.WithError(err).WithField("conversation_id", id).Warn("Delete failed, keeping conversation")
		return err
	}

	s.mu.Lock()
	s.deleted[id] = struct{}{}
	delete(s.messages, id)
	for i, c := range s.conversations {
		if c.ID == id {
			s.conversations = append(s.conversations[:i:i], s.conversations[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.log.WithField("conversation_id", id).Info("Conversation removed")
	s.notify(domain.Change{Kind: domain.ChangeConversationRemoved, ConversationID: id})
	return nil
}

// OpenConversation loads the stored history of a conversation and marks it loaded.
func (s *Store) OpenConversation(ctx context.Context, id string) error {
	msgs, err := s.api.ListMessages(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.forget(id)
		}
		return err
	}

	s.mu.Lock()
	if _, gone := s.deleted[id]; gone {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	list := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		list[i] = m.Clone()
	}
	s.messages[id] = list
	s.mu.Unlock()

	s.notify(domain.Change{Kind: domain.ChangeMessagesLoaded, ConversationID: id})
	return nil
}

// forget drops a conversation the server no longer has.
func (s *Store) forget(id string) {
	s.mu.Lock()
	delete(s.messages, id)
	removed := false
	for i, c := range s.conversations {
		if c.ID == id {
			s.conversations = append(s.conversations[:i:i], s.conversations[i+1:]...)
			removed = true
			break
		}
	}
	s.mu.Unlock()

	if removed {
		s.notify(domain.Change{Kind: domain.ChangeConversationRemoved, ConversationID: id})
	}
}

// StartConversation registers an empty message list for a conversation not yet known to the server.
func (s *Store) StartConversation(id string) {
	s.mu.Lock()
	delete(s.deleted, id)
	if _, ok := s.messages[id]; !ok {
		s.messages[id] = []domain.Message{}
	}
	s.mu.Unlock()

	s.notify(domain.Change{Kind: domain.ChangeMessagesLoaded, ConversationID: id})
}

// CloseConversation unloads a conversation's messages; later stream events for it are ignored.
func (s *Store) CloseConversation(id string) {
	s.mu.Lock()
	delete(s.messages, id)
	s.mu.Unlock()
}

// IsLoaded reports whether the conversation's messages are held.
func (s *Store) IsLoaded(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[id]
	return ok
}

// AppendMessage adds msg to the tail of the conversation.
// It reports false, without error, when the conversation is not loaded.
func (s *Store) AppendMessage(conversationID string, msg domain.Message) bool {
	s.mu.Lock()
	list, ok := s.messages[conversationID]
	if !ok {
		s.mu.Unlock()
		s.log.WithField("conversation_id", conversationID).Debug("Ignoring message for unloaded conversation")
		return false
	}
	s.messages[conversationID] = append(list, msg.Clone())
	s.mu.Unlock()

	s.notify(domain.Change{Kind: domain.ChangeMessageAppended, ConversationID: conversationID, MessageID: msg.ID})
	return true
}

// MutateLastMessage applies delta to the trailing in-flight assistant message.
// It reports false when the conversation is not loaded and returns ErrInvalidMutation
// when the trailing message is not an in-flight assistant message. A delta naming a
// message that is no longer the trailing in-flight one is dropped the same way as
// a delta for an unloaded conversation.
func (s *Store) MutateLastMessage(conversationID string, delta domain.MessageDelta) (bool, error) {
	s.mu.Lock()
	list, ok := s.messages[conversationID]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if delta.MessageID != "" {
		if n := len(list); n == 0 || list[n-1].ID != delta.MessageID || !list[n-1].InFlight {
			s.mu.Unlock()
			return false, nil
		}
	}
	if len(list) == 0 {
		s.mu.Unlock()
		return false, domain.ErrInvalidMutation
	}
	last := &list[len(list)-1]
	if last.Role != domain.RoleAssistant || !last.InFlight {
		s.mu.Unlock()
		return false, domain.ErrInvalidMutation
	}

	last.Content += delta.Content
	if delta.Sources != nil {
		last.Sources = make([]domain.Source, len(delta.Sources))
		for i, src := range delta.Sources {
			last.Sources[i] = src.Clone()
		}
	}
	if delta.Failure != "" {
		last.InFlight = false
		last.Failed = true
		last.Error = delta.Failure
	} else if delta.Complete {
		last.InFlight = false
	}
	id := last.ID
	s.mu.Unlock()

	s.notify(domain.Change{Kind: domain.ChangeMessageUpdated, ConversationID: conversationID, MessageID: id})
	return true, nil
}

// Conversations returns a copy of the list in server order.
func (s *Store) Conversations() []domain.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConversationSummary, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// Messages returns a copy of a conversation's messages, or nil if it is not loaded.
func (s *Store) Messages(conversationID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.messages[conversationID]
	if !ok {
		return nil
	}
	out := make([]domain.Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

// LastMessage returns a copy of the trailing message of a loaded conversation.
func (s *Store) LastMessage(conversationID string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[conversationID]
	if len(list) == 0 {
		return domain.Message{}, false
	}
	return list[len(list)-1].Clone(), true
}

// Reset drops all state, as on logout. Loads still in flight are discarded when they resolve.
func (s *Store) Reset() {
	s.mu.Lock()
	s.conversations = nil
	s.messages = make(map[string][]domain.Message)
	s.deleted = make(map[string]struct{})
	s.appliedSeq = s.loadSeq
	s.mu.Unlock()

	s.notify(domain.Change{Kind: domain.ChangeConversationsReset})
}

// Subscribe registers fn for changes and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notify(change domain.Change) {
	s.listenersMu.Lock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
