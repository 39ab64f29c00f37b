// Package tokenstore holds the process-wide session credentials.
package tokenstore

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
	"github.com/xiaot623/gogo/chatclient/internal/logger"
)

const persistTimeout = 5 * time.Second

// Persister is the durable storage behind the store.
type Persister interface {
	LoadTokens(ctx context.Context) (*domain.TokenPair, error)
	SaveTokens(ctx context.Context, pair domain.TokenPair) error
	ClearTokens(ctx context.Context) error
}

// Listener is notified with the new session after every write.
type Listener func(domain.Session)

// Store is the single source of truth for the session.
// Reads always reflect the last write. Writes are serialized end to end, so memory,
// durable storage and listeners observe them in the same order. Listeners must not
// write to the store.
type Store struct {
	// writeMu is held across a write's memory update, persistence and notification.
	writeMu sync.Mutex
	written bool

	mu        sync.RWMutex
	session   domain.Session
	persister Persister
	log       logrus.FieldLogger

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// New creates a store in the loading state. A nil persister keeps the session in memory only.
func New(persister Persister, log logrus.FieldLogger) *Store {
	return &Store{
		session:   domain.Session{IsLoading: true},
		persister: persister,
		log:       logger.OrDiscard(log).WithField("component", "tokenstore"),
		listeners: make(map[int]Listener),
	}
}

// Hydrate reads persisted tokens and ends the loading window.
// The loading flag is cleared even when reading fails; the user is then unauthenticated.
// Tokens written since New take precedence over the persisted pair.
func (s *Store) Hydrate(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var pair *domain.TokenPair
	var err error
	if s.persister != nil && !s.written {
		pair, err = s.persister.LoadTokens(ctx)
	}

	s.mu.Lock()
	if err == nil && pair != nil {
		s.session.AccessToken = pair.Access
		s.session.RefreshToken = pair.Refresh
	}
	s.session.IsLoading = false
	snapshot := s.session
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).Warn("Failed to read persisted tokens")
	} else {
		s.log.WithField("restored", pair != nil).Debug("Session hydrated")
	}
	s.notify(snapshot)
	return err
}

// SetTokens replaces both tokens at once.
func (s *Store) SetTokens(access, refresh string) {
	s.write(access, refresh, func(ctx context.Context) error {
		return s.persister.SaveTokens(ctx, domain.TokenPair{Access: access, Refresh: refresh})
	})
}

// ClearTokens removes both tokens; observers must treat the user as unauthenticated.
func (s *Store) ClearTokens() {
	s.write("", "", func(ctx context.Context) error {
		return s.persister.ClearTokens(ctx)
	})
}

func (s *Store) write(access, refresh string, persist func(ctx context.Context) error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.written = true
	s.mu.Lock()
	s.session.AccessToken = access
	s.session.RefreshToken = refresh
	snapshot := s.session
	s.mu.Unlock()

	if s.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := persist(ctx); err != nil {
			s.log.WithError(err).WithField("cleared", access == "").Warn("Failed to persist tokens")
		}
	}
	s.notify(snapshot)
}

// SetLoading sets whether hydration is still in progress.
func (s *Store) SetLoading(loading bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.session.IsLoading = loading
	snapshot := s.session
	s.mu.Unlock()

	s.notify(snapshot)
}

// Session returns a snapshot of the current session.
func (s *Store) Session() domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// AccessToken returns the current access token.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.AccessToken
}

// RefreshToken returns the current refresh token.
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.RefreshToken
}

// IsLoading reports whether hydration is still in progress.
func (s *Store) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.IsLoading
}

// IsAuthenticated is false while loading or when no access token is held.
func (s *Store) IsAuthenticated() bool {
	return s.Session().Authenticated()
}

// Subscribe registers fn for session changes and returns a function that removes it.
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

func (s *Store) notify(session domain.Session) {
	s.listenersMu.Lock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(session)
	}
}
