// Package app wires the chat client together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/chatclient/internal/adapter/chatapi"
	"github.com/xiaot623/gogo/chatclient/internal/config"
	"github.com/xiaot623/gogo/chatclient/internal/conversation"
	"github.com/xiaot623/gogo/chatclient/internal/domain"
	"github.com/xiaot623/gogo/chatclient/internal/logger"
	"github.com/xiaot623/gogo/chatclient/internal/policy"
	"github.com/xiaot623/gogo/chatclient/internal/repository"
	"github.com/xiaot623/gogo/chatclient/internal/stream"
	"github.com/xiaot623/gogo/chatclient/internal/tokenstore"
)

// App holds the process-wide session and conversation state.
type App struct {
	Tokens        *tokenstore.Store
	API           *chatapi.Client
	Conversations *conversation.Store
	Streams       *stream.Engine

	log  logrus.FieldLogger
	repo repository.TokenRepository

	mu          sync.Mutex
	authed      bool
	unsubscribe func()
}

// New builds the client from cfg. Call Init before use and Close when done.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	log = logger.OrDiscard(log)

	repo, err := repository.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy, policy.Limits{
		MaxMessageLength: cfg.Policy.MaxMessageLength,
		MaxFileBytes:     cfg.Policy.MaxFileBytes,
	})
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	tokens := tokenstore.New(repo, log)
	api := chatapi.NewClient(cfg.API.BaseURL, tokens, chatapi.Options{
		Timeout:     cfg.API.Timeout,
		RefreshSkew: cfg.API.RefreshSkew,
		Logger:      log,
	})
	conversations := conversation.NewStore(api, log)

	var opener stream.Opener
	switch cfg.Stream.Transport {
	case config.TransportWebSocket:
		opener = stream.NewWebSocketOpener(api, cfg.Stream.WSPath)
	default:
		opener = stream.NewSSEOpener(api, cfg.Stream.Path)
	}
	streams := stream.NewEngine(opener, conversations, stream.Options{
		Policy:      policyEngine,
		IdleTimeout: cfg.Stream.IdleTimeout,
		Logger:      log,
	})

	a := &App{
		Tokens:        tokens,
		API:           api,
		Conversations: conversations,
		Streams:       streams,
		log:           log.WithField("component", "app"),
		repo:          repo,
	}
	a.unsubscribe = tokens.Subscribe(a.onSession)
	return a, nil
}

// Init restores the persisted session. A storage failure leaves the user logged out.
func (a *App) Init(ctx context.Context) error {
	if err := a.Tokens.Hydrate(ctx); err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	a.log.WithField("authenticated", a.Tokens.IsAuthenticated()).Info("Session restored")
	return nil
}

// Login authenticates and loads the conversation list.
func (a *App) Login(ctx context.Context, email, password string) error {
	if err := a.API.Login(ctx, email, password); err != nil {
		return err
	}
	return a.Conversations.LoadConversations(ctx)
}

// Logout ends the session and drops all conversation state.
func (a *App) Logout() {
	a.API.Logout()
}

// NewConversation starts a conversation the server will create on first message.
func (a *App) NewConversation() string {
	id := uuid.New().String()
	a.Conversations.StartConversation(id)
	return id
}

// Send submits text to a loaded conversation.
func (a *App) Send(ctx context.Context, conversationID, text string, file *domain.Attachment) (*stream.Stream, error) {
	return a.Streams.Submit(ctx, domain.Submission{
		ConversationID: conversationID,
		Message:        text,
		File:           file,
	})
}

// Close stops open streams and releases storage.
func (a *App) Close() error {
	a.unsubscribe()
	a.Streams.CancelAll()
	return a.repo.Close()
}

// onSession drops conversation state when the session ends, whatever ended it.
func (a *App) onSession(s domain.Session) {
	authed := s.AccessToken != ""

	a.mu.Lock()
	wasAuthed := a.authed
	a.authed = authed
	a.mu.Unlock()

	if wasAuthed && !authed && !s.IsLoading {
		a.log.Info("Session ended, clearing conversations")
		a.Streams.CancelAll()
		a.Conversations.Reset()
	}
}
