package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chatclient/internal/chattest"
	"github.com/xiaot623/gogo/chatclient/internal/config"
	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	return &config.Config{
		API:     config.APIConfig{BaseURL: baseURL, Timeout: 5 * time.Second, RefreshSkew: 0},
		Stream:  config.StreamConfig{Transport: config.TransportSSE, Path: "/chat/stream", WSPath: "/chat/ws", IdleTimeout: 5 * time.Second},
		Storage: config.StorageConfig{Path: filepath.Join(t.TempDir(), "chat.db")},
		Log:     config.LogConfig{Level: "debug", Format: "text"},
		Policy:  config.PolicyConfig{MaxMessageLength: 1000, MaxFileBytes: 1 << 20},
	}
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Init(context.Background()))
	return a
}

func newServer(t *testing.T) *chattest.Server {
	t.Helper()
	srv := chattest.New()
	t.Cleanup(srv.Close)
	srv.AddUser("me@example.com", "pw")
	srv.SetScript(
		chattest.Event{Type: "delta", Seq: 1, Content: "Hi"},
		chattest.Event{Type: "delta", Seq: 2, Content: " there"},
		chattest.Event{Type: "sources", Seq: 3, Sources: []domain.Source{{Key: "doc1"}}},
		chattest.Event{Type: "done", Seq: 4},
	)
	return srv
}

func send(t *testing.T, a *App, convID, text string) *domain.Message {
	t.Helper()
	s, err := a.Send(context.Background(), convID, text, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	last, ok := a.Conversations.LastMessage(convID)
	require.True(t, ok)
	return &last
}

func TestHelloEndToEnd(t *testing.T) {
	for _, transport := range []string{config.TransportSSE, config.TransportWebSocket} {
		t.Run(transport, func(t *testing.T) {
			srv := newServer(t)
			cfg := testConfig(t, srv.BaseURL())
			cfg.Stream.Transport = transport
			a := newApp(t, cfg)

			require.NoError(t, a.Login(context.Background(), "me@example.com", "pw"))
			assert.True(t, a.Tokens.IsAuthenticated())

			convID := a.NewConversation()
			last := send(t, a, convID, "Hello")

			assert.Equal(t, domain.RoleAssistant, last.Role)
			assert.Equal(t, "Hi there", last.Content)
			assert.Equal(t, []domain.Source{{Key: "doc1"}}, last.Sources)
			assert.False(t, last.InFlight)

			subs := srv.Submissions()
			require.Len(t, subs, 1)
			assert.Equal(t, convID, subs[0].ConversationID)

			require.NoError(t, a.Conversations.LoadConversations(context.Background()))
			convs := a.Conversations.Conversations()
			require.Len(t, convs, 1)
			assert.Equal(t, convID, convs[0].ID)
		})
	}
}

func TestSessionSurvivesRestart(t *testing.T) {
	srv := newServer(t)
	cfg := testConfig(t, srv.BaseURL())

	first, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, first.Init(context.Background()))
	require.NoError(t, first.Login(context.Background(), "me@example.com", "pw"))
	require.NoError(t, first.Close())

	second := newApp(t, cfg)
	assert.False(t, second.Tokens.IsLoading())
	assert.True(t, second.Tokens.IsAuthenticated())
	require.NoError(t, second.Conversations.LoadConversations(context.Background()))
	assert.Equal(t, int32(1), srv.Counters().Logins)
}

func TestConcurrentExpiryRefreshesOnce(t *testing.T) {
	srv := newServer(t)
	srv.SetRefreshDelay(50 * time.Millisecond)
	a := newApp(t, testConfig(t, srv.BaseURL()))
	require.NoError(t, a.Login(context.Background(), "me@example.com", "pw"))
	before := a.Tokens.AccessToken()

	srv.ExpireAccessTokens()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.API.ListConversations(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), srv.Counters().Refreshes)
	assert.NotEqual(t, before, a.Tokens.AccessToken())
}

func TestRefreshFailureLogsOut(t *testing.T) {
	srv := newServer(t)
	srv.SetConversations(domain.ConversationSummary{ID: "c1", Title: "First"})
	a := newApp(t, testConfig(t, srv.BaseURL()))
	require.NoError(t, a.Login(context.Background(), "me@example.com", "pw"))
	require.Len(t, a.Conversations.Conversations(), 1)

	srv.ExpireAccessTokens()
	srv.RevokeRefreshTokens()

	err := a.Conversations.LoadConversations(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthExpired)
	assert.False(t, a.Tokens.IsAuthenticated())
	assert.Empty(t, a.Tokens.RefreshToken())
	assert.Empty(t, a.Conversations.Conversations())
}

func TestDeleteFailureKeepsConversation(t *testing.T) {
	srv := newServer(t)
	srv.SetConversations(
		domain.ConversationSummary{ID: "c1", Title: "First"},
		domain.ConversationSummary{ID: "c2", Title: "Second"},
	)
	a := newApp(t, testConfig(t, srv.BaseURL()))
	require.NoError(t, a.Login(context.Background(), "me@example.com", "pw"))

	srv.FailDeletes(true)
	err := a.Conversations.RemoveConversation(context.Background(), "c1")
	assert.ErrorIs(t, err, domain.ErrServer)
	assert.Len(t, a.Conversations.Conversations(), 2)

	srv.FailDeletes(false)
	require.NoError(t, a.Conversations.RemoveConversation(context.Background(), "c1"))
	require.Len(t, a.Conversations.Conversations(), 1)
	assert.Equal(t, "c2", a.Conversations.Conversations()[0].ID)
}

func TestBusyConversationRejectsSecondSubmission(t *testing.T) {
	srv := newServer(t)
	srv.Hold()
	a := newApp(t, testConfig(t, srv.BaseURL()))
	require.NoError(t, a.Login(context.Background(), "me@example.com", "pw"))
	convID := a.NewConversation()

	s, err := a.Send(context.Background(), convID, "first", nil)
	require.NoError(t, err)

	_, err = a.Send(context.Background(), convID, "second", nil)
	assert.ErrorIs(t, err, domain.ErrStreamBusy)

	srv.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(1), srv.Counters().Streams)
}

func TestLogoutClearsState(t *testing.T) {
	srv := newServer(t)
	srv.SetConversations(domain.ConversationSummary{ID: "c1"})
	a := newApp(t, testConfig(t, srv.BaseURL()))
	require.NoError(t, a.Login(context.Background(), "me@example.com", "pw"))
	require.NotEmpty(t, a.Conversations.Conversations())

	a.Logout()

	assert.False(t, a.Tokens.IsAuthenticated())
	assert.Empty(t, a.Conversations.Conversations())
}

func TestOpenConversationHistory(t *testing.T) {
	srv := newServer(t)
	srv.SetConversations(domain.ConversationSummary{ID: "c1"})
	srv.SetMessages("c1",
		domain.Message{ID: "m1", Role: domain.RoleUser, Content: "earlier"},
		domain.Message{ID: "m2", Role: domain.RoleAssistant, Content: "answer"},
	)
	a := newApp(t, testConfig(t, srv.BaseURL()))
	require.NoError(t, a.Login(context.Background(), "me@example.com", "pw"))

	require.NoError(t, a.Conversations.OpenConversation(context.Background(), "c1"))
	last := send(t, a, "c1", "Hello")

	assert.Equal(t, "Hi there", last.Content)
	assert.Len(t, a.Conversations.Messages("c1"), 4)
}
