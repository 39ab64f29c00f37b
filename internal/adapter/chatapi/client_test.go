package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
	"github.com/xiaot623/gogo/chatclient/internal/repository"
	"github.com/xiaot623/gogo/chatclient/internal/tokenstore"
)

func newTokens(access, refresh string) *tokenstore.Store {
	s := tokenstore.New(nil, nil)
	s.SetTokens(access, refresh)
	s.SetLoading(false)
	return s
}

func newTestClient(url string, tokens TokenStore) *Client {
	return NewClient(url, tokens, Options{Timeout: 2 * time.Second})
}

func TestDoAttachesBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer a1" {
			t.Fatalf("unexpected authorization: %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing request id")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"conversations":[{"id":"c1","title":"First"},{"id":"c2","title":"Second"}]}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, newTokens("a1", "r1"))
	convs, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, "Second", convs[1].Title)
}

func TestConcurrentUnauthorizedSharesOneRefresh(t *testing.T) {
	var refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth/refresh":
			atomic.AddInt32(&refreshCalls, 1)
			var req RefreshRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Refresh != "r1" {
				t.Errorf("unexpected refresh token: %q", req.Refresh)
			}
			time.Sleep(50 * time.Millisecond)
			fmt.Fprint(w, `{"success":true,"access":"a2","refresh":"r2"}`)
		default:
			if r.Header.Get("Authorization") != "Bearer a2" {
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `{"success":false,"message":"token expired"}`)
				return
			}
			fmt.Fprint(w, `{"success":true,"conversations":[]}`)
		}
	}))
	defer server.Close()

	tokens := newTokens("a1", "r1")
	client := newTestClient(server.URL, tokens)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.ListConversations(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
	assert.Equal(t, "a2", tokens.AccessToken())
	assert.Equal(t, "r2", tokens.RefreshToken())
}

func TestRefreshRejectedClearsTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"success":false,"message":"invalid token"}`)
	}))
	defer server.Close()

	tokens := newTokens("a1", "r1")
	client := newTestClient(server.URL, tokens)

	_, err := client.ListConversations(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAuthExpired))
	assert.Empty(t, tokens.AccessToken())
	assert.Empty(t, tokens.RefreshToken())
}

func TestUnauthorizedWithoutRefreshToken(t *testing.T) {
	var refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			atomic.AddInt32(&refreshCalls, 1)
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := newTokens("a1", "")
	client := newTestClient(server.URL, tokens)

	err := client.DeleteConversation(context.Background(), "c1")
	assert.ErrorIs(t, err, domain.ErrAuthExpired)
	assert.Zero(t, atomic.LoadInt32(&refreshCalls))
	assert.Empty(t, tokens.AccessToken())
}

func TestRetriedRequestStillUnauthorized(t *testing.T) {
	var refreshCalls, listCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			atomic.AddInt32(&refreshCalls, 1)
			fmt.Fprint(w, `{"success":true,"access":"a2","refresh":"r2"}`)
			return
		}
		atomic.AddInt32(&listCalls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := newTokens("a1", "r1")
	client := newTestClient(server.URL, tokens)

	_, err := client.ListConversations(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthExpired)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&listCalls))
	assert.Empty(t, tokens.AccessToken())
}

func TestRefreshNetworkFailureKeepsTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatalf("hijacking not supported")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack failed: %v", err)
			}
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := newTokens("a1", "r1")
	client := newTestClient(server.URL, tokens)

	_, err := client.ListConversations(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
	assert.Equal(t, "a1", tokens.AccessToken())
	assert.Equal(t, "r1", tokens.RefreshToken())
}

func TestExpiringTokenRefreshedBeforeRequest(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	var refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			atomic.AddInt32(&refreshCalls, 1)
			fmt.Fprint(w, `{"success":true,"access":"a2"}`)
			return
		}
		if r.Header.Get("Authorization") != "Bearer a2" {
			t.Errorf("request sent with stale token: %q", r.Header.Get("Authorization"))
		}
		fmt.Fprint(w, `{"success":true,"messages":[{"id":"m1","role":"user","content":"hi"}]}`)
	}))
	defer server.Close()

	tokens := newTokens(expired, "r1")
	client := NewClient(server.URL, tokens, Options{Timeout: 2 * time.Second, RefreshSkew: 30 * time.Second})

	msgs, err := client.ListMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
	assert.Equal(t, "a2", tokens.AccessToken())
	assert.Equal(t, "r1", tokens.RefreshToken(), "refresh token kept when not rotated")
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   error
	}{
		{"not found", http.StatusNotFound, `{"success":false,"message":"conversation not found"}`, domain.ErrNotFound},
		{"bad request", http.StatusBadRequest, `{"success":false,"message":"bad"}`, domain.ErrValidation},
		{"conflict", http.StatusConflict, `{"success":false}`, domain.ErrValidation},
		{"unprocessable", http.StatusUnprocessableEntity, `{"success":false}`, domain.ErrValidation},
		{"server", http.StatusInternalServerError, `oops`, domain.ErrServer},
		{"unavailable", http.StatusServiceUnavailable, ``, domain.ErrServer},
		{"success false on ok", http.StatusOK, `{"success":false,"message":"nope"}`, domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			client := newTestClient(server.URL, newTokens("a1", "r1"))
			err := client.Do(context.Background(), http.MethodGet, "/anything", nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var apiErr *domain.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.NotEmpty(t, apiErr.Message)
		})
	}
}

func TestValidationFieldErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"success":false,"message":"invalid input","code":"VALIDATION","errors":{"email":"is required","password":["too short","needs a digit"]}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, newTokens("", ""))
	err := client.Login(context.Background(), "", "x")

	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, "VALIDATION", apiErr.Code)
	assert.Equal(t, "invalid input", apiErr.Message)
	assert.Equal(t, []string{"is required"}, apiErr.FieldErrors["email"])
	assert.Equal(t, []string{"too short", "needs a digit"}, apiErr.FieldErrors["password"])
}

func TestValidationErrorList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"success":false,"errors":["title too long"]}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, newTokens("a1", "r1"))
	err := client.Do(context.Background(), http.MethodPost, "/chat/conversations", map[string]string{"title": "x"}, nil)

	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []string{"title too long"}, apiErr.FieldErrors[""])
}

func TestTransientNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	tokens := newTokens("a1", "r1")
	client := newTestClient(url, tokens)

	_, err := client.ListConversations(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
	assert.Equal(t, "a1", tokens.AccessToken())
}

func TestLoginStoresTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Fatalf("login must not carry credentials")
		}
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode login: %v", err)
		}
		if req.Email != "me@example.com" || req.Password != "pw" {
			t.Fatalf("unexpected login: %+v", req)
		}
		fmt.Fprint(w, `{"success":true,"access":"a1","refresh":"r1"}`)
	}))
	defer server.Close()

	tokens := tokenstore.New(nil, nil)
	client := newTestClient(server.URL, tokens)

	require.NoError(t, client.Login(context.Background(), "me@example.com", "pw"))
	assert.Equal(t, "a1", tokens.AccessToken())
	assert.Equal(t, "r1", tokens.RefreshToken())

	client.Logout()
	assert.Empty(t, tokens.AccessToken())
}

func TestOpenStreamRetriesAfterRefresh(t *testing.T) {
	var streamCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/refresh":
			fmt.Fprint(w, `{"success":true,"access":"a2","refresh":"r2"}`)
		case "/chat/stream":
			atomic.AddInt32(&streamCalls, 1)
			if r.Header.Get("Authorization") != "Bearer a2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var sub domain.Submission
			if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
				t.Errorf("body not replayed on retry: %v", err)
			}
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"type\":\"done\"}\n\n")
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, newTokens("a1", "r1"))
	body, err := client.OpenStream(context.Background(), "/chat/stream", domain.Submission{ConversationID: "c1", Message: "Hello"})
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, int32(2), atomic.LoadInt32(&streamCalls))
}

func TestTokenExpiring(t *testing.T) {
	sign := func(exp time.Time) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		}).SignedString([]byte("k"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	assert.False(t, tokenExpiring("opaque-token", time.Minute))
	assert.False(t, tokenExpiring(sign(time.Now().Add(time.Hour)), time.Minute))
	assert.True(t, tokenExpiring(sign(time.Now().Add(10*time.Second)), time.Minute))
	assert.True(t, tokenExpiring(sign(time.Now().Add(-time.Hour)), 0))
}

func TestRequestBeforeHydrationKeepsPersistedSession(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	repo, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	defer repo.Close()
	require.NoError(t, repo.SaveTokens(context.Background(), domain.TokenPair{Access: "a1", Refresh: "r1"}))

	tokens := tokenstore.New(repo, nil)
	client := newTestClient(server.URL, tokens)

	_, err = client.ListConversations(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionLoading)
	assert.Zero(t, atomic.LoadInt32(&calls))

	require.NoError(t, tokens.Hydrate(context.Background()))
	assert.True(t, tokens.IsAuthenticated())
	assert.Equal(t, "a1", tokens.AccessToken())
}
