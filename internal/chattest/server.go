// Package chattest provides an in-process fake of the chat service for tests.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

var signingKey = []byte("chattest")

// Event is one frame of a scripted response stream.
type Event struct {
	Type      string          `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	Content   string          `json:"content,omitempty"`
	Sources   []domain.Source `json:"sources,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Agent     string          `json:"agent,omitempty"`
}

// Counters report how often each endpoint was hit.
type Counters struct {
	Logins    int32
	Refreshes int32
	Lists     int32
	Deletes   int32
	Streams   int32
}

// Server is a fake chat service backed by an echo router.
type Server struct {
	*httptest.Server

	echo     *echo.Echo
	upgrader websocket.Upgrader
	counters Counters

	mu            sync.Mutex
	users         map[string]string
	access        map[string]string
	refresh       map[string]string
	accessTTL     time.Duration
	conversations []domain.ConversationSummary
	messages      map[string][]domain.Message
	script        []Event
	failDeletes   bool
	refreshDelay  time.Duration
	hold          chan struct{}
	submissions   []domain.Submission
}

// New starts a fake service. Call Close when done.
func New() *Server {
	s := &Server{
		echo:      echo.New(),
		users:     make(map[string]string),
		access:    make(map[string]string),
		refresh:   make(map[string]string),
		messages:  make(map[string][]domain.Message),
		accessTTL: time.Hour,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.echo.HideBanner = true
	s.routes()
	s.Server = httptest.NewServer(s.echo)
	return s
}

func (s *Server) routes() {
	api := s.echo.Group("/api")
	api.POST("/auth/login", s.login)
	api.POST("/auth/refresh", s.refreshTokens)

	chat := api.Group("/chat", s.requireAuth)
	chat.GET("/conversations", s.listConversations)
	chat.DELETE("/conversations/:id", s.deleteConversation)
	chat.GET("/conversations/:id/messages", s.listMessages)
	chat.POST("/stream", s.streamSSE)
	chat.GET("/ws", s.streamWebSocket)
}

// BaseURL is the API root to configure clients with.
func (s *Server) BaseURL() string {
	return s.URL + "/api"
}

// Counters returns a snapshot of endpoint hit counts.
func (s *Server) Counters() Counters {
	return Counters{
		Logins:    atomic.LoadInt32(&s.counters.Logins),
		Refreshes: atomic.LoadInt32(&s.counters.Refreshes),
		Lists:     atomic.LoadInt32(&s.counters.Lists),
		Deletes:   atomic.LoadInt32(&s.counters.Deletes),
		Streams:   atomic.LoadInt32(&s.counters.Streams),
	}
}

// AddUser registers credentials accepted by the login endpoint.
func (s *Server) AddUser(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = password
}

// SetAccessTTL sets the lifetime of access tokens issued from now on.
func (s *Server) SetAccessTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTTL = ttl
}

// IssueTokens mints a valid token pair for email without a login call.
func (s *Server) IssueTokens(email string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(email)
}

// ExpireAccessTokens invalidates every access token; refresh tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RevokeRefreshTokens invalidates every refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

// SetRefreshDelay slows the refresh endpoint down.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// SetConversations replaces the conversation list, in the order returned to clients.
func (s *Server) SetConversations(list ...domain.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = list
}

// SetMessages replaces the history of a conversation.
func (s *Server) SetMessages(conversationID string, msgs ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = msgs
}

// FailDeletes makes the delete endpoint answer 500.
func (s *Server) FailDeletes(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeletes = fail
}

// SetScript sets the events sent for every stream.
func (s *Server) SetScript(events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = events
}

// Hold pauses streams before their last event until Release is called.
func (s *Server) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = make(chan struct{})
}

// Release resumes streams paused by Hold.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
}

// Submissions returns every submission the stream endpoints received.
func (s *Server) Submissions() []domain.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Submission, len(s.submissions))
	copy(out, s.submissions)
	return out
}

func (s *Server) issueLocked(email string) (string, string) {
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   email,
		ID:        uuid.New().String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.accessTTL)),
	}).SignedString(signingKey)
	if err != nil {
		panic(fmt.Sprintf("sign access token: %v", err))
	}
	refresh := uuid.New().String()
	s.access[access] = email
	s.refresh[refresh] = email
	return access, refresh
}

// requireAuth rejects requests without a live access token.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		_, ok := s.access[token]
		s.mu.Unlock()
		if token == "" || !ok {
			return c.JSON(http.StatusUnauthorized, errorBody{Message: "invalid or expired token"})
		}
		return next(c)
	}
}

type errorBody struct {
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	Code    string              `json:"code,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

type tokenBody struct {
	Success bool   `json:"success"`
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (s *Server) login(c echo.Context) error {
	atomic.AddInt32(&s.counters.Logins, 1)

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Message: "invalid request body"})
	}

	fields := map[string][]string{}
	if req.Email == "" {
		fields["email"] = []string{"is required"}
	}
	if req.Password == "" {
		fields["password"] = []string{"is required"}
	}
	if len(fields) > 0 {
		return c.JSON(http.StatusUnprocessableEntity, errorBody{Message: "invalid input", Code: "VALIDATION", Errors: fields})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pw, ok := s.users[req.Email]; !ok || pw != req.Password {
		return c.JSON(http.StatusUnauthorized, errorBody{Message: "invalid credentials"})
	}
	access, refresh := s.issueLocked(req.Email)
	return c.JSON(http.StatusOK, tokenBody{Success: true, Access: access, Refresh: refresh})
}

func (s *Server) refreshTokens(c echo.Context) error {
	atomic.AddInt32(&s.counters.Refreshes, 1)

	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Message: "invalid request body"})
	}

	s.mu.Lock()
	delay := s.refreshDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.refresh[req.Refresh]
	if !ok {
		return c.JSON(http.StatusUnauthorized, errorBody{Message: "refresh token expired"})
	}
	delete(s.refresh, req.Refresh)
	access, refresh := s.issueLocked(email)
	return c.JSON(http.StatusOK, tokenBody{Success: true, Access: access, Refresh: refresh})
}

func (s *Server) listConversations(c echo.Context) error {
	atomic.AddInt32(&s.counters.Lists, 1)

	s.mu.Lock()
	list := make([]domain.ConversationSummary, len(s.conversations))
	copy(list, s.conversations)
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "conversations": list})
}

func (s *Server) deleteConversation(c echo.Context) error {
	atomic.AddInt32(&s.counters.Deletes, 1)
	id := c.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeletes {
		return c.JSON(http.StatusInternalServerError, errorBody{Message: "delete failed"})
	}
	for i, conv := range s.conversations {
		if conv.ID == id {
			s.conversations = append(s.conversations[:i:i], s.conversations[i+1:]...)
			delete(s.messages, id)
			return c.JSON(http.StatusOK, map[string]bool{"success": true})
		}
	}
	return c.JSON(http.StatusNotFound, errorBody{Message: "conversation not found"})
}

func (s *Server) listMessages(c echo.Context) error {
	id := c.Param("id")

	s.mu.Lock()
	msgs, ok := s.messages[id]
	known := ok || s.hasConversationLocked(id)
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	s.mu.Unlock()

	if !known {
		return c.JSON(http.StatusNotFound, errorBody{Message: "conversation not found"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "messages": out})
}

func (s *Server) hasConversationLocked(id string) bool {
	for _, conv := range s.conversations {
		if conv.ID == id {
			return true
		}
	}
	return false
}

// begin records a submission and returns the events to send plus the hold gate.
func (s *Server) begin(sub domain.Submission) ([]Event, <-chan struct{}) {
	atomic.AddInt32(&s.counters.Streams, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = append(s.submissions, sub)
	events := make([]Event, len(s.script))
	copy(events, s.script)
	return events, s.hold
}

// record stores an exchange in the conversation history.
func (s *Server) record(sub domain.Submission, events []Event) {
	assistant := domain.Message{ID: uuid.New().String(), Role: domain.RoleAssistant, CreatedAt: time.Now()}
	for _, ev := range events {
		switch ev.Type {
		case string(domain.EventKindStart):
			if ev.MessageID != "" {
				assistant.ID = ev.MessageID
			}
			assistant.Agent = ev.Agent
		case string(domain.EventKindDelta):
			assistant.Content += ev.Content
		case string(domain.EventKindSources):
			assistant.Sources = ev.Sources
		case string(domain.EventKindError):
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if !s.hasConversationLocked(sub.ConversationID) {
		s.conversations = append([]domain.ConversationSummary{{
			ID:        sub.ConversationID,
			Title:     sub.Message,
			CreatedAt: now,
			UpdatedAt: now,
		}}, s.conversations...)
	}
	s.messages[sub.ConversationID] = append(s.messages[sub.ConversationID],
		domain.Message{ID: uuid.New().String(), Role: domain.RoleUser, Content: sub.Message, CreatedAt: now, File: sub.File},
		assistant,
	)
}

func (s *Server) streamSSE(c echo.Context) error {
	var sub domain.Submission
	if err := c.Bind(&sub); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Message: "invalid request body"})
	}
	if sub.ConversationID == "" {
		return c.JSON(http.StatusUnprocessableEntity, errorBody{Message: "invalid input", Errors: map[string][]string{"conversationId": {"is required"}}})
	}
	events, hold := s.begin(sub)

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported")
	}
	ctx := c.Request().Context()

	for i, ev := range events {
		if i == len(events)-1 {
			if hold != nil {
				select {
				case <-hold:
				case <-ctx.Done():
					return nil
				}
			}
			s.record(sub, events)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Response().Writer, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return nil
		}
		flusher.Flush()
	}
	return nil
}

func (s *Server) streamWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	var sub domain.Submission
	if err := ws.ReadJSON(&sub); err != nil {
		return nil
	}
	events, hold := s.begin(sub)

	for i, ev := range events {
		if i == len(events)-1 {
			if hold != nil {
				<-hold
			}
			s.record(sub, events)
		}
		if err := ws.WriteJSON(ev); err != nil {
			return nil
		}
	}

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
