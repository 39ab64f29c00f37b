package stream

import (
	"context"
	"fmt"
	"io"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

// WebSocketDialer opens an authenticated websocket.
type WebSocketDialer interface {
	DialWebSocket(ctx context.Context, path string) (*websocket.Conn, error)
}

// WebSocketOpener opens streams by sending the submission as the first frame of a websocket.
type WebSocketOpener struct {
	dialer WebSocketDialer
	path   string
}

// NewWebSocketOpener creates an opener dialing path.
func NewWebSocketOpener(dialer WebSocketDialer, path string) *WebSocketOpener {
	return &WebSocketOpener{dialer: dialer, path: path}
}

// Open starts the stream for sub.
func (o *WebSocketOpener) Open(ctx context.Context, sub domain.Submission) (EventSource, error) {
	conn, err := o.dialer.DialWebSocket(ctx, o.path)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, &domain.APIError{Kind: domain.ErrTransientNetwork, Message: fmt.Sprintf("failed to send submission: %v", err)}
	}
	return NewWebSocketSource(conn), nil
}

// NewWebSocketSource reads one JSON event per text frame from conn.
func NewWebSocketSource(conn *websocket.Conn) EventSource {
	return newPumpSource(func() (domain.StreamEvent, error) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return domain.StreamEvent{}, io.EOF
				}
				return domain.StreamEvent{}, err
			}
			ev, ok, err := decodeEvent("", data)
			if err != nil || ok {
				return ev, err
			}
		}
	}, wsCloser{conn})
}

// wsCloser says goodbye before dropping the connection.
type wsCloser struct {
	conn *websocket.Conn
}

func (c wsCloser) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
