package chatapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DialWebSocket opens an authenticated websocket to path.
// A rejected handshake goes through the same refresh cycle as any other request.
func (c *Client) DialWebSocket(ctx context.Context, path string) (*websocket.Conn, error) {
	wsURL := websocketURL(c.baseURL) + path
	requestID := uuid.New().String()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.timeout,
	}

	var conn *websocket.Conn
	resp, err := c.withAuth(ctx, func(ctx context.Context, access string) (*http.Response, error) {
		header := http.Header{}
		header.Set("X-Request-ID", requestID)
		if access != "" {
			header.Set("Authorization", "Bearer "+access)
		}

		ws, resp, err := dialer.DialContext(ctx, wsURL, header)
		if err == nil {
			conn = ws
			return resp, nil
		}
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transientError(err)
	})
	if err != nil {
		return nil, err
	}
	if conn == nil {
		defer resp.Body.Close()
		return nil, decodeResponse(resp, nil)
	}
	return conn, nil
}

func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
