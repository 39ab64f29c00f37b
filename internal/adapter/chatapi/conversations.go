package chatapi

import (
	"context"
	"net/http"
	"net/url"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

// ConversationsResponse is returned by GET /chat/conversations.
type ConversationsResponse struct {
	Success       bool                         `json:"success"`
	Conversations []domain.ConversationSummary `json:"conversations"`
}

// MessagesResponse is returned by GET /chat/conversations/{id}/messages.
type MessagesResponse struct {
	Success  bool             `json:"success"`
	Messages []domain.Message `json:"messages"`
}

// ListConversations returns the user's conversations in server order.
func (c *Client) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	var resp ConversationsResponse
	if err := c.Do(ctx, http.MethodGet, "/chat/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// DeleteConversation deletes a conversation on the server.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.Do(ctx, http.MethodDelete, "/chat/conversations/"+url.PathEscape(id), nil, nil)
}

// ListMessages returns the stored history of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var resp MessagesResponse
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}
