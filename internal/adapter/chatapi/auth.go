package chatapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

const refreshKey = "refresh"

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// TokenResponse is returned by the login and refresh endpoints.
type TokenResponse struct {
	Success bool   `json:"success"`
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Login exchanges credentials for a token pair and stores it.
func (c *Client) Login(ctx context.Context, email, password string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pair, err := c.postTokens(ctx, "/auth/login", LoginRequest{Email: email, Password: password})
	if err != nil {
		return err
	}

	c.tokens.SetTokens(pair.Access, pair.Refresh)
	c.log.Info("Logged in")
	return nil
}

// Logout forgets the session locally.
func (c *Client) Logout() {
	c.tokens.ClearTokens()
	c.log.Info("Logged out")
}

// refresh obtains a new access token after stale was rejected or found expiring.
// Concurrent callers share a single call to the refresh endpoint.
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	ch := c.refreshes.DoChan(refreshKey, func() (interface{}, error) {
		// Someone else already refreshed after stale was issued.
		if current := c.tokens.AccessToken(); current != "" && current != stale {
			return current, nil
		}

		refreshToken := c.tokens.RefreshToken()
		if refreshToken == "" {
			c.tokens.ClearTokens()
			return nil, &domain.APIError{Kind: domain.ErrAuthExpired, Message: "no refresh token"}
		}

		// The shared refresh must not die with whichever caller started it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		pair, err := c.postTokens(rctx, "/auth/refresh", RefreshRequest{Refresh: refreshToken})
		if err != nil {
			if errors.Is(err, domain.ErrTransientNetwork) {
				c.log.WithError(err).Warn("Token refresh could not reach the service")
				return nil, err
			}
			c.log.WithError(err).Warn("Token refresh rejected, clearing session")
			c.tokens.ClearTokens()
			return nil, authExpired(err)
		}

		if pair.Refresh == "" {
			pair.Refresh = refreshToken
		}
		c.tokens.SetTokens(pair.Access, pair.Refresh)
		c.log.Debug("Access token refreshed")
		return pair.Access, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// postTokens calls a token endpoint without credentials.
func (c *Client) postTokens(ctx context.Context, path string, body interface{}) (*TokenResponse, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, http.MethodPost, path, payload, "", "", "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tokens TokenResponse
	if err := decodeResponse(resp, &tokens); err != nil {
		return nil, err
	}
	if tokens.Access == "" {
		return nil, &domain.APIError{Kind: domain.ErrServer, Status: resp.StatusCode, Message: "token response without access token"}
	}
	return &tokens, nil
}

func authExpired(cause error) error {
	var apiErr *domain.APIError
	if errors.As(cause, &apiErr) {
		return &domain.APIError{
			Kind:        domain.ErrAuthExpired,
			Status:      apiErr.Status,
			Code:        apiErr.Code,
			Message:     apiErr.Message,
			FieldErrors: apiErr.FieldErrors,
		}
	}
	return &domain.APIError{Kind: domain.ErrAuthExpired, Message: cause.Error()}
}

// tokenExpiring reports whether a JWT access token expires within skew.
// Opaque tokens and tokens without an exp claim are never considered expiring.
func tokenExpiring(token string, skew time.Duration) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !claims.ExpiresAt.After(time.Now().Add(skew))
}
