// Package chatapi provides the HTTP client for the chat service, with transparent
// credential refresh.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
	"github.com/xiaot623/gogo/chatclient/internal/logger"
)

// TokenStore is the subset of the session store the client reads and writes.
type TokenStore interface {
	IsLoading() bool
	AccessToken() string
	RefreshToken() string
	SetTokens(access, refresh string)
	ClearTokens()
}

// Options configures a Client.
type Options struct {
	Timeout     time.Duration
	RefreshSkew time.Duration
	HTTPClient  *http.Client
	Logger      logrus.FieldLogger
}

// Client executes requests against the chat service.
type Client struct {
	baseURL     string
	tokens      TokenStore
	httpClient  *http.Client
	timeout     time.Duration
	refreshSkew time.Duration
	refreshes   singleflight.Group
	log         logrus.FieldLogger
}

// NewClient creates a new chat service client.
func NewClient(baseURL string, tokens TokenStore, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-wide timeout: stream responses stay open far longer than a request.
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: opts.Timeout,
			},
		}
	}
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		tokens:      tokens,
		httpClient:  httpClient,
		timeout:     opts.Timeout,
		refreshSkew: opts.RefreshSkew,
		log:         logger.OrDiscard(opts.Logger).WithField("component", "chatapi"),
	}
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// attempt performs one try of a call with the given access token.
// A non-nil response is returned for every status; the caller owns its body.
type attempt func(ctx context.Context, access string) (*http.Response, error)

// Do sends a JSON request and decodes the JSON response into out (which may be nil).
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := marshalBody(body)
	if err != nil {
		return err
	}
	requestID := uuid.New().String()

	resp, err := c.withAuth(ctx, func(ctx context.Context, access string) (*http.Response, error) {
		return c.send(ctx, method, path, payload, access, requestID, "application/json")
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

// OpenStream posts body to path and returns the open event-stream body.
// The caller must close it.
func (c *Client) OpenStream(ctx context.Context, path string, body interface{}) (io.ReadCloser, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	requestID := uuid.New().String()

	resp, err := c.withAuth(ctx, func(ctx context.Context, access string) (*http.Response, error) {
		return c.send(ctx, http.MethodPost, path, payload, access, requestID, "text/event-stream")
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeResponse(resp, nil)
	}
	return resp.Body, nil
}

// withAuth runs try with the current access token and recovers from one authentication
// failure by refreshing the tokens and trying again. At most one refresh happens per call.
// Nothing is sent while the session is still hydrating.
func (c *Client) withAuth(ctx context.Context, try attempt) (*http.Response, error) {
	if c.tokens.IsLoading() {
		return nil, &domain.APIError{Kind: domain.ErrSessionLoading, Message: "persisted credentials have not been read yet"}
	}
	access := c.tokens.AccessToken()
	refreshed := false

	if access != "" && c.tokens.RefreshToken() != "" && tokenExpiring(access, c.refreshSkew) {
		c.log.Debug("Access token about to expire, refreshing before request")
		fresh, err := c.refresh(ctx, access)
		if err != nil {
			return nil, err
		}
		access = fresh
		refreshed = true
	}

	resp, err := try(ctx, access)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	if refreshed || c.tokens.RefreshToken() == "" {
		c.tokens.ClearTokens()
		return nil, &domain.APIError{Kind: domain.ErrAuthExpired, Status: http.StatusUnauthorized, Message: "session is no longer valid"}
	}

	fresh, err := c.refresh(ctx, access)
	if err != nil {
		return nil, err
	}

	resp, err = try(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		c.tokens.ClearTokens()
		return nil, &domain.APIError{Kind: domain.ErrAuthExpired, Status: http.StatusUnauthorized, Message: "refreshed credentials were rejected"}
	}
	return resp, nil
}

// send performs a single HTTP request.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, access, requestID, accept string) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq, access, requestID, accept, payload != nil)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transientError(err)
	}
	return resp, nil
}

func transientError(err error) error {
	return &domain.APIError{Kind: domain.ErrTransientNetwork, Message: err.Error()}
}

// setHeaders sets common request headers.
func (c *Client) setHeaders(req *http.Request, access, requestID, accept string, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}
}

func marshalBody(body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return payload, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
