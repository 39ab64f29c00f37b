package chatapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

const maxErrorBody = 1 << 20

// envelope is the status wrapper every service response carries.
type envelope struct {
	Success *bool       `json:"success"`
	Message string      `json:"message"`
	Error   string      `json:"error"`
	Code    string      `json:"code"`
	Errors  fieldErrors `json:"errors"`
}

// fieldErrors accepts the shapes the service uses for validation details:
// an object of field to message or messages, a list of messages, or a single message.
type fieldErrors domain.FieldErrors

func (f *fieldErrors) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	out := fieldErrors{}
	switch data[0] {
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		for field, value := range raw {
			msgs, err := messages(value)
			if err != nil {
				return fmt.Errorf("errors.%s: %w", field, err)
			}
			out[field] = msgs
		}
	default:
		msgs, err := messages(data)
		if err != nil {
			return err
		}
		out[""] = msgs
	}

	*f = out
	return nil
}

func messages(data json.RawMessage) ([]string, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, err
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			var s string
			if err := json.Unmarshal(item, &s); err == nil {
				out = append(out, s)
				continue
			}
			out = append(out, string(item))
		}
		return out, nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return []string{string(data)}, nil
	}
	return []string{s}, nil
}

// decodeResponse maps the response onto out or onto a typed error.
func decodeResponse(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &domain.APIError{Kind: domain.ErrTransientNetwork, Status: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	var env envelope
	if len(bytes.TrimSpace(body)) > 0 {
		// Non-JSON error pages are fine; the status still classifies the failure.
		_ = json.Unmarshal(body, &env)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, env, body)
	}
	if env.Success != nil && !*env.Success {
		return &domain.APIError{
			Kind:        domain.ErrValidation,
			Status:      resp.StatusCode,
			Code:        env.Code,
			Message:     env.message(),
			FieldErrors: domain.FieldErrors(env.Errors),
		}
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &domain.APIError{Kind: domain.ErrServer, Status: resp.StatusCode, Message: fmt.Sprintf("failed to decode response: %v", err)}
	}
	return nil
}

func statusError(status int, env envelope, body []byte) error {
	apiErr := &domain.APIError{
		Kind:        classify(status),
		Status:      status,
		Code:        env.Code,
		Message:     env.message(),
		FieldErrors: domain.FieldErrors(env.Errors),
	}
	if apiErr.Message == "" && env.Success == nil {
		apiErr.Message = strings.TrimSpace(string(body))
		if len(apiErr.Message) > 200 {
			apiErr.Message = apiErr.Message[:200]
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func classify(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return domain.ErrAuthExpired
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return domain.ErrValidation
	default:
		return domain.ErrServer
	}
}

func (e envelope) message() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}
