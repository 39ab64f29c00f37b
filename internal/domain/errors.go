package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrAuthExpired      = errors.New("authentication expired")
	ErrTransientNetwork = errors.New("network unavailable")
	ErrValidation       = errors.New("validation failed")
	ErrStreamOrdering   = errors.New("stream ordering violated")
	ErrNotFound         = errors.New("not found")
	ErrServer           = errors.New("server error")
	ErrStreamBusy       = errors.New("a response is already streaming for this conversation")
	ErrInvalidMutation  = errors.New("last message is not an in-flight assistant message")
	ErrSessionLoading   = errors.New("session is still loading")
)

// APIError carries the details the service returned for a failed call.
// It unwraps to its Kind so callers can match with errors.Is.
type APIError struct {
	Kind        error
	Status      int
	Code        string
	Message     string
	FieldErrors FieldErrors
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " [%d]", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.FieldErrors) > 0 {
		b.WriteString(" (")
		b.WriteString(e.FieldErrors.String())
		b.WriteString(")")
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// FieldErrors maps a field name to its validation messages.
// Messages not tied to a field are stored under the empty key.
type FieldErrors map[string][]string

func (f FieldErrors) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		msg := strings.Join(f[k], "; ")
		if k == "" {
			parts = append(parts, msg)
			continue
		}
		parts = append(parts, k+": "+msg)
	}
	return strings.Join(parts, ", ")
}

// NewValidationError builds a validation error not produced by the service.
func NewValidationError(message string, fields FieldErrors) *APIError {
	return &APIError{Kind: ErrValidation, Message: message, FieldErrors: fields}
}
