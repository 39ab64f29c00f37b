// Package repository persists client-side state that must survive a restart.
package repository

import (
	"context"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

// TokenRepository persists the session credential pair.
type TokenRepository interface {
	// LoadTokens returns the stored pair, or nil when nothing is stored.
	LoadTokens(ctx context.Context) (*domain.TokenPair, error)
	SaveTokens(ctx context.Context, pair domain.TokenPair) error
	ClearTokens(ctx context.Context) error
	Close() error
}
