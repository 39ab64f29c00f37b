package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

// sessionRowID pins the single credential row; a client holds one session at a time.
const sessionRowID = 1

// SQLiteStore implements TokenRepository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the SQLite database at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS session_tokens (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadTokens retrieves the persisted token pair.
func (s *SQLiteStore) LoadTokens(ctx context.Context) (*domain.TokenPair, error) {
	var pair domain.TokenPair
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token FROM session_tokens WHERE id = ?`, sessionRowID).
		Scan(&pair.Access, &pair.Refresh)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	return &pair, nil
}

// SaveTokens replaces the persisted token pair.
func (s *SQLiteStore) SaveTokens(ctx context.Context, pair domain.TokenPair) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_tokens (id, access_token, refresh_token, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at`,
		sessionRowID, pair.Access, pair.Refresh, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	return nil
}

// ClearTokens removes the persisted token pair.
func (s *SQLiteStore) ClearTokens(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE id = ?`, sessionRowID); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	return nil
}
