// Package memory implements the conversation store on SQLite.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"korabot/internal/domain"

	_ "modernc.org/sqlite"
)

const defaultHistoryLimit = 50

// SQLiteStore implements domain.ConversationStore using SQLite.
type SQLiteStore struct {
	db           *sql.DB
	historyLimit int
	logger       *slog.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithHistoryLimit overrides the rolling history window size.
func WithHistoryLimit(n int) Option {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

func NewSQLiteStore(dbPath string, logger *slog.Logger, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, historyLimit: defaultHistoryLimit, logger: logger}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id      TEXT NOT NULL,
		timestamp    DATETIME DEFAULT CURRENT_TIMESTAMP,
		message      TEXT NOT NULL,
		sender       TEXT NOT NULL,
		message_type TEXT DEFAULT 'text',
		metadata     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, timestamp);

	CREATE TABLE IF NOT EXISTS user_context (
		user_id              TEXT PRIMARY KEY,
		last_interaction     DATETIME,
		conversation_history TEXT
	);

	CREATE TABLE IF NOT EXISTS message_logs (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp     DATETIME DEFAULT CURRENT_TIMESTAMP,
		sender_id     TEXT,
		message_type  TEXT,
		status        TEXT,
		error_message TEXT,
		metadata      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_message_logs_time ON message_logs(timestamp);

	CREATE TABLE IF NOT EXISTS token_management (
		page_id      TEXT PRIMARY KEY,
		last_refresh DATETIME,
		expires_at   DATETIME,
		refresh_token TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// StoreMessage appends one message to the conversation log and folds it into
// the sender's rolling history window. The window keeps the most recent
// entries only; the oldest are evicted first.
func (s *SQLiteStore) StoreMessage(ctx context.Context, userID, message, sender, msgType string, metadata map[string]any) error {
	var meta []byte
	if metadata != nil {
		meta, _ = json.Marshal(metadata)
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, message, sender, message_type, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, message, sender, msgType, nullableString(meta), now,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	history, err := s.History(ctx, userID)
	if err != nil {
		return err
	}

	role := domain.RoleAssistant
	if sender == domain.SenderUser {
		role = domain.RoleUser
	}
	history = append(history, domain.ConversationRecord{
		Role:    role,
		Content: message,
		Type:    msgType,
	})
	if len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}

	encoded, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO user_context (user_id, last_interaction, conversation_history)
		 VALUES (?, ?, ?)`,
		userID, now, string(encoded),
	)
	if err != nil {
		return fmt.Errorf("update rolling history: %w", err)
	}
	return nil
}

// History returns the user's rolling history window, oldest first.
// A user never seen before yields an empty history, not an error.
func (s *SQLiteStore) History(ctx context.Context, userID string) ([]domain.ConversationRecord, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_history FROM user_context WHERE user_id = ?`, userID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query rolling history: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}

	var history []domain.ConversationRecord
	if err := json.Unmarshal([]byte(raw.String), &history); err != nil {
		// A corrupt window is dropped rather than wedging the user forever.
		s.logger.Warn("corrupt rolling history, resetting", "user_id", userID, "err", err)
		return nil, nil
	}
	return history, nil
}

// LogSendStatus records the outcome of one outbound delivery attempt.
func (s *SQLiteStore) LogSendStatus(ctx context.Context, senderID, msgType, status, errMsg string, metadata map[string]any) error {
	var meta []byte
	if metadata != nil {
		meta, _ = json.Marshal(metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_logs (sender_id, message_type, status, error_message, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		senderID, msgType, status, nullableStr(errMsg), nullableString(meta), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message log: %w", err)
	}
	return nil
}

// RecentLog returns the most recent conversation log rows for a user,
// newest first. Used by the admin history endpoint.
func (s *SQLiteStore) RecentLog(ctx context.Context, userID string, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, message, sender, message_type, timestamp
		 FROM conversations WHERE user_id = ?
		 ORDER BY timestamp DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Message, &e.Sender, &e.Type, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveTokenRefresh upserts the token refresh bookkeeping row for a page.
func (s *SQLiteStore) SaveTokenRefresh(ctx context.Context, pageID string, info domain.RefreshInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO token_management (page_id, last_refresh, expires_at, refresh_token)
		 VALUES (?, ?, ?, ?)`,
		pageID, info.LastRefresh, info.ExpiresAt, info.RefreshToken,
	)
	return err
}

// TokenRefresh returns the stored refresh bookkeeping for a page, or nil.
func (s *SQLiteStore) TokenRefresh(ctx context.Context, pageID string) (*domain.RefreshInfo, error) {
	var info domain.RefreshInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT last_refresh, expires_at, refresh_token FROM token_management WHERE page_id = ?`, pageID,
	).Scan(&info.LastRefresh, &info.ExpiresAt, &info.RefreshToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
