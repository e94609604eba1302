// Package memory – store.go implements the append-only message store, the
// source of truth for every other component. Writes go through a single
// SQLite handle in WAL mode so one writer and many readers coexist without
// read-path locks.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver with FTS5 support.
)

// Store is the durable, ordered record of all conversational turns.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const historySchema = `
	CREATE TABLE IF NOT EXISTS conversation_history (
		message_id INTEGER PRIMARY KEY,
		guild_id   INTEGER NOT NULL,
		channel_id INTEGER NOT NULL,
		user_id    INTEGER NOT NULL,
		user_name  TEXT NOT NULL,
		content    TEXT NOT NULL,
		is_bot     INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_scope
		ON conversation_history(guild_id, channel_id, message_id);
`

// OpenDB opens (or creates) the memory database with WAL journaling and a
// busy timeout, matching the one-writer/many-readers discipline.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// NewStore initializes the message store schema on an open database.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(historySchema); err != nil {
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for sibling components (lexical index,
// vector store, window builder) that share the same database file.
func (s *Store) DB() *sql.DB { return s.db }

// Append stores a message. Empty content or a missing scope is rejected with
// ErrInvalidMessage. When msg.ID is zero a new identifier one past the
// store's maximum is assigned; allocation is global, not per scope, because
// message_id is the primary key (and the FTS rowid) across all scopes.
// Re-submitting an already stored identifier is a no-op (idempotent append),
// so transport retries are safe.
func (s *Store) Append(ctx context.Context, msg Message) (Message, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return Message{}, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	if msg.Scope.IsZero() {
		return Message{}, fmt.Errorf("%w: missing scope", ErrInvalidMessage)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if msg.ID == 0 {
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(message_id), 0) + 1
			FROM conversation_history
		`).Scan(&msg.ID)
		if err != nil {
			return Message{}, fmt.Errorf("assign message id: %w", err)
		}
	}

	// The BM25 triggers fire on this insert, so the lexical index entry is
	// created in the same transaction as the message (change capture).
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_history (
			message_id, guild_id, channel_id, user_id, user_name, content, is_bot, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID, msg.Scope.GuildID, msg.Scope.ChannelID, msg.UserID,
		msg.UserName, msg.Content, msg.IsBot, msg.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

// GetRange returns messages with identifier in [startID, endID] for the
// scope, ordered ascending. An empty result is not an error.
func (s *Store) GetRange(ctx context.Context, scope Scope, startID, endID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, guild_id, channel_id, user_id, user_name, content, is_bot, created_at
		FROM conversation_history
		WHERE guild_id = ? AND channel_id = ? AND message_id BETWEEN ? AND ?
		ORDER BY message_id ASC
	`, scope.GuildID, scope.ChannelID, startID, endID)
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetRecent returns the most recent n messages for the scope, ordered
// oldest-to-newest, for immediate-context use such as query expansion.
func (s *Store) GetRecent(ctx context.Context, scope Scope, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, guild_id, channel_id, user_id, user_name, content, is_bot, created_at
		FROM (
			SELECT message_id, guild_id, channel_id, user_id, user_name, content, is_bot, created_at
			FROM conversation_history
			WHERE guild_id = ? AND channel_id = ?
			ORDER BY message_id DESC
			LIMIT ?
		)
		ORDER BY message_id ASC
	`, scope.GuildID, scope.ChannelID, n)
	if err != nil {
		return nil, fmt.Errorf("recent query: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetAround returns up to radius messages before and after the given
// identifier, the anchor included, ordered ascending. Identifiers are not
// dense (snowflakes), so neighbors are found by position, not arithmetic.
func (s *Store) GetAround(ctx context.Context, scope Scope, messageID int64, radius int) ([]Message, error) {
	if radius < 0 {
		radius = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT message_id, guild_id, channel_id, user_id, user_name, content, is_bot, created_at
			FROM conversation_history
			WHERE guild_id = ? AND channel_id = ? AND message_id <= ?
			ORDER BY message_id DESC
			LIMIT ?
		)
		UNION ALL
		SELECT * FROM (
			SELECT message_id, guild_id, channel_id, user_id, user_name, content, is_bot, created_at
			FROM conversation_history
			WHERE guild_id = ? AND channel_id = ? AND message_id > ?
			ORDER BY message_id ASC
			LIMIT ?
		)
		ORDER BY message_id ASC
	`,
		scope.GuildID, scope.ChannelID, messageID, radius+1,
		scope.GuildID, scope.ChannelID, messageID, radius,
	)
	if err != nil {
		return nil, fmt.Errorf("around query: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Get returns a single message or ErrNotFound.
func (s *Store) Get(ctx context.Context, scope Scope, messageID int64) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, guild_id, channel_id, user_id, user_name, content, is_bot, created_at
		FROM conversation_history
		WHERE guild_id = ? AND channel_id = ? AND message_id = ?
	`, scope.GuildID, scope.ChannelID, messageID)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// CountAfter returns how many messages in the scope have an identifier
// strictly greater than afterID. Used by the window builder to rebuild its
// cursor in O(new messages).
func (s *Store) CountAfter(ctx context.Context, scope Scope, afterID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_history
		WHERE guild_id = ? AND channel_id = ? AND message_id > ?
	`, scope.GuildID, scope.ChannelID, afterID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count query: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var isBot int
	var createdAt string
	err := row.Scan(&m.ID, &m.Scope.GuildID, &m.Scope.ChannelID, &m.UserID,
		&m.UserName, &m.Content, &isBot, &createdAt)
	if err != nil {
		return Message{}, err
	}
	m.IsBot = isBot != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
