// Package memory – window.go slices the flat message stream into
// overlapping, speaker-merged windows and serves context expansion around
// retrieval hits. Window construction is O(new messages) per invocation:
// each scope keeps a small in-memory buffer plus a counter, rebuilt lazily
// from the last persisted window after a restart.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// WindowConfig controls window slicing.
type WindowConfig struct {
	// Size is the number of messages per window.
	Size int `yaml:"size"`

	// Stride is how many new messages trigger the next window. With the
	// defaults (size 12, stride 6) consecutive windows overlap by 6
	// messages, so every message boundary sits inside some window's
	// interior and no context is lost at slice edges.
	Stride int `yaml:"stride"`

	// MaxChars forces an early flush when the buffered content grows past
	// this budget, so oversized pastes are persisted before they scroll
	// out of the buffer.
	MaxChars int `yaml:"max_chars"`

	// Radius is the fallback expansion half-width used when a retrieval
	// hit is too recent to be covered by a completed window.
	Radius int `yaml:"radius"`
}

// DefaultWindowConfig returns the production defaults.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{Size: 12, Stride: 6, MaxChars: 3000, Radius: 3}
}

func (c WindowConfig) sanitized() WindowConfig {
	d := DefaultWindowConfig()
	if c.Size <= 0 {
		c.Size = d.Size
	}
	if c.Stride <= 0 {
		c.Stride = d.Stride
	}
	if c.Stride > c.Size {
		c.Stride = c.Size
	}
	if c.MaxChars <= 0 {
		c.MaxChars = d.MaxChars
	}
	if c.Radius <= 0 {
		c.Radius = d.Radius
	}
	return c
}

const windowSchema = `
	CREATE TABLE IF NOT EXISTS conversation_windows (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		guild_id         INTEGER NOT NULL,
		channel_id       INTEGER NOT NULL,
		start_message_id INTEGER NOT NULL,
		end_message_id   INTEGER NOT NULL,
		message_count    INTEGER NOT NULL,
		turns_json       TEXT NOT NULL,
		anchor_timestamp TEXT NOT NULL,
		UNIQUE(guild_id, channel_id, start_message_id, end_message_id)
	);

	CREATE INDEX IF NOT EXISTS idx_windows_span
		ON conversation_windows(guild_id, channel_id, end_message_id);
`

// WindowBuilder converts the message stream into persisted windows.
type WindowBuilder struct {
	db     *sql.DB
	store  *Store
	cfg    WindowConfig
	logger *slog.Logger

	mu     sync.Mutex
	states map[Scope]*scopeState
}

type scopeState struct {
	buffer    []Message
	sinceEmit int
	loaded    bool
}

// NewWindowBuilder initializes the window schema.
func NewWindowBuilder(db *sql.DB, store *Store, cfg WindowConfig, logger *slog.Logger) (*WindowBuilder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(windowSchema); err != nil {
		return nil, fmt.Errorf("init window schema: %w", err)
	}
	return &WindowBuilder{
		db:     db,
		store:  store,
		cfg:    cfg.sanitized(),
		logger: logger,
		states: make(map[Scope]*scopeState),
	}, nil
}

// Observe accounts for a newly committed message and emits a window when the
// stride threshold is met (deferred creation, never eager per message). The
// returned window is non-nil only when one was persisted on this call; the
// caller schedules its embedding.
func (wb *WindowBuilder) Observe(ctx context.Context, msg Message) (*Window, error) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	st := wb.states[msg.Scope]
	if st == nil {
		st = &scopeState{}
		wb.states[msg.Scope] = st
	}
	if !st.loaded {
		if err := wb.loadState(ctx, msg.Scope, st); err != nil {
			return nil, err
		}
	}

	// The message is committed before Observe runs, so a lazily loaded
	// buffer may already hold it.
	if n := len(st.buffer); n == 0 || st.buffer[n-1].ID != msg.ID {
		st.buffer = append(st.buffer, msg)
		if len(st.buffer) > wb.cfg.Size {
			st.buffer = st.buffer[len(st.buffer)-wb.cfg.Size:]
		}
		st.sinceEmit++
	}

	full := len(st.buffer) >= wb.cfg.Size
	heavy := bufferedChars(st.buffer) >= wb.cfg.MaxChars
	if !full && !heavy {
		return nil, nil
	}
	// Oversized content flushes immediately regardless of stride so the
	// context is not lost when it scrolls out of the buffer.
	if !heavy && st.sinceEmit < wb.cfg.Stride {
		return nil, nil
	}

	win, err := wb.persistWindow(ctx, msg.Scope, st.buffer)
	if err != nil {
		return nil, err
	}
	st.sinceEmit = 0
	return win, nil
}

// loadState rebuilds the scope cursor from persisted data: the most recent
// messages fill the buffer and the count of messages after the last window's
// end becomes the stride counter.
func (wb *WindowBuilder) loadState(ctx context.Context, scope Scope, st *scopeState) error {
	var lastEnd int64
	err := wb.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(end_message_id), 0) FROM conversation_windows
		WHERE guild_id = ? AND channel_id = ?
	`, scope.GuildID, scope.ChannelID).Scan(&lastEnd)
	if err != nil {
		return fmt.Errorf("load window cursor: %w", err)
	}

	recent, err := wb.store.GetRecent(ctx, scope, wb.cfg.Size)
	if err != nil {
		return fmt.Errorf("load window buffer: %w", err)
	}
	since, err := wb.store.CountAfter(ctx, scope, lastEnd)
	if err != nil {
		return err
	}

	st.buffer = recent
	st.sinceEmit = since
	st.loaded = true
	return nil
}

// persistWindow formats and stores a window covering the buffered messages.
// Windows are never mutated; an identical (scope, start, end) span is a
// no-op and the existing row is returned.
func (wb *WindowBuilder) persistWindow(ctx context.Context, scope Scope, msgs []Message) (*Window, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	turns := formatTurns(msgs)
	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("marshal turns: %w", err)
	}

	win := &Window{
		Scope:        scope,
		StartID:      msgs[0].ID,
		EndID:        msgs[len(msgs)-1].ID,
		MessageCount: len(msgs),
		Turns:        turns,
		AnchorAt:     msgs[len(msgs)-1].CreatedAt,
	}

	res, err := wb.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_windows (
			guild_id, channel_id, start_message_id, end_message_id,
			message_count, turns_json, anchor_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, scope.GuildID, scope.ChannelID, win.StartID, win.EndID,
		win.MessageCount, string(turnsJSON), win.AnchorAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert window: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate span: another writer got there first.
		return wb.windowBySpan(ctx, scope, win.StartID, win.EndID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("window id: %w", err)
	}
	win.ID = id
	wb.logger.Debug("window persisted",
		"guild_id", scope.GuildID, "channel_id", scope.ChannelID,
		"start", win.StartID, "end", win.EndID, "messages", win.MessageCount)
	return win, nil
}

// Expand returns the formatted context block for a retrieval hit. When a
// completed window contains the message it is reused; otherwise (message too
// recent) an equivalent block is synthesized from radius messages around the
// hit in the message store.
func (wb *WindowBuilder) Expand(ctx context.Context, scope Scope, messageID int64, radius int) (string, error) {
	if win, err := wb.WindowForMessage(ctx, scope, messageID); err == nil {
		return win.Text(), nil
	} else if err != ErrNotFound {
		return "", err
	}

	if radius <= 0 {
		radius = wb.cfg.Radius
	}
	around, err := wb.store.GetAround(ctx, scope, messageID, radius)
	if err != nil {
		return "", err
	}
	if len(around) == 0 {
		return "", ErrNotFound
	}
	return strings.Join(formatTurns(around), "\n"), nil
}

// WindowForMessage returns the most recent completed window whose span
// contains the message, or ErrNotFound.
func (wb *WindowBuilder) WindowForMessage(ctx context.Context, scope Scope, messageID int64) (*Window, error) {
	row := wb.db.QueryRowContext(ctx, `
		SELECT id, guild_id, channel_id, start_message_id, end_message_id,
		       message_count, turns_json, anchor_timestamp
		FROM conversation_windows
		WHERE guild_id = ? AND channel_id = ?
		  AND start_message_id <= ? AND end_message_id >= ?
		ORDER BY end_message_id DESC
		LIMIT 1
	`, scope.GuildID, scope.ChannelID, messageID, messageID)
	return scanWindow(row)
}

// Get returns a window by identifier, or ErrNotFound.
func (wb *WindowBuilder) Get(ctx context.Context, windowID int64) (*Window, error) {
	row := wb.db.QueryRowContext(ctx, `
		SELECT id, guild_id, channel_id, start_message_id, end_message_id,
		       message_count, turns_json, anchor_timestamp
		FROM conversation_windows
		WHERE id = ?
	`, windowID)
	return scanWindow(row)
}

func (wb *WindowBuilder) windowBySpan(ctx context.Context, scope Scope, startID, endID int64) (*Window, error) {
	row := wb.db.QueryRowContext(ctx, `
		SELECT id, guild_id, channel_id, start_message_id, end_message_id,
		       message_count, turns_json, anchor_timestamp
		FROM conversation_windows
		WHERE guild_id = ? AND channel_id = ? AND start_message_id = ? AND end_message_id = ?
	`, scope.GuildID, scope.ChannelID, startID, endID)
	return scanWindow(row)
}

// MissingEmbeddings lists windows that have no stored vector yet, oldest
// first, for the backfill job.
func (wb *WindowBuilder) MissingEmbeddings(ctx context.Context, limit int) ([]*Window, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := wb.db.QueryContext(ctx, `
		SELECT w.id, w.guild_id, w.channel_id, w.start_message_id, w.end_message_id,
		       w.message_count, w.turns_json, w.anchor_timestamp
		FROM conversation_windows w
		LEFT JOIN window_embeddings e ON e.window_id = w.id
		WHERE e.window_id IS NULL
		ORDER BY w.id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("missing embeddings query: %w", err)
	}
	defer rows.Close()

	var out []*Window
	for rows.Next() {
		win, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, win)
	}
	return out, rows.Err()
}

func scanWindow(row rowScanner) (*Window, error) {
	var w Window
	var turnsJSON, anchor string
	err := row.Scan(&w.ID, &w.Scope.GuildID, &w.Scope.ChannelID,
		&w.StartID, &w.EndID, &w.MessageCount, &turnsJSON, &anchor)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan window: %w", err)
	}
	if err := json.Unmarshal([]byte(turnsJSON), &w.Turns); err != nil {
		return nil, fmt.Errorf("decode window turns: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, anchor); err == nil {
		w.AnchorAt = t
	}
	return &w, nil
}

// formatTurns renders messages as speaker-merged lines. Consecutive
// messages from the same author collapse into one turn; a turn boundary
// occurs whenever the author changes. Each line reads
// "[speaker][HH:MM] text1 text2" with the time of the turn's first message.
func formatTurns(msgs []Message) []string {
	var turns []string
	var cur []string
	var curName string
	var curAt time.Time

	flush := func() {
		if len(cur) == 0 {
			return
		}
		turns = append(turns, fmt.Sprintf("[%s][%s] %s",
			curName, curAt.Format("15:04"), strings.Join(cur, " ")))
		cur = nil
	}

	for _, m := range msgs {
		name := m.UserName
		if name == "" {
			name = fmt.Sprint(m.UserID)
		}
		if name != curName || len(cur) == 0 {
			flush()
			curName = name
			curAt = m.CreatedAt
		}
		cur = append(cur, strings.TrimSpace(m.Content))
	}
	flush()
	return turns
}

func bufferedChars(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total
}
