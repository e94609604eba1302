// Package memory – bm25.go maintains the FTS5-backed lexical index over
// message content and serves scoped BM25 keyword search. The index is kept
// in sync with conversation_history by SQL triggers, so an index entry is
// created or removed in the same transaction as the message write.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
)

// BM25 parameters: k1 controls term-frequency saturation, b controls
// document-length normalization.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// LexicalIndex provides keyword search with BM25 relevance ranking, robust
// to informal short-form text via unicode61 tokenization with diacritics
// removed.
type LexicalIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

const ftsSchema = `
	CREATE VIRTUAL TABLE IF NOT EXISTS conversation_bm25 USING fts5(
		content,
		guild_id UNINDEXED,
		channel_id UNINDEXED,
		user_id UNINDEXED,
		user_name,
		created_at,
		message_id UNINDEXED,
		tokenize='unicode61 remove_diacritics 2'
	);

	CREATE TRIGGER IF NOT EXISTS conversation_history_bm25_ai
	AFTER INSERT ON conversation_history
	BEGIN
		INSERT INTO conversation_bm25(
			rowid, content, guild_id, channel_id, user_id, user_name, created_at, message_id
		) VALUES (
			NEW.message_id, NEW.content, NEW.guild_id, NEW.channel_id,
			NEW.user_id, NEW.user_name, NEW.created_at, NEW.message_id
		);
	END;

	CREATE TRIGGER IF NOT EXISTS conversation_history_bm25_au
	AFTER UPDATE ON conversation_history
	BEGIN
		DELETE FROM conversation_bm25 WHERE rowid = OLD.message_id;
		INSERT INTO conversation_bm25(
			rowid, content, guild_id, channel_id, user_id, user_name, created_at, message_id
		) VALUES (
			NEW.message_id, NEW.content, NEW.guild_id, NEW.channel_id,
			NEW.user_id, NEW.user_name, NEW.created_at, NEW.message_id
		);
	END;

	CREATE TRIGGER IF NOT EXISTS conversation_history_bm25_ad
	AFTER DELETE ON conversation_history
	BEGIN
		DELETE FROM conversation_bm25 WHERE rowid = OLD.message_id;
	END;
`

// NewLexicalIndex creates the FTS table and sync triggers.
func NewLexicalIndex(db *sql.DB, logger *slog.Logger) (*LexicalIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(ftsSchema); err != nil {
		return nil, fmt.Errorf("init bm25 schema: %w", err)
	}
	return &LexicalIndex{db: db, logger: logger}, nil
}

// LexicalHit is one scored keyword match.
type LexicalHit struct {
	MessageID int64
	UserName  string
	Content   string
	CreatedAt time.Time

	// Raw is the rank as reported by the index: lower denotes higher
	// relevance (SQLite emits the negated Okapi weight so that ascending
	// order lists the best match first).
	Raw float64

	// Normalized squashes the rank into (0, 1], higher is better, so it can
	// be fused with cosine similarities. See normalizeRank.
	Normalized float64
}

// Index writes (or rewrites) the entry for a message. The triggers make this
// unnecessary on the normal append path; it exists for manual repair and is
// idempotent: indexing the same message twice leaves exactly one entry.
func (ix *LexicalIndex) Index(ctx context.Context, msg Message) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_bm25 WHERE rowid = ?`, msg.ID); err != nil {
		return fmt.Errorf("deindex message: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_bm25(
			rowid, content, guild_id, channel_id, user_id, user_name, created_at, message_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Content, msg.Scope.GuildID, msg.Scope.ChannelID,
		msg.UserID, msg.UserName, msg.CreatedAt.Format(time.RFC3339Nano), msg.ID)
	if err != nil {
		return fmt.Errorf("index message: %w", err)
	}
	return tx.Commit()
}

// Remove drops the index entry for a message identifier.
func (ix *LexicalIndex) Remove(ctx context.Context, messageID int64) error {
	if _, err := ix.db.ExecContext(ctx,
		`DELETE FROM conversation_bm25 WHERE rowid = ?`, messageID); err != nil {
		return fmt.Errorf("remove index entry: %w", err)
	}
	return nil
}

// Search tokenizes the query and returns up to limit hits within the scope,
// most relevant first. An empty query after tokenization yields an empty
// result, not an error. Entries whose message no longer resolves are skipped
// by the join against conversation_history rather than crashing the search.
func (ix *LexicalIndex) Search(ctx context.Context, query string, scope Scope, limit int) ([]LexicalHit, error) {
	if limit <= 0 {
		limit = 20
	}
	match := normalizeQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := ix.db.QueryContext(ctx, `
		SELECT b.message_id, b.user_name, h.content, h.created_at,
		       bm25(conversation_bm25, ?, ?) AS rank
		FROM conversation_bm25 b
		JOIN conversation_history h ON h.message_id = b.rowid
		WHERE conversation_bm25 MATCH ?
		  AND b.guild_id = ? AND b.channel_id = ?
		ORDER BY rank ASC
		LIMIT ?
	`, bm25K1, bm25B, match, scope.GuildID, scope.ChannelID, limit)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		var createdAt string
		if err := rows.Scan(&h.MessageID, &h.UserName, &h.Content, &createdAt, &h.Raw); err != nil {
			ix.logger.Debug("skipping unreadable bm25 row", "error", err)
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			h.CreatedAt = t
		}
		h.Normalized = normalizeRank(h.Raw)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Rebuild re-derives the full-text index from the stored column values.
func (ix *LexicalIndex) Rebuild(ctx context.Context) error {
	if _, err := ix.db.ExecContext(ctx,
		`INSERT INTO conversation_bm25(conversation_bm25) VALUES('rebuild')`); err != nil {
		return fmt.Errorf("rebuild bm25 index: %w", err)
	}
	return nil
}

// CleanOrphans removes index entries whose message no longer exists in the
// store. Returns the number of entries removed.
func (ix *LexicalIndex) CleanOrphans(ctx context.Context) (int64, error) {
	res, err := ix.db.ExecContext(ctx, `
		DELETE FROM conversation_bm25
		WHERE rowid NOT IN (SELECT message_id FROM conversation_history)
	`)
	if err != nil {
		return 0, fmt.Errorf("clean orphan entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		ix.logger.Info("removed orphaned lexical entries", "count", n)
	}
	return n, nil
}

// normalizeRank maps the index rank onto (0, 1] with higher meaning more
// relevant. The rank is the negated Okapi weight, so the positive weight is
// recovered first and then squashed reciprocally: a weight w maps to
// 1/(1 + 1/w) = w/(1+w), which rises monotonically toward 1.
func normalizeRank(rank float64) float64 {
	w := -rank
	if w <= 0 {
		return 0
	}
	return w / (1 + w)
}

// normalizeQuery prepares user text for an FTS5 MATCH clause: keep letters
// (Hangul included) and digits, split the rest, quote every token so nothing
// parses as an FTS operator, and OR the tokens for recall on informal text.
func normalizeQuery(query string) string {
	var tokens []string
	for _, raw := range strings.Fields(query) {
		var b strings.Builder
		for _, r := range raw {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(r)
			} else {
				b.WriteRune(' ')
			}
		}
		for _, part := range strings.Fields(b.String()) {
			tokens = append(tokens, `"`+part+`"`)
		}
	}
	return strings.Join(tokens, " OR ")
}
