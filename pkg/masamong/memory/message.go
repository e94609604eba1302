// Package memory implements Masamong's conversational memory: an append-only
// message store backed by SQLite, a BM25 lexical index (FTS5), an embedding
// store over sliding conversation windows, and a hybrid search engine that
// fuses both retrieval paths into ranked context blocks for the LLM prompt.
package memory

import (
	"errors"
	"strings"
	"time"
)

// Scope identifies the (guild, channel) pair that partitions all storage and
// retrieval. DMs use GuildID 0; the channel ID alone isolates them.
type Scope struct {
	GuildID   int64
	ChannelID int64
}

// IsZero reports whether the scope is missing a channel.
func (s Scope) IsZero() bool { return s.ChannelID == 0 }

// Message is one unit of conversation. Once written it is immutable; edits
// and deletions are handled outside the core.
type Message struct {
	// ID is unique across the whole store (it keys the history table and
	// the full-text index rowid) and strictly increasing within a scope.
	// Discord snowflakes satisfy this; locally assigned IDs are allocated
	// from the global maximum.
	ID        int64
	Scope     Scope
	UserID    int64
	UserName  string
	Content   string
	IsBot     bool
	CreatedAt time.Time
}

// Window is a contiguous, speaker-merged run of messages. It is the unit of
// semantic indexing: window text is embedded as a whole, not per message.
// Windows denormalize formatted content and never reference messages back;
// they are disposable caches rebuildable from the message store.
type Window struct {
	ID           int64
	Scope        Scope
	StartID      int64
	EndID        int64
	MessageCount int
	// Turns holds the formatted speaker-merged lines, one per turn:
	// "[speaker][HH:MM] text1 text2".
	Turns    []string
	AnchorAt time.Time
}

// Text returns the window's turns as a single presentation block.
func (w *Window) Text() string { return strings.Join(w.Turns, "\n") }

// Contains reports whether the message ID falls inside the window's span.
func (w *Window) Contains(messageID int64) bool {
	return messageID >= w.StartID && messageID <= w.EndID
}

var (
	// ErrInvalidMessage rejects malformed ingestion input (empty content or
	// missing scope). Surfaced synchronously to the writer, never retried.
	ErrInvalidMessage = errors.New("memory: invalid message")

	// ErrUnavailable marks a retrieval sub-path that cannot serve a request,
	// typically the embedding model being unreachable. The search engine
	// degrades to the remaining paths instead of failing the query.
	ErrUnavailable = errors.New("memory: unavailable")

	// ErrNotFound is returned for lookups of windows or messages that do not
	// exist. An empty range read is not an error, only direct lookups.
	ErrNotFound = errors.New("memory: not found")
)
