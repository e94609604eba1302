package memory

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(newTestDB(t), nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func testMessage(scope Scope, id int64, user, content string) Message {
	return Message{
		ID:        id,
		Scope:     scope,
		UserID:    100,
		UserName:  user,
		Content:   content,
		CreatedAt: time.Date(2026, 8, 1, 15, 4, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
	}
}

func TestAppendValidation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	scope := Scope{GuildID: 1, ChannelID: 2}

	tests := []struct {
		name string
		msg  Message
	}{
		{name: "empty content", msg: Message{Scope: scope, UserName: "lena"}},
		{name: "whitespace content", msg: Message{Scope: scope, UserName: "lena", Content: "   "}},
		{name: "missing scope", msg: Message{UserName: "lena", Content: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Append(ctx, tt.msg); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("Append = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestAppendIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	scope := Scope{GuildID: 1, ChannelID: 2}

	msg := testMessage(scope, 42, "lena", "first version")
	if _, err := store.Append(ctx, msg); err != nil {
		t.Fatalf("first Append failed: %v", err)
	}

	dup := msg
	dup.Content = "retried with different content"
	if _, err := store.Append(ctx, dup); err != nil {
		t.Fatalf("duplicate Append failed: %v", err)
	}

	got, err := store.Get(ctx, scope, 42)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Content != "first version" {
		t.Errorf("content = %q, want original preserved", got.Content)
	}
	n, err := store.CountAfter(ctx, scope, 0)
	if err != nil {
		t.Fatalf("CountAfter failed: %v", err)
	}
	if n != 1 {
		t.Errorf("stored %d messages, want 1", n)
	}
}

func TestAppendAssignsID(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	scope := Scope{GuildID: 1, ChannelID: 2}

	first, err := store.Append(ctx, Message{Scope: scope, UserName: "lena", Content: "one"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	second, err := store.Append(ctx, Message{Scope: scope, UserName: "lena", Content: "two"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if first.ID == 0 || second.ID != first.ID+1 {
		t.Errorf("ids = %d, %d; want consecutive non-zero", first.ID, second.ID)
	}
}

func TestAppendAssignsIDAcrossScopes(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	a := Scope{GuildID: 1, ChannelID: 2}
	b := Scope{GuildID: 1, ChannelID: 3}

	// Auto-assigned identifiers must not collide between scopes: the id
	// keys the whole table, so a per-scope counter would make the second
	// scope's insert vanish under INSERT OR IGNORE.
	first, err := store.Append(ctx, Message{Scope: a, UserName: "lena", Content: "scope a"})
	if err != nil {
		t.Fatalf("Append to scope a failed: %v", err)
	}
	second, err := store.Append(ctx, Message{Scope: b, UserName: "kim", Content: "scope b"})
	if err != nil {
		t.Fatalf("Append to scope b failed: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("both scopes assigned id %d, want distinct ids", first.ID)
	}

	got, err := store.GetRecent(ctx, b, 10)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	if len(got) != 1 || got[0].Content != "scope b" {
		t.Fatalf("scope b has %d messages after successful Append, want its own message stored", len(got))
	}
	stored, err := store.Get(ctx, b, second.ID)
	if err != nil {
		t.Fatalf("Get returned %v, want the message under its reported id", err)
	}
	if stored.Content != "scope b" {
		t.Errorf("content = %q, want scope b's message", stored.Content)
	}
}

func TestGetRecentOrder(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	scope := Scope{GuildID: 1, ChannelID: 2}

	for i := int64(1); i <= 5; i++ {
		if _, err := store.Append(ctx, testMessage(scope, i, "lena", "msg")); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	got, err := store.GetRecent(ctx, scope, 3)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	want := []int64{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.ID != want[i] {
			t.Errorf("got[%d].ID = %d, want %d", i, m.ID, want[i])
		}
	}
}

func TestGetAround(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	scope := Scope{GuildID: 1, ChannelID: 2}

	// Sparse identifiers, like snowflakes: neighbors are positional.
	for _, id := range []int64{10, 20, 30, 40, 50, 60} {
		if _, err := store.Append(ctx, testMessage(scope, id, "lena", "msg")); err != nil {
			t.Fatalf("Append %d failed: %v", id, err)
		}
	}

	tests := []struct {
		name   string
		anchor int64
		radius int
		want   []int64
	}{
		{name: "middle", anchor: 30, radius: 2, want: []int64{10, 20, 30, 40, 50}},
		{name: "near start", anchor: 20, radius: 2, want: []int64{10, 20, 30, 40}},
		{name: "at end", anchor: 60, radius: 2, want: []int64{40, 50, 60}},
		{name: "zero radius", anchor: 30, radius: 0, want: []int64{30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.GetAround(ctx, scope, tt.anchor, tt.radius)
			if err != nil {
				t.Fatalf("GetAround failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d messages, want %d", len(got), len(tt.want))
			}
			for i, m := range got {
				if m.ID != tt.want[i] {
					t.Errorf("got[%d].ID = %d, want %d", i, m.ID, tt.want[i])
				}
			}
		})
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	scope := Scope{GuildID: 1, ChannelID: 2}

	if _, err := store.Get(context.Background(), scope, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestScopeIsolation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	a := Scope{GuildID: 1, ChannelID: 2}
	b := Scope{GuildID: 1, ChannelID: 3}

	if _, err := store.Append(ctx, testMessage(a, 1, "lena", "channel a")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	got, err := store.GetRecent(ctx, b, 10)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("scope b sees %d messages from scope a, want 0", len(got))
	}
}
