package memory

import (
	"context"
	"math"
	"strings"
	"testing"
)

func newTestLexical(t *testing.T) (*Store, *LexicalIndex) {
	t.Helper()
	db := newTestDB(t)
	store, err := NewStore(db, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	ix, err := NewLexicalIndex(db, nil)
	if err != nil {
		t.Fatalf("NewLexicalIndex failed: %v", err)
	}
	return store, ix
}

func TestNormalizeQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{name: "plain words", query: "weather today", want: `"weather" OR "today"`},
		{name: "korean", query: "서울 날씨", want: `"서울" OR "날씨"`},
		{name: "punctuation split", query: "what's up?", want: `"what" OR "s" OR "up"`},
		{name: "fts operators quoted", query: `alpha AND beta*`, want: `"alpha" OR "AND" OR "beta"`},
		{name: "only symbols", query: "?! ...", want: ""},
		{name: "empty", query: "", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := normalizeQuery(tt.query); got != tt.want {
				t.Errorf("normalizeQuery(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}

func TestNormalizeRank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rank float64
		want float64
	}{
		{name: "strong match", rank: -4, want: 0.8},
		{name: "weak match", rank: -1, want: 0.5},
		{name: "zero weight", rank: 0, want: 0},
		{name: "positive rank clamps", rank: 2, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := normalizeRank(tt.rank)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("normalizeRank(%v) = %v, want %v", tt.rank, got, tt.want)
			}
		})
	}
}

func TestNormalizeRankMonotone(t *testing.T) {
	t.Parallel()

	// More relevant (more negative rank) must normalize strictly higher,
	// and everything must land in (0, 1].
	prev := 0.0
	for w := 0.5; w <= 64; w *= 2 {
		got := normalizeRank(-w)
		if got <= prev || got > 1 {
			t.Fatalf("normalizeRank(%v) = %v, want in (%v, 1]", -w, got, prev)
		}
		prev = got
	}
}

func TestLexicalSearchViaTriggers(t *testing.T) {
	t.Parallel()
	store, ix := newTestLexical(t)
	ctx := context.Background()
	scope := Scope{GuildID: 1, ChannelID: 2}

	seed := []string{
		"내일 서울 날씨 어때?",
		"점심 뭐 먹을까",
		"주말에 부산 갈 사람",
	}
	for i, content := range seed {
		if _, err := store.Append(ctx, testMessage(scope, int64(i+1), "lena", content)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	hits, err := ix.Search(ctx, "서울 날씨", scope, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits for indexed korean content")
	}
	if !strings.Contains(hits[0].Content, "서울") {
		t.Errorf("top hit = %q, want the weather message", hits[0].Content)
	}
	if hits[0].Normalized <= 0 || hits[0].Normalized > 1 {
		t.Errorf("normalized score = %v, want in (0, 1]", hits[0].Normalized)
	}
}

func TestLexicalSearchEmptyQuery(t *testing.T) {
	t.Parallel()
	_, ix := newTestLexical(t)

	hits, err := ix.Search(context.Background(), "?!", Scope{GuildID: 1, ChannelID: 2}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits for symbol-only query, want 0", len(hits))
	}
}

func TestLexicalIndexIdempotent(t *testing.T) {
	t.Parallel()
	store, ix := newTestLexical(t)
	ctx := context.Background()
	scope := Scope{GuildID: 1, ChannelID: 2}

	msg, err := store.Append(ctx, testMessage(scope, 7, "lena", "고양이 사진 봤어?"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	// Manual re-index after the trigger already fired must leave one entry.
	if err := ix.Index(ctx, msg); err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	if err := ix.Index(ctx, msg); err != nil {
		t.Fatalf("second Index failed: %v", err)
	}

	hits, err := ix.Search(ctx, "고양이", scope, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("got %d hits, want exactly 1 after repeated indexing", len(hits))
	}
}

func TestCleanOrphans(t *testing.T) {
	t.Parallel()
	store, ix := newTestLexical(t)
	ctx := context.Background()
	scope := Scope{GuildID: 1, ChannelID: 2}

	if _, err := store.Append(ctx, testMessage(scope, 1, "lena", "남아있는 메시지")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	// An index entry with no backing message, as after a partial restore.
	if err := ix.Index(ctx, testMessage(scope, 99, "ghost", "사라진 메시지")); err != nil {
		t.Fatalf("Index failed: %v", err)
	}

	// The orphan must not surface in search results.
	hits, err := ix.Search(ctx, "사라진", scope, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("orphan surfaced in search: %v", hits)
	}

	removed, err := ix.CleanOrphans(ctx)
	if err != nil {
		t.Fatalf("CleanOrphans failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}
