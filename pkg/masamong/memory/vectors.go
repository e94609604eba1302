// Package memory – vectors.go stores window embeddings and serves exact
// similarity search. Vectors are unit-normalized on write so cosine
// similarity reduces to a dot product; the full set is kept in an in-memory
// cache for brute-force scans, which is deterministic and cheap at chat
// corpus sizes.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
)

// VectorStore holds one dense vector per conversation window.
type VectorStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.RWMutex
	cache []vectorEntry
}

type vectorEntry struct {
	windowID int64
	scope    Scope
	vector   []float32
}

const vectorSchema = `
	CREATE TABLE IF NOT EXISTS window_embeddings (
		window_id  INTEGER PRIMARY KEY,
		guild_id   INTEGER NOT NULL,
		channel_id INTEGER NOT NULL,
		embedding  TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
`

// NewVectorStore initializes the schema and loads the vector cache.
func NewVectorStore(db *sql.DB, logger *slog.Logger) (*VectorStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(vectorSchema); err != nil {
		return nil, fmt.Errorf("init vector schema: %w", err)
	}
	vs := &VectorStore{db: db, logger: logger}
	if err := vs.refreshCache(); err != nil {
		logger.Warn("failed to load vector cache", "error", err)
	}
	return vs, nil
}

// Add stores a vector keyed by window identifier, overwriting any previous
// vector (re-embedding is allowed). The vector is normalized to unit length
// before persisting.
func (vs *VectorStore) Add(ctx context.Context, windowID int64, scope Scope, vector []float32) error {
	unit := normalizeVector(vector)
	if unit == nil {
		return fmt.Errorf("%w: zero-length embedding for window %d", ErrInvalidMessage, windowID)
	}
	data, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = vs.db.ExecContext(ctx, `
		INSERT INTO window_embeddings (window_id, guild_id, channel_id, embedding, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(window_id) DO UPDATE SET
			embedding = excluded.embedding, updated_at = CURRENT_TIMESTAMP
	`, windowID, scope.GuildID, scope.ChannelID, string(data))
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}

	vs.mu.Lock()
	replaced := false
	for i := range vs.cache {
		if vs.cache[i].windowID == windowID {
			vs.cache[i] = vectorEntry{windowID: windowID, scope: scope, vector: unit}
			replaced = true
			break
		}
	}
	if !replaced {
		vs.cache = append(vs.cache, vectorEntry{windowID: windowID, scope: scope, vector: unit})
	}
	vs.mu.Unlock()
	return nil
}

// VectorHit is one similarity match.
type VectorHit struct {
	WindowID   int64
	Similarity float64
}

// Search scores the query vector against every stored vector in the scope
// and returns the topN highest similarities, descending. Ranking is exact;
// ties break toward the newer window so results are deterministic.
func (vs *VectorStore) Search(queryVector []float32, scope Scope, topN int) []VectorHit {
	if topN <= 0 {
		topN = 20
	}
	unit := normalizeVector(queryVector)
	if unit == nil {
		return nil
	}

	vs.mu.RLock()
	defer vs.mu.RUnlock()

	var hits []VectorHit
	for _, e := range vs.cache {
		if e.scope != scope || len(e.vector) != len(unit) {
			continue
		}
		hits = append(hits, VectorHit{WindowID: e.windowID, Similarity: dot(unit, e.vector)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].WindowID > hits[j].WindowID
	})
	if len(hits) > topN {
		hits = hits[:topN]
	}
	return hits
}

// Has reports whether a vector exists for the window.
func (vs *VectorStore) Has(windowID int64) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	for _, e := range vs.cache {
		if e.windowID == windowID {
			return true
		}
	}
	return false
}

// Count returns the number of stored vectors.
func (vs *VectorStore) Count() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.cache)
}

// refreshCache reloads every stored vector into memory.
func (vs *VectorStore) refreshCache() error {
	rows, err := vs.db.Query(`SELECT window_id, guild_id, channel_id, embedding FROM window_embeddings`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var cache []vectorEntry
	for rows.Next() {
		var e vectorEntry
		var blob string
		if err := rows.Scan(&e.windowID, &e.scope.GuildID, &e.scope.ChannelID, &blob); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(blob), &e.vector); err != nil {
			continue
		}
		cache = append(cache, e)
	}

	vs.mu.Lock()
	vs.cache = cache
	vs.mu.Unlock()
	vs.logger.Debug("vector cache loaded", "windows", len(cache))
	return rows.Err()
}

// normalizeVector returns a unit-length copy, or nil for a zero vector.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// dot computes the inner product of two equal-length unit vectors.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
