// Package memory – search.go fuses lexical and semantic retrieval into a
// single ranked context answer. Both retrieval paths run concurrently per
// query variant; either path failing degrades the result set instead of
// failing the search.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Strategy selects which retrieval paths participate.
type Strategy string

const (
	StrategyLexical  Strategy = "lexical"
	StrategySemantic Strategy = "semantic"
	StrategyHybrid   Strategy = "hybrid"
)

// ParseStrategy validates a strategy name from configuration. The set is
// closed; unknown names are rejected at load time, not at query time.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyLexical:
		return StrategyLexical, nil
	case StrategySemantic:
		return StrategySemantic, nil
	case StrategyHybrid, "":
		return StrategyHybrid, nil
	default:
		return "", fmt.Errorf("unknown search strategy %q (want lexical, semantic or hybrid)", s)
	}
}

// SearchConfig tunes the retrieval engine.
type SearchConfig struct {
	Strategy Strategy `yaml:"strategy"`

	// TopK is how many context blocks a search returns.
	TopK int `yaml:"top_k"`

	// LexicalTopN and SemanticTopN bound the per-variant candidate pull
	// from each path before fusion.
	LexicalTopN  int `yaml:"lexical_top_n"`
	SemanticTopN int `yaml:"semantic_top_n"`

	// SimilarityThreshold drops candidates whose fused score falls below
	// it. StrongThreshold marks a result confident enough that the caller
	// may skip external lookups.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	StrongThreshold     float64 `yaml:"strong_threshold"`

	// SemanticFloor is the crossover point of the fusion rule: a semantic
	// score above the floor wins outright, otherwise the lexical score is
	// used. 0 keeps "any semantic signal wins".
	SemanticFloor float64 `yaml:"semantic_floor"`

	// ExpandRadius is the message-neighborhood half-width used when a hit
	// has no completed window yet.
	ExpandRadius int `yaml:"expand_radius"`

	// Timeout bounds one whole search; on expiry partial results are
	// returned rather than an error.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultSearchConfig returns the production defaults.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		Strategy:            StrategyHybrid,
		TopK:                4,
		LexicalTopN:         8,
		SemanticTopN:        8,
		SimilarityThreshold: 0.6,
		StrongThreshold:     0.72,
		SemanticFloor:       0,
		ExpandRadius:        3,
		Timeout:             10 * time.Second,
	}
}

func (c SearchConfig) sanitized() SearchConfig {
	d := DefaultSearchConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.LexicalTopN <= 0 {
		c.LexicalTopN = d.LexicalTopN
	}
	if c.SemanticTopN <= 0 {
		c.SemanticTopN = d.SemanticTopN
	}
	// Zero is a deliberate "accept everything" setting; only a negative
	// value means unset.
	if c.SimilarityThreshold < 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.StrongThreshold <= 0 {
		c.StrongThreshold = d.StrongThreshold
	}
	if c.ExpandRadius <= 0 {
		c.ExpandRadius = d.ExpandRadius
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// ContextBlock is one retrieved piece of past conversation, ready for prompt
// assembly.
type ContextBlock struct {
	// Text is the speaker-merged window (or synthesized neighborhood)
	// around the hit.
	Text string

	// Score is the fused relevance in [0, 1], higher is better.
	Score float64

	// Strong marks a match above the strong threshold.
	Strong bool

	// WindowID identifies the source window, 0 when the block was
	// synthesized from the message store.
	WindowID int64

	// MessageID is the anchoring message for message-keyed hits.
	MessageID int64
}

// Engine runs hybrid retrieval over the message store, lexical index and
// vector store.
type Engine struct {
	store    *Store
	lexical  *LexicalIndex
	vectors  *VectorStore
	windows  *WindowBuilder
	embedder Embedder
	expander *QueryExpander
	cfg      SearchConfig
	logger   *slog.Logger
}

// NewEngine wires the retrieval paths together. embedder may be a
// NullEmbedder, which turns every search lexical-only.
func NewEngine(store *Store, lexical *LexicalIndex, vectors *VectorStore, windows *WindowBuilder,
	embedder Embedder, expander *QueryExpander, cfg SearchConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if embedder == nil {
		embedder = NullEmbedder{}
	}
	return &Engine{
		store:    store,
		lexical:  lexical,
		vectors:  vectors,
		windows:  windows,
		embedder: embedder,
		expander: expander,
		cfg:      cfg.sanitized(),
		logger:   logger,
	}
}

// candidate accumulates path scores for one retrieval unit. A unit is a
// window when the hit falls inside a completed window, else a bare message.
type candidate struct {
	windowID   int64
	messageID  int64
	similarity float64
	lexical    float64
}

type candidateKey struct {
	window  int64
	message int64
}

// pathResult carries one retrieval path's contribution for one variant.
type pathResult struct {
	candidates []candidate
	err        error
}

// Search retrieves the topK most relevant context blocks for the query
// within the scope. The same window surfacing through several variants or
// both paths appears exactly once, carrying its best score. A search where
// every path failed returns an empty result and a nil error; absence of
// context is an answerable state.
func (e *Engine) Search(ctx context.Context, scope Scope, query string) ([]ContextBlock, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	variants := []string{query}
	if e.expander != nil {
		variants = e.expander.Expand(ctx, scope, query)
	}

	merged := e.gather(ctx, scope, variants)
	blocks := e.rank(ctx, scope, merged)

	e.logger.Debug("search complete",
		"strategy", string(e.cfg.Strategy),
		"variants", len(variants),
		"candidates", len(merged),
		"results", len(blocks))
	return blocks, nil
}

// gather fans out both retrieval paths for every variant and merges the
// streams, keeping the maximum score per candidate and per path.
func (e *Engine) gather(ctx context.Context, scope Scope, variants []string) map[candidateKey]*candidate {
	results := make(chan pathResult, 2*len(variants))
	var wg sync.WaitGroup

	for _, v := range variants {
		if e.cfg.Strategy != StrategySemantic {
			wg.Add(1)
			go func(q string) {
				defer wg.Done()
				results <- e.lexicalPath(ctx, scope, q)
			}(v)
		}
		if e.cfg.Strategy != StrategyLexical {
			wg.Add(1)
			go func(q string) {
				defer wg.Done()
				results <- e.semanticPath(ctx, scope, q)
			}(v)
		}
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	merged := make(map[candidateKey]*candidate)
	for r := range results {
		if r.err != nil {
			// A degraded path shrinks the pool; it never fails the search.
			e.logger.Warn("retrieval path degraded", "error", r.err)
			continue
		}
		for _, c := range r.candidates {
			key := candidateKey{window: c.windowID, message: 0}
			if c.windowID == 0 {
				key = candidateKey{message: c.messageID}
			}
			prev, ok := merged[key]
			if !ok {
				cc := c
				merged[key] = &cc
				continue
			}
			if c.similarity > prev.similarity {
				prev.similarity = c.similarity
			}
			if c.lexical > prev.lexical {
				prev.lexical = c.lexical
			}
			if prev.messageID == 0 {
				prev.messageID = c.messageID
			}
		}
	}
	return merged
}

// lexicalPath runs BM25 retrieval for one variant. Each hit is lifted to its
// containing window when one exists so lexical and semantic hits on the same
// conversation stretch merge into a single candidate.
func (e *Engine) lexicalPath(ctx context.Context, scope Scope, query string) pathResult {
	hits, err := e.lexical.Search(ctx, query, scope, e.cfg.LexicalTopN)
	if err != nil {
		return pathResult{err: fmt.Errorf("lexical path: %w", err)}
	}
	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		c := candidate{messageID: h.MessageID, lexical: h.Normalized}
		if win, err := e.windows.WindowForMessage(ctx, scope, h.MessageID); err == nil {
			c.windowID = win.ID
		} else if !errors.Is(err, ErrNotFound) {
			return pathResult{err: fmt.Errorf("lexical path: %w", err)}
		}
		out = append(out, c)
	}
	return pathResult{candidates: out}
}

// semanticPath embeds one variant and scores it against the stored window
// vectors. An unavailable embedder is the expected degraded mode.
func (e *Engine) semanticPath(ctx context.Context, scope Scope, query string) pathResult {
	vecs, err := e.embedder.Encode(ctx, []string{query}, QueryPrefix)
	if err != nil {
		return pathResult{err: fmt.Errorf("semantic path: %w", err)}
	}
	if len(vecs) == 0 {
		return pathResult{}
	}
	hits := e.vectors.Search(vecs[0], scope, e.cfg.SemanticTopN)
	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, candidate{windowID: h.WindowID, similarity: h.Similarity})
	}
	return pathResult{candidates: out}
}

// rank fuses, filters, orders and expands the merged candidates.
func (e *Engine) rank(ctx context.Context, scope Scope, merged map[candidateKey]*candidate) []ContextBlock {
	type scored struct {
		candidate
		fused float64
	}
	kept := make([]scored, 0, len(merged))
	for _, c := range merged {
		f := e.fuse(*c)
		if f < e.cfg.SimilarityThreshold {
			continue
		}
		kept = append(kept, scored{candidate: *c, fused: f})
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].fused != kept[j].fused {
			return kept[i].fused > kept[j].fused
		}
		if kept[i].windowID != kept[j].windowID {
			return kept[i].windowID > kept[j].windowID
		}
		return kept[i].messageID > kept[j].messageID
	})
	if len(kept) > e.cfg.TopK {
		kept = kept[:e.cfg.TopK]
	}

	blocks := make([]ContextBlock, 0, len(kept))
	for _, s := range kept {
		text, err := e.expandCandidate(ctx, scope, s.candidate)
		if err != nil {
			e.logger.Warn("context expansion failed",
				"window_id", s.windowID, "message_id", s.messageID, "error", err)
			continue
		}
		blocks = append(blocks, ContextBlock{
			Text:      text,
			Score:     s.fused,
			Strong:    s.fused >= e.cfg.StrongThreshold,
			WindowID:  s.windowID,
			MessageID: s.messageID,
		})
	}
	return blocks
}

// fuse combines the two path scores: any semantic signal above the floor
// wins outright, otherwise the normalized lexical score carries the
// candidate. Semantic similarity is the better calibrated of the two, so it
// is never averaged down by a weak keyword score.
func (e *Engine) fuse(c candidate) float64 {
	if c.similarity > e.cfg.SemanticFloor {
		return c.similarity
	}
	return c.lexical
}

// expandCandidate resolves a candidate to its display text: the stored
// window for window-keyed hits, a synthesized neighborhood otherwise.
func (e *Engine) expandCandidate(ctx context.Context, scope Scope, c candidate) (string, error) {
	if c.windowID != 0 {
		win, err := e.windows.Get(ctx, c.windowID)
		if err != nil {
			return "", err
		}
		return win.Text(), nil
	}
	return e.windows.Expand(ctx, scope, c.messageID, e.cfg.ExpandRadius)
}
