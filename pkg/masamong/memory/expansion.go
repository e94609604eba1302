// Package memory – expansion.go turns a raw user query into a small set of
// retrieval variants: the query itself, a context-enriched form built from
// recent turns, and optional model paraphrases. Expansion is best effort;
// retrieval always has at least the verbatim query to work with.
package memory

import (
	"context"
	"log/slog"
	"strings"
)

// Paraphraser rewrites a query into alternate phrasings, one per line.
// Implementations are typically backed by a chat model; errors are tolerated
// and simply shrink the variant set.
type Paraphraser interface {
	Paraphrase(ctx context.Context, query string) (string, error)
}

// ExpansionConfig controls variant generation.
type ExpansionConfig struct {
	// RecentTurns is how many recent messages feed the context-enriched
	// variant. 0 disables that variant.
	RecentTurns int `yaml:"recent_turns"`

	// MaxParaphrases caps how many model rewrites are kept.
	MaxParaphrases int `yaml:"max_paraphrases"`

	// MaxVariants bounds the final set so downstream fan-out stays small.
	MaxVariants int `yaml:"max_variants"`
}

// DefaultExpansionConfig returns the production defaults.
func DefaultExpansionConfig() ExpansionConfig {
	return ExpansionConfig{RecentTurns: 4, MaxParaphrases: 2, MaxVariants: 4}
}

// QueryExpander builds the variant set for one retrieval.
type QueryExpander struct {
	store       *Store
	paraphraser Paraphraser
	cfg         ExpansionConfig
	logger      *slog.Logger
}

// NewQueryExpander creates an expander. paraphraser may be nil, in which
// case only the verbatim and context-enriched variants are produced.
func NewQueryExpander(store *Store, paraphraser Paraphraser, cfg ExpansionConfig, logger *slog.Logger) *QueryExpander {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxVariants <= 0 {
		cfg.MaxVariants = DefaultExpansionConfig().MaxVariants
	}
	return &QueryExpander{store: store, paraphraser: paraphraser, cfg: cfg, logger: logger}
}

// Expand returns the deduplicated variant set, verbatim query first. The
// verbatim query is always present even when every enrichment fails.
func (qe *QueryExpander) Expand(ctx context.Context, scope Scope, query string) []string {
	query = strings.TrimSpace(query)
	variants := []string{query}

	if enriched := qe.contextVariant(ctx, scope, query); enriched != "" {
		variants = append(variants, enriched)
	}
	variants = append(variants, qe.paraphraseVariants(ctx, query)...)

	return dedupeVariants(variants, qe.cfg.MaxVariants)
}

// contextVariant prepends the latest turns to the query so pronouns and
// ellipses ("그건 어떻게 됐어?") resolve against what was just said.
func (qe *QueryExpander) contextVariant(ctx context.Context, scope Scope, query string) string {
	if qe.cfg.RecentTurns <= 0 || qe.store == nil {
		return ""
	}
	recent, err := qe.store.GetRecent(ctx, scope, qe.cfg.RecentTurns)
	if err != nil {
		qe.logger.Debug("context variant skipped", "error", err)
		return ""
	}
	var parts []string
	for _, m := range recent {
		if t := strings.TrimSpace(m.Content); t != "" && t != query {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " ") + " " + query
}

// paraphraseVariants asks the model for rewrites. Failures are logged and
// swallowed; paraphrasing is an enrichment, never a dependency.
func (qe *QueryExpander) paraphraseVariants(ctx context.Context, query string) []string {
	if qe.paraphraser == nil || qe.cfg.MaxParaphrases <= 0 {
		return nil
	}
	raw, err := qe.paraphraser.Paraphrase(ctx, query)
	if err != nil {
		qe.logger.Debug("paraphrase skipped", "error", err)
		return nil
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) >= qe.cfg.MaxParaphrases {
			break
		}
	}
	return out
}

// dedupeVariants removes duplicates case-insensitively, keeping first
// occurrence order, and truncates to max.
func dedupeVariants(variants []string, max int) []string {
	seen := make(map[string]bool, len(variants))
	out := make([]string, 0, len(variants))
	for _, v := range variants {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}
