package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/masamong/masamong/pkg/masamong/memory"
)

// newReindexCmd creates the `masamong reindex` command for manual index
// repair: orphan cleanup, a full-text rebuild and an embedding backfill.
func newReindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Repair the search indexes",
		Long: `Remove orphaned lexical entries, rebuild the full-text index from
stored content and embed any windows still missing a vector.

Examples:
  masamong reindex
  masamong reindex --backfill-limit 500`,
		RunE: runReindex,
	}

	cmd.Flags().Int("backfill-limit", 200, "max windows to embed in this run")
	return cmd
}

func runReindex(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	var embedder memory.Embedder = memory.NullEmbedder{}
	if cfg.Embedding.BaseURL != "" {
		embedder = memory.NewHTTPEmbedder(cfg.Embedding)
	}

	svc, err := memory.Open(cfg.Memory, embedder, nil, logger)
	if err != nil {
		return fmt.Errorf("opening memory: %w", err)
	}
	defer svc.Close()

	ctx := cmd.Context()

	removed, err := svc.CleanOrphans(ctx)
	if err != nil {
		return fmt.Errorf("orphan cleanup: %w", err)
	}
	fmt.Printf("removed %d orphaned index entries\n", removed)

	if err := svc.RebuildLexicalIndex(ctx); err != nil {
		return fmt.Errorf("fts rebuild: %w", err)
	}
	fmt.Println("full-text index rebuilt")

	limit, _ := cmd.Flags().GetInt("backfill-limit")
	embedded, err := svc.BackfillEmbeddings(ctx, limit)
	if err != nil {
		fmt.Printf("embedded %d windows before error: %v\n", embedded, err)
		return nil
	}
	fmt.Printf("embedded %d windows\n", embedded)
	return nil
}
