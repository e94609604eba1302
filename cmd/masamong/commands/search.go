package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/masamong/masamong/pkg/masamong/memory"
)

// newSearchCmd creates the `masamong search` command for querying memory
// from the terminal.
func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search conversational memory",
		Long: `Run hybrid retrieval against stored conversation and print the
matching context blocks with their scores.

Examples:
  masamong search --guild 123 --channel 456 "서울 날씨"
  masamong search --guild 123 --channel 456 --strategy lexical "김치찌개"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSearch,
	}

	cmd.Flags().Int64("guild", 0, "guild id to search in (required)")
	cmd.Flags().Int64("channel", 0, "channel id to search in (required)")
	cmd.Flags().String("strategy", "", "override search strategy (lexical, semantic, hybrid)")
	_ = cmd.MarkFlagRequired("guild")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	if override, _ := cmd.Flags().GetString("strategy"); override != "" {
		strategy, err := memory.ParseStrategy(override)
		if err != nil {
			return err
		}
		cfg.Memory.Search.Strategy = strategy
	}

	var embedder memory.Embedder = memory.NullEmbedder{}
	if cfg.Embedding.BaseURL != "" {
		embedder = memory.NewHTTPEmbedder(cfg.Embedding)
	}

	svc, err := memory.Open(cfg.Memory, embedder, nil, logger)
	if err != nil {
		return fmt.Errorf("opening memory: %w", err)
	}
	defer svc.Close()

	guildID, _ := cmd.Flags().GetInt64("guild")
	channelID, _ := cmd.Flags().GetInt64("channel")
	scope := memory.Scope{GuildID: guildID, ChannelID: channelID}

	blocks, err := svc.Retrieve(cmd.Context(), scope, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		fmt.Println("no matches")
		return nil
	}

	for i, b := range blocks {
		marker := ""
		if b.Strong {
			marker = " (strong)"
		}
		fmt.Printf("--- %d. score %.3f%s\n%s\n", i+1, b.Score, marker, b.Text)
	}
	return nil
}
