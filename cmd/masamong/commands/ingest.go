package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/masamong/masamong/pkg/masamong/memory"
)

// newIngestCmd creates the `masamong ingest` command for feeding messages
// into memory without a Discord connection, mainly for imports and testing.
func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [content]",
		Short: "Record a message into conversational memory",
		Long: `Append one message to the store, advancing window construction
exactly as a live Discord message would.

Examples:
  masamong ingest --guild 123 --channel 456 --user lena "내일 비 온대"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runIngest,
	}

	cmd.Flags().Int64("guild", 0, "guild id (required)")
	cmd.Flags().Int64("channel", 0, "channel id (required)")
	cmd.Flags().String("user", "cli", "author name")
	cmd.Flags().Int64("user-id", 0, "author id")
	_ = cmd.MarkFlagRequired("guild")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
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

	guildID, _ := cmd.Flags().GetInt64("guild")
	channelID, _ := cmd.Flags().GetInt64("channel")
	userName, _ := cmd.Flags().GetString("user")
	userID, _ := cmd.Flags().GetInt64("user-id")

	stored, err := svc.Ingest(cmd.Context(), memory.Message{
		Scope:    memory.Scope{GuildID: guildID, ChannelID: channelID},
		UserID:   userID,
		UserName: userName,
		Content:  strings.Join(args, " "),
	})
	if err != nil {
		return err
	}
	fmt.Printf("stored message %d\n", stored.ID)
	return nil
}
