package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/masamong/masamong/pkg/masamong/bot"
	"github.com/masamong/masamong/pkg/masamong/channels/discord"
	"github.com/masamong/masamong/pkg/masamong/maintenance"
	"github.com/masamong/masamong/pkg/masamong/memory"
)

// newServeCmd creates the `masamong serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Discord daemon",
		Long: `Start masamong as a daemon: connect to Discord, record channel
conversation into memory and answer when addressed.

Examples:
  masamong serve
  masamong serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	llm := bot.NewChatClient(cfg.API)

	var embedder memory.Embedder = memory.NullEmbedder{}
	if cfg.Embedding.BaseURL != "" {
		embedder = memory.NewHTTPEmbedder(cfg.Embedding)
	} else {
		logger.Warn("no embedding endpoint configured, semantic search disabled")
	}

	svc, err := memory.Open(cfg.Memory, embedder, llm, logger)
	if err != nil {
		return fmt.Errorf("opening memory: %w", err)
	}
	defer svc.Close()

	assistant := bot.NewAssistant(cfg, svc, llm, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := discord.New(cfg.Discord, cfg.Trigger, assistant, logger)
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer ch.Disconnect()

	jobs, err := maintenance.New(cfg.Maintenance, svc, logger)
	if err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	logger.Info("masamong running", "name", cfg.Name, "db", cfg.Memory.DBPath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	return nil
}
