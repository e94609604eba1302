// Package commands implements the masamong CLI using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/masamong/masamong/pkg/masamong/bot"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "masamong",
		Short: "masamong - Discord assistant with conversational memory",
		Long: `masamong is a Discord assistant that remembers what a channel talked
about and retrieves it with hybrid keyword + semantic search.

Examples:
  masamong serve
  masamong search --guild 123 --channel 456 "서울 날씨"
  masamong ingest --guild 123 --channel 456 --user lena "내일 비 온대"
  masamong reindex`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSearchCmd(),
		newIngestCmd(),
		newReindexCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config from --config or the standard locations.
func resolveConfig(cmd *cobra.Command) (*bot.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = bot.FindConfigFile()
	}
	if path == "" {
		return nil, fmt.Errorf("no config file found; create config.yaml or pass --config")
	}
	return bot.LoadConfigFromFile(path)
}

// newLogger builds the slog logger from config and the --verbose flag.
func newLogger(cmd *cobra.Command, cfg *bot.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
