// Package bot – config.go defines the assistant configuration tree. Values
// come from YAML with environment variable expansion; defaults cover a local
// single-guild deployment.
package bot

import (
	"fmt"
	"time"

	"github.com/masamong/masamong/pkg/masamong/channels/discord"
	"github.com/masamong/masamong/pkg/masamong/maintenance"
	"github.com/masamong/masamong/pkg/masamong/memory"
)

// Config holds all assistant configuration.
type Config struct {
	// Name is the assistant name shown in responses.
	Name string `yaml:"name"`

	// Trigger is the keyword that activates the bot in addition to
	// mentions (e.g. "마사몽").
	Trigger string `yaml:"trigger"`

	// Language is the preferred response language (e.g. "ko").
	Language string `yaml:"language"`

	// Instructions are the base system prompt instructions.
	Instructions string `yaml:"instructions"`

	// API configures the chat model endpoint.
	API APIConfig `yaml:"api"`

	// Embedding configures the embedding model endpoint.
	Embedding memory.EmbedderConfig `yaml:"embedding"`

	// Memory configures the conversational memory subsystem.
	Memory memory.Config `yaml:"memory"`

	// Discord configures the Discord channel.
	Discord discord.Config `yaml:"discord"`

	// Maintenance configures the background maintenance schedules.
	Maintenance maintenance.Config `yaml:"maintenance"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// APIConfig configures an OpenAI-compatible chat completion endpoint.
type APIConfig struct {
	// BaseURL is the API root (e.g. "https://api.openai.com/v1").
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key"`

	// Model is the chat model name.
	Model string `yaml:"model"`

	// Temperature is passed through to the completion call.
	Temperature float64 `yaml:"temperature"`

	// Timeout bounds a single completion call.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:     "masamong",
		Trigger:  "마사몽",
		Language: "ko",
		API: APIConfig{
			BaseURL:     "https://api.openai.com/v1",
			Temperature: 0.7,
			Timeout:     60 * time.Second,
		},
		Embedding: memory.EmbedderConfig{
			Model:   "multilingual-e5-base",
			Timeout: 30 * time.Second,
		},
		Memory:      memory.DefaultConfig(),
		Discord:     discord.DefaultConfig(),
		Maintenance: maintenance.DefaultConfig(),
		Logging:     LoggingConfig{Level: "info", Format: "json"},
	}
}

// Validate checks values that would only fail later at query time, so a bad
// config dies on startup instead.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	strategy, err := memory.ParseStrategy(string(c.Memory.Search.Strategy))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Memory.Search.Strategy = strategy

	if c.Memory.Search.StrongThreshold < c.Memory.Search.SimilarityThreshold &&
		c.Memory.Search.StrongThreshold != 0 {
		return fmt.Errorf("config: strong_threshold %v below similarity_threshold %v",
			c.Memory.Search.StrongThreshold, c.Memory.Search.SimilarityThreshold)
	}
	if c.Memory.Window.Stride > c.Memory.Window.Size && c.Memory.Window.Size > 0 {
		return fmt.Errorf("config: window stride %d exceeds size %d",
			c.Memory.Window.Stride, c.Memory.Window.Size)
	}
	return nil
}
