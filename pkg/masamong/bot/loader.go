// Package bot – loader.go loads configuration from YAML files with
// credentials coming from environment variables and .env files.
package bot

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// Automatically loads .env files and expands environment variables, and
// fails when a ${VAR:?error} reference has its variable unset.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, err
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, overlaying defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches standard locations for a config file.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"masamong.yaml",
		"masamong.yml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files from standard locations. godotenv does not
// overwrite variables that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default} and ${VAR:?error}
// references with environment variable values.
func expandEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := sub[1], sub[2], sub[3]

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			msg := value
			if msg == "" {
				msg = "required environment variable not set"
			}
			missing = append(missing, fmt.Sprintf("%s (%s)", name, msg))
			return match
		default:
			return match
		}
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// resolveSecrets fills credentials from conventional environment variables
// when the config left them empty.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey == "" {
		if key := os.Getenv("MASAMONG_API_KEY"); key != "" {
			cfg.API.APIKey = key
		} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.API.APIKey = key
		}
	}
	if cfg.Embedding.APIKey == "" {
		if key := os.Getenv("MASAMONG_EMBEDDING_API_KEY"); key != "" {
			cfg.Embedding.APIKey = key
		} else {
			cfg.Embedding.APIKey = cfg.API.APIKey
		}
	}
	if cfg.Discord.Token == "" {
		cfg.Discord.Token = os.Getenv("DISCORD_BOT_TOKEN")
	}
}

// resolveRelativePaths anchors relative paths at the config file's directory
// so starting the bot from another working directory keeps working.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)
	if cfg.Memory.DBPath != "" && !filepath.IsAbs(cfg.Memory.DBPath) {
		if strings.HasPrefix(cfg.Memory.DBPath, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				cfg.Memory.DBPath = filepath.Join(home, cfg.Memory.DBPath[2:])
				return
			}
		}
		cfg.Memory.DBPath = filepath.Join(configDir, cfg.Memory.DBPath)
	}
}
