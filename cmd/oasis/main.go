package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.oasis/config.toml.
// Every field can be overridden by its OASIS_* environment variable.
type Config struct {
	Default   ConfigDefault   `toml:"default"`
	Cache     ConfigCache     `toml:"cache"`
	Transport ConfigTransport `toml:"transport"`
}

// ConfigDefault holds the server and identity settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url" env:"OASIS_BASE_URL"`
	Token       string `toml:"token" env:"OASIS_TOKEN"`
	WorkspaceID string `toml:"workspace_id" env:"OASIS_WORKSPACE_ID"`
	UserID      string `toml:"user_id" env:"OASIS_USER_ID"`
	UserName    string `toml:"user_name" env:"OASIS_USER_NAME"`
}

// ConfigCache selects the snapshot cache backend.
type ConfigCache struct {
	Backend   string `toml:"backend" env:"OASIS_CACHE_BACKEND"`
	RedisAddr string `toml:"redis_addr" env:"OASIS_REDIS_ADDR"`
	PebbleDir string `toml:"pebble_dir" env:"OASIS_PEBBLE_DIR"`
}

// ConfigTransport selects how pushed events arrive.
type ConfigTransport struct {
	Kind          string `toml:"kind" env:"OASIS_TRANSPORT"`
	URL           string `toml:"url" env:"OASIS_WS_URL"`
	AMQPURL       string `toml:"amqp_url" env:"OASIS_AMQP_URL"`
	AMQPExchange  string `toml:"amqp_exchange" env:"OASIS_AMQP_EXCHANGE"`
	WebhookAddr   string `toml:"webhook_addr" env:"OASIS_WEBHOOK_ADDR"`
	WebhookSecret string `toml:"webhook_secret" env:"OASIS_WEBHOOK_SECRET"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.oasis, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".oasis")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfigFile reads and parses the config file without environment
// overrides. If the file does not exist, it returns a zero-value Config.
func loadConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig is loadConfigFile with OASIS_* overrides applied. Unset
// variables leave the file value alone.
func loadConfig() (*Config, error) {
	cfg, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("cannot parse environment: %w", err)
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	var target *string
	switch section {
	case "default":
		target = map[string]*string{
			"base_url":     &cfg.Default.BaseURL,
			"token":        &cfg.Default.Token,
			"workspace_id": &cfg.Default.WorkspaceID,
			"user_id":      &cfg.Default.UserID,
			"user_name":    &cfg.Default.UserName,
		}[field]
	case "cache":
		if field == "backend" && !oneOf(value, "memory", "redis", "pebble") {
			return fmt.Errorf("cache.backend must be memory, redis or pebble")
		}
		target = map[string]*string{
			"backend":    &cfg.Cache.Backend,
			"redis_addr": &cfg.Cache.RedisAddr,
			"pebble_dir": &cfg.Cache.PebbleDir,
		}[field]
	case "transport":
		if field == "kind" && !oneOf(value, "none", "ws", "webhook", "amqp") {
			return fmt.Errorf("transport.kind must be none, ws, webhook or amqp")
		}
		target = map[string]*string{
			"kind":           &cfg.Transport.Kind,
			"url":            &cfg.Transport.URL,
			"amqp_url":       &cfg.Transport.AMQPURL,
			"amqp_exchange":  &cfg.Transport.AMQPExchange,
			"webhook_addr":   &cfg.Transport.WebhookAddr,
			"webhook_secret": &cfg.Transport.WebhookSecret,
		}[field]
	default:
		return fmt.Errorf("unknown config section %q (valid: default, cache, transport)", section)
	}
	if target == nil {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	*target = value
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "oasis",
	Short: "Oasis message sync CLI",
	Long:  "Command-line interface for the Oasis message sync core.\nBrowse history, send messages, and follow conversations live.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
