package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	oasis "github.com/adrata/oasis-go"
	"github.com/adrata/oasis-go/amqp"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&showRaw, "raw", false, "Print the config file as stored, without environment overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Oasis configuration",
	Long:  "View or modify the Oasis CLI configuration stored in ~/.oasis/config.toml.",
}

var showRaw bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the [default], [cache] and [transport] sections as the sync core will use them.\n" +
		"Values set through OASIS_* variables are marked, secrets are masked, and unset\n" +
		"fields show the value the CLI falls back to.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'oasis init <token>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return writeConfig(os.Stdout, cfg)
	},
}

// configField describes one key of the config file for display.
type configField struct {
	key      string
	env      string
	value    func(*Config) string
	fallback string
	secret   bool
}

var configSections = []struct {
	name   string
	fields []configField
}{
	{"default", []configField{
		{key: "base_url", env: "OASIS_BASE_URL", value: func(c *Config) string { return c.Default.BaseURL }, fallback: oasis.DefaultBaseURL},
		{key: "token", env: "OASIS_TOKEN", value: func(c *Config) string { return c.Default.Token }, secret: true},
		{key: "workspace_id", env: "OASIS_WORKSPACE_ID", value: func(c *Config) string { return c.Default.WorkspaceID }},
		{key: "user_id", env: "OASIS_USER_ID", value: func(c *Config) string { return c.Default.UserID }},
		{key: "user_name", env: "OASIS_USER_NAME", value: func(c *Config) string { return c.Default.UserName }},
	}},
	{"cache", []configField{
		{key: "backend", env: "OASIS_CACHE_BACKEND", value: func(c *Config) string { return c.Cache.Backend }, fallback: "memory"},
		{key: "redis_addr", env: "OASIS_REDIS_ADDR", value: func(c *Config) string { return c.Cache.RedisAddr }, fallback: "localhost:6379"},
		{key: "pebble_dir", env: "OASIS_PEBBLE_DIR", value: func(c *Config) string { return c.Cache.PebbleDir }, fallback: "~/.oasis/cache"},
	}},
	{"transport", []configField{
		{key: "kind", env: "OASIS_TRANSPORT", value: func(c *Config) string { return c.Transport.Kind }, fallback: "none"},
		{key: "url", env: "OASIS_WS_URL", value: func(c *Config) string { return c.Transport.URL }, fallback: "default.base_url"},
		{key: "amqp_url", env: "OASIS_AMQP_URL", value: func(c *Config) string { return c.Transport.AMQPURL }},
		{key: "amqp_exchange", env: "OASIS_AMQP_EXCHANGE", value: func(c *Config) string { return c.Transport.AMQPExchange }, fallback: amqp.DefaultExchange},
		{key: "webhook_addr", env: "OASIS_WEBHOOK_ADDR", value: func(c *Config) string { return c.Transport.WebhookAddr }, fallback: defaultWebhookAddr},
		{key: "webhook_secret", env: "OASIS_WEBHOOK_SECRET", value: func(c *Config) string { return c.Transport.WebhookSecret }, secret: true},
	}},
}

// writeConfig prints cfg section by section. The snapshot TTL is fixed and
// listed under [cache] for reference.
func writeConfig(w io.Writer, cfg *Config) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, section := range configSections {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "[%s]\n", section.name)
		for _, f := range section.fields {
			v := f.value(cfg)
			var note string
			switch {
			case v == "" && f.fallback != "":
				v, note = f.fallback, "(default)"
			case v == "":
				v = "(not set)"
			case f.secret:
				v = maskKey(v)
			}
			if os.Getenv(f.env) != "" {
				note = "(from " + f.env + ")"
			}
			fmt.Fprintf(tw, "%s\t= %s\t%s\n", f.key, v, note)
		}
		if section.name == "cache" {
			fmt.Fprintf(tw, "ttl\t= %s\t(fixed)\n", oasis.SnapshotTTL)
		}
	}
	return tw.Flush()
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: oasis config set transport.kind ws",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "default.token" || key == "transport.webhook_secret" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		if v := envOverride(key); v != "" {
			fmt.Printf("Note: %s is set and overrides this value.\n", v)
		}
		return nil
	},
}

// envOverride names the OASIS_* variable currently overriding key, if any.
func envOverride(key string) string {
	for _, section := range configSections {
		for _, f := range section.fields {
			if section.name+"."+f.key == key && os.Getenv(f.env) != "" {
				return f.env
			}
		}
	}
	return ""
}
