package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL   string
	initWorkspace string
	initUserID    string
	initUserName  string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST API base URL")
	initCmd.Flags().StringVar(&initWorkspace, "workspace", "", "Default workspace id")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Your user id, used to recognise your own messages")
	initCmd.Flags().StringVar(&initUserName, "user-name", "", "Display name shown on optimistic sends")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the API token in ~/.oasis/config.toml",
	Long:  "Initialize the Oasis CLI by storing your token and defaults in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initWorkspace != "" {
			cfg.Default.WorkspaceID = initWorkspace
		}
		if initUserID != "" {
			cfg.Default.UserID = initUserID
		}
		if initUserName != "" {
			cfg.Default.UserName = initUserName
		}
		if cfg.Cache.Backend == "" {
			cfg.Cache.Backend = "memory"
		}
		if cfg.Transport.Kind == "" {
			cfg.Transport.Kind = "none"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
