package main

import (
	"context"
	"fmt"

	oasis "github.com/adrata/oasis-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status [scope]",
	Short: "Show current configuration and server reachability",
	Long:  "Display the effective configuration (file plus OASIS_* overrides). With a scope, fetch one page to check the server.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Workspace:   %s\n", valueOrDefault(cfg.Default.WorkspaceID, "(not set)"))
		fmt.Printf("  User:        %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Cache.Backend, "memory"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Transport.Kind, "none"))

		if len(args) == 0 || cfg.Default.Token == "" {
			return nil
		}

		scope, err := parseScope(args[0], cfg.Default.WorkspaceID)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		page, err := getClient(cfg).ListMessages(ctx, oasis.ListQuery{Scope: scope, Limit: 1})
		if err != nil {
			if oasis.IsRetryable(err) {
				fmt.Printf("  Unreachable: %v\n", err)
			} else {
				fmt.Printf("  Rejected:    %v\n", err)
			}
			return nil
		}
		fmt.Printf("  Reachable:   %s (%d message(s), more: %v)\n", scope.Key(), len(page.Messages), page.HasMore)
		return nil
	},
}
