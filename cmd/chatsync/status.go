package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and session status",
	Long:  "Display the current configuration and check the stored session against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println(headerColor("Configuration:"))
		fmt.Printf("  Server URL: %s\n", valueOrDefault(cfg.serverURL(), "(default)"))

		fmt.Println()
		fmt.Println(headerColor("Auth:"))
		if cfg.Auth.UserID == "" {
			fmt.Println("  User:       (not logged in)")
			return nil
		}
		fmt.Printf("  User:       %s (%s)\n", userColor(cfg.Auth.Username), cfg.Auth.UserID)
		fmt.Printf("  Role:       %s\n", valueOrDefault(cfg.Auth.Role, "user"))
		fmt.Printf("  Email:      %s\n", valueOrDefault(cfg.Auth.Email, "(not set)"))

		fmt.Println()
		fmt.Println(headerColor("Live status:"))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		user, err := getClient(cfg).Session(ctx)
		if err != nil {
			fmt.Printf("  Session:    %s (%v)\n", errorColor("invalid"), err)
			return nil
		}
		fmt.Printf("  Session:    %s\n", successColor("valid"))
		fmt.Printf("  Display:    %s\n", user.DisplayName())
		return nil
	},
}
