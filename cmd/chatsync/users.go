package main

import (
	"context"
	"fmt"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

var usersAgents bool

func init() {
	usersCmd.Flags().BoolVar(&usersAgents, "agents", false, "List agents only")
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users you can chat with",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var users []chatsync.User
		if usersAgents {
			users, err = client.Agents(ctx)
		} else {
			users, err = client.AvailableUsers(ctx)
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}

		for _, u := range users {
			fmt.Printf("%-24s %-20s %-6s %s\n", u.ID, userColor(u.Username), u.Role, u.DisplayName())
		}
		return nil
	},
}
