package main

import (
	"context"
	"fmt"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

var (
	registerUsername    string
	registerDisplayName string
	registerRole        string
)

func init() {
	registerCmd.Flags().StringVar(&registerUsername, "username", "", "Username (required)")
	registerCmd.Flags().StringVar(&registerDisplayName, "display-name", "", "Display name")
	registerCmd.Flags().StringVar(&registerRole, "role", "user", "Account role: user, agent")
	registerCmd.MarkFlagRequired("username")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email> <password>",
	Short: "Log in and store the session in ~/.chatsync/config.toml",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Cookies = ""
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		user, err := client.Login(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		storeLogin(cfg, client, user)
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("%s as %s (%s)\n", successColor("Logged in"), userColor(user.Username), user.ID)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <email> <password>",
	Short: "Create an account and log in",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Cookies = ""
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		user, err := client.Register(ctx, &chatsync.RegisterOptions{
			Username:    registerUsername,
			DisplayName: valueOrDefault(registerDisplayName, registerUsername),
			Email:       args[0],
			Password:    args[1],
			Role:        chatsync.Role(registerRole),
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		storeLogin(cfg, client, user)
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("%s %s (%s)\n", successColor("Registered"), userColor(user.Username), user.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and forget stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Cookies != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := getClient(cfg).Logout(ctx); err != nil {
				fmt.Printf("%s server logout failed: %v\n", warningColor("warning:"), err)
			}
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out")
		return nil
	},
}
