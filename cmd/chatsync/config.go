package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

// configEntry is one resolved setting as shown by 'config show'.
type configEntry struct {
	Key    string
	Value  string
	Source string
}

// configEntries resolves the settings the CLI actually uses. The server URL
// honours the environment override; cookies are masked.
func configEntries(cfg *Config) []configEntry {
	url := configEntry{Key: "default.server_url", Value: cfg.Default.ServerURL, Source: "config"}
	switch {
	case os.Getenv(envServerURL) != "":
		url.Value, url.Source = os.Getenv(envServerURL), "env "+envServerURL
	case url.Value == "":
		url.Value, url.Source = chatsync.DefaultServerURL, "default"
	}

	entries := []configEntry{url}
	for _, e := range []configEntry{
		{Key: "auth.user_id", Value: cfg.Auth.UserID},
		{Key: "auth.username", Value: cfg.Auth.Username},
		{Key: "auth.role", Value: cfg.Auth.Role},
		{Key: "auth.email", Value: cfg.Auth.Email},
		{Key: "auth.cookies", Value: maskCookies(cfg.Auth.Cookies)},
	} {
		if e.Value != "" {
			e.Source = "config"
			entries = append(entries, e)
		}
	}
	return entries
}

// maskCookies keeps cookie names and hides their values.
func maskCookies(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Split(header, "; ")
	for i, p := range parts {
		if name, _, ok := strings.Cut(p, "="); ok {
			parts[i] = name + "=***"
		}
	}
	return strings.Join(parts, "; ")
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Println(headerColor("Config file: ") + path)
		for _, e := range configEntries(cfg) {
			fmt.Printf("  %-20s %s %s\n", e.Key, e.Value, infoColor("("+e.Source+")"))
		}
		if cfg.Auth.UserID == "" {
			fmt.Println(warningColor("Not logged in. Run 'chatsync login <email> <password>'."))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.server_url http://localhost:5000",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println(successColor("Saved ") + args[0])
		if args[0] == "default.server_url" && os.Getenv(envServerURL) != "" {
			fmt.Println(warningColor(envServerURL + " is set and takes precedence"))
		}
		return nil
	},
}
