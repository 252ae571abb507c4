package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	ServerURL string `toml:"server_url"`
}

// ConfigAuth holds the logged-in session.
type ConfigAuth struct {
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
	Role     string `toml:"role"`
	Email    string `toml:"email"`
	Cookies  string `toml:"cookies"`
}

// envServerURL overrides default.server_url when set.
const envServerURL = "CHATSYNC_SERVER_URL"

// ============================================================================
// Config helpers
// ============================================================================

// configDirOverride is used by tests.
var configDirOverride string

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	dir := configDirOverride
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig decodes config.toml. A missing file is an empty config; unknown
// keys are rejected so a typo does not silently drop a setting.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{}
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// saveConfig replaces config.toml through a temp file in the same directory,
// so a crash never leaves a half-written session behind.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "config-*.toml")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.server_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.server_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "server_url":
			cfg.Default.ServerURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		case "role":
			cfg.Auth.Role = value
		case "email":
			cfg.Auth.Email = value
		case "cookies":
			cfg.Auth.Cookies = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// serverURL resolves the server URL: environment, then config file.
func (c *Config) serverURL() string {
	if v := os.Getenv(envServerURL); v != "" {
		return v
	}
	return c.Default.ServerURL
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

// logger is the library logger; it discards unless --verbose is set.
var logger = log.New(io.Discard, "", 0)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Realtime chat client",
	Long:  "Command-line client for the chat server.\nLog in, watch live events, send messages and query presence.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger = log.New(os.Stderr, "chatsync: ", log.LstdFlags)
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection lifecycle to stderr")
}

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
