package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/relaychat/chatsync"
)

var (
	infoColor    = color.New(color.FgCyan).SprintFunc()
	successColor = color.New(color.FgGreen).SprintFunc()
	errorColor   = color.New(color.FgRed).SprintFunc()
	warningColor = color.New(color.FgYellow).SprintFunc()
	headerColor  = color.New(color.FgMagenta, color.Bold).SprintFunc()
	userColor    = color.New(color.FgGreen, color.Bold).SprintFunc()
)

// getClient creates a REST client carrying the stored session cookies.
func getClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Auth.Cookies != "" {
		opts = append(opts, chatsync.WithCookies(cfg.Auth.Cookies))
	}
	return chatsync.NewClient(cfg.serverURL(), opts...)
}

// identity returns the stored identity or an error telling the user to log in.
func identity(cfg *Config) (chatsync.Identity, error) {
	if cfg.Auth.UserID == "" || cfg.Auth.Username == "" {
		return chatsync.Identity{}, fmt.Errorf("not logged in; run 'chatsync login <email> <password>' first")
	}
	role := chatsync.Role(cfg.Auth.Role)
	if role == "" {
		role = chatsync.RoleUser
	}
	return chatsync.Identity{UserID: cfg.Auth.UserID, Username: cfg.Auth.Username, Role: role}, nil
}

// openSession connects a realtime session as the stored user.
func openSession(ctx context.Context, cfg *Config) (*chatsync.Session, error) {
	id, err := identity(cfg)
	if err != nil {
		return nil, err
	}
	url := cfg.serverURL()
	if url == "" {
		url = chatsync.DefaultServerURL
	}
	sess := chatsync.NewSession(chatsync.SessionConfig{
		Conn:    chatsync.ConnConfig{URL: url},
		History: chatsync.ClientHistoryLoader(getClient(cfg)),
		Logger:  logger,
	})
	if err := sess.Open(ctx, id); err != nil {
		sess.Shutdown()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return sess, nil
}

// storeLogin records a logged-in user and the client's cookies.
func storeLogin(cfg *Config, client *chatsync.Client, user *chatsync.User) {
	cfg.Auth = ConfigAuth{
		UserID:   user.ID,
		Username: user.Username,
		Role:     string(user.Role),
		Email:    user.Email,
		Cookies:  client.Cookies(),
	}
}

func statusColor(s string) string {
	switch s {
	case "online", string(chatsync.StatusRead):
		return successColor(s)
	case "away", string(chatsync.StatusDelivered):
		return warningColor(s)
	case "offline":
		return errorColor(s)
	}
	return s
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
