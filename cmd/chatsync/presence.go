package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence <user-id>...",
	Short: "Show the presence of users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, err := openSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer sess.Shutdown()

		if err := sess.RefreshPresence(ctx, args); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for _, id := range args {
			p, ok := sess.Presence().Get(id)
			if !ok {
				fmt.Printf("%-24s %s\n", id, statusColor("offline"))
				continue
			}
			line := fmt.Sprintf("%-24s %s", valueOrDefault(p.Username, id), statusColor(string(p.Status)))
			if p.LastSeen != nil && !p.LastSeen.IsZero() {
				line += " (last seen " + p.LastSeen.Local().Format(time.RFC3339) + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}
