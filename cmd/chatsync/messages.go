package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyOffset int
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of messages")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "Number of messages to skip")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a message to a user",
	Args:  cobra.MinimumNArgs(2),
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

		msg, err := sess.Send(ctx, chatsync.Participant{ID: args[0]}, strings.Join(args[1:], " "))
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("%s %s (%s)\n", successColor("Sent"), msg.ID, statusColor(string(msg.Status)))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Print the conversation with a user",
	Args:  cobra.ExactArgs(1),
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

		convID := chatsync.ConversationID(cfg.Auth.UserID, args[0])
		msgs, err := sess.Actions().FetchHistory(ctx, convID, historyLimit, historyOffset)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}

		fmt.Println(headerColor(convID))
		for _, m := range msgs {
			fmt.Printf("%s %s: %s [%s]\n", m.Timestamp.Local().Format("2006-01-02 15:04"),
				userColor(valueOrDefault(m.Sender.Username, m.Sender.ID)), m.Content, statusColor(string(m.Status)))
		}
		return nil
	},
}
