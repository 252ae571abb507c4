package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events until interrupted",
	Long:  "Connect as the stored user and print messages, status changes, typing and presence as they arrive.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		sess, err := openSession(dialCtx, cfg)
		cancel()
		if err != nil {
			return err
		}
		defer sess.Shutdown()

		failed := make(chan error, 1)
		watchEvents(sess.Bus(), func(err error) {
			select {
			case failed <- err:
			default:
			}
		})
		fmt.Printf("%s as %s via %s (Ctrl+C to stop)\n",
			successColor("Connected"), userColor(cfg.Auth.Username), sess.Conn().Transport())

		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return err
		}
	},
}

// watchEvents prints every event the bus delivers.
func watchEvents(bus *chatsync.Bus, onFailed func(error)) {
	stamp := func() string { return time.Now().Format("15:04:05") }

	bus.OnFunc(chatsync.EventDisconnect, func(ev chatsync.Event) {
		fmt.Printf("%s %s %s\n", stamp(), errorColor("disconnected"), ev.Reason)
	})
	bus.OnFunc(chatsync.EventReconnectAttempt, func(ev chatsync.Event) {
		fmt.Printf("%s %s attempt %d\n", stamp(), warningColor("reconnecting"), ev.Attempt)
	})
	bus.OnFunc(chatsync.EventReconnect, func(ev chatsync.Event) {
		fmt.Printf("%s %s after %d attempt(s)\n", stamp(), successColor("reconnected"), ev.Attempt)
	})
	bus.OnFunc(chatsync.EventConnectError, func(ev chatsync.Event) {
		fmt.Printf("%s %s %v\n", stamp(), errorColor("connect error"), ev.Err)
	})
	bus.OnFunc(chatsync.EventReconnectFailed, func(ev chatsync.Event) {
		fmt.Printf("%s %s %v\n", stamp(), errorColor("gave up"), ev.Err)
		onFailed(ev.Err)
	})
	bus.OnFunc(chatsync.EventMessageNew, func(ev chatsync.Event) {
		var p chatsync.MessageNewPayload
		if ev.Decode(&p) != nil {
			return
		}
		m := p.Message
		fmt.Printf("%s %s %s: %s\n", stamp(), infoColor(valueOrDefault(m.ConversationID, p.ConversationID)),
			userColor(valueOrDefault(m.Sender.Username, m.Sender.ID)), m.Content)
	})
	bus.OnFunc(chatsync.EventMessageStatus, func(ev chatsync.Event) {
		var p chatsync.MessageStatusPayload
		if ev.Decode(&p) != nil {
			return
		}
		fmt.Printf("%s %s %s -> %s\n", stamp(), infoColor(p.ConversationID),
			strings.Join(p.IDs(), ","), statusColor(string(p.Status)))
	})
	bus.OnFunc(chatsync.EventTypingUpdate, func(ev chatsync.Event) {
		var p chatsync.TypingUpdate
		if ev.Decode(&p) != nil {
			return
		}
		verb := "stopped typing"
		if p.IsTyping {
			verb = "is typing"
		}
		fmt.Printf("%s %s %s %s\n", stamp(), infoColor(p.ConversationID), userColor(p.Username), verb)
	})
	bus.OnFunc(chatsync.EventPresenceChange, func(ev chatsync.Event) {
		var p chatsync.Presence
		if ev.Decode(&p) != nil {
			return
		}
		fmt.Printf("%s %s is %s\n", stamp(), userColor(valueOrDefault(p.Username, p.UserID)), statusColor(string(p.Status)))
	})
}
