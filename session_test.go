package chatsync

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/relaychat/chatsync/internal/chattest"
)

var (
	alice = chattest.User{ID: "u1", Username: "alice", Email: "alice@example.com", Password: "pw-alice"}
	bob   = chattest.User{ID: "u2", Username: "bob", Email: "bob@example.com", Password: "pw-bob"}
)

func openTestSession(t *testing.T, srv *chattest.Server, u chattest.User) *Session {
	t.Helper()
	client := NewClient(srv.URL)
	user, err := client.Login(context.Background(), u.Email, u.Password)
	if err != nil {
		t.Fatalf("Login %s: %v", u.Username, err)
	}
	sess := NewSession(SessionConfig{
		Conn:          testConnConfig(srv),
		TypingTimeout: 80 * time.Millisecond,
		History:       ClientHistoryLoader(client),
		Cache:         fastCacheConfig(),
	})
	t.Cleanup(sess.Shutdown)
	if err := sess.Open(context.Background(), user.Identity()); err != nil {
		t.Fatalf("Open %s: %v", u.Username, err)
	}
	return sess
}

func TestSessionOpen(t *testing.T) {
	sess := NewSession(SessionConfig{Conn: ConnConfig{URL: "http://127.0.0.1:1"}})
	if err := sess.Open(context.Background(), Identity{UserID: "u1"}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("err = %v", err)
	}
	if sess.HistoryCache() != nil {
		t.Fatal("cache created without a loader")
	}
}

func TestSessionConversationFlow(t *testing.T) {
	srv := newTestServer(t)
	srv.SeedUsers(alice, bob)
	conv := ConversationID(alice.ID, bob.ID)
	srv.SeedHistory(conv, chattest.Message{
		ID:         "h1",
		SenderID:   chattest.Participant{ID: bob.ID, Username: bob.Username},
		ReceiverID: chattest.Participant{ID: alice.ID, Username: alice.Username},
		Content:    "earlier",
		Timestamp:  time.Now().Add(-time.Hour).UTC(),
	})

	a := openTestSession(t, srv, alice)
	b := openTestSession(t, srv, bob)
	ctx := context.Background()

	got, err := a.OpenConversation(ctx, Participant{ID: bob.ID, Username: bob.Username})
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if got != conv || a.Store().ActiveConversation() != conv {
		t.Fatalf("conv = %q active = %q", got, a.Store().ActiveConversation())
	}
	waitFor(t, "room join", func() bool { return srv.InRoom(alice.ID, conv) })

	msgs := a.Store().Messages(conv)
	if !sameIDs(msgs, "h1") || msgs[0].Status != StatusRead {
		t.Fatalf("history = %+v", msgs)
	}
	if a.Store().TotalUnread() != 0 {
		t.Fatalf("unread = %d", a.Store().TotalUnread())
	}
	waitFor(t, "read receipt for history", func() bool { return len(srv.Received(CmdMessageRead)) == 1 })

	t.Run("incoming message is delivered, stored and read", func(t *testing.T) {
		sent, err := b.Send(ctx, Participant{ID: alice.ID, Username: alice.Username}, "hi alice")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		waitFor(t, "message at alice", func() bool {
			_, ok := a.Store().Message(conv, sent.ID)
			return ok
		})
		waitFor(t, "delivered and read receipts", func() bool {
			return len(srv.Received(CmdMessageDelivered)) == 1 && len(srv.Received(CmdMessageRead)) == 2
		})
		waitFor(t, "server status read", func() bool {
			h := srv.History(conv)
			return h[len(h)-1].Status == "read"
		})
		waitFor(t, "unread cleared", func() bool { return a.Store().TotalUnread() == 0 })
		waitFor(t, "history refetch", func() bool { return srv.HistoryRequests() >= 2 })
	})

	t.Run("status push advances the sender copy", func(t *testing.T) {
		last, ok := b.Store().LastMessage(conv)
		if !ok || last.Provisional() {
			t.Fatalf("sender copy = %+v", last)
		}
		srv.Push(bob.ID, EventMessageStatus, map[string]any{
			"conversationId": conv, "messageIds": []string{last.ID}, "status": "read",
		})
		waitFor(t, "status read", func() bool {
			m, _ := b.Store().Message(conv, last.ID)
			return m.Status == StatusRead
		})
		srv.Push(bob.ID, EventMessageStatus, map[string]any{
			"conversationId": conv, "messageId": last.ID, "status": "delivered",
		})
		time.Sleep(50 * time.Millisecond)
		if m, _ := b.Store().Message(conv, last.ID); m.Status != StatusRead {
			t.Fatalf("status regressed to %q", m.Status)
		}
	})

	t.Run("typing from the counterpart", func(t *testing.T) {
		if err := b.Actions().StartTyping(ctx, conv, alice.ID); err != nil {
			t.Fatalf("StartTyping: %v", err)
		}
		waitFor(t, "typing shown", func() bool {
			return slices.Contains(a.Store().TypingUsers(conv), bob.Username)
		})
		waitFor(t, "typing cleared", func() bool { return len(a.Store().TypingUsers(conv)) == 0 })
	})

	t.Run("remote typing expires without a stop", func(t *testing.T) {
		srv.Push(alice.ID, EventTypingUpdate, map[string]any{
			"conversationId": conv, "userId": "u7", "username": "carol", "isTyping": true,
		})
		waitFor(t, "typing shown", func() bool { return len(a.Store().TypingUsers(conv)) == 1 })
		waitFor(t, "typing expired", func() bool { return len(a.Store().TypingUsers(conv)) == 0 })
	})

	t.Run("own typing echo is ignored", func(t *testing.T) {
		srv.Push(alice.ID, EventTypingUpdate, map[string]any{
			"conversationId": conv, "userId": alice.ID, "username": alice.Username, "isTyping": true,
		})
		time.Sleep(50 * time.Millisecond)
		if len(a.Store().TypingUsers(conv)) != 0 {
			t.Fatal("own typing shown")
		}
	})

	t.Run("rejoins the active conversation after reconnect", func(t *testing.T) {
		joins := len(srv.Received(CmdConversationJoin))
		srv.Kick(alice.ID)
		waitFor(t, "rejoin", func() bool { return len(srv.Received(CmdConversationJoin)) > joins })
		waitFor(t, "room membership", func() bool { return srv.InRoom(alice.ID, conv) })
	})

	t.Run("presence follows the counterpart", func(t *testing.T) {
		waitFor(t, "bob online", func() bool { return a.Presence().IsOnline(bob.ID) })
		b.Close()
		waitFor(t, "bob offline", func() bool { return !a.Presence().IsOnline(bob.ID) })
		if rec, ok := a.Presence().Get(bob.ID); !ok || rec.Status != PresenceOffline {
			t.Fatalf("record = %+v", rec)
		}
	})

	t.Run("close resets state", func(t *testing.T) {
		a.Close()
		if a.Conn().State() != StateDisconnected {
			t.Fatalf("state = %s", a.Conn().State())
		}
		if len(a.Store().Conversations()) != 0 || len(a.Presence().All()) != 0 {
			t.Fatal("state survived Close")
		}
		if a.Bus().Count(EventMessageNew) != 0 {
			t.Fatal("handlers survived Close")
		}
	})
}

func TestSessionRefreshPresence(t *testing.T) {
	srv := newTestServer(t)
	srv.SeedUsers(alice, bob)
	srv.SetPresence(chattest.Presence{UserID: bob.ID, Username: bob.Username, Status: "away"})
	a := openTestSession(t, srv, alice)

	if err := a.RefreshPresence(context.Background(), []string{bob.ID, "ghost"}); err != nil {
		t.Fatalf("RefreshPresence: %v", err)
	}
	rec, ok := a.Presence().Get(bob.ID)
	if !ok || rec.Status != PresenceAway {
		t.Fatalf("bob = %+v", rec)
	}
	if a.Presence().IsOnline("ghost") {
		t.Fatal("unknown user online")
	}
}

func TestSessionIncomingCreatesConversation(t *testing.T) {
	srv := newTestServer(t)
	srv.SeedUsers(alice, bob)
	a := openTestSession(t, srv, alice)
	b := openTestSession(t, srv, bob)

	if _, err := b.Send(context.Background(), Participant{ID: alice.ID}, "ping"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	conv := ConversationID(alice.ID, bob.ID)
	waitFor(t, "conversation at alice", func() bool {
		c, ok := a.Store().Conversation(conv)
		return ok && c.UnreadCount == 1
	})
	c, _ := a.Store().Conversation(conv)
	if c.ParticipantID != bob.ID || a.Store().TotalUnread() != 1 {
		t.Fatalf("conv = %+v total = %d", c, a.Store().TotalUnread())
	}
}
