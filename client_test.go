package chatsync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/relaychat/chatsync/internal/chattest"
)

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("")
	if c.BaseURL() != DefaultServerURL {
		t.Errorf("BaseURL = %q", c.BaseURL())
	}
	if c.httpClient.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v", c.httpClient.Timeout)
	}
	if c.httpClient.Jar == nil {
		t.Error("no cookie jar")
	}

	c = NewClient("http://example.com/", WithTimeout(5*time.Second))
	if c.BaseURL() != "http://example.com" {
		t.Errorf("BaseURL = %q", c.BaseURL())
	}
	if c.httpClient.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", c.httpClient.Timeout)
	}

	hc := &http.Client{}
	c = NewClient("http://example.com", WithHTTPClient(hc))
	if c.httpClient != hc || hc.Jar == nil {
		t.Error("custom HTTP client not used or left without a jar")
	}
}

func TestClientLogin(t *testing.T) {
	srv := newTestServer(t)
	srv.SeedUsers(alice)
	ctx := context.Background()

	t.Run("invalid credentials", func(t *testing.T) {
		c := NewClient(srv.URL)
		_, err := c.Login(ctx, alice.Email, "wrong")
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("err = %v", err)
		}
		if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Invalid credentials" {
			t.Errorf("apiErr = %+v", apiErr)
		}
		if c.Cookies() != "" {
			t.Errorf("cookies = %q", c.Cookies())
		}
	})

	t.Run("session cookie", func(t *testing.T) {
		c := NewClient(srv.URL)
		user, err := c.Login(ctx, alice.Email, alice.Password)
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		if user.ID != alice.ID || user.Username != alice.Username || user.Role != RoleUser {
			t.Fatalf("user = %+v", user)
		}
		if id := user.Identity(); id.validate() != nil {
			t.Errorf("identity = %+v", id)
		}

		cookies := c.Cookies()
		if !strings.Contains(cookies, "token="+alice.ID) {
			t.Fatalf("cookies = %q", cookies)
		}

		// A fresh client seeded with the saved cookies shares the session.
		restored := NewClient(srv.URL, WithCookies(cookies))
		me, err := restored.Session(ctx)
		if err != nil {
			t.Fatalf("Session: %v", err)
		}
		if me.ID != alice.ID {
			t.Errorf("session user = %q", me.ID)
		}

		if err := c.Logout(ctx); err != nil {
			t.Fatalf("Logout: %v", err)
		}
		if _, err := c.Session(ctx); err == nil {
			t.Error("session survived logout")
		}
	})
}

func TestClientRegister(t *testing.T) {
	srv := newTestServer(t)
	srv.SeedUsers(alice)
	c := NewClient(srv.URL)
	ctx := context.Background()

	if _, err := c.Register(ctx, nil); err == nil {
		t.Fatal("nil options accepted")
	}

	user, err := c.Register(ctx, &RegisterOptions{
		Username:    "dora",
		DisplayName: "Dora",
		Email:       "dora@example.com",
		Password:    "secret",
		Role:        RoleAgent,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.ID == "" || user.Role != RoleAgent || user.DisplayName() != "Dora" {
		t.Fatalf("user = %+v", user)
	}
	if me, err := c.Session(ctx); err != nil || me.ID != user.ID {
		t.Fatalf("Session = %+v, %v", me, err)
	}
	if user.ID == alice.ID {
		t.Fatalf("registered user took seeded id %q", user.ID)
	}
	if _, err := NewClient(srv.URL).Login(ctx, alice.Email, alice.Password); err != nil {
		t.Fatalf("seeded user lost after register: %v", err)
	}

	_, err = c.Register(ctx, &RegisterOptions{Username: "alice2", Email: alice.Email, Password: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register err = %v", err)
	}
}

func TestClientUsers(t *testing.T) {
	srv := newTestServer(t)
	srv.SeedUsers(alice, bob, chattest.User{
		ID: "a1", Username: "helper", Email: "helper@example.com", Password: "pw", Role: "agent",
		Profile: chattest.Profile{DisplayName: "Help Desk"},
	})
	ctx := context.Background()

	anon := NewClient(srv.URL)
	if _, err := anon.AvailableUsers(ctx); err == nil {
		t.Fatal("anonymous listing allowed")
	}

	c := NewClient(srv.URL)
	if _, err := c.Login(ctx, alice.Email, alice.Password); err != nil {
		t.Fatalf("Login: %v", err)
	}

	users, err := c.AvailableUsers(ctx)
	if err != nil {
		t.Fatalf("AvailableUsers: %v", err)
	}
	if len(users) != 2 || users[0].ID != "a1" || users[1].ID != bob.ID {
		t.Fatalf("users = %+v", users)
	}

	agents, err := c.Agents(ctx)
	if err != nil {
		t.Fatalf("Agents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "a1" || agents[0].DisplayName() != "Help Desk" {
		t.Fatalf("agents = %+v", agents)
	}
}

func TestClientConversationMessages(t *testing.T) {
	srv := newTestServer(t)
	srv.SeedUsers(alice, bob)
	conv := ConversationID(alice.ID, bob.ID)
	srv.SeedHistory(conv,
		chattest.Message{
			ID:         "h1",
			SenderID:   chattest.Participant{ID: bob.ID, Username: bob.Username},
			ReceiverID: chattest.Participant{ID: alice.ID, Username: alice.Username},
			Content:    "first",
			Timestamp:  baseTime,
		},
		chattest.Message{
			ID:         "h2",
			SenderID:   chattest.Participant{ID: alice.ID, Username: alice.Username},
			ReceiverID: chattest.Participant{ID: bob.ID, Username: bob.Username},
			Content:    "second",
			Status:     "read",
			Timestamp:  baseTime.Add(time.Minute),
		},
	)
	ctx := context.Background()

	c := NewClient(srv.URL)
	if _, err := c.ConversationMessages(ctx, conv); err == nil {
		t.Fatal("anonymous history allowed")
	}
	if _, err := c.Login(ctx, alice.Email, alice.Password); err != nil {
		t.Fatalf("Login: %v", err)
	}

	msgs, err := ClientHistoryLoader(c)(ctx, conv)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !sameIDs(msgs, "h1", "h2") {
		t.Fatalf("ids = %v", ids(msgs))
	}
	if msgs[0].Sender.ID != bob.ID || msgs[0].Receiver.ID != alice.ID || msgs[0].Status != StatusSent {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[1].ConversationID != conv || msgs[1].Status != StatusRead || !msgs[1].Timestamp.Equal(baseTime.Add(time.Minute)) {
		t.Errorf("second = %+v", msgs[1])
	}

	srv.SetOptions(chattest.Options{FailHistory: 1})
	_, err = c.ConversationMessages(ctx, conv)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("err = %v", err)
	}
	if _, err := c.ConversationMessages(ctx, conv); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
}
