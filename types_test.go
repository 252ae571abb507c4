package chatsync

import (
	"encoding/json"
	"errors"
	"net/url"
	"testing"
)

func TestConversationID(t *testing.T) {
	a, b := ConversationID("alice", "bob"), ConversationID("bob", "alice")
	if a != b {
		t.Fatalf("not symmetric: %q vs %q", a, b)
	}
	if a != "conv-alice-bob" {
		t.Fatalf("got %q", a)
	}
	if ConversationID("x", "x") != "conv-x-x" {
		t.Fatal("self conversation id")
	}

	// Separators inside user ids must not make two pairs collide.
	if x, y := ConversationID("a-b", "c"), ConversationID("a", "b-c"); x == y {
		t.Fatalf("pairs collide on %q", x)
	}
	if x, y := ConversationID("a%2Db", "c"), ConversationID("a-b", "c"); x == y {
		t.Fatalf("escaped and raw ids collide on %q", x)
	}
	if got := ConversationID("c", "a-b"); got != "conv-a%2Db-c" || got != ConversationID("a-b", "c") {
		t.Fatalf("got %q", got)
	}
}

func TestMessageStatusAdvances(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		want     bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusRead, StatusDelivered, false},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusRead, false},
		{StatusSent, "bogus", false},
		{"", StatusSent, true},
	}
	for _, tt := range tests {
		if got := tt.from.Advances(tt.to); got != tt.want {
			t.Errorf("%q.Advances(%q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if MessageStatus("bogus").Valid() {
		t.Error("bogus status is valid")
	}
}

func TestIdentity(t *testing.T) {
	t.Run("validate", func(t *testing.T) {
		if err := (Identity{UserID: "u1", Username: "ann"}).validate(); !errors.Is(err, ErrInvalidIdentity) {
			t.Fatalf("missing role: err = %v", err)
		}
		if err := (Identity{UserID: "u1", Username: "ann", Role: RoleUser}).validate(); err != nil {
			t.Fatalf("valid identity: %v", err)
		}
	})

	t.Run("query", func(t *testing.T) {
		q, err := url.ParseQuery(Identity{UserID: "u 1", Username: "ann", Role: RoleAgent}.query())
		if err != nil {
			t.Fatal(err)
		}
		if q.Get("userId") != "u 1" || q.Get("username") != "ann" || q.Get("role") != "agent" {
			t.Fatalf("query = %v", q)
		}
	})
}

func TestParticipantDecode(t *testing.T) {
	t.Run("bare id", func(t *testing.T) {
		var p Participant
		if err := json.Unmarshal([]byte(`"u1"`), &p); err != nil {
			t.Fatal(err)
		}
		if p.ID != "u1" {
			t.Fatalf("ID = %q", p.ID)
		}
	})

	t.Run("populated object", func(t *testing.T) {
		var p Participant
		if err := json.Unmarshal([]byte(`{"_id":"u1","username":"ann","profile":{"displayName":"Ann"}}`), &p); err != nil {
			t.Fatal(err)
		}
		if p.ID != "u1" || p.Username != "ann" || p.Profile == nil || p.Profile.DisplayName != "Ann" {
			t.Fatalf("got %+v", p)
		}
	})

	t.Run("id fallback", func(t *testing.T) {
		var p Participant
		if err := json.Unmarshal([]byte(`{"id":"u2"}`), &p); err != nil {
			t.Fatal(err)
		}
		if p.ID != "u2" {
			t.Fatalf("ID = %q", p.ID)
		}
	})

	t.Run("inside a message", func(t *testing.T) {
		var m Message
		data := `{"_id":"m1","conversationId":"c","senderId":"u1","receiverId":{"_id":"u2","username":"bob"},"content":"hi","status":"sent","timestamp":"2024-01-02T03:04:05Z"}`
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			t.Fatal(err)
		}
		if m.Sender.ID != "u1" || m.Receiver.Username != "bob" || m.Timestamp.Year() != 2024 {
			t.Fatalf("got %+v", m)
		}
	})
}

func TestUserDecode(t *testing.T) {
	var u User
	if err := json.Unmarshal([]byte(`{"_id":"u1","username":"ann","role":"agent","profile":{"displayName":"Ann"}}`), &u); err != nil {
		t.Fatal(err)
	}
	if u.ID != "u1" || u.Role != RoleAgent {
		t.Fatalf("got %+v", u)
	}
	if u.DisplayName() != "Ann" {
		t.Fatalf("DisplayName = %q", u.DisplayName())
	}
	if id := u.Identity(); id.UserID != "u1" || id.Username != "ann" {
		t.Fatalf("Identity = %+v", id)
	}

	u = User{}
	if err := json.Unmarshal([]byte(`{"id":"u9","username":"zed"}`), &u); err != nil {
		t.Fatal(err)
	}
	if u.ID != "u9" || u.DisplayName() != "zed" {
		t.Fatalf("got %+v", u)
	}
}

func TestProvisionalID(t *testing.T) {
	id := newProvisionalID()
	if !IsProvisionalID(id) {
		t.Fatalf("%q is not provisional", id)
	}
	if id == newProvisionalID() {
		t.Fatal("provisional ids repeat")
	}
	m := Message{ID: "m1"}
	if m.Provisional() {
		t.Fatal("server id reported provisional")
	}
}

func TestMessageStatusPayloadIDs(t *testing.T) {
	p := MessageStatusPayload{MessageID: "m1"}
	if ids := p.IDs(); len(ids) != 1 || ids[0] != "m1" {
		t.Fatalf("single: %v", ids)
	}
	p = MessageStatusPayload{MessageID: "m1", MessageIDs: []string{"m2", "m3"}}
	if ids := p.IDs(); len(ids) != 2 {
		t.Fatalf("batch: %v", ids)
	}
	if (&MessageStatusPayload{}).IDs() != nil {
		t.Fatal("empty payload returned ids")
	}
}
