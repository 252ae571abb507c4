package chatsync

import (
	"strings"
	"testing"
)

func TestPresenceStore(t *testing.T) {
	p := NewPresenceStore()
	p.UpdatePresence(Presence{UserID: "b", Username: "bob", Status: PresenceOnline})
	p.UpdateBatchPresence([]Presence{
		{UserID: "a", Username: "ann", Status: PresenceOnline},
		{UserID: "c", Username: "cat", Status: PresenceAway},
		{Username: "no id", Status: PresenceOnline},
	})

	if got := strings.Join(p.OnlineUsers(), ","); got != "a,b" {
		t.Fatalf("online = %s", got)
	}
	if len(p.All()) != 3 {
		t.Fatalf("records = %d", len(p.All()))
	}

	t.Run("going offline leaves the online set", func(t *testing.T) {
		p.UpdatePresence(Presence{UserID: "a", Status: PresenceOffline})
		if p.IsOnline("a") {
			t.Fatal("a still online")
		}
		rec, ok := p.Get("a")
		if !ok || rec.Status != PresenceOffline {
			t.Fatalf("record = %+v", rec)
		}
	})

	t.Run("remove forgets both", func(t *testing.T) {
		p.RemovePresence("b")
		if p.IsOnline("b") {
			t.Fatal("b still online")
		}
		if _, ok := p.Get("b"); ok {
			t.Fatal("b record kept")
		}
	})

	t.Run("set and map agree", func(t *testing.T) {
		for _, rec := range p.All() {
			if (rec.Status == PresenceOnline) != p.IsOnline(rec.UserID) {
				t.Fatalf("%s: status %q but IsOnline=%v", rec.UserID, rec.Status, p.IsOnline(rec.UserID))
			}
		}
	})

	t.Run("reset", func(t *testing.T) {
		p.Reset()
		if len(p.All()) != 0 || len(p.OnlineUsers()) != 0 {
			t.Fatal("state survived Reset")
		}
	})
}
