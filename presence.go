package chatsync

import (
	"sort"
	"sync"
)

// PresenceStore holds presence records and the set of online users derived
// from them. Both change together under one lock.
type PresenceStore struct {
	mu      sync.RWMutex
	records map[string]Presence
	online  map[string]struct{}
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		records: make(map[string]Presence),
		online:  make(map[string]struct{}),
	}
}

// UpdatePresence upserts one record.
func (p *PresenceStore) UpdatePresence(rec Presence) {
	p.mu.Lock()
	p.applyLocked(rec)
	p.mu.Unlock()
}

// UpdateBatchPresence upserts several records at once.
func (p *PresenceStore) UpdateBatchPresence(recs []Presence) {
	p.mu.Lock()
	for _, rec := range recs {
		p.applyLocked(rec)
	}
	p.mu.Unlock()
}

func (p *PresenceStore) applyLocked(rec Presence) {
	if rec.UserID == "" {
		return
	}
	p.records[rec.UserID] = rec
	if rec.Status == PresenceOnline {
		p.online[rec.UserID] = struct{}{}
	} else {
		delete(p.online, rec.UserID)
	}
}

// RemovePresence forgets a user.
func (p *PresenceStore) RemovePresence(userID string) {
	p.mu.Lock()
	delete(p.records, userID)
	delete(p.online, userID)
	p.mu.Unlock()
}

// Reset clears every record.
func (p *PresenceStore) Reset() {
	p.mu.Lock()
	p.records = make(map[string]Presence)
	p.online = make(map[string]struct{})
	p.mu.Unlock()
}

func (p *PresenceStore) Get(userID string) (Presence, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[userID]
	return rec, ok
}

// All returns every record sorted by user id.
func (p *PresenceStore) All() []Presence {
	p.mu.RLock()
	out := make([]Presence, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnlineUsers returns the sorted ids of users whose status is online.
func (p *PresenceStore) OnlineUsers() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (p *PresenceStore) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}
