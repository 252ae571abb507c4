package chattest

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// ============================================================================
// Realtime commands
// ============================================================================

func (s *Server) handle(c *client, env Envelope) {
	s.mu.Lock()
	s.received = append(s.received, env)
	opts := s.opts
	s.mu.Unlock()

	switch env.Type {
	case "ping":
		s.ack(c, env, opts, map[string]bool{"ok": true})
	case "message:send":
		s.handleSend(c, env, opts)
	case "message:delivered":
		var p struct {
			MessageID      string `json:"messageId"`
			ConversationID string `json:"conversationId"`
		}
		if env.Decode(&p) == nil {
			s.advance(p.ConversationID, []string{p.MessageID}, "delivered", false)
		}
	case "message:read":
		var p struct {
			MessageIDs     []string `json:"messageIds"`
			ConversationID string   `json:"conversationId"`
		}
		if env.Decode(&p) == nil {
			s.advance(p.ConversationID, p.MessageIDs, "read", true)
		}
	case "typing:start", "typing:stop":
		s.handleTyping(c, env)
	case "conversation:join", "conversation:leave":
		var convID string
		if env.Decode(&convID) != nil {
			return
		}
		s.mu.Lock()
		if env.Type == "conversation:join" {
			if s.rooms[convID] == nil {
				s.rooms[convID] = make(map[string]bool)
			}
			s.rooms[convID][c.sid] = true
		} else {
			delete(s.rooms[convID], c.sid)
		}
		s.mu.Unlock()
	case "messages:history":
		var p struct {
			ConversationID string `json:"conversationId"`
			Limit          int    `json:"limit"`
			Offset         int    `json:"offset"`
		}
		if env.Decode(&p) != nil {
			s.ack(c, env, opts, map[string]string{"error": "bad payload"})
			return
		}
		msgs := page(s.History(p.ConversationID), p.Limit, p.Offset)
		s.ack(c, env, opts, map[string]any{"messages": msgs})
	case "presence:update":
		var status string
		if env.Decode(&status) != nil {
			return
		}
		p := Presence{UserID: c.userID, Username: c.username, Status: status}
		s.mu.Lock()
		s.presence[c.userID] = p
		others := s.othersOf(c.userID)
		s.mu.Unlock()
		s.broadcast(others, "presence:change", p)
	case "presence:get":
		var ids []string
		if env.Decode(&ids) != nil {
			s.ack(c, env, opts, map[string]string{"error": "bad payload"})
			return
		}
		recs := make([]Presence, 0, len(ids))
		s.mu.Lock()
		for _, id := range ids {
			recs = append(recs, s.presenceOf(id))
		}
		s.mu.Unlock()
		s.ack(c, env, opts, map[string]any{"presence": recs})
	case "presence:get:single":
		var id string
		if env.Decode(&id) != nil {
			return
		}
		s.mu.Lock()
		p := s.presenceOf(id)
		s.mu.Unlock()
		s.ack(c, env, opts, p)
	}
}

func (s *Server) presenceOf(userID string) Presence {
	if p, ok := s.presence[userID]; ok {
		return p
	}
	p := Presence{UserID: userID, Status: "offline"}
	if u := s.users[userID]; u != nil {
		p.Username = u.Username
	}
	return p
}

func (s *Server) ack(c *client, env Envelope, opts Options, payload any) {
	if env.RequestID == "" {
		return
	}
	reply := Envelope{Type: "ack", RequestID: env.RequestID, Payload: mustJSON(payload)}
	if opts.AckDelay > 0 {
		go func() {
			time.Sleep(opts.AckDelay)
			c.send(reply)
		}()
		return
	}
	c.send(reply)
}

func (s *Server) handleSend(c *client, env Envelope, opts Options) {
	var p struct {
		ConversationID string `json:"conversationId"`
		ReceiverID     string `json:"receiverId"`
		Content        string `json:"content"`
	}
	if err := env.Decode(&p); err != nil || strings.TrimSpace(p.Content) == "" {
		s.ack(c, env, opts, map[string]any{"success": false, "error": "invalid message"})
		return
	}
	if opts.FailSends != "" {
		s.ack(c, env, opts, map[string]any{"success": false, "error": opts.FailSends})
		return
	}

	s.mu.Lock()
	s.seq++
	msg := Message{
		ID:             "m" + strconv.Itoa(s.seq),
		ConversationID: p.ConversationID,
		SenderID:       Participant{ID: c.userID, Username: c.username},
		ReceiverID:     Participant{ID: p.ReceiverID},
		Content:        p.Content,
		Status:         "sent",
		Timestamp:      time.Now().UTC(),
	}
	if u := s.users[p.ReceiverID]; u != nil {
		msg.ReceiverID.Username = u.Username
	}
	s.history[p.ConversationID] = append(s.history[p.ConversationID], msg)
	targets := s.audience(p.ConversationID, p.ReceiverID)
	s.mu.Unlock()

	push := map[string]any{"conversationId": p.ConversationID, "message": msg}
	if opts.EchoBeforeAck {
		c.send(Envelope{Type: "message:new", Payload: mustJSON(push)})
	}
	if !opts.DropAcks {
		s.ack(c, env, opts, map[string]any{"success": true, "message": msg})
	}
	for _, t := range targets {
		if t == c && opts.EchoBeforeAck {
			continue
		}
		t.send(Envelope{Type: "message:new", Payload: mustJSON(push)})
	}
}

// audience returns the room members of a conversation plus every connection
// of the receiver, without duplicates.
func (s *Server) audience(conversationID, receiverID string) []*client {
	seen := make(map[string]bool)
	var out []*client
	for sid := range s.rooms[conversationID] {
		if c := s.clients[sid]; c != nil && !seen[sid] {
			seen[sid] = true
			out = append(out, c)
		}
	}
	for _, c := range s.clientsOf(receiverID) {
		if !seen[c.sid] {
			seen[c.sid] = true
			out = append(out, c)
		}
	}
	return out
}

// advance moves stored messages forward and tells their senders.
func (s *Server) advance(conversationID string, ids []string, status string, batch bool) {
	rank := map[string]int{"sent": 1, "delivered": 2, "read": 3}
	bySender := make(map[string][]string)

	s.mu.Lock()
	list := s.history[conversationID]
	for i := range list {
		for _, id := range ids {
			if list[i].ID == id && rank[status] > rank[list[i].Status] {
				list[i].Status = status
				bySender[list[i].SenderID.ID] = append(bySender[list[i].SenderID.ID], id)
			}
		}
	}
	s.mu.Unlock()

	for sender, changed := range bySender {
		payload := map[string]any{"conversationId": conversationID, "status": status}
		if batch {
			payload["messageIds"] = changed
		} else {
			payload["messageId"] = changed[0]
		}
		s.Push(sender, "message:status", payload)
	}
}

func (s *Server) handleTyping(c *client, env Envelope) {
	var p struct {
		ConversationID string `json:"conversationId"`
		ReceiverID     string `json:"receiverId"`
	}
	if env.Decode(&p) != nil {
		return
	}
	update := map[string]any{
		"conversationId": p.ConversationID,
		"userId":         c.userID,
		"username":       c.username,
		"isTyping":       env.Type == "typing:start",
	}
	s.mu.Lock()
	var targets []*client
	for _, t := range s.audience(p.ConversationID, p.ReceiverID) {
		if t.userID != c.userID {
			targets = append(targets, t)
		}
	}
	s.mu.Unlock()
	s.broadcast(targets, "typing:update", update)
}

func page(msgs []Message, limit, offset int) []Message {
	if offset > len(msgs) {
		return []Message{}
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs
}

// ============================================================================
// REST API
// ============================================================================

const sessionCookie = "token"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func (s *Server) currentUser(r *http.Request) *User {
	ck, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[ck.Value]
}

func setSession(w http.ResponseWriter, userID string) {
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: userID, Path: "/", HttpOnly: true})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	s.mu.Lock()
	var found *User
	for _, u := range s.users {
		if u.Email == req.Email && u.Password == req.Password {
			found = u
		}
	}
	s.mu.Unlock()
	if found == nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	setSession(w, found.ID)
	writeJSON(w, http.StatusOK, map[string]any{"user": found})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
		Password    string `json:"password"`
		Role        string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	s.mu.Lock()
	for _, u := range s.users {
		if u.Email == req.Email {
			s.mu.Unlock()
			writeError(w, http.StatusConflict, "User already exists")
			return
		}
	}
	id := s.nextUserIDLocked()
	u := &User{
		ID:       id,
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
		Profile:  Profile{DisplayName: req.DisplayName},
	}
	s.users[u.ID] = u
	s.mu.Unlock()

	setSession(w, u.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"user": u})
}

// nextUserIDLocked returns a fresh "u<n>" id that no seeded user holds.
func (s *Server) nextUserIDLocked() string {
	for {
		s.seq++
		id := "u" + strconv.Itoa(s.seq)
		if _, taken := s.users[id]; !taken {
			return id
		}
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	u := s.currentUser(r)
	if u == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// mongoUser renders a user with an "_id" key, as the users endpoints do.
func mongoUser(u *User) map[string]any {
	return map[string]any{
		"_id":      u.ID,
		"username": u.Username,
		"email":    u.Email,
		"role":     u.Role,
		"profile":  u.Profile,
	}
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request, key string, keep func(*User) bool) {
	me := s.currentUser(r)
	if me == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	s.mu.Lock()
	var users []*User
	for _, u := range s.users {
		if u.ID != me.ID && keep(u) {
			users = append(users, u)
		}
	}
	s.mu.Unlock()

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, mongoUser(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{key: out})
}

func (s *Server) handleAvailableUsers(w http.ResponseWriter, r *http.Request) {
	s.listUsers(w, r, "users", func(*User) bool { return true })
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	s.listUsers(w, r, "agents", func(u *User) bool { return u.Role == "agent" })
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]

	s.mu.Lock()
	s.historyRequests++
	fail := s.opts.FailHistory > 0
	if fail {
		s.opts.FailHistory--
	}
	s.mu.Unlock()

	if s.currentUser(r) == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	if fail {
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.History(convID)})
}
