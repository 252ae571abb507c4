// Package chattest runs an in-process chat server that speaks the realtime
// wire protocol (websocket and polling) and the REST API, with knobs to
// delay, drop or reject traffic.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Envelope is a wire frame.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error { return json.Unmarshal(e.Payload, v) }

type Participant struct {
	ID       string `json:"_id"`
	Username string `json:"username,omitempty"`
}

// Message is a stored message in wire form.
type Message struct {
	ID             string      `json:"_id"`
	ConversationID string      `json:"conversationId"`
	SenderID       Participant `json:"senderId"`
	ReceiverID     Participant `json:"receiverId"`
	Content        string      `json:"content"`
	Status         string      `json:"status"`
	Timestamp      time.Time   `json:"timestamp"`
}

type Presence struct {
	UserID   string     `json:"userId"`
	Username string     `json:"username"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type Profile struct {
	DisplayName string `json:"displayName"`
}

// User is an account known to the REST API.
type User struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Password string  `json:"-"`
	Role     string  `json:"role"`
	Profile  Profile `json:"profile"`
}

// Options change how the server treats traffic. They can be replaced at
// any time with SetOptions.
type Options struct {
	// DisableWebSocket makes /socket answer 404 so clients fall back to
	// polling.
	DisableWebSocket bool
	// RejectConnections refuses the next N handshakes with 503. Negative
	// refuses all.
	RejectConnections int
	// AckDelay delays every acknowledgement.
	AckDelay time.Duration
	// DropAcks suppresses acknowledgements of message:send.
	DropAcks bool
	// FailSends rejects message:send with this error text.
	FailSends string
	// EchoBeforeAck pushes message:new to the sender before acknowledging.
	EchoBeforeAck bool
	// FailHistory fails the next N REST history requests with 500.
	FailHistory int
}

const (
	kindWS   = "websocket"
	kindPoll = "polling"

	opKick = "\x00kick"
	opDrop = "\x00drop"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	sid      string
	kind     string
	userID   string
	username string
	out      chan Envelope
	done     chan struct{}
	once     sync.Once
}

func (c *client) send(env Envelope) {
	select {
	case c.out <- env:
	case <-c.done:
	}
}

func (c *client) finish() {
	c.once.Do(func() { close(c.done) })
}

// Server is the fake counterpart service.
type Server struct {
	*httptest.Server

	mu              sync.Mutex
	opts            Options
	clients         map[string]*client
	rooms           map[string]map[string]bool
	history         map[string][]Message
	presence        map[string]Presence
	users           map[string]*User
	received        []Envelope
	attempts        int
	seq             int
	historyRequests int
}

// New starts a server. Close it when done.
func New() *Server {
	s := &Server{
		clients:  make(map[string]*client),
		rooms:    make(map[string]map[string]bool),
		history:  make(map[string][]Message),
		presence: make(map[string]Presence),
		users:    make(map[string]*User),
	}

	r := mux.NewRouter()
	r.HandleFunc("/socket", s.handleWebSocket).Methods("GET")
	r.HandleFunc("/socket/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/socket/emit", s.handleEmit).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/auth/session", s.handleSession).Methods("GET")
	api.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")
	api.HandleFunc("/users/available-users", s.handleAvailableUsers).Methods("GET")
	api.HandleFunc("/users/agents", s.handleAgents).Methods("GET")
	api.HandleFunc("/messages/{id}", s.handleMessages).Methods("GET")

	s.Server = httptest.NewServer(r)
	return s
}

// Close disconnects every client and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for _, c := range s.clients {
		c.finish()
	}
	s.mu.Unlock()
	s.Server.Close()
}

// SetOptions replaces the traffic options.
func (s *Server) SetOptions(o Options) {
	s.mu.Lock()
	s.opts = o
	s.mu.Unlock()
}

// ============================================================================
// Inspection and control
// ============================================================================

// Attempts returns the number of handshakes seen, refused ones included.
func (s *Server) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Received returns the frames of the given type received so far. An empty
// type returns every frame.
func (s *Server) Received(typ string) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Envelope
	for _, env := range s.received {
		if typ == "" || env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// Connected reports whether userID has a live connection.
func (s *Server) Connected(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clientsOf(userID)) > 0
}

// Transport returns the transport kind of the user's first connection.
func (s *Server) Transport(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clientsOf(userID) {
		return c.kind
	}
	return ""
}

// InRoom reports whether any connection of userID joined conversationID.
func (s *Server) InRoom(userID, conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid := range s.rooms[conversationID] {
		if c := s.clients[sid]; c != nil && c.userID == userID {
			return true
		}
	}
	return false
}

// Push sends an event to every connection of userID.
func (s *Server) Push(userID, typ string, payload any) {
	env := Envelope{Type: typ, Payload: mustJSON(payload)}
	s.mu.Lock()
	targets := s.clientsOf(userID)
	s.mu.Unlock()
	for _, c := range targets {
		c.send(env)
	}
}

// Kick sends a disconnect frame and closes the user's connections cleanly.
func (s *Server) Kick(userID string) { s.control(userID, opKick) }

// Drop closes the user's connections without a close handshake.
func (s *Server) Drop(userID string) { s.control(userID, opDrop) }

func (s *Server) control(userID, op string) {
	s.mu.Lock()
	targets := s.clientsOf(userID)
	s.mu.Unlock()
	for _, c := range targets {
		c.send(Envelope{Type: op})
	}
}

// SeedUsers registers accounts for the REST API.
func (s *Server) SeedUsers(users ...User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range users {
		u := users[i]
		if u.Role == "" {
			u.Role = "user"
		}
		s.users[u.ID] = &u
	}
}

// SeedHistory appends messages to a conversation's stored history.
func (s *Server) SeedHistory(conversationID string, msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		m.ConversationID = conversationID
		if m.Status == "" {
			m.Status = "sent"
		}
		s.history[conversationID] = append(s.history[conversationID], m)
	}
}

// History returns the stored history of a conversation.
func (s *Server) History(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history[conversationID]...)
}

// HistoryRequests returns the number of REST history requests served or
// failed.
func (s *Server) HistoryRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyRequests
}

// SetPresence stores a presence record without broadcasting it.
func (s *Server) SetPresence(p Presence) {
	s.mu.Lock()
	s.presence[p.UserID] = p
	s.mu.Unlock()
}

func (s *Server) clientsOf(userID string) []*client {
	var out []*client
	for _, c := range s.clients {
		if c.userID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sid < out[j].sid })
	return out
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("chattest: marshal %T: %v", v, err))
	}
	return data
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// admit counts the handshake and applies the rejection options.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (userID, username string, ok bool) {
	q := r.URL.Query()
	userID, username = q.Get("userId"), q.Get("username")

	s.mu.Lock()
	s.attempts++
	reject := s.opts.RejectConnections != 0
	if s.opts.RejectConnections > 0 {
		s.opts.RejectConnections--
	}
	s.mu.Unlock()

	if reject {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return "", "", false
	}
	if userID == "" || username == "" || q.Get("role") == "" {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return "", "", false
	}
	return userID, username, true
}

func (s *Server) register(kind, userID, username string) *client {
	s.mu.Lock()
	s.seq++
	c := &client{
		sid:      kind + "-" + strconv.Itoa(s.seq),
		kind:     kind,
		userID:   userID,
		username: username,
		out:      make(chan Envelope, 256),
		done:     make(chan struct{}),
	}
	s.clients[c.sid] = c
	c.out <- Envelope{Type: "authenticated", Payload: mustJSON(map[string]string{"sid": c.sid})}

	p := Presence{UserID: userID, Username: username, Status: "online"}
	s.presence[userID] = p
	others := s.othersOf(userID)
	s.mu.Unlock()

	s.broadcast(others, "presence:change", p)
	return c
}

func (s *Server) unregister(c *client) {
	c.finish()

	s.mu.Lock()
	if _, ok := s.clients[c.sid]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.sid)
	for _, members := range s.rooms {
		delete(members, c.sid)
	}
	var others []*client
	var p Presence
	offline := len(s.clientsOf(c.userID)) == 0
	if offline {
		now := time.Now().UTC()
		p = Presence{UserID: c.userID, Username: c.username, Status: "offline", LastSeen: &now}
		s.presence[c.userID] = p
		others = s.othersOf(c.userID)
	}
	s.mu.Unlock()

	if offline {
		s.broadcast(others, "presence:change", p)
	}
}

func (s *Server) othersOf(userID string) []*client {
	var out []*client
	for _, c := range s.clients {
		if c.userID != userID {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) broadcast(targets []*client, typ string, payload any) {
	env := Envelope{Type: typ, Payload: mustJSON(payload)}
	for _, c := range targets {
		c.send(env)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	disabled := s.opts.DisableWebSocket
	s.mu.Unlock()
	if disabled {
		http.NotFound(w, r)
		return
	}
	userID, username, ok := s.admit(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := s.register(kindWS, userID, username)
	go s.writePump(c, conn)

	defer func() {
		s.unregister(c)
		conn.Close()
	}()
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		s.handle(c, env)
	}
}

func (s *Server) writePump(c *client, conn *websocket.Conn) {
	for {
		select {
		case <-c.done:
			conn.Close()
			return
		case env := <-c.out:
			switch env.Type {
			case opKick:
				conn.WriteJSON(Envelope{Type: "disconnect", Payload: mustJSON("io server disconnect")})
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "kicked"),
					time.Now().Add(time.Second))
				c.finish()
				return
			case opDrop:
				c.finish()
				conn.UnderlyingConn().Close()
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				c.finish()
				return
			}
		}
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	userID, username, ok := s.admit(w, r)
	if !ok {
		return
	}

	c := s.register(kindPoll, userID, username)
	defer s.unregister(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			return
		case env := <-c.out:
			switch env.Type {
			case opKick:
				env = Envelope{Type: "disconnect", Payload: mustJSON("io server disconnect")}
				fmt.Fprintf(w, "data: %s\n\n", mustJSON(env))
				flusher.Flush()
				return
			case opDrop:
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", mustJSON(env))
			flusher.Flush()
		}
	}
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c := s.clients[r.URL.Query().Get("sid")]
	s.mu.Unlock()
	if c == nil {
		http.Error(w, "unknown session", http.StatusGone)
		return
	}
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad frame", http.StatusBadRequest)
		return
	}
	s.handle(c, env)
	w.WriteHeader(http.StatusNoContent)
}
