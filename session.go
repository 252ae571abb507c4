package chatsync

import (
	"context"
	"io"
	"log"
	"sync"
	"time"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Conn ConnConfig
	// TypingTimeout is both the local auto-stop delay and the time after
	// which a remote typing indicator without updates is dropped.
	TypingTimeout time.Duration
	// History loads conversation histories. Nil disables the history cache.
	History HistoryLoader
	Cache   HistoryCacheConfig
	Logger  *log.Logger
}

func (c *SessionConfig) defaults() {
	if c.TypingTimeout == 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	if c.Conn.Logger == nil {
		c.Conn.Logger = c.Logger
	}
	if c.Cache.Logger == nil {
		c.Cache.Logger = c.Logger
	}
}

// Session ties the realtime pieces of one logged-in user together: inbound
// events are applied to the stores and outbound sends go through the
// optimistic pipeline.
type Session struct {
	config   SessionConfig
	bus      *Bus
	conn     *Conn
	actions  *Actions
	store    *Store
	presence *PresenceStore
	cache    *HistoryCache
	sender   *Sender
	logger   *log.Logger

	handlers map[string]*Handler

	mu           sync.Mutex
	remoteTyping map[typingKey]*time.Timer
}

type typingKey struct {
	conversationID string
	username       string
}

// NewSession builds a disconnected session.
func NewSession(config SessionConfig) *Session {
	config.defaults()
	bus := NewBus(config.Logger)
	conn := NewConn(config.Conn, bus)
	s := &Session{
		config:       config,
		bus:          bus,
		conn:         conn,
		actions:      NewActions(conn, config.TypingTimeout),
		store:        NewStore(""),
		presence:     NewPresenceStore(),
		logger:       config.Logger,
		remoteTyping: make(map[typingKey]*time.Timer),
	}

	var inv Invalidator
	if config.History != nil {
		s.cache = NewHistoryCache(config.History, config.Cache)
		s.cache.OnRefresh(s.store.MergeHistory)
		inv = s.cache
	}
	s.sender = NewSender(s.actions, s.store, inv, config.Logger)

	s.handlers = map[string]*Handler{
		EventConnect:        NewHandler(s.onConnect),
		EventDisconnect:     NewHandler(s.onDisconnect),
		EventMessageNew:     NewHandler(s.onMessageNew),
		EventMessageStatus:  NewHandler(s.onMessageStatus),
		EventTypingUpdate:   NewHandler(s.onTypingUpdate),
		EventPresenceChange: NewHandler(s.onPresenceChange),
	}
	return s
}

func (s *Session) Bus() *Bus { return s.bus }
func (s *Session) Conn() *Conn { return s.conn }
func (s *Session) Actions() *Actions { return s.actions }
func (s *Session) Store() *Store { return s.store }
func (s *Session) Presence() *PresenceStore { return s.presence }
func (s *Session) Sender() *Sender { return s.sender }
func (s *Session) HistoryCache() *HistoryCache { return s.cache }

// Open subscribes the session to the bus and connects as id.
func (s *Session) Open(ctx context.Context, id Identity) error {
	if err := id.validate(); err != nil {
		return err
	}
	s.store.SetSelf(id.UserID)
	for event, h := range s.handlers {
		s.bus.On(event, h)
	}
	return s.conn.Connect(ctx, id)
}

// Close is the logout teardown: it disconnects and resets all client state.
func (s *Session) Close() {
	s.conn.Disconnect()
	// Disconnect is a no-op after reconnect_failed, so unsubscribe here too.
	for event, h := range s.handlers {
		s.bus.Off(event, h)
	}
	s.actions.Reset()

	s.mu.Lock()
	for k, t := range s.remoteTyping {
		t.Stop()
		delete(s.remoteTyping, k)
	}
	s.mu.Unlock()

	s.store.Reset()
	s.presence.Reset()
	if s.cache != nil {
		s.cache.Reset()
	}
}

// Shutdown closes the session and stops background history refetches.
func (s *Session) Shutdown() {
	s.Close()
	if s.cache != nil {
		s.cache.Close()
	}
}

// ============================================================================
// Commands
// ============================================================================

// OpenConversation makes the conversation with counterpart active: it joins
// the room, loads the history and marks the counterpart's messages read.
func (s *Session) OpenConversation(ctx context.Context, counterpart Participant) (string, error) {
	self := s.store.SelfID()
	convID := ConversationID(self, counterpart.ID)

	if _, ok := s.store.Conversation(convID); !ok {
		conv := Conversation{ID: convID, ParticipantID: counterpart.ID, ParticipantName: counterpart.Username}
		if counterpart.Profile != nil {
			if counterpart.Profile.DisplayName != "" {
				conv.ParticipantName = counterpart.Profile.DisplayName
			}
			conv.ParticipantAvatar = counterpart.Profile.Avatar
		}
		s.store.UpsertConversation(conv)
	}

	prev := s.store.ActiveConversation()
	s.store.SetActiveConversation(convID)
	if prev != "" && prev != convID {
		if err := s.actions.LeaveConversation(ctx, prev); err != nil {
			s.logger.Printf("leave %s: %v", prev, err)
		}
	}
	if err := s.actions.JoinConversation(ctx, convID); err != nil {
		return convID, err
	}

	if s.cache != nil {
		msgs, err := s.cache.Get(ctx, convID)
		if err != nil {
			return convID, err
		}
		s.store.MergeHistory(convID, msgs)
	}

	return convID, s.markRead(ctx, convID, counterpart.ID)
}

// Send sends content to counterpart through the optimistic pipeline.
func (s *Session) Send(ctx context.Context, counterpart Participant, content string) (*Message, error) {
	convID := ConversationID(s.store.SelfID(), counterpart.ID)
	return s.sender.Send(ctx, convID, counterpart, content)
}

// RefreshPresence loads the presence of userIDs into the presence store.
func (s *Session) RefreshPresence(ctx context.Context, userIDs []string) error {
	recs, err := s.actions.GetPresence(ctx, userIDs)
	if err != nil {
		return err
	}
	s.presence.UpdateBatchPresence(recs)
	return nil
}

func (s *Session) markRead(ctx context.Context, convID, counterpartID string) error {
	var unread []string
	for _, m := range s.store.Messages(convID) {
		if m.Sender.ID == counterpartID && m.Status != StatusRead {
			unread = append(unread, m.ID)
		}
	}
	if len(unread) == 0 {
		return nil
	}
	if err := s.actions.MarkAsRead(ctx, unread, convID); err != nil {
		return err
	}
	s.store.MarkConversationAsRead(convID)
	return nil
}

// ============================================================================
// Inbound events
// ============================================================================

// Handlers run on the connection's read goroutine and must not wait for
// acknowledgements.

func (s *Session) emitCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.conn.config.RequestTimeout)
}

func (s *Session) onConnect(Event) {
	active := s.store.ActiveConversation()
	if active == "" {
		return
	}
	ctx, cancel := s.emitCtx()
	defer cancel()
	if err := s.actions.JoinConversation(ctx, active); err != nil {
		s.logger.Printf("rejoin %s: %v", active, err)
	}
}

func (s *Session) onDisconnect(ev Event) {
	s.logger.Printf("session disconnected: %s", ev.Reason)
}

func (s *Session) onMessageNew(ev Event) {
	var p MessageNewPayload
	if err := ev.Decode(&p); err != nil {
		s.logger.Printf("%v", err)
		return
	}
	msg := p.Message
	if msg.ConversationID == "" {
		msg.ConversationID = p.ConversationID
	}
	if msg.ConversationID == "" || msg.ID == "" {
		return
	}

	self := s.store.SelfID()
	fromOther := msg.Sender.ID != self
	ctx, cancel := s.emitCtx()
	defer cancel()

	if fromOther {
		if err := s.actions.MarkAsDelivered(ctx, msg.ID, msg.ConversationID); err != nil {
			s.logger.Printf("mark delivered %s: %v", msg.ID, err)
		}
	}
	if s.cache != nil {
		s.cache.InvalidateConversation(msg.ConversationID)
	}
	s.store.AddMessage(msg)

	if fromOther && s.store.ActiveConversation() == msg.ConversationID {
		if err := s.markRead(ctx, msg.ConversationID, msg.Sender.ID); err != nil {
			s.logger.Printf("mark read %s: %v", msg.ConversationID, err)
		}
	}
}

func (s *Session) onMessageStatus(ev Event) {
	var p MessageStatusPayload
	if err := ev.Decode(&p); err != nil {
		s.logger.Printf("%v", err)
		return
	}
	s.store.UpdateMessageStatus(p.ConversationID, p.IDs(), p.Status)
}

func (s *Session) onTypingUpdate(ev Event) {
	var p TypingUpdate
	if err := ev.Decode(&p); err != nil {
		s.logger.Printf("%v", err)
		return
	}
	if p.UserID == s.store.SelfID() || p.Username == "" {
		return
	}
	s.store.UpdateTypingIndicator(p.ConversationID, p.Username, p.IsTyping)

	key := typingKey{p.ConversationID, p.Username}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.remoteTyping[key]; t != nil {
		t.Stop()
		delete(s.remoteTyping, key)
	}
	if !p.IsTyping {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.config.TypingTimeout, func() {
		s.mu.Lock()
		if s.remoteTyping[key] != t {
			s.mu.Unlock()
			return
		}
		delete(s.remoteTyping, key)
		s.mu.Unlock()
		s.store.UpdateTypingIndicator(key.conversationID, key.username, false)
	})
	s.remoteTyping[key] = t
}

func (s *Session) onPresenceChange(ev Event) {
	var p Presence
	if err := ev.Decode(&p); err != nil {
		s.logger.Printf("%v", err)
		return
	}
	s.presence.UpdatePresence(p)
}
