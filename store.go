package chatsync

import (
	"slices"
	"sync"
)

// Store is the client-side message, conversation and typing state. All
// mutation goes through its reducer methods; getters return copies.
type Store struct {
	mu            sync.RWMutex
	selfID        string
	conversations map[string]*Conversation
	order         []string
	messages      map[string][]Message
	typing        map[string][]string
	totalUnread   int
	active        string
	sending       int
	lastErr       string
}

// NewStore creates an empty store for the user selfID.
func NewStore(selfID string) *Store {
	s := &Store{selfID: selfID}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.conversations = make(map[string]*Conversation)
	s.order = nil
	s.messages = make(map[string][]Message)
	s.typing = make(map[string][]string)
	s.totalUnread = 0
	s.active = ""
	s.sending = 0
	s.lastErr = ""
}

// SetSelf sets the local user id used to tell own messages from the
// counterpart's.
func (s *Store) SetSelf(userID string) {
	s.mu.Lock()
	s.selfID = userID
	s.mu.Unlock()
}

func (s *Store) SelfID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfID
}

// Reset returns the store to its initial empty state. The self id is kept.
func (s *Store) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

// ============================================================================
// Messages
// ============================================================================

// AddMessage appends m to its conversation unless a message with the same
// id is already there. It reports whether the message was added.
func (s *Store) AddMessage(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[m.ConversationID]
	if indexOf(list, m.ID) >= 0 {
		return false
	}
	s.messages[m.ConversationID] = append(list, m)

	conv := s.ensureConversationLocked(m)
	conv.LastMessageID = m.ID
	s.recountLocked(m.ConversationID)
	return true
}

// AddMessages prepends an older page of history, skipping ids already held.
func (s *Store) AddMessages(conversationID string, older []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.messages[conversationID]
	page := make([]Message, 0, len(older))
	for _, m := range older {
		m.ConversationID = conversationID
		if indexOf(existing, m.ID) >= 0 || indexOf(page, m.ID) >= 0 {
			continue
		}
		page = append(page, m)
	}
	s.messages[conversationID] = append(page, existing...)
	s.touchLastLocked(conversationID)
	s.recountLocked(conversationID)
	return len(page)
}

// SetInitialMessages replaces the conversation's list.
func (s *Store) SetInitialMessages(conversationID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		m.ConversationID = conversationID
		if indexOf(list, m.ID) >= 0 {
			continue
		}
		list = append(list, m)
	}
	s.messages[conversationID] = list
	s.touchLastLocked(conversationID)
	s.recountLocked(conversationID)
}

// MergeHistory reconciles a freshly loaded server history with local state.
// Server entries win, except that a status never moves backwards; local
// provisional entries and messages newer than the history are kept after it.
func (s *Store) MergeHistory(conversationID string, history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local := s.messages[conversationID]
	merged := make([]Message, 0, len(history)+len(local))
	for _, m := range history {
		m.ConversationID = conversationID
		if indexOf(merged, m.ID) >= 0 {
			continue
		}
		if i := indexOf(local, m.ID); i >= 0 && m.Status.Advances(local[i].Status) {
			m.Status = local[i].Status
		}
		merged = append(merged, m)
	}

	var newest Message
	if len(history) > 0 {
		newest = history[len(history)-1]
	}
	for _, m := range local {
		if indexOf(merged, m.ID) >= 0 {
			continue
		}
		if m.Provisional() || m.Timestamp.After(newest.Timestamp) {
			merged = append(merged, m)
		}
	}
	s.messages[conversationID] = merged
	s.touchLastLocked(conversationID)
	s.recountLocked(conversationID)
}

// UpdateMessage merges the non-zero fields of patch into the message with id
// tempID, keeping its position. When patch carries a confirmed id that is
// already present elsewhere in the list (an early echo), that other entry is
// removed. It reports whether the message was found.
func (s *Store) UpdateMessage(conversationID, tempID string, patch Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	i := indexOf(list, tempID)
	if i < 0 {
		return false
	}

	m := &list[i]
	if patch.ID != "" && patch.ID != tempID {
		if dup := indexOf(list, patch.ID); dup >= 0 {
			patch.Status = maxStatus(patch.Status, list[dup].Status)
			list = slices.Delete(list, dup, dup+1)
			if dup < i {
				i--
			}
			m = &list[i]
		}
		m.ID = patch.ID
		if !IsProvisionalID(patch.ID) {
			m.Failed = false
			m.Error = ""
		}
	}
	if patch.Content != "" {
		m.Content = patch.Content
	}
	if m.Status.Advances(patch.Status) {
		m.Status = patch.Status
	}
	if !patch.Timestamp.IsZero() {
		m.Timestamp = patch.Timestamp
	}
	if patch.Sender.ID != "" {
		m.Sender = patch.Sender
	}
	if patch.Receiver.ID != "" {
		m.Receiver = patch.Receiver
	}
	if patch.Metadata != nil {
		m.Metadata = patch.Metadata
	}
	s.messages[conversationID] = list

	if conv := s.conversations[conversationID]; conv != nil && conv.LastMessageID == tempID {
		conv.LastMessageID = m.ID
	}
	s.touchLastLocked(conversationID)
	s.recountLocked(conversationID)
	return true
}

// UpdateMessageStatus moves the listed messages to status. Transitions that
// would move a message backwards are ignored. It returns the number of
// messages changed.
func (s *Store) UpdateMessageStatus(conversationID string, messageIDs []string, status MessageStatus) int {
	if !status.Valid() {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	changed := 0
	for i := range list {
		if slices.Contains(messageIDs, list[i].ID) && list[i].Status.Advances(status) {
			list[i].Status = status
			changed++
		}
	}
	if changed > 0 {
		s.recountLocked(conversationID)
	}
	return changed
}

// MarkConversationAsRead marks every message read and zeroes the unread
// count.
func (s *Store) MarkConversationAsRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	for i := range list {
		list[i].Status = StatusRead
	}
	if conv := s.conversations[conversationID]; conv != nil {
		s.totalUnread -= conv.UnreadCount
		conv.UnreadCount = 0
	}
}

// MarkMessageFailed flags a provisional message whose send failed.
func (s *Store) MarkMessageFailed(conversationID, messageID, reason string) bool {
	return s.patchFlags(conversationID, messageID, func(m *Message) {
		m.Failed = true
		m.Error = reason
	})
}

// MarkMessagePending clears the failure flag before a retry.
func (s *Store) MarkMessagePending(conversationID, messageID string) bool {
	return s.patchFlags(conversationID, messageID, func(m *Message) {
		m.Failed = false
		m.Error = ""
	})
}

func (s *Store) patchFlags(conversationID, messageID string, fn func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[conversationID]
	i := indexOf(list, messageID)
	if i < 0 {
		return false
	}
	fn(&list[i])
	return true
}

// ClearConversationMessages drops the loaded messages of a conversation.
// The conversation entry and its unread count are kept.
func (s *Store) ClearConversationMessages(conversationID string) {
	s.mu.Lock()
	delete(s.messages, conversationID)
	s.mu.Unlock()
}

// ============================================================================
// Conversations
// ============================================================================

// UpsertConversation inserts or replaces a conversation. Typing state and,
// when messages are loaded, the unread count stay derived from local state.
func (s *Store) UpsertConversation(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(c)
}

// SetConversations replaces the conversation list.
func (s *Store) SetConversations(list []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make(map[string]*Conversation, len(list))
	s.order = nil
	s.totalUnread = 0
	for _, c := range list {
		s.upsertLocked(c)
	}
}

func (s *Store) upsertLocked(c Conversation) {
	prev := s.conversations[c.ID]
	if prev == nil {
		s.order = append(s.order, c.ID)
	} else {
		s.totalUnread -= prev.UnreadCount
		if c.LastMessageID == "" {
			c.LastMessageID = prev.LastMessageID
		}
	}
	c.TypingUsers = slices.Clone(s.typing[c.ID])
	c.IsTyping = len(c.TypingUsers) > 0
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	s.conversations[c.ID] = &c
	s.totalUnread += c.UnreadCount
	s.recountLocked(c.ID)
}

// SetActiveConversation records the conversation the user is viewing.
func (s *Store) SetActiveConversation(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
}

// ============================================================================
// Typing
// ============================================================================

// UpdateTypingIndicator adds or removes username from the conversation's
// typing set. Both directions are idempotent.
func (s *Store) UpdateTypingIndicator(conversationID, username string, isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.typing[conversationID]
	i := slices.Index(set, username)
	switch {
	case isTyping && i < 0:
		set = append(set, username)
	case !isTyping && i >= 0:
		set = slices.Delete(set, i, i+1)
	}
	if len(set) == 0 {
		delete(s.typing, conversationID)
	} else {
		s.typing[conversationID] = set
	}

	if conv := s.conversations[conversationID]; conv != nil {
		conv.TypingUsers = slices.Clone(set)
		conv.IsTyping = len(set) > 0
	}
}

// ============================================================================
// Send flags
// ============================================================================

// BeginSend marks a send in flight.
func (s *Store) BeginSend() {
	s.mu.Lock()
	s.sending++
	s.mu.Unlock()
}

// EndSend clears one in-flight send.
func (s *Store) EndSend() {
	s.mu.Lock()
	if s.sending > 0 {
		s.sending--
	}
	s.mu.Unlock()
}

// SetError records the last user-facing error; "" clears it.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

// ============================================================================
// Selectors
// ============================================================================

// Messages returns a copy of the conversation's message list.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[conversationID])
}

// Message looks a message up by id.
func (s *Store) Message(conversationID, messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[conversationID]
	if i := indexOf(list, messageID); i >= 0 {
		return list[i], true
	}
	return Message{}, false
}

// LastMessage resolves the conversation's last-message reference.
func (s *Store) LastMessage(conversationID string) (Message, bool) {
	s.mu.RLock()
	conv := s.conversations[conversationID]
	s.mu.RUnlock()
	if conv == nil || conv.LastMessageID == "" {
		return Message{}, false
	}
	return s.Message(conversationID, conv.LastMessageID)
}

func (s *Store) Conversation(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.conversations[conversationID]
	if conv == nil {
		return Conversation{}, false
	}
	return cloneConversation(conv), true
}

// Conversations returns every conversation in insertion order.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneConversation(s.conversations[id]))
	}
	return out
}

func (s *Store) TypingUsers(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.typing[conversationID])
}

func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalUnread
}

func (s *Store) ActiveConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Store) IsSending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sending > 0
}

func (s *Store) Error() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ============================================================================
// Helpers
// ============================================================================

// ensureConversationLocked returns the conversation of m, creating it with
// the other participant as counterpart on first sight.
func (s *Store) ensureConversationLocked(m Message) *Conversation {
	if conv := s.conversations[m.ConversationID]; conv != nil {
		return conv
	}
	other := m.Sender
	if other.ID == s.selfID {
		other = m.Receiver
	}
	conv := &Conversation{
		ID:            m.ConversationID,
		ParticipantID: other.ID,
		TypingUsers:   slices.Clone(s.typing[m.ConversationID]),
	}
	conv.IsTyping = len(conv.TypingUsers) > 0
	conv.ParticipantName = other.Username
	if other.Profile != nil {
		if other.Profile.DisplayName != "" {
			conv.ParticipantName = other.Profile.DisplayName
		}
		conv.ParticipantAvatar = other.Profile.Avatar
	}
	s.conversations[m.ConversationID] = conv
	s.order = append(s.order, m.ConversationID)
	return conv
}

// recountLocked recomputes the unread count of a conversation whose messages
// are loaded and adjusts the total by the difference.
func (s *Store) recountLocked(conversationID string) {
	conv := s.conversations[conversationID]
	list, loaded := s.messages[conversationID]
	if conv == nil || !loaded {
		return
	}
	n := 0
	for i := range list {
		if s.fromCounterpart(conv, &list[i]) && list[i].Status != StatusRead {
			n++
		}
	}
	s.totalUnread += n - conv.UnreadCount
	conv.UnreadCount = n
}

func (s *Store) fromCounterpart(conv *Conversation, m *Message) bool {
	if conv.ParticipantID != "" {
		return m.Sender.ID == conv.ParticipantID
	}
	return m.Sender.ID != s.selfID
}

// touchLastLocked points the last-message reference at the tail of the list.
func (s *Store) touchLastLocked(conversationID string) {
	conv := s.conversations[conversationID]
	list := s.messages[conversationID]
	if conv == nil || len(list) == 0 {
		return
	}
	conv.LastMessageID = list[len(list)-1].ID
}

func indexOf(list []Message, id string) int {
	return slices.IndexFunc(list, func(m Message) bool { return m.ID == id })
}

func maxStatus(a, b MessageStatus) MessageStatus {
	if a.Advances(b) {
		return b
	}
	return a
}

func cloneConversation(c *Conversation) Conversation {
	out := *c
	out.TypingUsers = slices.Clone(c.TypingUsers)
	return out
}
