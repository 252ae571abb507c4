package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Outbound commands.
const (
	CmdMessageSend       = "message:send"
	CmdMessageDelivered  = "message:delivered"
	CmdMessageRead       = "message:read"
	CmdTypingStart       = "typing:start"
	CmdTypingStop        = "typing:stop"
	CmdConversationJoin  = "conversation:join"
	CmdConversationLeave = "conversation:leave"
	CmdMessagesHistory   = "messages:history"
	CmdPresenceUpdate    = "presence:update"
	CmdPresenceGet       = "presence:get"
	CmdPresenceGetSingle = "presence:get:single"
)

// DefaultTypingTimeout is the idle period after which typing stops.
const DefaultTypingTimeout = 3 * time.Second

// Actions turns caller intent into wire commands over a Conn. Every method
// fails with ErrNotConnected when the channel is down.
type Actions struct {
	conn          *Conn
	typingTimeout time.Duration

	mu     sync.Mutex
	typing map[string]*typingTimer
}

type typingTimer struct {
	timer      *time.Timer
	receiverID string
}

// NewActions creates a façade over conn. A zero typingTimeout uses
// DefaultTypingTimeout.
func NewActions(conn *Conn, typingTimeout time.Duration) *Actions {
	if typingTimeout <= 0 {
		typingTimeout = DefaultTypingTimeout
	}
	return &Actions{
		conn:          conn,
		typingTimeout: typingTimeout,
		typing:        make(map[string]*typingTimer),
	}
}

// Conn returns the underlying connection.
func (a *Actions) Conn() *Conn { return a.conn }

// ============================================================================
// Messages
// ============================================================================

type sendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
}

type commandAck struct {
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// SendMessage sends content and returns the server's confirmed message. The
// call fails with ErrTimeout when no acknowledgement arrives in time, and
// with a *CommandError when the server rejects it.
func (a *Actions) SendMessage(ctx context.Context, conversationID, receiverID, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	raw, err := a.conn.Request(ctx, CmdMessageSend, sendMessagePayload{
		ConversationID: conversationID,
		ReceiverID:     receiverID,
		Content:        content,
	})
	if err != nil {
		return nil, err
	}

	var ack commandAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("%s: decode ack: %w", CmdMessageSend, err)
	}
	if !ack.Success {
		msg := ack.Error
		if msg == "" {
			msg = "failed to send message"
		}
		return nil, &CommandError{Command: CmdMessageSend, Message: msg}
	}
	if ack.Message == nil || ack.Message.ID == "" {
		return nil, &CommandError{Command: CmdMessageSend, Message: "acknowledgement carried no message"}
	}
	if ack.Message.ConversationID == "" {
		ack.Message.ConversationID = conversationID
	}
	return ack.Message, nil
}

// MarkAsDelivered tells the sender that a message reached this client.
func (a *Actions) MarkAsDelivered(ctx context.Context, messageID, conversationID string) error {
	return a.conn.Emit(ctx, CmdMessageDelivered, map[string]string{
		"messageId":      messageID,
		"conversationId": conversationID,
	})
}

// MarkAsRead marks messages read. An empty list sends nothing.
func (a *Actions) MarkAsRead(ctx context.Context, messageIDs []string, conversationID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return a.conn.Emit(ctx, CmdMessageRead, map[string]any{
		"messageIds":     messageIDs,
		"conversationId": conversationID,
	})
}

// FetchHistory loads a page of conversation history over the channel.
func (a *Actions) FetchHistory(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	payload := map[string]any{"conversationId": conversationID}
	if limit > 0 {
		payload["limit"] = limit
	}
	if offset > 0 {
		payload["offset"] = offset
	}
	raw, err := a.conn.Request(ctx, CmdMessagesHistory, payload)
	if err != nil {
		return nil, err
	}
	var ack commandAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("%s: decode ack: %w", CmdMessagesHistory, err)
	}
	if ack.Error != "" {
		return nil, &CommandError{Command: CmdMessagesHistory, Message: ack.Error}
	}
	for i := range ack.Messages {
		if ack.Messages[i].ConversationID == "" {
			ack.Messages[i].ConversationID = conversationID
		}
	}
	return ack.Messages, nil
}

// ============================================================================
// Typing
// ============================================================================

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId,omitempty"`
}

// StartTyping signals typing and arms the auto-stop timer. Calling it again
// before the timer fires restarts the timer.
func (a *Actions) StartTyping(ctx context.Context, conversationID, receiverID string) error {
	if err := a.conn.Emit(ctx, CmdTypingStart, typingPayload{conversationID, receiverID}); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if prev := a.typing[conversationID]; prev != nil {
		prev.timer.Stop()
	}
	t := &typingTimer{receiverID: receiverID}
	t.timer = time.AfterFunc(a.typingTimeout, func() { a.expire(conversationID, t) })
	a.typing[conversationID] = t
	return nil
}

// StopTyping signals that typing stopped and clears the auto-stop timer.
func (a *Actions) StopTyping(ctx context.Context, conversationID, receiverID string) error {
	a.mu.Lock()
	if t := a.typing[conversationID]; t != nil {
		t.timer.Stop()
		delete(a.typing, conversationID)
		if receiverID == "" {
			receiverID = t.receiverID
		}
	}
	a.mu.Unlock()
	return a.conn.Emit(ctx, CmdTypingStop, typingPayload{conversationID, receiverID})
}

// IsTyping reports whether a typing signal is active for the conversation.
func (a *Actions) IsTyping(conversationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.typing[conversationID] != nil
}

func (a *Actions) expire(conversationID string, t *typingTimer) {
	a.mu.Lock()
	if a.typing[conversationID] != t {
		a.mu.Unlock()
		return
	}
	delete(a.typing, conversationID)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.conn.config.RequestTimeout)
	defer cancel()
	if err := a.conn.Emit(ctx, CmdTypingStop, typingPayload{conversationID, t.receiverID}); err != nil {
		a.conn.logger.Printf("typing auto-stop for %s: %v", conversationID, err)
	}
}

// Reset cancels every pending auto-stop timer without signalling.
func (a *Actions) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.typing {
		t.timer.Stop()
		delete(a.typing, id)
	}
}

// ============================================================================
// Rooms
// ============================================================================

// JoinConversation subscribes this client to pushes for the conversation.
func (a *Actions) JoinConversation(ctx context.Context, conversationID string) error {
	return a.conn.Emit(ctx, CmdConversationJoin, conversationID)
}

// LeaveConversation undoes JoinConversation.
func (a *Actions) LeaveConversation(ctx context.Context, conversationID string) error {
	return a.conn.Emit(ctx, CmdConversationLeave, conversationID)
}

// ============================================================================
// Presence
// ============================================================================

// UpdatePresence announces this user's presence status.
func (a *Actions) UpdatePresence(ctx context.Context, status PresenceStatus) error {
	return a.conn.Emit(ctx, CmdPresenceUpdate, status)
}

// GetPresence fetches presence records for several users.
func (a *Actions) GetPresence(ctx context.Context, userIDs []string) ([]Presence, error) {
	if userIDs == nil {
		userIDs = []string{}
	}
	raw, err := a.conn.Request(ctx, CmdPresenceGet, userIDs)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Presence []Presence `json:"presence"`
		Error    string     `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode ack: %w", CmdPresenceGet, err)
	}
	if resp.Error != "" {
		return nil, &CommandError{Command: CmdPresenceGet, Message: resp.Error}
	}
	return resp.Presence, nil
}

// GetSinglePresence fetches the presence record of one user.
func (a *Actions) GetSinglePresence(ctx context.Context, userID string) (*Presence, error) {
	raw, err := a.conn.Request(ctx, CmdPresenceGetSingle, userID)
	if err != nil {
		return nil, err
	}
	var p Presence
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s: decode ack: %w", CmdPresenceGetSingle, err)
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	return &p, nil
}
