package chatsync

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Identity
// ============================================================================

// Role is the account role of a chat user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// Identity is the set of credentials presented when a connection is opened.
// It is fixed for the life of a connection.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

func (id Identity) validate() error {
	if id.UserID == "" || id.Username == "" || id.Role == "" {
		return ErrInvalidIdentity
	}
	return nil
}

func (id Identity) query() string {
	v := url.Values{}
	v.Set("userId", id.UserID)
	v.Set("username", id.Username)
	v.Set("role", string(id.Role))
	return v.Encode()
}

// Participant returns the identity as a message participant.
func (id Identity) Participant() Participant {
	return Participant{ID: id.UserID, Username: id.Username}
}

// ============================================================================
// Users (REST collaborator)
// ============================================================================

type Profile struct {
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

type AgentInfo struct {
	Status      string `json:"status"`
	ActiveChats int    `json:"activeChats"`
	MaxChats    int    `json:"maxChats"`
}

// User is an account as returned by the REST collaborator. Both "id" and the
// Mongo-style "_id" are accepted on decode.
type User struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email,omitempty"`
	Role      Role       `json:"role"`
	Profile   Profile    `json:"profile"`
	AgentInfo *AgentInfo `json:"agentInfo,omitempty"`
	IsOnline  bool       `json:"isOnline"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
}

func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	aux := struct {
		*plain
		MongoID string `json:"_id"`
	}{plain: (*plain)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if u.ID == "" {
		u.ID = aux.MongoID
	}
	return nil
}

// Identity returns the connection credentials for the user.
func (u *User) Identity() Identity {
	return Identity{UserID: u.ID, Username: u.Username, Role: u.Role}
}

// DisplayName falls back to the username when no profile name is set.
func (u *User) DisplayName() string {
	if u.Profile.DisplayName != "" {
		return u.Profile.DisplayName
	}
	return u.Username
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery state of a message. It only moves forward:
// sent, delivered, read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool { return s.rank() > 0 }

// Advances reports whether moving from s to next is a forward transition.
func (s MessageStatus) Advances(next MessageStatus) bool {
	return next.rank() > s.rank()
}

// Participant is the sender or receiver of a message. The server sends either
// a bare id string or a populated object; both decode.
type Participant struct {
	ID       string   `json:"_id"`
	Username string   `json:"username,omitempty"`
	Profile  *Profile `json:"profile,omitempty"`
}

func (p *Participant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &p.ID)
	}
	type plain Participant
	aux := struct {
		*plain
		ID string `json:"id"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = aux.ID
	}
	return nil
}

type MessageMetadata struct {
	Edited   bool       `json:"edited,omitempty"`
	EditedAt *time.Time `json:"editedAt,omitempty"`
}

// Message is a single chat message. Provisional messages carry an id with
// ProvisionalPrefix until the server confirms them.
type Message struct {
	ID             string           `json:"_id"`
	ConversationID string           `json:"conversationId"`
	Sender         Participant      `json:"senderId"`
	Receiver       Participant      `json:"receiverId"`
	Content        string           `json:"content"`
	Status         MessageStatus    `json:"status"`
	Timestamp      time.Time        `json:"timestamp"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`

	// Failed is set on a provisional message whose send was rejected or
	// timed out. Error holds the cause.
	Failed bool   `json:"-"`
	Error  string `json:"-"`
}

// ProvisionalPrefix marks client-generated message ids. Server ids never
// carry it.
const ProvisionalPrefix = "temp-"

// IsProvisionalID reports whether id was generated locally.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Provisional reports whether the message is still awaiting confirmation.
func (m *Message) Provisional() bool { return IsProvisionalID(m.ID) }

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a one-to-one thread with a counterpart participant.
// LastMessageID is a lookup key into the conversation's message list.
type Conversation struct {
	ID                string   `json:"id"`
	ParticipantID     string   `json:"participantId"`
	ParticipantName   string   `json:"participantName"`
	ParticipantAvatar string   `json:"participantAvatar,omitempty"`
	LastMessageID     string   `json:"lastMessageId,omitempty"`
	UnreadCount       int      `json:"unreadCount"`
	IsTyping          bool     `json:"isTyping"`
	TypingUsers       []string `json:"typingUsers"`
}

// conversationIDEscaper keeps "-" unambiguous as the separator. Ids without
// "-" or "%" pass through unchanged.
var conversationIDEscaper = strings.NewReplacer("%", "%25", "-", "%2D")

// ConversationID derives the id shared by both participants of a direct
// conversation. The result does not depend on argument order, and distinct
// pairs never share an id.
func ConversationID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return "conv-" + conversationIDEscaper.Replace(userA) + "-" + conversationIDEscaper.Replace(userB)
}

// ============================================================================
// Presence
// ============================================================================

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
)

type Presence struct {
	UserID   string         `json:"userId"`
	Username string         `json:"username"`
	Status   PresenceStatus `json:"status"`
	LastSeen *time.Time     `json:"lastSeen,omitempty"`
}

// ============================================================================
// Event payloads
// ============================================================================

// MessageNewPayload is pushed when a message arrives in a conversation.
type MessageNewPayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// MessageStatusPayload is pushed when the counterpart receives or reads
// messages. Older servers send a single messageId.
type MessageStatusPayload struct {
	ConversationID string        `json:"conversationId"`
	MessageID      string        `json:"messageId,omitempty"`
	MessageIDs     []string      `json:"messageIds,omitempty"`
	Status         MessageStatus `json:"status"`
}

// IDs returns the affected message ids regardless of payload shape.
func (p *MessageStatusPayload) IDs() []string {
	if len(p.MessageIDs) > 0 {
		return p.MessageIDs
	}
	if p.MessageID != "" {
		return []string{p.MessageID}
	}
	return nil
}

// TypingUpdate is pushed when a participant starts or stops composing.
type TypingUpdate struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"isTyping"`
}

type authenticatedPayload struct {
	SessionID string `json:"sid"`
}
