package chatsync

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sender runs the optimistic send path: a provisional message is inserted
// into the store before the command goes out and is reconciled with the
// server's confirmation in place.
type Sender struct {
	actions *Actions
	store   *Store
	cache   Invalidator
	logger  *log.Logger
	now     func() time.Time
}

// NewSender wires the pipeline. cache may be nil.
func NewSender(actions *Actions, store *Store, cache Invalidator, logger *log.Logger) *Sender {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Sender{
		actions: actions,
		store:   store,
		cache:   cache,
		logger:  logger,
		now:     time.Now,
	}
}

func newProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

// Send delivers content to receiver in conversationID. On success the
// confirmed message is returned and has replaced the provisional entry. On
// failure the entry stays in place flagged Failed and a *SendError naming
// it is returned.
func (s *Sender) Send(ctx context.Context, conversationID string, receiver Participant, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	conn := s.actions.Conn()
	if !conn.IsConnected() {
		return nil, ErrNotConnected
	}

	if s.actions.IsTyping(conversationID) {
		if err := s.actions.StopTyping(ctx, conversationID, receiver.ID); err != nil {
			s.logger.Printf("stop typing before send: %v", err)
		}
	}

	msg := Message{
		ID:             newProvisionalID(),
		ConversationID: conversationID,
		Sender:         conn.Identity().Participant(),
		Receiver:       receiver,
		Content:        content,
		Status:         StatusSent,
		Timestamp:      s.now().UTC(),
	}
	s.store.AddMessage(msg)
	return s.deliver(ctx, msg)
}

// Retry re-sends a failed provisional message, reusing its entry.
func (s *Sender) Retry(ctx context.Context, conversationID, tempID string) (*Message, error) {
	msg, ok := s.store.Message(conversationID, tempID)
	if !ok || !msg.Provisional() || !msg.Failed {
		return nil, ErrNotProvisional
	}
	if !s.actions.Conn().IsConnected() {
		return nil, ErrNotConnected
	}
	s.store.MarkMessagePending(conversationID, tempID)
	return s.deliver(ctx, msg)
}

func (s *Sender) deliver(ctx context.Context, msg Message) (*Message, error) {
	s.store.BeginSend()
	defer s.store.EndSend()

	confirmed, err := s.actions.SendMessage(ctx, msg.ConversationID, msg.Receiver.ID, msg.Content)
	if err != nil {
		s.store.MarkMessageFailed(msg.ConversationID, msg.ID, err.Error())
		s.store.SetError(failureText(err))
		s.logger.Printf("send %s failed: %v", msg.ID, err)
		return nil, &SendError{ConversationID: msg.ConversationID, TempID: msg.ID, Err: err}
	}

	confirmed.ConversationID = msg.ConversationID
	s.store.UpdateMessage(msg.ConversationID, msg.ID, *confirmed)
	s.store.SetError("")
	if s.cache != nil {
		s.cache.InvalidateConversation(msg.ConversationID)
	}
	return confirmed, nil
}

func failureText(err error) string {
	var cmdErr *CommandError
	switch {
	case errors.As(err, &cmdErr):
		return cmdErr.Message
	case errors.Is(err, ErrTimeout):
		return "message send timeout"
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrNotConnected):
		return "not connected"
	}
	return "failed to send message"
}
