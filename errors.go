package chatsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("chatsync: not connected")
	ErrDisconnected     = errors.New("chatsync: connection lost before acknowledgement")
	ErrTimeout          = errors.New("chatsync: acknowledgement timeout")
	ErrEmptyContent     = errors.New("chatsync: message content is empty")
	ErrReconnectFailed  = errors.New("chatsync: maximum reconnection attempts reached")
	ErrIdentityMismatch = errors.New("chatsync: connection is open for a different identity")
	ErrInvalidIdentity  = errors.New("chatsync: identity requires user id, username and role")
	ErrNotProvisional   = errors.New("chatsync: message is not a failed provisional message")

	errServerDisconnect = errors.New("server disconnect")
)

// APIError is a non-2xx response from the REST collaborator.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// CommandError is returned when the server acknowledges a command with a
// failure.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return e.Command + ": " + e.Message
}

// SendError reports a failed optimistic send. TempID identifies the
// provisional entry left in the store, which can be passed to Sender.Retry.
type SendError struct {
	ConversationID string
	TempID         string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.TempID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
