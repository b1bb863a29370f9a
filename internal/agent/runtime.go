// Package agent runs the automated agent off the request path.
package agent

import (
	"context"
	"errors"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

// EventType is the kind of a streamed runtime event.
type EventType string

const (
	EventThinking EventType = "thinking"
	EventToolCall EventType = "tool_call"
	EventDelta    EventType = "delta"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// StreamEvent is one event of a running turn. Retryable is only meaningful on errors.
type StreamEvent struct {
	Type      EventType `json:"type"`
	Data      string    `json:"data"`
	Retryable bool      `json:"retryable,omitempty"`
}

// Session is the runtime's view of a conversation.
type Session struct {
	ConversationID string `json:"conversation_id"`
	Greeting       string `json:"greeting,omitempty"`
}

// TurnRequest asks the runtime to answer the latest user message.
type TurnRequest struct {
	AgentID        string
	ConversationID string
	History        []model.Message
	Message        string
}

// Runtime is the automated agent contract.
type Runtime interface {
	CreateSession(ctx context.Context, agentID, conversationID string) (*Session, error)
	// SendMessageStream starts a turn. The channel is closed after a
	// complete or error event.
	SendMessageStream(ctx context.Context, req *TurnRequest) (<-chan StreamEvent, error)
	Name() string
}

// HandoffMarker prefixes replies where the agent asks for a human.
const HandoffMarker = "[HANDOFF]"

// Error wraps a provider failure with its retry classification.
type Error struct {
	Retryable bool
	Err       error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func retryableStatus(code int) bool {
	return code == 408 || code == 409 || code == 429 || code >= 500
}
