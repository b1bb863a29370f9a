// Package store defines persistence for conversations, messages and escalations.
//
// Every status change that matters for concurrency is a compare-and-swap on the
// expected prior status. Compound transitions (opening, claiming and closing an
// escalation) touch the conversation and the escalation in one atomic step.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStateConflict is returned when the current status does not match the expected one.
	ErrStateConflict = errors.New("store: state conflict")
	// ErrInvalidTransition is returned for transitions the state machine does not define.
	ErrInvalidTransition = errors.New("store: invalid transition")
	// ErrDuplicateMessage is returned when (company, channel, external id) was already stored.
	ErrDuplicateMessage = errors.New("store: duplicate message")
)

// SignalUpdate changes the rolling conversation signals. Nil fields are left alone.
type SignalUpdate struct {
	Sentiment     *float64
	AgentFailures *int
	ResetTurns    bool
}

// CloseParams describes how an accepted escalation is closed.
type CloseParams struct {
	// ExpectAcceptedBy, when set, requires the escalation to be held by this user.
	ExpectAcceptedBy string
	To               model.EscalationStatus
	ConversationTo   model.ConversationStatus
	ResolvedBy       string
	Resolution       string
	At               time.Time
}

// ConversationStore is the Conversation Store contract.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// GetOrCreateConversation returns the open conversation for the end user on the
	// channel, creating one when none is open. The bool reports creation.
	GetOrCreateConversation(ctx context.Context, companyID, endUserID string, channel model.Channel, agentID string) (*model.Conversation, bool, error)
	ListConversations(ctx context.Context, filter model.ConversationFilter) ([]model.Conversation, int, error)

	// AppendMessage stores a turn and bumps messageCount/lastMessageAt.
	// Inbound user turns also bump turnsSinceHuman.
	AppendMessage(ctx context.Context, msg *model.Message) (*model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)

	// SetStatus moves from -> to only if the current status is from.
	// Entering with_human is only possible through ClaimEscalation.
	SetStatus(ctx context.Context, id string, from, to model.ConversationStatus) error
	// Assign moves a with_human conversation from one support agent to another.
	// It fails with ErrStateConflict unless from is the current assignee.
	Assign(ctx context.Context, id, from, to string) error
	// Unassign clears the assignee of a conversation that is not with_human.
	Unassign(ctx context.Context, id string) error
	UpdateSignals(ctx context.Context, id string, upd SignalUpdate) (*model.Conversation, error)

	// ListIdleConversations returns active conversations with no message since before.
	ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]model.Conversation, error)
}

// EscalationStore holds escalations and the compound transitions.
type EscalationStore interface {
	// OpenEscalation creates esc and moves the conversation active -> waiting_human.
	// If an escalation is already open it is returned unchanged with created=false.
	OpenEscalation(ctx context.Context, esc *model.Escalation) (*model.Escalation, bool, error)
	GetEscalation(ctx context.Context, id string) (*model.Escalation, error)
	GetOpenEscalation(ctx context.Context, conversationID string) (*model.Escalation, error)
	ListEscalations(ctx context.Context, filter model.EscalationFilter) ([]model.Escalation, error)

	// ClaimEscalation moves the escalation pending -> accepted and the conversation
	// waiting_human -> with_human assigned to userID, or changes nothing.
	ClaimEscalation(ctx context.Context, id, userID string, at time.Time) (*model.Escalation, *model.Conversation, error)
	// CloseEscalation moves an accepted escalation to p.To and the conversation
	// with_human -> p.ConversationTo, clearing the assignee, or changes nothing.
	CloseEscalation(ctx context.Context, id string, p CloseParams) (*model.Escalation, *model.Conversation, error)
	MarkFirstResponse(ctx context.Context, id string, at time.Time) error

	// AbandonConversation moves a non-terminal conversation to abandoned, returning
	// any escalation it closed as returned.
	AbandonConversation(ctx context.Context, id string, from model.ConversationStatus, at time.Time) (*model.Conversation, *model.Escalation, error)
	// ListStalePending returns pending escalations created before the cutoff.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.Escalation, error)
}

// Store is the full persistence surface.
type Store interface {
	ConversationStore
	EscalationStore
	Ping(ctx context.Context) error
	Close() error
}
