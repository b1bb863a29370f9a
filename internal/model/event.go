package model

import (
	"time"
)

// EventType represents the type of routing event.
type EventType string

const (
	EventInboundMessage     EventType = "message_inbound"
	EventOutboundMessage    EventType = "message_outbound"
	EventEscalationCreated  EventType = "escalation_created"
	EventEscalationAccepted EventType = "escalation_accepted"
	EventEscalationResolved EventType = "escalation_resolved"
	EventEscalationReturned EventType = "escalation_returned"
	EventConversationClosed EventType = "conversation_abandoned"
	EventAgentError         EventType = "agent_error"
)

// ConversationEvent is fanned out to support agents and delivery workers.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	CompanyID      string         `json:"company_id"`
	Channel        Channel        `json:"channel,omitempty"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason,omitempty"`
	Escalation     *Escalation    `json:"escalation,omitempty"`
	Message        *Message       `json:"message,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence,omitempty"`
}

// HeartbeatEvent keeps SSE connections alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
