package model

import "time"

// EscalationStatus is the lifecycle state of an escalation.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationAccepted EscalationStatus = "accepted"
	EscalationResolved EscalationStatus = "resolved"
	EscalationReturned EscalationStatus = "returned"
)

// IsOpen reports whether the escalation still blocks a new one.
func (s EscalationStatus) IsOpen() bool {
	return s == EscalationPending || s == EscalationAccepted
}

// Priority orders escalations for support agents.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank is used for sorting, higher first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// Trigger names the signal that caused an escalation.
type Trigger string

const (
	TriggerExplicitRequest Trigger = "explicit_request"
	TriggerSentiment       Trigger = "sentiment"
	TriggerTurnLimit       Trigger = "turn_limit"
	TriggerAgentFailure    Trigger = "agent_failure"
	TriggerAgentHandoff    Trigger = "agent_handoff"
)

// Escalation is a request to hand a conversation to a human.
type Escalation struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	CompanyID      string           `json:"company_id"`
	Status         EscalationStatus `json:"status"`
	Priority       Priority         `json:"priority"`
	Trigger        Trigger          `json:"trigger"`
	Reason         string           `json:"reason"`
	CreatedAt      time.Time        `json:"created_at"`

	AcceptedBy *string    `json:"accepted_by,omitempty"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`

	// FirstResponseAt is set on the first human reply after acceptance.
	FirstResponseAt *time.Time `json:"first_response_at,omitempty"`

	ResolvedBy *string    `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
}

// Clone copies the escalation including pointer fields.
func (e *Escalation) Clone() *Escalation {
	out := *e
	out.AcceptedBy = cloneString(e.AcceptedBy)
	out.ResolvedBy = cloneString(e.ResolvedBy)
	out.AcceptedAt = cloneTime(e.AcceptedAt)
	out.ResolvedAt = cloneTime(e.ResolvedAt)
	out.FirstResponseAt = cloneTime(e.FirstResponseAt)
	return &out
}

// AcceptedByUser reports whether userID holds the escalation.
func (e *Escalation) AcceptedByUser(userID string) bool {
	return e.AcceptedBy != nil && *e.AcceptedBy == userID
}

// EscalationFilter narrows escalation listings.
type EscalationFilter struct {
	CompanyID string
	Status    EscalationStatus
	Limit     int
}

// EscalationActionRequest is the body of the escalation action endpoint.
type EscalationActionRequest struct {
	Action     string `json:"action"`
	Resolution string `json:"resolution,omitempty"`
	ReturnToAI bool   `json:"return_to_ai,omitempty"`
	// ToUserID is the target of a transfer.
	ToUserID string `json:"to_user_id,omitempty"`
}

// Escalation actions.
const (
	ActionAccept     = "accept"
	ActionResolve    = "resolve"
	ActionReturnToAI = "return_to_ai"
	ActionTransfer   = "transfer"
)

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
