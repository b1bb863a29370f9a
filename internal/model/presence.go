package model

import (
	"fmt"
	"time"
)

// PresenceStatus is a support agent's availability.
type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "online"
	PresenceBusy      PresenceStatus = "busy"
	PresenceAway      PresenceStatus = "away"
	PresenceInvisible PresenceStatus = "invisible"
	PresenceOffline   PresenceStatus = "offline"
)

// ParsePresenceStatus validates a presence status.
func ParsePresenceStatus(s string) (PresenceStatus, error) {
	switch PresenceStatus(s) {
	case PresenceOnline, PresenceBusy, PresenceAway, PresenceInvisible, PresenceOffline:
		return PresenceStatus(s), nil
	}
	return "", fmt.Errorf("unknown presence status %q", s)
}

// Claimable reports whether the status accepts new chats.
func (s PresenceStatus) Claimable() bool {
	return s == PresenceOnline || s == PresenceBusy
}

const (
	DefaultMaxConcurrentChats = 5
	MinConcurrentChats        = 1
	MaxConcurrentChats        = 20
)

// AgentPresence tracks a support agent's status and load.
type AgentPresence struct {
	CompanyID          string         `json:"company_id"`
	UserID             string         `json:"user_id"`
	Status             PresenceStatus `json:"status"`
	MaxConcurrentChats int            `json:"max_concurrent_chats"`
	CurrentChatCount   int            `json:"current_chat_count"`
	LastStatusChange   time.Time      `json:"last_status_change"`
	LastActivityAt     time.Time      `json:"last_activity_at"`
}

// NewAgentPresence returns the lazily created default record.
func NewAgentPresence(companyID, userID string, now time.Time) *AgentPresence {
	return &AgentPresence{
		CompanyID:          companyID,
		UserID:             userID,
		Status:             PresenceOffline,
		MaxConcurrentChats: DefaultMaxConcurrentChats,
		LastStatusChange:   now,
		LastActivityAt:     now,
	}
}

// HasCapacity reports whether one more chat fits.
func (p *AgentPresence) HasCapacity() bool {
	return p.CurrentChatCount < p.MaxConcurrentChats
}

// Eligible reports whether the agent may receive a new assignment.
func (p *AgentPresence) Eligible() bool {
	return p.Status.Claimable() && p.HasCapacity()
}

// LoadRatio is current load over capacity.
func (p *AgentPresence) LoadRatio() float64 {
	if p.MaxConcurrentChats <= 0 {
		return 1
	}
	return float64(p.CurrentChatCount) / float64(p.MaxConcurrentChats)
}

// ValidateMaxConcurrentChats checks the admin-set cap.
func ValidateMaxConcurrentChats(n int) error {
	if n < MinConcurrentChats || n > MaxConcurrentChats {
		return fmt.Errorf("max_concurrent_chats must be between %d and %d", MinConcurrentChats, MaxConcurrentChats)
	}
	return nil
}

// UpdatePresenceRequest is the body of the presence update endpoint.
type UpdatePresenceRequest struct {
	Status             string `json:"status"`
	MaxConcurrentChats *int   `json:"max_concurrent_chats,omitempty"`
}
