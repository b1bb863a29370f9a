// Package model defines data structures for the conversation routing engine.
package model

import (
	"fmt"
	"time"
)

// Channel identifies the messaging surface a conversation arrived on.
type Channel string

const (
	ChannelWeb       Channel = "web"
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelTelegram  Channel = "telegram"
	ChannelMessenger Channel = "messenger"
	ChannelInstagram Channel = "instagram"
	ChannelSlack     Channel = "slack"
	ChannelTeams     Channel = "teams"
	ChannelCustom    Channel = "custom"
)

// Channels lists every supported channel.
var Channels = []Channel{
	ChannelWeb, ChannelWhatsApp, ChannelTelegram, ChannelMessenger,
	ChannelInstagram, ChannelSlack, ChannelTeams, ChannelCustom,
}

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	for _, c := range Channels {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive       ConversationStatus = "active"
	StatusWaitingHuman ConversationStatus = "waiting_human"
	StatusWithHuman    ConversationStatus = "with_human"
	StatusResolved     ConversationStatus = "resolved"
	StatusAbandoned    ConversationStatus = "abandoned"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ConversationStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusAbandoned
}

// transitions is the conversation state machine. Terminal states have no entry.
var transitions = map[ConversationStatus][]ConversationStatus{
	StatusActive:       {StatusWaitingHuman, StatusAbandoned},
	StatusWaitingHuman: {StatusWithHuman, StatusAbandoned},
	StatusWithHuman:    {StatusActive, StatusResolved, StatusAbandoned},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to ConversationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Conversation represents one end user's thread on one channel.
type Conversation struct {
	ID        string  `json:"id"`
	CompanyID string  `json:"company_id"`
	EndUserID string  `json:"end_user_id"`
	AgentID   string  `json:"agent_id"`
	Channel   Channel `json:"channel"`

	Status         ConversationStatus `json:"status"`
	AssignedUserID *string            `json:"assigned_user_id,omitempty"`

	MessageCount    int       `json:"message_count"`
	LastMessageAt   time.Time `json:"last_message_at"`
	Sentiment       float64   `json:"sentiment"`
	TurnsSinceHuman int       `json:"turns_since_human"`
	AgentFailures   int       `json:"agent_failures"`

	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the identity an open conversation is unique on.
func (c *Conversation) Key() string {
	return ConversationKey(c.CompanyID, c.Channel, c.EndUserID)
}

// Starred reports the metadata starred flag.
func (c *Conversation) Starred() bool {
	v, _ := c.Metadata["starred"].(bool)
	return v
}

// Clone returns a deep-enough copy safe to hand out of a store.
func (c *Conversation) Clone() *Conversation {
	out := *c
	if c.AssignedUserID != nil {
		id := *c.AssignedUserID
		out.AssignedUserID = &id
	}
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ConversationKey builds the lookup key for an end user on a channel.
func ConversationKey(companyID string, channel Channel, endUserID string) string {
	return fmt.Sprintf("%s#%s#%s", companyID, channel, endUserID)
}

// ConversationFilter narrows conversation listings.
type ConversationFilter struct {
	CompanyID      string
	Status         ConversationStatus
	AssignedUserID string
	Limit          int
	Offset         int
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}
