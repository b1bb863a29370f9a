package model

import (
	"time"
)

// ContentType is the closed set of inbound content kinds.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
	ContentAudio ContentType = "audio"
	ContentFile  ContentType = "file"
)

// Attachment is a media item carried by a message.
type Attachment struct {
	Type     ContentType `json:"type"`
	URL      string      `json:"url,omitempty"`
	FileID   string      `json:"file_id,omitempty"`
	Name     string      `json:"name,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
}

// InboundMessage is the canonical adapter output.
type InboundMessage struct {
	SenderID    string       `json:"sender_id"`
	ExternalID  string       `json:"external_id"`
	Content     string       `json:"content"`
	ContentType ContentType  `json:"content_type"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`

	// Metadata carries channel-specific fields (chat id, thread, display name).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Role is the author of a stored conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleHuman     Role = "human"
	RoleSystem    Role = "system"
)

// Direction of a stored turn relative to the end user.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is a persisted conversation turn.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	CompanyID      string       `json:"company_id"`
	Channel        Channel      `json:"channel"`
	ExternalID     string       `json:"external_id,omitempty"`
	Role           Role         `json:"role"`
	Direction      Direction    `json:"direction"`
	AuthorID       string       `json:"author_id,omitempty"`
	Content        string       `json:"content"`
	ContentType    ContentType  `json:"content_type"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyToID      string       `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// SendMessageRequest is a support agent's reply to a conversation.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// CloseConversationRequest is the body of the close endpoint.
type CloseConversationRequest struct {
	Reason string `json:"reason,omitempty"`
}
