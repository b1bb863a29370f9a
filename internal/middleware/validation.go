package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxContentLength    = 100000
	maxResolutionLength = 4000
	maxIdentifierLength = 128
)

// ValidateMessageContent validates a support agent reply.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateEscalationID validates an escalation ID.
func ValidateEscalationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid escalation ID format")
	}
	return nil
}

// ValidateUserID validates a support agent ID from a request body.
func ValidateUserID(id string) error {
	if len(id) == 0 {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > maxIdentifierLength {
		return errors.New("user ID exceeds maximum length")
	}
	return nil
}

// ValidateResolution validates a resolution note. Emptiness is a workflow rule
// and is checked there.
func ValidateResolution(resolution string) error {
	if len(resolution) > maxResolutionLength {
		return errors.New("resolution exceeds maximum length")
	}
	if !utf8.ValidString(resolution) {
		return errors.New("resolution must be valid UTF-8")
	}
	return nil
}
