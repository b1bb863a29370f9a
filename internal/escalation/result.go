package escalation

import (
	"net/http"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

// ErrorCode is a machine-readable business-rule failure.
type ErrorCode string

const (
	CodeAlreadyAccepted    ErrorCode = "already_accepted"
	CodeCapacityExceeded   ErrorCode = "capacity_exceeded"
	CodeNotAccepted        ErrorCode = "not_accepted"
	CodeResolutionRequired ErrorCode = "resolution_required"
	CodeStateConflict      ErrorCode = "state_conflict"
	CodeNotFound           ErrorCode = "not_found"
	CodeInternal           ErrorCode = "internal_error"
)

// HTTPStatus maps a code to the response status used by the API.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case "":
		return http.StatusOK
	case CodeAlreadyAccepted, CodeCapacityExceeded, CodeNotAccepted, CodeStateConflict:
		return http.StatusConflict
	case CodeResolutionRequired:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Result is returned by every workflow action instead of an error.
type Result struct {
	Success      bool                `json:"success"`
	Code         ErrorCode           `json:"code,omitempty"`
	Message      string              `json:"message,omitempty"`
	Escalation   *model.Escalation   `json:"escalation,omitempty"`
	Conversation *model.Conversation `json:"conversation,omitempty"`
}

func ok(esc *model.Escalation, conv *model.Conversation) Result {
	return Result{Success: true, Escalation: esc, Conversation: conv}
}

func fail(code ErrorCode, msg string) Result {
	return Result{Code: code, Message: msg}
}

// Actor identifies the support agent performing an action.
type Actor struct {
	CompanyID string
	UserID    string
}
