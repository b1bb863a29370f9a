// Package presence tracks support agent availability and concurrent chat capacity.
package presence

import (
	"context"
	"errors"
	"sort"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

// ErrInvalidCapacity is returned when maxConcurrentChats is out of range.
var ErrInvalidCapacity = errors.New("presence: invalid max concurrent chats")

// Registry is the Presence & Capacity Registry.
type Registry interface {
	// GetStatus returns the agent record, creating the default one when absent.
	GetStatus(ctx context.Context, companyID, userID string) (*model.AgentPresence, error)
	// SetStatus updates status and, when maxChats is non-nil, the capacity cap.
	SetStatus(ctx context.Context, companyID, userID string, status model.PresenceStatus, maxChats *int) (*model.AgentPresence, error)
	// Heartbeat bumps lastActivityAt.
	Heartbeat(ctx context.Context, companyID, userID string) (*model.AgentPresence, error)
	// TryClaim atomically takes one slot if the agent is claimable and below capacity.
	TryClaim(ctx context.Context, companyID, userID string) (bool, error)
	// Release gives one slot back, floored at zero.
	Release(ctx context.Context, companyID, userID string) error
	// ListTeam returns every known agent of the company.
	ListTeam(ctx context.Context, companyID string) ([]model.AgentPresence, error)
}

// SelectCandidate picks the agent for auto-assignment: online before busy,
// then the lowest load ratio, then the longest idle. Ineligible agents and
// those in exclude are skipped. It returns nil when nobody qualifies.
func SelectCandidate(agents []model.AgentPresence, exclude map[string]bool) *model.AgentPresence {
	var eligible []model.AgentPresence
	for _, a := range agents {
		if exclude[a.UserID] || !a.Eligible() {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if (a.Status == model.PresenceOnline) != (b.Status == model.PresenceOnline) {
			return a.Status == model.PresenceOnline
		}
		if a.LoadRatio() != b.LoadRatio() {
			return a.LoadRatio() < b.LoadRatio()
		}
		return a.LastActivityAt.Before(b.LastActivityAt)
	})
	out := eligible[0]
	return &out
}

// FilterVisible drops invisible and offline agents from a team listing.
func FilterVisible(agents []model.AgentPresence) []model.AgentPresence {
	out := agents[:0:0]
	for _, a := range agents {
		if a.Status == model.PresenceOnline || a.Status == model.PresenceBusy || a.Status == model.PresenceAway {
			out = append(out, a)
		}
	}
	return out
}

func validateCap(maxChats *int) error {
	if maxChats == nil {
		return nil
	}
	if err := model.ValidateMaxConcurrentChats(*maxChats); err != nil {
		return errors.Join(ErrInvalidCapacity, err)
	}
	return nil
}
