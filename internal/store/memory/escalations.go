package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/store"
)

func (s *Store) OpenEscalation(ctx context.Context, esc *model.Escalation) (*model.Escalation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[esc.ConversationID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if id, open := s.openByConv[conv.ID]; open {
		return s.escalations[id].Clone(), false, nil
	}
	if conv.Status != model.StatusActive {
		return nil, false, fmt.Errorf("%w: cannot escalate a %s conversation", store.ErrStateConflict, conv.Status)
	}

	created := esc.Clone()
	if created.ID == "" {
		created.ID = uuid.Must(uuid.NewV7()).String()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	created.CompanyID = conv.CompanyID
	created.Status = model.EscalationPending

	s.escalations[created.ID] = created
	s.openByConv[conv.ID] = created.ID
	s.setStatusLocked(conv, model.StatusWaitingHuman)

	return created.Clone(), true, nil
}

func (s *Store) GetEscalation(ctx context.Context, id string) (*model.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	esc, ok := s.escalations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return esc.Clone(), nil
}

func (s *Store) GetOpenEscalation(ctx context.Context, conversationID string) (*model.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openByConv[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.escalations[id].Clone(), nil
}

func (s *Store) ListEscalations(ctx context.Context, filter model.EscalationFilter) ([]model.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Escalation
	for _, esc := range s.escalations {
		if filter.CompanyID != "" && esc.CompanyID != filter.CompanyID {
			continue
		}
		if filter.Status != "" && esc.Status != filter.Status {
			continue
		}
		out = append(out, *esc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ClaimEscalation(ctx context.Context, id, userID string, at time.Time) (*model.Escalation, *model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escalations[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if esc.Status != model.EscalationPending {
		return nil, nil, fmt.Errorf("%w: escalation is %s", store.ErrStateConflict, esc.Status)
	}
	conv, ok := s.conversations[esc.ConversationID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if conv.Status != model.StatusWaitingHuman {
		return nil, nil, fmt.Errorf("%w: conversation is %s", store.ErrStateConflict, conv.Status)
	}

	esc.Status = model.EscalationAccepted
	esc.AcceptedBy = &userID
	esc.AcceptedAt = &at

	conv.Status = model.StatusWithHuman
	conv.AssignedUserID = &userID
	conv.UpdatedAt = at

	return esc.Clone(), conv.Clone(), nil
}

func (s *Store) CloseEscalation(ctx context.Context, id string, p store.CloseParams) (*model.Escalation, *model.Conversation, error) {
	if !model.CanTransition(model.StatusWithHuman, p.ConversationTo) {
		return nil, nil, fmt.Errorf("%w: with_human -> %s", store.ErrInvalidTransition, p.ConversationTo)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escalations[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if esc.Status != model.EscalationAccepted {
		return nil, nil, fmt.Errorf("%w: escalation is %s", store.ErrStateConflict, esc.Status)
	}
	if p.ExpectAcceptedBy != "" && !esc.AcceptedByUser(p.ExpectAcceptedBy) {
		return nil, nil, fmt.Errorf("%w: escalation held by another agent", store.ErrStateConflict)
	}
	conv, ok := s.conversations[esc.ConversationID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if conv.Status != model.StatusWithHuman {
		return nil, nil, fmt.Errorf("%w: conversation is %s", store.ErrStateConflict, conv.Status)
	}

	esc.Status = p.To
	esc.ResolvedAt = &p.At
	if p.ResolvedBy != "" {
		resolvedBy := p.ResolvedBy
		esc.ResolvedBy = &resolvedBy
	}
	esc.Resolution = p.Resolution
	delete(s.openByConv, conv.ID)

	s.setStatusLocked(conv, p.ConversationTo)
	// AgentFailures survives the handback; only a successful automated reply clears it.
	conv.TurnsSinceHuman = 0

	return esc.Clone(), conv.Clone(), nil
}

func (s *Store) MarkFirstResponse(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escalations[id]
	if !ok {
		return store.ErrNotFound
	}
	if esc.FirstResponseAt == nil {
		esc.FirstResponseAt = &at
	}
	return nil
}

func (s *Store) AbandonConversation(ctx context.Context, id string, from model.ConversationStatus, at time.Time) (*model.Conversation, *model.Escalation, error) {
	if !model.CanTransition(from, model.StatusAbandoned) {
		return nil, nil, fmt.Errorf("%w: %s -> abandoned", store.ErrInvalidTransition, from)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if conv.Status != from {
		return nil, nil, fmt.Errorf("%w: conversation is %s, expected %s", store.ErrStateConflict, conv.Status, from)
	}

	var closed *model.Escalation
	if escID, open := s.openByConv[id]; open {
		esc := s.escalations[escID]
		esc.Status = model.EscalationReturned
		esc.ResolvedAt = &at
		esc.Resolution = "conversation abandoned"
		delete(s.openByConv, id)
		closed = esc.Clone()
	}

	s.setStatusLocked(conv, model.StatusAbandoned)
	return conv.Clone(), closed, nil
}

func (s *Store) ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Escalation
	for _, esc := range s.escalations {
		if esc.Status == model.EscalationPending && esc.CreatedAt.Before(before) {
			out = append(out, *esc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
