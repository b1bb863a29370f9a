// Package memory is an in-process Store guarded by a single mutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/store"
)

// Store keeps conversations, messages and escalations in maps.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	conversations map[string]*model.Conversation
	openByKey     map[string]string // conversation key -> id of the non-terminal conversation
	messages      map[string][]model.Message
	externalIDs   map[string]struct{}
	escalations   map[string]*model.Escalation
	openByConv    map[string]string // conversation id -> open escalation id
}

// New creates an empty store.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty store with an injected clock.
func NewWithClock(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:           now,
		conversations: make(map[string]*model.Conversation),
		openByKey:     make(map[string]string),
		messages:      make(map[string][]model.Message),
		externalIDs:   make(map[string]struct{}),
		escalations:   make(map[string]*model.Escalation),
		openByConv:    make(map[string]string),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close() error                   { return nil }

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *Store) GetOrCreateConversation(ctx context.Context, companyID, endUserID string, channel model.Channel, agentID string) (*model.Conversation, bool, error) {
	key := model.ConversationKey(companyID, channel, endUserID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.openByKey[key]; ok {
		return s.conversations[id].Clone(), false, nil
	}

	now := s.now()
	conv := &model.Conversation{
		ID:            uuid.Must(uuid.NewV7()).String(),
		CompanyID:     companyID,
		EndUserID:     endUserID,
		AgentID:       agentID,
		Channel:       channel,
		Status:        model.StatusActive,
		LastMessageAt: now,
		Metadata:      map[string]any{"starred": false},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.conversations[conv.ID] = conv
	s.openByKey[key] = conv.ID

	return conv.Clone(), true, nil
}

func (s *Store) ListConversations(ctx context.Context, filter model.ConversationFilter) ([]model.Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []model.Conversation
	for _, conv := range s.conversations {
		if filter.CompanyID != "" && conv.CompanyID != filter.CompanyID {
			continue
		}
		if filter.Status != "" && conv.Status != filter.Status {
			continue
		}
		if filter.AssignedUserID != "" && (conv.AssignedUserID == nil || *conv.AssignedUserID != filter.AssignedUserID) {
			continue
		}
		convs = append(convs, *conv.Clone())
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})

	total := len(convs)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < total {
		end = start + filter.Limit
	}
	return convs[start:end], total, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return nil, store.ErrNotFound
	}

	if msg.ExternalID != "" {
		key := conv.CompanyID + "#" + string(msg.Channel) + "#" + msg.ExternalID
		if _, seen := s.externalIDs[key]; seen {
			return nil, store.ErrDuplicateMessage
		}
		s.externalIDs[key] = struct{}{}
	}

	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.messages[conv.ID] = append(s.messages[conv.ID], *msg)

	conv.MessageCount++
	conv.LastMessageAt = msg.CreatedAt
	conv.UpdatedAt = s.now()
	if msg.Role == model.RoleUser {
		conv.TurnsSinceHuman++
	}
	return conv.Clone(), nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, from, to model.ConversationStatus) error {
	if to == model.StatusWithHuman || !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	if conv.Status != from {
		return fmt.Errorf("%w: conversation is %s, expected %s", store.ErrStateConflict, conv.Status, from)
	}
	s.setStatusLocked(conv, to)
	return nil
}

func (s *Store) setStatusLocked(conv *model.Conversation, to model.ConversationStatus) {
	conv.Status = to
	if to != model.StatusWithHuman {
		conv.AssignedUserID = nil
	}
	if to.IsTerminal() {
		delete(s.openByKey, conv.Key())
	}
	conv.UpdatedAt = s.now()
}

func (s *Store) Assign(ctx context.Context, id, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	if conv.Status != model.StatusWithHuman {
		return fmt.Errorf("%w: cannot assign a %s conversation", store.ErrStateConflict, conv.Status)
	}
	if conv.AssignedUserID == nil || *conv.AssignedUserID != from {
		return fmt.Errorf("%w: conversation is not assigned to %s", store.ErrStateConflict, from)
	}
	conv.AssignedUserID = &to
	conv.UpdatedAt = s.now()
	if escID, ok := s.openByConv[id]; ok {
		s.escalations[escID].AcceptedBy = &to
	}
	return nil
}

func (s *Store) Unassign(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	if conv.Status == model.StatusWithHuman {
		return fmt.Errorf("%w: with_human conversations must stay assigned", store.ErrStateConflict)
	}
	conv.AssignedUserID = nil
	conv.UpdatedAt = s.now()
	return nil
}

func (s *Store) UpdateSignals(ctx context.Context, id string, upd store.SignalUpdate) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if upd.Sentiment != nil {
		conv.Sentiment = *upd.Sentiment
	}
	if upd.AgentFailures != nil {
		conv.AgentFailures = *upd.AgentFailures
	}
	if upd.ResetTurns {
		conv.TurnsSinceHuman = 0
	}
	conv.UpdatedAt = s.now()
	return conv.Clone(), nil
}

func (s *Store) ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Conversation
	for _, conv := range s.conversations {
		if conv.Status != model.StatusActive || !conv.LastMessageAt.Before(before) {
			continue
		}
		if _, open := s.openByConv[conv.ID]; open {
			continue
		}
		out = append(out, *conv.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.Before(out[j].LastMessageAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
