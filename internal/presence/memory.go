package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

// MemoryRegistry keeps presence in process.
type MemoryRegistry struct {
	mu     sync.Mutex
	now    func() time.Time
	agents map[string]map[string]*model.AgentPresence // company -> user -> presence
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry(now func() time.Time) *MemoryRegistry {
	if now == nil {
		now = time.Now
	}
	return &MemoryRegistry{now: now, agents: make(map[string]map[string]*model.AgentPresence)}
}

var _ Registry = (*MemoryRegistry)(nil)

func (r *MemoryRegistry) getLocked(companyID, userID string) *model.AgentPresence {
	team, ok := r.agents[companyID]
	if !ok {
		team = make(map[string]*model.AgentPresence)
		r.agents[companyID] = team
	}
	p, ok := team[userID]
	if !ok {
		p = model.NewAgentPresence(companyID, userID, r.now())
		team[userID] = p
	}
	return p
}

func (r *MemoryRegistry) GetStatus(ctx context.Context, companyID, userID string) (*model.AgentPresence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := *r.getLocked(companyID, userID)
	return &out, nil
}

func (r *MemoryRegistry) SetStatus(ctx context.Context, companyID, userID string, status model.PresenceStatus, maxChats *int) (*model.AgentPresence, error) {
	if err := validateCap(maxChats); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.getLocked(companyID, userID)
	now := r.now()
	if p.Status != status {
		p.Status = status
		p.LastStatusChange = now
	}
	if maxChats != nil {
		p.MaxConcurrentChats = *maxChats
	}
	p.LastActivityAt = now
	out := *p
	return &out, nil
}

func (r *MemoryRegistry) Heartbeat(ctx context.Context, companyID, userID string) (*model.AgentPresence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.getLocked(companyID, userID)
	p.LastActivityAt = r.now()
	out := *p
	return &out, nil
}

func (r *MemoryRegistry) TryClaim(ctx context.Context, companyID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.getLocked(companyID, userID)
	if !p.Eligible() {
		return false, nil
	}
	p.CurrentChatCount++
	p.LastActivityAt = r.now()
	return true, nil
}

func (r *MemoryRegistry) Release(ctx context.Context, companyID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.getLocked(companyID, userID)
	if p.CurrentChatCount > 0 {
		p.CurrentChatCount--
	}
	return nil
}

func (r *MemoryRegistry) ListTeam(ctx context.Context, companyID string) ([]model.AgentPresence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AgentPresence, 0, len(r.agents[companyID]))
	for _, p := range r.agents[companyID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
