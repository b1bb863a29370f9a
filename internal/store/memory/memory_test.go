package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/store"
)

func newConversation(t *testing.T, s *Store) *model.Conversation {
	t.Helper()
	conv, created, err := s.GetOrCreateConversation(context.Background(), "co-1", "user-1", model.ChannelWhatsApp, "bot-1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if !created {
		t.Fatal("expected a new conversation")
	}
	return conv
}

func TestGetOrCreateReturnsOpenConversation(t *testing.T) {
	s := New()
	ctx := context.Background()
	conv := newConversation(t, s)

	again, created, err := s.GetOrCreateConversation(ctx, "co-1", "user-1", model.ChannelWhatsApp, "bot-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || again.ID != conv.ID {
		t.Fatalf("expected existing conversation %s, got %s (created=%v)", conv.ID, again.ID, created)
	}

	if _, _, err := s.AbandonConversation(ctx, conv.ID, model.StatusActive, time.Now()); err != nil {
		t.Fatalf("AbandonConversation: %v", err)
	}
	fresh, created, err := s.GetOrCreateConversation(ctx, "co-1", "user-1", model.ChannelWhatsApp, "bot-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created || fresh.ID == conv.ID {
		t.Fatal("a terminal conversation must not be reused")
	}
}

func TestAppendMessageRejectsDuplicateExternalID(t *testing.T) {
	s := New()
	ctx := context.Background()
	conv := newConversation(t, s)

	msg := &model.Message{ConversationID: conv.ID, Channel: model.ChannelWhatsApp, ExternalID: "wamid.1", Role: model.RoleUser, Content: "hi"}
	updated, err := s.AppendMessage(ctx, msg)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if updated.MessageCount != 1 || updated.TurnsSinceHuman != 1 {
		t.Fatalf("unexpected counters: %+v", updated)
	}

	dup := &model.Message{ConversationID: conv.ID, Channel: model.ChannelWhatsApp, ExternalID: "wamid.1", Role: model.RoleUser, Content: "hi"}
	if _, err := s.AppendMessage(ctx, dup); !errors.Is(err, store.ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}

	got, _ := s.GetConversation(ctx, conv.ID)
	if got.MessageCount != 1 {
		t.Fatalf("duplicate must not mutate the conversation, count=%d", got.MessageCount)
	}
}

func TestSetStatusCompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()
	conv := newConversation(t, s)

	if err := s.SetStatus(ctx, conv.ID, model.StatusWaitingHuman, model.StatusAbandoned); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	if err := s.SetStatus(ctx, conv.ID, model.StatusActive, model.StatusResolved); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := s.SetStatus(ctx, conv.ID, model.StatusActive, model.StatusWithHuman); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("with_human must only be entered by claiming, got %v", err)
	}
}

func TestOpenEscalationIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	conv := newConversation(t, s)

	first, created, err := s.OpenEscalation(ctx, &model.Escalation{ConversationID: conv.ID, Priority: model.PriorityHigh, Reason: "explicit request"})
	if err != nil || !created {
		t.Fatalf("first OpenEscalation: created=%v err=%v", created, err)
	}
	second, created, err := s.OpenEscalation(ctx, &model.Escalation{ConversationID: conv.ID, Priority: model.PriorityNormal})
	if err != nil {
		t.Fatalf("second OpenEscalation: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatal("second open must return the existing escalation")
	}

	got, _ := s.GetConversation(ctx, conv.ID)
	if got.Status != model.StatusWaitingHuman || got.AssignedUserID != nil {
		t.Fatalf("unexpected conversation state: %s assigned=%v", got.Status, got.AssignedUserID)
	}
}

func TestClaimEscalationSingleWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	conv := newConversation(t, s)
	esc, _, err := s.OpenEscalation(ctx, &model.Escalation{ConversationID: conv.ID, Priority: model.PriorityNormal})
	if err != nil {
		t.Fatalf("OpenEscalation: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, user := range []string{"agent-a", "agent-b", "agent-c", "agent-d"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, _, err := s.ClaimEscalation(ctx, esc.ID, user, time.Now())
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, store.ErrStateConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(user)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	got, _ := s.GetConversation(ctx, conv.ID)
	if got.Status != model.StatusWithHuman || got.AssignedUserID == nil {
		t.Fatalf("conversation should be claimed: %+v", got)
	}
}

func TestAssignRequiresCurrentHolder(t *testing.T) {
	s := New()
	ctx := context.Background()
	conv := newConversation(t, s)
	esc, _, _ := s.OpenEscalation(ctx, &model.Escalation{ConversationID: conv.ID})
	if _, _, err := s.ClaimEscalation(ctx, esc.ID, "agent-a", time.Now()); err != nil {
		t.Fatalf("ClaimEscalation: %v", err)
	}

	if err := s.Assign(ctx, conv.ID, "agent-a", "agent-b"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	// a no longer holds it, so a second move from a must lose.
	if err := s.Assign(ctx, conv.ID, "agent-a", "agent-c"); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}

	got, _ := s.GetConversation(ctx, conv.ID)
	if got.AssignedUserID == nil || *got.AssignedUserID != "agent-b" {
		t.Fatalf("assignee = %v, want agent-b", got.AssignedUserID)
	}
	gotEsc, _ := s.GetEscalation(ctx, esc.ID)
	if !gotEsc.AcceptedByUser("agent-b") {
		t.Fatalf("escalation holder = %v, want agent-b", gotEsc.AcceptedBy)
	}
}

func TestExternalIDIsScopedByCompany(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, company := range []string{"co-1", "co-2"} {
		conv, _, err := s.GetOrCreateConversation(ctx, company, "visitor-1", model.ChannelWeb, "bot-1")
		if err != nil {
			t.Fatalf("GetOrCreateConversation: %v", err)
		}
		msg := &model.Message{ConversationID: conv.ID, CompanyID: company, Channel: model.ChannelWeb,
			ExternalID: "msg-1", Role: model.RoleUser, Content: "hi"}
		if _, err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("%s: AppendMessage: %v", company, err)
		}
	}
}

func TestCloseEscalationReturnsToActive(t *testing.T) {
	s := New()
	ctx := context.Background()
	conv := newConversation(t, s)
	esc, _, _ := s.OpenEscalation(ctx, &model.Escalation{ConversationID: conv.ID})
	if _, _, err := s.ClaimEscalation(ctx, esc.ID, "agent-a", time.Now()); err != nil {
		t.Fatalf("ClaimEscalation: %v", err)
	}

	_, _, err := s.CloseEscalation(ctx, esc.ID, store.CloseParams{
		ExpectAcceptedBy: "agent-b",
		To:               model.EscalationReturned,
		ConversationTo:   model.StatusActive,
		At:               time.Now(),
	})
	if !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("non-holder must not close, got %v", err)
	}

	closed, updated, err := s.CloseEscalation(ctx, esc.ID, store.CloseParams{
		ExpectAcceptedBy: "agent-a",
		To:               model.EscalationReturned,
		ConversationTo:   model.StatusActive,
		At:               time.Now(),
	})
	if err != nil {
		t.Fatalf("CloseEscalation: %v", err)
	}
	if closed.Status != model.EscalationReturned || updated.Status != model.StatusActive || updated.AssignedUserID != nil {
		t.Fatalf("unexpected close result: esc=%s conv=%s assigned=%v", closed.Status, updated.Status, updated.AssignedUserID)
	}
	if _, err := s.GetOpenEscalation(ctx, conv.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no escalation should remain open, got %v", err)
	}
}

func TestAbandonClosesPendingEscalation(t *testing.T) {
	s := New()
	ctx := context.Background()
	conv := newConversation(t, s)
	esc, _, _ := s.OpenEscalation(ctx, &model.Escalation{ConversationID: conv.ID})

	updated, closed, err := s.AbandonConversation(ctx, conv.ID, model.StatusWaitingHuman, time.Now())
	if err != nil {
		t.Fatalf("AbandonConversation: %v", err)
	}
	if updated.Status != model.StatusAbandoned {
		t.Fatalf("expected abandoned, got %s", updated.Status)
	}
	if closed == nil || closed.ID != esc.ID || closed.Status != model.EscalationReturned {
		t.Fatalf("pending escalation should be returned: %+v", closed)
	}
	if _, _, err := s.AbandonConversation(ctx, conv.ID, model.StatusAbandoned, time.Now()); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("abandoned is terminal, got %v", err)
	}
}

func TestListIdleConversationsSkipsOpenEscalations(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewWithClock(func() time.Time { return now })
	ctx := context.Background()

	idle, _, _ := s.GetOrCreateConversation(ctx, "co-1", "idle", model.ChannelWeb, "bot")
	escalated, _, _ := s.GetOrCreateConversation(ctx, "co-1", "escalated", model.ChannelWeb, "bot")
	if _, _, err := s.OpenEscalation(ctx, &model.Escalation{ConversationID: escalated.ID}); err != nil {
		t.Fatalf("OpenEscalation: %v", err)
	}

	got, err := s.ListIdleConversations(ctx, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListIdleConversations: %v", err)
	}
	if len(got) != 1 || got[0].ID != idle.ID {
		t.Fatalf("expected only the idle conversation, got %+v", got)
	}
}
