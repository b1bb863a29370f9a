package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/store"
)

// openTestStore connects to TEST_POSTGRES_DSN and applies migrations.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	if err := MigrateUp(dsn); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	s, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClaimEscalationSingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	company := "co-" + uuid.NewString()

	conv, created, err := s.GetOrCreateConversation(ctx, company, "user-1", model.ChannelWhatsApp, "bot")
	if err != nil || !created {
		t.Fatalf("GetOrCreateConversation: created=%v err=%v", created, err)
	}
	esc, _, err := s.OpenEscalation(ctx, &model.Escalation{ConversationID: conv.ID, Trigger: model.TriggerExplicitRequest})
	if err != nil {
		t.Fatalf("OpenEscalation: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			if _, _, err := s.ClaimEscalation(ctx, esc.ID, user, time.Now()); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, store.ErrStateConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(uuid.NewString())
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestAppendMessageDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, _, err := s.GetOrCreateConversation(ctx, "co-"+uuid.NewString(), "user-1", model.ChannelTelegram, "bot")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	ext := uuid.NewString()
	msg := &model.Message{ConversationID: conv.ID, CompanyID: conv.CompanyID, Channel: model.ChannelTelegram, ExternalID: ext,
		Role: model.RoleUser, Direction: model.DirectionInbound, Content: "hi", ContentType: model.ContentText}
	if _, err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	dup := *msg
	dup.ID = ""
	if _, err := s.AppendMessage(ctx, &dup); !errors.Is(err, store.ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
}
