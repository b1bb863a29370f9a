package notify

import (
	"context"
	"testing"
	"time"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

func TestBusDeliversPerCompany(t *testing.T) {
	bus := NewBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acme, stop, err := bus.Subscribe(ctx, "acme")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()
	other, _, _ := bus.Subscribe(ctx, "other")

	conv := &model.Conversation{ID: "c1", CompanyID: "acme", Channel: model.ChannelWeb}
	if err := bus.Publish(ctx, NewEvent(model.EventEscalationCreated, conv)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-acme:
		if ev.Type != model.EventEscalationCreated || ev.ConversationID != "c1" || ev.Sequence == 0 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}

	select {
	case ev := <-other:
		t.Fatalf("other company must not see acme events: %+v", ev)
	default:
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	ctx := context.Background()
	ch, stop, _ := bus.Subscribe(ctx, "acme")
	defer stop()

	conv := &model.Conversation{ID: "c1", CompanyID: "acme"}
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, NewEvent(model.EventInboundMessage, conv)); err != nil {
			t.Fatalf("Publish must not block or fail: %v", err)
		}
	}
	if len(ch) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(ch))
	}
}
