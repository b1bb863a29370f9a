package nats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/notify"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
)

func TestSubjects(t *testing.T) {
	got := EventSubject("co-1", "conv-9", model.EventEscalationCreated)
	if want := "routing.co-1.conv-9.event.escalation_created"; got != want {
		t.Errorf("EventSubject = %q, want %q", got, want)
	}
	if got := CompanyFilter("co-1"); got != "routing.co-1.>" {
		t.Errorf("CompanyFilter = %q", got)
	}
}

func TestConnectRequiresURL(t *testing.T) {
	if _, err := Connect(context.Background(), Config{}, logger.NewNop()); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestEventStreamRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, Config{URL: url, Name: "stream-test"}, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	es := NewEventStream(client, logger.NewNop())
	if err := es.EnsureStream(ctx); err != nil {
		t.Fatal(err)
	}

	company := "co-" + uuid.NewString()
	events, stop, err := es.Subscribe(ctx, company)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	other := notify.NewEvent(model.EventAgentError, &model.Conversation{ID: "c-0", CompanyID: "co-other"})
	if err := es.Publish(ctx, other); err != nil {
		t.Fatal(err)
	}
	ev := notify.NewEvent(model.EventEscalationCreated, &model.Conversation{ID: "c-1", CompanyID: company})
	if err := es.Publish(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if ev.Sequence == 0 {
		t.Error("publish did not record the stream sequence")
	}

	select {
	case got := <-events:
		if got.ID != ev.ID || got.Type != model.EventEscalationCreated {
			t.Errorf("got %+v, want event %s", got, ev.ID)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
