package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
)

const (
	// StreamName is the name of the routing events stream.
	StreamName = "ROUTING"

	// SubjectPrefix is the prefix for all routing subjects.
	SubjectPrefix = "routing"
)

// EventStream publishes and tails routing events on JetStream.
type EventStream struct {
	client *Client
	logger *logger.Logger
}

// NewEventStream creates a new event stream.
func NewEventStream(client *Client, log *logger.Logger) *EventStream {
	return &EventStream{client: client, logger: log}
}

// EnsureStream ensures the routing stream exists with proper configuration.
func (s *EventStream) EnsureStream(ctx context.Context) error {
	js := s.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		Description: "Conversation routing and escalation events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(companyID, conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", SubjectPrefix, companyID, conversationID, eventType)
}

// CompanyFilter matches every event of a company.
func CompanyFilter(companyID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, companyID)
}

// Publish publishes an event. The event id doubles as the JetStream
// de-duplication id so a retried publish is stored once.
func (s *EventStream) Publish(ctx context.Context, event *model.ConversationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := s.client.JetStream().Publish(ctx,
		EventSubject(event.CompanyID, event.ConversationID, event.Type),
		data,
		jetstream.WithMsgID(event.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	event.Sequence = ack.Sequence
	return nil
}

// Subscribe tails new events of a company until ctx is done or the returned
// stop function is called.
func (s *EventStream) Subscribe(ctx context.Context, companyID string) (<-chan model.ConversationEvent, func(), error) {
	consumer, err := s.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{CompanyFilter(companyID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	out := make(chan model.ConversationEvent, 64)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event model.ConversationEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject()), zap.Error(err))
			return
		}
		if meta, err := msg.Metadata(); err == nil {
			event.Sequence = meta.Sequence.Stream
		}
		select {
		case out <- event:
		default:
			s.logger.Warn("event subscriber is slow, dropping event",
				zap.String("company_id", companyID), zap.String("event_id", event.ID))
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to consume: %w", err)
	}

	var once sync.Once
	stop := func() { once.Do(cc.Stop) }
	go func() {
		<-ctx.Done()
		stop()
	}()
	return out, stop, nil
}
