// Package notify fans routing events out to support agents and delivery workers.
//
// Notification is best effort: the escalation workflow logs publish failures
// and carries on.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
	"github.com/capitalize-ai/conversation-router/pkg/metrics"
)

// Notifier publishes routing events.
type Notifier interface {
	Publish(ctx context.Context, event *model.ConversationEvent) error
}

// Subscriber tails events of one company.
type Subscriber interface {
	Subscribe(ctx context.Context, companyID string) (<-chan model.ConversationEvent, func(), error)
}

// NewEvent builds an event envelope for conv.
func NewEvent(t model.EventType, conv *model.Conversation) *model.ConversationEvent {
	return &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		CompanyID:      conv.CompanyID,
		Channel:        conv.Channel,
		Type:           t,
		CreatedAt:      time.Now().UTC(),
	}
}

// Publish sends event and logs, never returns, a failure.
func Publish(ctx context.Context, n Notifier, log *logger.Logger, event *model.ConversationEvent) {
	if n == nil {
		return
	}
	if err := n.Publish(ctx, event); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(event.Type), "error").Inc()
		log.Warn("failed to publish routing event",
			zap.String("type", string(event.Type)),
			zap.String("conversation_id", event.ConversationID),
			zap.Error(err),
		)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type), "ok").Inc()
}

// LogNotifier only logs events. Used when no broker is configured.
type LogNotifier struct {
	logger *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log}
}

func (n *LogNotifier) Publish(ctx context.Context, event *model.ConversationEvent) error {
	n.logger.Info("routing event",
		zap.String("type", string(event.Type)),
		zap.String("company_id", event.CompanyID),
		zap.String("conversation_id", event.ConversationID),
		zap.String("reason", event.Reason),
	)
	return nil
}

// Multi publishes to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, event *model.ConversationEvent) error {
	var first error
	for _, n := range m {
		if err := n.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
