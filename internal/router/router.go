// Package router orchestrates inbound channel messages: it records them on the
// conversation, asks the escalation policy whether a human is needed and
// otherwise hands the turn to the automated agent.
//
// Work on one conversation is serialized by a lock keyed on the conversation
// identity (company, channel, end user). Different conversations run concurrently.
package router

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-router/internal/agent"
	"github.com/capitalize-ai/conversation-router/internal/channel"
	"github.com/capitalize-ai/conversation-router/internal/escalation"
	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/notify"
	"github.com/capitalize-ai/conversation-router/internal/policy"
	"github.com/capitalize-ai/conversation-router/internal/store"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
	"github.com/capitalize-ai/conversation-router/pkg/metrics"
	"github.com/capitalize-ai/conversation-router/pkg/tracing"
)

// Inbound results.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultEscalated = "escalated"
	ResultError     = "error"
)

// AgentQueue schedules automated agent turns.
type AgentQueue interface {
	Enqueue(job agent.Job) error
}

// Config tunes the router.
type Config struct {
	// AutoAssign offers new escalations to the best available support agent.
	AutoAssign bool
	// HistoryLimit is how many stored turns are handed to the automated agent.
	HistoryLimit int
}

// InboundResult reports what happened to one inbound message.
type InboundResult struct {
	ExternalID     string            `json:"external_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Result         string            `json:"result"`
	Escalation     *model.Escalation `json:"escalation,omitempty"`
}

// Router is the conversation router.
type Router struct {
	store    store.Store
	policy   *policy.Policy
	workflow *escalation.Workflow
	notifier notify.Notifier
	dedup    Deduper
	queue    AgentQueue
	locks    *keyedMutex
	cfg      Config
	logger   *logger.Logger
	now      func() time.Time
}

// New creates a router. queue may be nil, in which case no automated turns run.
func New(s store.Store, p *policy.Policy, wf *escalation.Workflow, n notify.Notifier, d Deduper, q AgentQueue, cfg Config, log *logger.Logger) *Router {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 30
	}
	return &Router{
		store:    s,
		policy:   p,
		workflow: wf,
		notifier: n,
		dedup:    d,
		queue:    q,
		locks:    newKeyedMutex(),
		cfg:      cfg,
		logger:   log,
		now:      time.Now,
	}
}

// HandleInbound records messages parsed from one webhook delivery. A non-nil
// error is an infrastructure failure; the provider should retry the delivery.
func (r *Router) HandleInbound(ctx context.Context, b channel.Binding, msgs []*model.InboundMessage) ([]InboundResult, error) {
	results := make([]InboundResult, 0, len(msgs))
	for _, msg := range msgs {
		res, err := r.handleOne(ctx, b, msg)
		metrics.RecordInbound(string(b.Channel), res.Result)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Router) handleOne(ctx context.Context, b channel.Binding, msg *model.InboundMessage) (res InboundResult, err error) {
	ctx, span := tracing.Start(ctx, "router.HandleInbound",
		attribute.String("channel", string(b.Channel)),
		attribute.String("company_id", b.CompanyID),
	)
	defer func() { tracing.End(span, err) }()

	res = InboundResult{ExternalID: msg.ExternalID, Result: ResultError}

	// External ids are only unique per provider account, so the key is scoped by company.
	dedupKey := b.CompanyID + ":" + string(b.Channel) + ":" + msg.ExternalID
	reserved := false
	if msg.ExternalID != "" && r.dedup != nil {
		fresh, derr := r.dedup.Reserve(ctx, dedupKey)
		switch {
		case derr != nil:
			// The store's unique (company, channel, external id) still rejects replays.
			r.logger.Warn("dedup unavailable", zap.String("key", dedupKey), zap.Error(derr))
		case !fresh:
			res.Result = ResultDuplicate
			return res, nil
		default:
			reserved = true
		}
	}

	unlock := r.locks.Lock(model.ConversationKey(b.CompanyID, b.Channel, msg.SenderID))
	defer unlock()

	res, err = r.ingest(ctx, b, msg)
	if err != nil && reserved {
		if rerr := r.dedup.Release(context.WithoutCancel(ctx), dedupKey); rerr != nil {
			r.logger.Warn("failed to release dedup reservation", zap.String("key", dedupKey), zap.Error(rerr))
		}
	}
	return res, err
}

func (r *Router) ingest(ctx context.Context, b channel.Binding, msg *model.InboundMessage) (InboundResult, error) {
	res := InboundResult{ExternalID: msg.ExternalID, Result: ResultError}

	conv, created, err := r.store.GetOrCreateConversation(ctx, b.CompanyID, msg.SenderID, b.Channel, b.AgentID)
	if err != nil {
		return res, err
	}
	res.ConversationID = conv.ID
	log := r.logger.WithConversation(conv.CompanyID, conv.ID)

	createdAt := msg.Timestamp
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	stored := &model.Message{
		ConversationID: conv.ID,
		CompanyID:      conv.CompanyID,
		Channel:        conv.Channel,
		ExternalID:     msg.ExternalID,
		Role:           model.RoleUser,
		Direction:      model.DirectionInbound,
		AuthorID:       msg.SenderID,
		Content:        msg.Content,
		ContentType:    msg.ContentType,
		Attachments:    msg.Attachments,
		ReplyToID:      msg.ReplyToID,
		CreatedAt:      createdAt,
	}
	conv, err = r.store.AppendMessage(ctx, stored)
	if errors.Is(err, store.ErrDuplicateMessage) {
		res.Result = ResultDuplicate
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Result = ResultAccepted

	r.publishMessage(ctx, model.EventInboundMessage, conv, stored)

	// Only active conversations are driven by the automated agent.
	if conv.Status != model.StatusActive {
		return res, nil
	}

	d := r.policy.Evaluate(conv, stored, policy.AgentSignal{})
	conv = r.saveSignals(ctx, conv, d)
	if d.Escalate {
		if esc := r.escalate(ctx, conv, d); esc != nil {
			res.Result = ResultEscalated
			res.Escalation = esc
		}
		return res, nil
	}

	r.dispatch(ctx, conv, stored, created)
	log.Debug("inbound message routed", zap.String("external_id", msg.ExternalID))
	return res, nil
}

// HandleAgentOutcome records the result of an automated agent turn.
func (r *Router) HandleAgentOutcome(ctx context.Context, o agent.Outcome) (err error) {
	ctx, span := tracing.Start(ctx, "router.HandleAgentOutcome",
		attribute.String("conversation_id", o.Job.ConversationID),
		attribute.Bool("failed", o.Failed),
	)
	defer func() { tracing.End(span, err) }()

	conv, err := r.store.GetConversation(ctx, o.Job.ConversationID)
	if err != nil {
		return err
	}
	unlock := r.locks.Lock(conv.Key())
	defer unlock()

	// Reload under the lock; a human may have taken over meanwhile.
	if conv, err = r.store.GetConversation(ctx, conv.ID); err != nil {
		return err
	}
	log := r.logger.WithConversation(conv.CompanyID, conv.ID)
	if conv.Status != model.StatusActive {
		log.Info("discarding automated reply", zap.String("status", string(conv.Status)))
		return nil
	}

	if o.Greeting != "" {
		if conv, err = r.appendAssistant(ctx, conv, o.Greeting); err != nil {
			return err
		}
	}

	var latest *model.Message
	if o.Reply != "" {
		latest = &model.Message{
			ConversationID: conv.ID,
			CompanyID:      conv.CompanyID,
			Channel:        conv.Channel,
			Role:           model.RoleAssistant,
			Direction:      model.DirectionOutbound,
			AuthorID:       conv.AgentID,
			Content:        o.Reply,
			ContentType:    model.ContentText,
			CreatedAt:      r.now(),
		}
		if conv, err = r.store.AppendMessage(ctx, latest); err != nil {
			return err
		}
		r.publishMessage(ctx, model.EventOutboundMessage, conv, latest)
	}

	if o.Failed {
		log.Warn("automated agent turn failed",
			zap.String("reason", o.Reason),
			zap.Bool("retryable", o.Retryable),
		)
		event := notify.NewEvent(model.EventAgentError, conv)
		event.Reason = o.Reason
		notify.Publish(ctx, r.notifier, r.logger, event)
	}

	d := r.policy.Evaluate(conv, latest, policy.AgentSignal{
		CannotHelp: o.CannotHelp,
		Failed:     o.Failed,
		Reason:     o.Reason,
	})
	conv = r.saveSignals(ctx, conv, d)
	if d.Escalate {
		r.escalate(ctx, conv, d)
	}
	return nil
}

func (r *Router) appendAssistant(ctx context.Context, conv *model.Conversation, content string) (*model.Conversation, error) {
	msg := &model.Message{
		ConversationID: conv.ID,
		CompanyID:      conv.CompanyID,
		Channel:        conv.Channel,
		Role:           model.RoleAssistant,
		Direction:      model.DirectionOutbound,
		AuthorID:       conv.AgentID,
		Content:        content,
		ContentType:    model.ContentText,
		CreatedAt:      r.now(),
	}
	updated, err := r.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	r.publishMessage(ctx, model.EventOutboundMessage, updated, msg)
	return updated, nil
}

// RecordHumanReply stores a support agent reply under the conversation lock.
func (r *Router) RecordHumanReply(ctx context.Context, actor escalation.Actor, conversationID, content string) escalation.Result {
	unlock, res, ok := r.lockConversation(ctx, actor, conversationID)
	if !ok {
		return res
	}
	defer unlock()
	return r.workflow.RecordHumanReply(ctx, actor, conversationID, content)
}

// Close abandons a conversation on a support agent's request.
func (r *Router) Close(ctx context.Context, actor escalation.Actor, conversationID, reason string) escalation.Result {
	unlock, res, ok := r.lockConversation(ctx, actor, conversationID)
	if !ok {
		return res
	}
	defer unlock()
	return r.workflow.Close(ctx, actor, conversationID, reason)
}

func (r *Router) lockConversation(ctx context.Context, actor escalation.Actor, conversationID string) (func(), escalation.Result, bool) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && conv.CompanyID != actor.CompanyID) {
		return nil, escalation.Result{Code: escalation.CodeNotFound, Message: "conversation not found"}, false
	}
	if err != nil {
		r.logger.Error("failed to load conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, escalation.Result{Code: escalation.CodeInternal, Message: "internal error"}, false
	}
	return r.locks.Lock(conv.Key()), escalation.Result{}, true
}

// abandonIf abandons the conversation when it is still in the expected status
// and check passes under the lock. It is used by the sweeper.
func (r *Router) abandonIf(ctx context.Context, conversationID string, expected model.ConversationStatus, reason string, check func(*model.Conversation) bool) (bool, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	unlock := r.locks.Lock(conv.Key())
	defer unlock()

	if conv, err = r.store.GetConversation(ctx, conversationID); err != nil {
		return false, err
	}
	if conv.Status != expected || (check != nil && !check(conv)) {
		return false, nil
	}
	res := r.workflow.Abandon(ctx, conv, reason)
	switch res.Code {
	case "":
		return true, nil
	case escalation.CodeStateConflict:
		return false, nil
	default:
		return false, errors.New(res.Message)
	}
}

func (r *Router) escalate(ctx context.Context, conv *model.Conversation, d policy.Decision) *model.Escalation {
	esc, created, err := r.workflow.Escalate(ctx, conv, d)
	if err != nil {
		// The message is already stored; failing the webhook would only replay a duplicate.
		r.logger.Error("failed to open escalation",
			zap.String("conversation_id", conv.ID),
			zap.String("reason", d.Reason),
			zap.Error(err),
		)
		return nil
	}
	if created && r.cfg.AutoAssign {
		res := r.workflow.AutoAssign(ctx, esc)
		if res.Success {
			return res.Escalation
		}
		r.logger.Info("auto-assignment left escalation pending",
			zap.String("escalation_id", esc.ID),
			zap.String("code", string(res.Code)),
		)
	}
	return esc
}

func (r *Router) dispatch(ctx context.Context, conv *model.Conversation, msg *model.Message, newSession bool) {
	if r.queue == nil {
		return
	}
	history, err := r.store.ListMessages(ctx, conv.ID, r.cfg.HistoryLimit)
	if err != nil {
		r.logger.Warn("failed to load history", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	err = r.queue.Enqueue(agent.Job{
		CompanyID:      conv.CompanyID,
		ConversationID: conv.ID,
		AgentID:        conv.AgentID,
		Channel:        conv.Channel,
		Message:        msg.Content,
		History:        history,
		NewSession:     newSession,
	})
	if err != nil {
		r.logger.Warn("failed to dispatch automated turn", zap.String("conversation_id", conv.ID), zap.Error(err))
		event := notify.NewEvent(model.EventAgentError, conv)
		event.Reason = err.Error()
		notify.Publish(ctx, r.notifier, r.logger, event)
	}
}

func (r *Router) saveSignals(ctx context.Context, conv *model.Conversation, d policy.Decision) *model.Conversation {
	if d.Sentiment == conv.Sentiment && d.AgentFailures == conv.AgentFailures {
		return conv
	}
	updated, err := r.store.UpdateSignals(ctx, conv.ID, store.SignalUpdate{
		Sentiment:     &d.Sentiment,
		AgentFailures: &d.AgentFailures,
	})
	if err != nil {
		r.logger.Warn("failed to save conversation signals", zap.String("conversation_id", conv.ID), zap.Error(err))
		return conv
	}
	return updated
}

func (r *Router) publishMessage(ctx context.Context, t model.EventType, conv *model.Conversation, msg *model.Message) {
	event := notify.NewEvent(t, conv)
	event.Message = msg
	notify.Publish(ctx, r.notifier, r.logger, event)
}
