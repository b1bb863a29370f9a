// Package escalation implements the human escalation workflow: opening an
// escalation, accepting it under a capacity claim, resolving it, returning it
// to the automated agent and closing conversations.
//
// Each action claims capacity first, then runs one atomic store transition.
// When the transition fails the claim is released before the action returns.
package escalation

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/notify"
	"github.com/capitalize-ai/conversation-router/internal/policy"
	"github.com/capitalize-ai/conversation-router/internal/presence"
	"github.com/capitalize-ai/conversation-router/internal/store"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
	"github.com/capitalize-ai/conversation-router/pkg/metrics"
	"github.com/capitalize-ai/conversation-router/pkg/tracing"
)

const (
	releaseAttempts = 3
	releaseBackoff  = 50 * time.Millisecond

	ResolutionReturned  = "returned to automation"
	ResolutionAbandoned = "conversation abandoned"
)

// Workflow runs escalation actions.
type Workflow struct {
	store    store.Store
	presence presence.Registry
	notifier notify.Notifier
	logger   *logger.Logger
	now      func() time.Time
}

// NewWorkflow creates a workflow.
func NewWorkflow(s store.Store, p presence.Registry, n notify.Notifier, log *logger.Logger) *Workflow {
	return &Workflow{store: s, presence: p, notifier: n, logger: log, now: time.Now}
}

// Escalate opens an escalation for conv from a policy decision. When one is
// already open it is returned with created=false and nothing changes.
func (w *Workflow) Escalate(ctx context.Context, conv *model.Conversation, d policy.Decision) (*model.Escalation, bool, error) {
	ctx, span := tracing.Start(ctx, "escalation.Escalate",
		attribute.String("conversation_id", conv.ID),
		attribute.String("trigger", string(d.Trigger)),
	)
	var err error
	defer func() { tracing.End(span, err) }()

	esc, created, err := w.store.OpenEscalation(ctx, &model.Escalation{
		ConversationID: conv.ID,
		CompanyID:      conv.CompanyID,
		Priority:       d.Priority,
		Trigger:        d.Trigger,
		Reason:         d.Reason,
		CreatedAt:      w.now(),
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		return esc, false, nil
	}

	metrics.RecordEscalation(string(esc.Priority), string(esc.Trigger))
	w.logger.Info("escalation opened",
		zap.String("conversation_id", conv.ID),
		zap.String("escalation_id", esc.ID),
		zap.String("priority", string(esc.Priority)),
		zap.String("reason", esc.Reason),
	)

	event := notify.NewEvent(model.EventEscalationCreated, conv)
	event.Escalation = esc
	event.Reason = esc.Reason
	notify.Publish(ctx, w.notifier, w.logger, event)
	return esc, true, nil
}

// Accept claims the escalation for the actor.
func (w *Workflow) Accept(ctx context.Context, actor Actor, escalationID string) (res Result) {
	ctx, span := tracing.Start(ctx, "escalation.Accept",
		attribute.String("escalation_id", escalationID),
		attribute.String("user_id", actor.UserID),
	)
	defer func() { w.finish(span, "accept", res) }()

	esc, res, found := w.load(ctx, actor, escalationID)
	if !found {
		return res
	}

	switch esc.Status {
	case model.EscalationPending:
	case model.EscalationAccepted:
		if esc.AcceptedByUser(actor.UserID) {
			return w.current(ctx, esc)
		}
		return fail(CodeAlreadyAccepted, "this conversation was just claimed by someone else")
	default:
		return fail(CodeStateConflict, "escalation is already "+string(esc.Status))
	}

	claimed, err := w.presence.TryClaim(ctx, actor.CompanyID, actor.UserID)
	if err != nil {
		return w.internal("claim capacity", err)
	}
	metrics.RecordCapacityClaim(claimed)
	if !claimed {
		return fail(CodeCapacityExceeded, "you are at your concurrent chat limit or not available")
	}

	accepted, conv, err := w.store.ClaimEscalation(ctx, escalationID, actor.UserID, w.now())
	if err != nil {
		w.release(ctx, actor.CompanyID, actor.UserID)
		return w.afterLostClaim(ctx, actor, escalationID, err)
	}

	if accepted.AcceptedAt != nil {
		metrics.TimeToAccept.Observe(accepted.AcceptedAt.Sub(accepted.CreatedAt).Seconds())
	}
	w.logger.Info("escalation accepted",
		zap.String("escalation_id", escalationID),
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", actor.UserID),
	)
	event := notify.NewEvent(model.EventEscalationAccepted, conv)
	event.Escalation = accepted
	notify.Publish(ctx, w.notifier, w.logger, event)
	return ok(accepted, conv)
}

// afterLostClaim maps a failed claim transition to a result once capacity is released.
func (w *Workflow) afterLostClaim(ctx context.Context, actor Actor, escalationID string, err error) Result {
	if !errors.Is(err, store.ErrStateConflict) {
		if errors.Is(err, store.ErrNotFound) {
			return fail(CodeNotFound, "escalation not found")
		}
		return w.internal("claim escalation", err)
	}
	esc, getErr := w.store.GetEscalation(ctx, escalationID)
	if getErr != nil {
		return w.internal("reload escalation", getErr)
	}
	if esc.Status == model.EscalationAccepted {
		if esc.AcceptedByUser(actor.UserID) {
			// A concurrent identical call won; it holds the slot.
			return w.current(ctx, esc)
		}
		return fail(CodeAlreadyAccepted, "this conversation was just claimed by someone else")
	}
	return fail(CodeStateConflict, "escalation is "+string(esc.Status))
}

// ResolveRequest carries the resolve action's input.
type ResolveRequest struct {
	Resolution string
	ReturnToAI bool
}

// Resolve closes an accepted escalation. Any agent of the company may resolve;
// the acceptor's capacity slot is released.
func (w *Workflow) Resolve(ctx context.Context, actor Actor, escalationID string, req ResolveRequest) (res Result) {
	ctx, span := tracing.Start(ctx, "escalation.Resolve",
		attribute.String("escalation_id", escalationID),
		attribute.Bool("return_to_ai", req.ReturnToAI),
	)
	defer func() { w.finish(span, "resolve", res) }()

	resolution := strings.TrimSpace(req.Resolution)
	if resolution == "" {
		return fail(CodeResolutionRequired, "a resolution is required")
	}

	esc, res, found := w.load(ctx, actor, escalationID)
	if !found {
		return res
	}
	if w.alreadyClosed(esc, model.EscalationResolved, actor.UserID, resolution) {
		return w.current(ctx, esc)
	}
	if esc.Status != model.EscalationAccepted {
		return fail(CodeNotAccepted, "escalation is not accepted")
	}

	target := model.StatusResolved
	if req.ReturnToAI {
		target = model.StatusActive
	}
	closed, conv, err := w.store.CloseEscalation(ctx, escalationID, store.CloseParams{
		To:             model.EscalationResolved,
		ConversationTo: target,
		ResolvedBy:     actor.UserID,
		Resolution:     resolution,
		At:             w.now(),
	})
	if err != nil {
		return w.afterLostClose(ctx, actor, escalationID, model.EscalationResolved, resolution, err)
	}

	if closed.AcceptedBy != nil {
		w.release(ctx, actor.CompanyID, *closed.AcceptedBy)
	}
	w.logger.Info("escalation resolved",
		zap.String("escalation_id", escalationID),
		zap.String("conversation_id", conv.ID),
		zap.String("resolved_by", actor.UserID),
		zap.String("conversation_status", string(conv.Status)),
	)
	event := notify.NewEvent(model.EventEscalationResolved, conv)
	event.Escalation = closed
	event.Reason = resolution
	notify.Publish(ctx, w.notifier, w.logger, event)
	return ok(closed, conv)
}

// ReturnToAI hands the conversation back to the automated agent. Only the
// acceptor may do this.
func (w *Workflow) ReturnToAI(ctx context.Context, actor Actor, escalationID string) (res Result) {
	ctx, span := tracing.Start(ctx, "escalation.ReturnToAI",
		attribute.String("escalation_id", escalationID),
		attribute.String("user_id", actor.UserID),
	)
	defer func() { w.finish(span, "return_to_ai", res) }()

	esc, res, found := w.load(ctx, actor, escalationID)
	if !found {
		return res
	}
	if w.alreadyClosed(esc, model.EscalationReturned, actor.UserID, ResolutionReturned) {
		return w.current(ctx, esc)
	}
	if esc.Status != model.EscalationAccepted || !esc.AcceptedByUser(actor.UserID) {
		return fail(CodeNotAccepted, "you have not accepted this escalation")
	}

	closed, conv, err := w.store.CloseEscalation(ctx, escalationID, store.CloseParams{
		ExpectAcceptedBy: actor.UserID,
		To:               model.EscalationReturned,
		ConversationTo:   model.StatusActive,
		ResolvedBy:       actor.UserID,
		Resolution:       ResolutionReturned,
		At:               w.now(),
	})
	if err != nil {
		return w.afterLostClose(ctx, actor, escalationID, model.EscalationReturned, ResolutionReturned, err)
	}

	w.release(ctx, actor.CompanyID, actor.UserID)
	event := notify.NewEvent(model.EventEscalationReturned, conv)
	event.Escalation = closed
	notify.Publish(ctx, w.notifier, w.logger, event)
	return ok(closed, conv)
}

// alreadyClosed reports a repeat of an identical, already applied close.
func (w *Workflow) alreadyClosed(esc *model.Escalation, to model.EscalationStatus, userID, resolution string) bool {
	return esc.Status == to &&
		esc.ResolvedBy != nil && *esc.ResolvedBy == userID &&
		esc.Resolution == resolution
}

func (w *Workflow) afterLostClose(ctx context.Context, actor Actor, escalationID string, to model.EscalationStatus, resolution string, err error) Result {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fail(CodeNotFound, "escalation not found")
	case errors.Is(err, store.ErrInvalidTransition):
		return fail(CodeStateConflict, err.Error())
	case !errors.Is(err, store.ErrStateConflict):
		return w.internal("close escalation", err)
	}
	esc, getErr := w.store.GetEscalation(ctx, escalationID)
	if getErr != nil {
		return w.internal("reload escalation", getErr)
	}
	if w.alreadyClosed(esc, to, actor.UserID, resolution) {
		return w.current(ctx, esc)
	}
	return fail(CodeNotAccepted, "escalation is "+string(esc.Status))
}

// Transfer moves an accepted escalation from the actor to another agent.
// The target's slot is claimed first and the actor's slot released last.
func (w *Workflow) Transfer(ctx context.Context, actor Actor, escalationID, toUserID string) (res Result) {
	ctx, span := tracing.Start(ctx, "escalation.Transfer",
		attribute.String("escalation_id", escalationID),
		attribute.String("to_user_id", toUserID),
	)
	defer func() { w.finish(span, "transfer", res) }()

	esc, res, found := w.load(ctx, actor, escalationID)
	if !found {
		return res
	}
	if esc.Status == model.EscalationAccepted && esc.AcceptedByUser(toUserID) {
		return w.current(ctx, esc)
	}
	if esc.Status != model.EscalationAccepted || !esc.AcceptedByUser(actor.UserID) {
		return fail(CodeNotAccepted, "you have not accepted this escalation")
	}

	claimed, err := w.presence.TryClaim(ctx, actor.CompanyID, toUserID)
	if err != nil {
		return w.internal("claim capacity", err)
	}
	metrics.RecordCapacityClaim(claimed)
	if !claimed {
		return fail(CodeCapacityExceeded, "the target agent has no free capacity")
	}
	// The holder is re-checked by the store; a concurrent transfer or close may have won.
	if err := w.store.Assign(ctx, esc.ConversationID, actor.UserID, toUserID); err != nil {
		w.release(ctx, actor.CompanyID, toUserID)
		if errors.Is(err, store.ErrStateConflict) {
			return fail(CodeNotAccepted, "you no longer hold this escalation")
		}
		return w.internal("assign conversation", err)
	}
	w.release(ctx, actor.CompanyID, actor.UserID)

	result := w.current(ctx, &model.Escalation{ID: escalationID, ConversationID: esc.ConversationID})
	if result.Success {
		event := notify.NewEvent(model.EventEscalationAccepted, result.Conversation)
		event.Escalation = result.Escalation
		event.Reason = "transferred from " + actor.UserID
		notify.Publish(ctx, w.notifier, w.logger, event)
	}
	return result
}

// Close abandons a non-terminal conversation on explicit request, returning
// any open escalation and releasing its holder's capacity.
func (w *Workflow) Close(ctx context.Context, actor Actor, conversationID, reason string) (res Result) {
	ctx, span := tracing.Start(ctx, "escalation.Close", attribute.String("conversation_id", conversationID))
	defer func() { w.finish(span, "close", res) }()

	conv, err := w.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && conv.CompanyID != actor.CompanyID) {
		return fail(CodeNotFound, "conversation not found")
	}
	if err != nil {
		return w.internal("load conversation", err)
	}
	if reason == "" {
		reason = "closed by " + actor.UserID
	}
	return w.Abandon(ctx, conv, reason)
}

// Abandon moves conv from its current status to abandoned. It is shared by
// explicit closes and the abandonment sweep.
func (w *Workflow) Abandon(ctx context.Context, conv *model.Conversation, reason string) Result {
	switch conv.Status {
	case model.StatusAbandoned:
		return ok(nil, conv)
	case model.StatusResolved:
		return fail(CodeStateConflict, "conversation is already resolved")
	}

	updated, closed, err := w.store.AbandonConversation(ctx, conv.ID, conv.Status, w.now())
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return fail(CodeStateConflict, "conversation changed concurrently")
		}
		return w.internal("abandon conversation", err)
	}

	if closed != nil {
		if closed.AcceptedBy != nil {
			w.release(ctx, updated.CompanyID, *closed.AcceptedBy)
		}
		event := notify.NewEvent(model.EventEscalationReturned, updated)
		event.Escalation = closed
		event.Reason = ResolutionAbandoned
		notify.Publish(ctx, w.notifier, w.logger, event)
	}
	event := notify.NewEvent(model.EventConversationClosed, updated)
	event.Reason = reason
	notify.Publish(ctx, w.notifier, w.logger, event)
	return ok(closed, updated)
}

// RecordHumanReply stores a support agent reply on a conversation the actor holds
// and stamps the escalation's first response time.
func (w *Workflow) RecordHumanReply(ctx context.Context, actor Actor, conversationID, content string) (res Result) {
	ctx, span := tracing.Start(ctx, "escalation.RecordHumanReply", attribute.String("conversation_id", conversationID))
	defer func() { w.finish(span, "reply", res) }()

	conv, err := w.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && conv.CompanyID != actor.CompanyID) {
		return fail(CodeNotFound, "conversation not found")
	}
	if err != nil {
		return w.internal("load conversation", err)
	}
	if conv.Status != model.StatusWithHuman || conv.AssignedUserID == nil || *conv.AssignedUserID != actor.UserID {
		return fail(CodeNotAccepted, "conversation is not assigned to you")
	}

	now := w.now()
	msg := &model.Message{
		ConversationID: conv.ID,
		CompanyID:      conv.CompanyID,
		Channel:        conv.Channel,
		Role:           model.RoleHuman,
		Direction:      model.DirectionOutbound,
		AuthorID:       actor.UserID,
		Content:        content,
		ContentType:    model.ContentText,
		CreatedAt:      now,
	}
	if conv, err = w.store.AppendMessage(ctx, msg); err != nil {
		return w.internal("append reply", err)
	}
	if conv, err = w.store.UpdateSignals(ctx, conv.ID, store.SignalUpdate{ResetTurns: true}); err != nil {
		return w.internal("reset turns", err)
	}

	esc := w.markFirstResponse(ctx, conv.ID, now)

	event := notify.NewEvent(model.EventOutboundMessage, conv)
	event.Message = msg
	notify.Publish(ctx, w.notifier, w.logger, event)
	return ok(esc, conv)
}

// markFirstResponse stamps the open escalation once. Failures only log.
func (w *Workflow) markFirstResponse(ctx context.Context, conversationID string, at time.Time) *model.Escalation {
	esc, err := w.store.GetOpenEscalation(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("failed to load open escalation", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		return nil
	}
	if esc.FirstResponseAt != nil {
		return esc
	}
	if err := w.store.MarkFirstResponse(ctx, esc.ID, at); err != nil {
		w.logger.Warn("failed to record first response", zap.String("escalation_id", esc.ID), zap.Error(err))
		return esc
	}
	esc.FirstResponseAt = &at
	return esc
}

// AutoAssign offers a pending escalation to the best eligible teammates in turn.
// A failed result leaves the escalation pending.
func (w *Workflow) AutoAssign(ctx context.Context, esc *model.Escalation) Result {
	team, err := w.presence.ListTeam(ctx, esc.CompanyID)
	if err != nil {
		return w.internal("list team", err)
	}
	tried := make(map[string]bool)
	for {
		candidate := presence.SelectCandidate(team, tried)
		if candidate == nil {
			return fail(CodeCapacityExceeded, "no eligible support agent")
		}
		tried[candidate.UserID] = true

		res := w.Accept(ctx, Actor{CompanyID: esc.CompanyID, UserID: candidate.UserID}, esc.ID)
		if res.Code != CodeCapacityExceeded {
			return res
		}
	}
}

// load fetches the escalation and enforces company scoping.
func (w *Workflow) load(ctx context.Context, actor Actor, escalationID string) (*model.Escalation, Result, bool) {
	esc, err := w.store.GetEscalation(ctx, escalationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && esc.CompanyID != actor.CompanyID) {
		return nil, fail(CodeNotFound, "escalation not found"), false
	}
	if err != nil {
		return nil, w.internal("load escalation", err), false
	}
	return esc, Result{}, true
}

// current returns a successful result with fresh copies of esc and its conversation.
func (w *Workflow) current(ctx context.Context, esc *model.Escalation) Result {
	fresh, err := w.store.GetEscalation(ctx, esc.ID)
	if err != nil {
		return w.internal("reload escalation", err)
	}
	conv, err := w.store.GetConversation(ctx, esc.ConversationID)
	if err != nil {
		return w.internal("reload conversation", err)
	}
	return ok(fresh, conv)
}

// release returns a capacity slot. It must not be skipped, so it retries and
// ignores cancellation of the caller's context.
func (w *Workflow) release(ctx context.Context, companyID, userID string) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < releaseAttempts; attempt++ {
		if err = w.presence.Release(ctx, companyID, userID); err == nil {
			return
		}
		time.Sleep(releaseBackoff * time.Duration(attempt+1))
	}
	w.logger.Error("failed to release capacity slot",
		zap.String("company_id", companyID),
		zap.String("user_id", userID),
		zap.Error(err),
	)
}

func (w *Workflow) internal(op string, err error) Result {
	w.logger.Error("escalation workflow failure", zap.String("op", op), zap.Error(err))
	return fail(CodeInternal, "internal error")
}

func (w *Workflow) finish(span trace.Span, action string, res Result) {
	metrics.RecordWorkflowAction(action, string(res.Code))
	var err error
	if res.Code == CodeInternal {
		err = errors.New(res.Message)
	}
	tracing.End(span, err)
}
