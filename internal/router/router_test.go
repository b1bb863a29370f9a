package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/conversation-router/internal/agent"
	"github.com/capitalize-ai/conversation-router/internal/channel"
	"github.com/capitalize-ai/conversation-router/internal/escalation"
	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/notify"
	"github.com/capitalize-ai/conversation-router/internal/policy"
	"github.com/capitalize-ai/conversation-router/internal/presence"
	"github.com/capitalize-ai/conversation-router/internal/store"
	"github.com/capitalize-ai/conversation-router/internal/store/memory"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
)

var binding = channel.Binding{ID: "ig-main", Channel: model.ChannelInstagram, CompanyID: "co-1", AgentID: "bot-1"}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []agent.Job
	err  error
}

func (q *fakeQueue) Enqueue(job agent.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type fixture struct {
	store    store.Store
	presence *presence.MemoryRegistry
	events   *notify.Recorder
	queue    *fakeQueue
	workflow *escalation.Workflow
	router   *Router
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memory.New(), cfg)
}

func newFixtureWithStore(t *testing.T, s store.Store, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:    s,
		presence: presence.NewMemoryRegistry(nil),
		events:   &notify.Recorder{},
		queue:    &fakeQueue{},
	}
	log := logger.NewNop()
	f.workflow = escalation.NewWorkflow(f.store, f.presence, f.events, log)
	f.router = New(f.store, policy.New(policy.DefaultConfig()), f.workflow, f.events, NewMemoryDeduper(time.Hour), f.queue, cfg, log)
	return f
}

func inbound(sender, externalID, content string) *model.InboundMessage {
	return &model.InboundMessage{
		SenderID:    sender,
		ExternalID:  externalID,
		Content:     content,
		ContentType: model.ContentText,
		Timestamp:   time.Now(),
	}
}

func (f *fixture) send(t *testing.T, msgs ...*model.InboundMessage) []InboundResult {
	t.Helper()
	res, err := f.router.HandleInbound(context.Background(), binding, msgs)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	return res
}

func TestInboundCreatesConversationAndDispatches(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.send(t, inbound("u1", "mid.1", "Hi, where is my order?"))

	if len(res) != 1 || res[0].Result != ResultAccepted || res[0].ConversationID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	conv, err := f.store.GetConversation(context.Background(), res[0].ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != model.StatusActive || conv.MessageCount != 1 || conv.AgentID != "bot-1" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if f.queue.count() != 1 {
		t.Fatalf("expected one dispatched turn, got %d", f.queue.count())
	}
	job := f.queue.jobs[0]
	if !job.NewSession || job.Message != "Hi, where is my order?" || len(job.History) != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestInboundDuplicateIsIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	f.send(t, inbound("u1", "mid.1", "hello"))
	res := f.send(t, inbound("u1", "mid.1", "hello"))

	if res[0].Result != ResultDuplicate {
		t.Fatalf("expected duplicate, got %+v", res[0])
	}
	if f.queue.count() != 1 {
		t.Fatalf("a replay must not dispatch again, got %d jobs", f.queue.count())
	}
}

func TestInboundDuplicateCaughtByStoreWithoutDedup(t *testing.T) {
	f := newFixture(t, Config{})
	f.router.dedup = nil
	f.send(t, inbound("u1", "mid.1", "hello"))
	res := f.send(t, inbound("u1", "mid.1", "hello"))
	if res[0].Result != ResultDuplicate {
		t.Fatalf("expected duplicate from the store, got %+v", res[0])
	}
}

func TestSameExternalIDAcrossCompanies(t *testing.T) {
	f := newFixture(t, Config{})
	other := channel.Binding{ID: "ig-other", Channel: binding.Channel, CompanyID: "co-2", AgentID: "bot-2"}

	f.send(t, inbound("u1", "mid.1", "hello"))
	res, err := f.router.HandleInbound(context.Background(), other, []*model.InboundMessage{inbound("u1", "mid.1", "hello")})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if res[0].Result != ResultAccepted {
		t.Fatalf("another company's message was treated as %q", res[0].Result)
	}
	if f.queue.count() != 2 {
		t.Fatalf("expected 2 dispatched turns, got %d", f.queue.count())
	}
}

func TestExplicitRequestEscalates(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.send(t, inbound("u1", "mid.1", "I want to talk to a human"))

	if res[0].Result != ResultEscalated || res[0].Escalation == nil {
		t.Fatalf("expected escalation, got %+v", res[0])
	}
	if res[0].Escalation.Priority != model.PriorityHigh || res[0].Escalation.Trigger != model.TriggerExplicitRequest {
		t.Fatalf("unexpected escalation: %+v", res[0].Escalation)
	}
	if f.queue.count() != 0 {
		t.Fatal("escalated turns must not be sent to the automated agent")
	}

	// Follow-ups while waiting for a human are stored but not dispatched.
	res = f.send(t, inbound("u1", "mid.2", "hello?"))
	if res[0].Result != ResultAccepted || f.queue.count() != 0 {
		t.Fatalf("unexpected follow-up handling: %+v jobs=%d", res[0], f.queue.count())
	}
	conv, _ := f.store.GetConversation(context.Background(), res[0].ConversationID)
	if conv.Status != model.StatusWaitingHuman || conv.MessageCount != 2 {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
}

func TestAutoAssign(t *testing.T) {
	f := newFixture(t, Config{AutoAssign: true})
	maxChats := 3
	f.presence.SetStatus(context.Background(), "co-1", "agent-a", model.PresenceOnline, &maxChats)

	res := f.send(t, inbound("u1", "mid.1", "get me a real person please"))
	esc := res[0].Escalation
	if esc == nil || esc.Status != model.EscalationAccepted || !esc.AcceptedByUser("agent-a") {
		t.Fatalf("expected auto-assignment to agent-a, got %+v", esc)
	}
	p, _ := f.presence.GetStatus(context.Background(), "co-1", "agent-a")
	if p.CurrentChatCount != 1 {
		t.Fatalf("expected one claimed slot, got %d", p.CurrentChatCount)
	}
}

func TestConcurrentInboundSameUser(t *testing.T) {
	f := newFixture(t, Config{})
	const n = 20

	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.router.HandleInbound(context.Background(), binding,
				[]*model.InboundMessage{inbound("u1", fmt.Sprintf("mid.%d", i), "order status")})
			if err != nil {
				t.Errorf("HandleInbound: %v", err)
				return
			}
			ids[i] = res[0].ConversationID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("all messages must land in one conversation, got %s and %s", ids[0], id)
		}
	}
	conv, _ := f.store.GetConversation(context.Background(), ids[0])
	if conv.MessageCount != n {
		t.Fatalf("expected %d messages, got %d", n, conv.MessageCount)
	}
	if size := f.router.locks.size(); size != 0 {
		t.Fatalf("lock entries must be released, %d left", size)
	}
}

// flakyStore fails the first AppendMessage.
type flakyStore struct {
	store.Store
	mu     sync.Mutex
	failed bool
}

func (s *flakyStore) AppendMessage(ctx context.Context, msg *model.Message) (*model.Conversation, error) {
	s.mu.Lock()
	if !s.failed {
		s.failed = true
		s.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Store.AppendMessage(ctx, msg)
}

func TestInboundFailureAllowsRetry(t *testing.T) {
	f := newFixtureWithStore(t, &flakyStore{Store: memory.New()}, Config{})

	_, err := f.router.HandleInbound(context.Background(), binding, []*model.InboundMessage{inbound("u1", "mid.1", "hi")})
	if err == nil {
		t.Fatal("expected the store failure to surface")
	}
	res := f.send(t, inbound("u1", "mid.1", "hi"))
	if res[0].Result != ResultAccepted {
		t.Fatalf("provider retry must be processed, got %+v", res[0])
	}
}

func TestAgentOutcomeReply(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.send(t, inbound("u1", "mid.1", "hours?"))
	job := f.queue.jobs[0]

	err := f.router.HandleAgentOutcome(context.Background(), agent.Outcome{Job: job, Greeting: "Hi!", Reply: "We open at 9."})
	if err != nil {
		t.Fatalf("HandleAgentOutcome: %v", err)
	}
	msgs, _ := f.store.ListMessages(context.Background(), res[0].ConversationID, 10)
	if len(msgs) != 3 || msgs[1].Content != "Hi!" || msgs[2].Role != model.RoleAssistant || msgs[2].Direction != model.DirectionOutbound {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	outbound := 0
	for _, ev := range f.events.Events() {
		if ev.Type == model.EventOutboundMessage {
			outbound++
		}
	}
	if outbound != 2 {
		t.Fatalf("expected 2 outbound events for delivery, got %d", outbound)
	}
}

func TestAgentFailureEscalates(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.send(t, inbound("u1", "mid.1", "hours?"))
	job := f.queue.jobs[0]
	ctx := context.Background()
	convID := res[0].ConversationID

	failed := agent.Outcome{Job: job, Failed: true, Reason: "invalid request (400)"}
	if err := f.router.HandleAgentOutcome(ctx, failed); err != nil {
		t.Fatalf("first outcome: %v", err)
	}
	esc, err := f.store.GetOpenEscalation(ctx, convID)
	if err != nil {
		t.Fatalf("a failed turn must escalate: %v", err)
	}
	if esc.Priority != model.PriorityNormal || esc.Trigger != model.TriggerAgentFailure {
		t.Fatalf("unexpected escalation: %+v", esc)
	}

	// Hand the conversation back; the next failure is the second in a row.
	maxChats := 5
	if _, err := f.presence.SetStatus(ctx, binding.CompanyID, "agent-a", model.PresenceOnline, &maxChats); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	actor := escalation.Actor{CompanyID: binding.CompanyID, UserID: "agent-a"}
	if r := f.workflow.Accept(ctx, actor, esc.ID); !r.Success {
		t.Fatalf("Accept: %+v", r)
	}
	if r := f.workflow.ReturnToAI(ctx, actor, esc.ID); !r.Success {
		t.Fatalf("ReturnToAI: %+v", r)
	}

	if err := f.router.HandleAgentOutcome(ctx, failed); err != nil {
		t.Fatalf("second outcome: %v", err)
	}
	esc, err = f.store.GetOpenEscalation(ctx, convID)
	if err != nil {
		t.Fatalf("expected a second escalation: %v", err)
	}
	if esc.Priority != model.PriorityUrgent || esc.Trigger != model.TriggerAgentFailure {
		t.Fatalf("unexpected escalation: %+v", esc)
	}
}

func TestAgentHandoffEscalates(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.send(t, inbound("u1", "mid.1", "cancel my contract"))
	ctx := context.Background()

	if err := f.router.HandleAgentOutcome(ctx, agent.Outcome{Job: f.queue.jobs[0], CannotHelp: true, Reason: "contract changes"}); err != nil {
		t.Fatalf("HandleAgentOutcome: %v", err)
	}
	esc, err := f.store.GetOpenEscalation(ctx, res[0].ConversationID)
	if err != nil {
		t.Fatalf("expected an escalation: %v", err)
	}
	if esc.Trigger != model.TriggerAgentHandoff || esc.Priority != model.PriorityNormal {
		t.Fatalf("unexpected escalation: %+v", esc)
	}
}

func TestAgentReplyDiscardedAfterHandover(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.send(t, inbound("u1", "mid.1", "hours?"))
	job := f.queue.jobs[0]
	f.send(t, inbound("u1", "mid.2", "actually let me speak to a human"))

	if err := f.router.HandleAgentOutcome(ctx, agent.Outcome{Job: job, Reply: "We open at 9."}); err != nil {
		t.Fatalf("HandleAgentOutcome: %v", err)
	}
	msgs, _ := f.store.ListMessages(ctx, job.ConversationID, 10)
	for _, m := range msgs {
		if m.Role == model.RoleAssistant {
			t.Fatal("a late automated reply must not be stored once a human is involved")
		}
	}
}

func TestQueueFullPublishesAgentError(t *testing.T) {
	f := newFixture(t, Config{})
	f.queue.err = agent.ErrQueueFull
	f.send(t, inbound("u1", "mid.1", "hi"))

	types := f.events.Types()
	if types[len(types)-1] != model.EventAgentError {
		t.Fatalf("expected agent_error, got %v", types)
	}
}

func TestHumanReplyAndClose(t *testing.T) {
	f := newFixture(t, Config{AutoAssign: true})
	ctx := context.Background()
	maxChats := 2
	f.presence.SetStatus(ctx, "co-1", "agent-a", model.PresenceOnline, &maxChats)
	res := f.send(t, inbound("u1", "mid.1", "human please"))
	convID := res[0].ConversationID
	actor := escalation.Actor{CompanyID: "co-1", UserID: "agent-a"}

	if r := f.router.RecordHumanReply(ctx, actor, convID, "Hi, I'm Ana."); !r.Success {
		t.Fatalf("RecordHumanReply: %+v", r)
	}
	if r := f.router.RecordHumanReply(ctx, escalation.Actor{CompanyID: "co-2", UserID: "agent-a"}, convID, "x"); r.Code != escalation.CodeNotFound {
		t.Fatalf("other company must get not_found, got %+v", r)
	}
	if r := f.router.Close(ctx, actor, convID, "customer left"); !r.Success {
		t.Fatalf("Close: %+v", r)
	}
	p, _ := f.presence.GetStatus(ctx, "co-1", "agent-a")
	if p.CurrentChatCount != 0 {
		t.Fatalf("close must release the slot, got %d", p.CurrentChatCount)
	}
}

func TestKeyedMutexSerializes(t *testing.T) {
	k := newKeyedMutex()
	var mu sync.Mutex
	inside := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("conv")
			defer unlock()
			mu.Lock()
			inside++
			if inside != 1 {
				t.Errorf("two holders inside the critical section")
			}
			mu.Unlock()
			time.Sleep(time.Microsecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if k.size() != 0 {
		t.Fatalf("expected no entries left, got %d", k.size())
	}
}

func TestMemoryDeduperTTL(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := d.Reserve(ctx, "k"); !ok {
		t.Fatal("first reserve must succeed")
	}
	if ok, _ := d.Reserve(ctx, "k"); ok {
		t.Fatal("second reserve within TTL must fail")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := d.Reserve(ctx, "k"); !ok {
		t.Fatal("reserve after TTL must succeed")
	}
	d.Release(ctx, "k")
	if ok, _ := d.Reserve(ctx, "k"); !ok {
		t.Fatal("reserve after release must succeed")
	}
}
