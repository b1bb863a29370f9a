package policy

import (
	"testing"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

func userMsg(s string) *model.Message {
	return &model.Message{Role: model.RoleUser, Content: s}
}

func TestEvaluate(t *testing.T) {
	p := New(Config{
		SentimentThreshold:   -0.3,
		SentimentAlpha:       1,
		MaxTurns:             5,
		RepeatedFailureCount: 2,
		ExplicitPhrases:      []string{"human", "real person"},
	})

	tests := []struct {
		name     string
		conv     model.Conversation
		latest   *model.Message
		signal   AgentSignal
		escalate bool
		priority model.Priority
		trigger  model.Trigger
	}{
		{
			name:     "explicit request",
			conv:     model.Conversation{Status: model.StatusActive},
			latest:   userMsg("Can I talk to a real person please?"),
			escalate: true,
			priority: model.PriorityHigh,
			trigger:  model.TriggerExplicitRequest,
		},
		{
			name:   "phrase inside another word",
			conv:   model.Conversation{Status: model.StatusActive},
			latest: userMsg("humanity is great"),
		},
		{
			name:     "negative sentiment",
			conv:     model.Conversation{Status: model.StatusActive},
			latest:   userMsg("this is terrible and useless"),
			escalate: true,
			priority: model.PriorityNormal,
			trigger:  model.TriggerSentiment,
		},
		{
			name:     "turn limit",
			conv:     model.Conversation{Status: model.StatusActive, TurnsSinceHuman: 6},
			latest:   userMsg("ok"),
			escalate: true,
			priority: model.PriorityNormal,
			trigger:  model.TriggerTurnLimit,
		},
		{
			name:     "single failure",
			conv:     model.Conversation{Status: model.StatusActive},
			signal:   AgentSignal{Failed: true, Reason: "invalid request (400)"},
			escalate: true,
			priority: model.PriorityNormal,
			trigger:  model.TriggerAgentFailure,
		},
		{
			name:     "repeated failure",
			conv:     model.Conversation{Status: model.StatusActive, AgentFailures: 1},
			signal:   AgentSignal{Failed: true, Reason: "model timeout"},
			escalate: true,
			priority: model.PriorityUrgent,
			trigger:  model.TriggerAgentFailure,
		},
		{
			name:     "agent handoff",
			conv:     model.Conversation{Status: model.StatusActive},
			signal:   AgentSignal{CannotHelp: true},
			escalate: true,
			priority: model.PriorityNormal,
			trigger:  model.TriggerAgentHandoff,
		},
		{
			name:   "already escalated",
			conv:   model.Conversation{Status: model.StatusWaitingHuman},
			latest: userMsg("human please"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Evaluate(&tt.conv, tt.latest, tt.signal)
			if d.Escalate != tt.escalate {
				t.Fatalf("Escalate = %v, want %v (reason %q)", d.Escalate, tt.escalate, d.Reason)
			}
			if !tt.escalate {
				return
			}
			if d.Priority != tt.priority || d.Trigger != tt.trigger {
				t.Fatalf("got %s/%s, want %s/%s", d.Priority, d.Trigger, tt.priority, tt.trigger)
			}
			if d.Reason == "" {
				t.Fatal("reason must be set")
			}
		})
	}
}

func TestDefaultPhrasesIgnoreOrdinaryMentions(t *testing.T) {
	p := New(DefaultConfig())
	conv := &model.Conversation{Status: model.StatusActive}

	for _, text := range []string{
		"your agent said the refund is done",
		"my manager approved the order",
	} {
		if d := p.Evaluate(conv, userMsg(text), AgentSignal{}); d.Trigger == model.TriggerExplicitRequest {
			t.Errorf("%q escalated as an explicit request", text)
		}
	}
	for _, text := range []string{
		"Can I talk to an agent?",
		"I want to speak to a manager now",
	} {
		if d := p.Evaluate(conv, userMsg(text), AgentSignal{}); d.Trigger != model.TriggerExplicitRequest {
			t.Errorf("%q did not escalate as an explicit request", text)
		}
	}
}

func TestEvaluateTracksFailures(t *testing.T) {
	p := New(DefaultConfig())
	conv := &model.Conversation{Status: model.StatusActive, AgentFailures: 1}

	d := p.Evaluate(conv, &model.Message{Role: model.RoleAssistant, Content: "done"}, AgentSignal{})
	if d.AgentFailures != 0 {
		t.Fatalf("a successful reply resets failures, got %d", d.AgentFailures)
	}
}

func TestScore(t *testing.T) {
	if s := Score("thanks, that was great"); s <= 0 {
		t.Fatalf("expected positive, got %f", s)
	}
	if s := Score("this is not good"); s >= 0 {
		t.Fatalf("negation should flip polarity, got %f", s)
	}
	if s := Score("order 1234"); s != 0 {
		t.Fatalf("expected neutral, got %f", s)
	}
	if r := Rolling(0.5, -1, 0.5); r != -0.25 {
		t.Fatalf("Rolling = %f", r)
	}
}
