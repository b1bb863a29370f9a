// Package policy decides when a conversation should be handed to a human.
package policy

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

// Config holds the escalation thresholds. All values are configuration.
type Config struct {
	// SentimentThreshold escalates once rolling sentiment drops below it.
	SentimentThreshold float64
	// SentimentAlpha weights the latest message in the rolling score.
	SentimentAlpha float64
	// MaxTurns escalates after this many user turns without a human touch. Zero disables.
	MaxTurns int
	// RepeatedFailureCount marks agent failures as urgent once reached. A single
	// failure still escalates at normal priority.
	RepeatedFailureCount int
	// ExplicitPhrases are matched case-insensitively against the user message.
	ExplicitPhrases []string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SentimentThreshold:   -0.5,
		SentimentAlpha:       0.4,
		MaxTurns:             20,
		RepeatedFailureCount: 2,
		ExplicitPhrases: []string{
			"human", "real person", "talk to an agent", "speak to an agent", "live agent",
			"representative", "speak to someone", "talk to someone", "customer service",
			"operator", "speak to a manager", "talk to a manager",
		},
	}
}

// AgentSignal carries hints from the automated agent runtime.
type AgentSignal struct {
	// CannotHelp is the agent's explicit handoff request.
	CannotHelp bool
	// Failed reports an unrecoverable runtime failure for this turn.
	Failed bool
	// Reason is the agent's own explanation, if any.
	Reason string
	// SentimentDelta overrides the lexicon score when the agent computed one.
	SentimentDelta *float64
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Escalate bool
	Priority model.Priority
	Trigger  model.Trigger
	Reason   string

	// Sentiment is the updated rolling score to persist.
	Sentiment float64
	// AgentFailures is the updated consecutive failure count to persist.
	AgentFailures int
}

// Policy evaluates escalation triggers.
type Policy struct {
	cfg     Config
	phrases []string
}

// New returns a policy for cfg.
func New(cfg Config) *Policy {
	if cfg.SentimentAlpha <= 0 || cfg.SentimentAlpha > 1 {
		cfg.SentimentAlpha = DefaultConfig().SentimentAlpha
	}
	if cfg.RepeatedFailureCount <= 0 {
		cfg.RepeatedFailureCount = 1
	}
	phrases := make([]string, 0, len(cfg.ExplicitPhrases))
	for _, p := range cfg.ExplicitPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Policy{cfg: cfg, phrases: phrases}
}

// Evaluate inspects the conversation after latest was appended. latest may be
// nil when only an agent signal arrived. Callers skip the escalation when one
// is already open; the store also makes opening idempotent.
func (p *Policy) Evaluate(conv *model.Conversation, latest *model.Message, signal AgentSignal) Decision {
	d := Decision{
		Priority:      model.PriorityNormal,
		Sentiment:     conv.Sentiment,
		AgentFailures: conv.AgentFailures,
	}

	if latest != nil && latest.Role == model.RoleUser {
		delta := Score(latest.Content)
		if signal.SentimentDelta != nil {
			delta = *signal.SentimentDelta
		}
		d.Sentiment = Rolling(conv.Sentiment, delta, p.cfg.SentimentAlpha)
	}
	if signal.Failed {
		d.AgentFailures++
	} else if latest != nil && latest.Role == model.RoleAssistant {
		d.AgentFailures = 0
	}

	if conv.Status != model.StatusActive {
		return d
	}

	// Highest priority trigger wins.
	switch {
	case signal.Failed && d.AgentFailures >= p.cfg.RepeatedFailureCount:
		d.escalate(model.PriorityUrgent, model.TriggerAgentFailure,
			fmt.Sprintf("automated agent failed %d times in a row", d.AgentFailures), signal.Reason)
	case latest != nil && latest.Role == model.RoleUser && p.explicitRequest(latest.Content):
		d.escalate(model.PriorityHigh, model.TriggerExplicitRequest, "explicit request", "")
	case signal.Failed:
		// Retries are exhausted by the time a failure gets here.
		d.escalate(model.PriorityNormal, model.TriggerAgentFailure, "automated agent failed", signal.Reason)
	case signal.CannotHelp:
		d.escalate(model.PriorityNormal, model.TriggerAgentHandoff, "automated agent cannot help", signal.Reason)
	case latest != nil && latest.Role == model.RoleUser && d.Sentiment < p.cfg.SentimentThreshold:
		d.escalate(model.PriorityNormal, model.TriggerSentiment,
			fmt.Sprintf("sentiment %.2f below threshold %.2f", d.Sentiment, p.cfg.SentimentThreshold), "")
	case p.cfg.MaxTurns > 0 && conv.TurnsSinceHuman > p.cfg.MaxTurns:
		d.escalate(model.PriorityNormal, model.TriggerTurnLimit,
			fmt.Sprintf("%d turns without resolution", conv.TurnsSinceHuman), "")
	}
	return d
}

func (d *Decision) escalate(p model.Priority, t model.Trigger, reason, detail string) {
	d.Escalate = true
	d.Priority = p
	d.Trigger = t
	d.Reason = reason
	if detail != "" {
		d.Reason += ": " + detail
	}
}

func (p *Policy) explicitRequest(content string) bool {
	text := " " + normalize(content) + " "
	for _, phrase := range p.phrases {
		if strings.Contains(text, " "+phrase+" ") {
			return true
		}
	}
	return false
}

// normalize lowercases and collapses punctuation to single spaces.
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
