package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

// StreamCallback is called for each token during streaming.
type StreamCallback func(token string, index int) error

// ChatMessage is a provider-neutral chat turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is implemented per LLM provider.
type Client interface {
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return NewAnthropicClient(apiKey)
	}
}

const defaultSystemPrompt = `You are a customer support assistant. Answer briefly and politely.
If you cannot help with the request, or the customer needs a person, start your reply with ` + HandoffMarker + `
followed by a short reason.`

// LLMConfig configures an LLMRuntime.
type LLMConfig struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	Greeting     string
	// HistoryLimit caps how many stored turns are sent with each request.
	HistoryLimit int
}

// LLMRuntime is a Runtime backed by a chat completion provider.
type LLMRuntime struct {
	client Client
	cfg    LLMConfig
}

// NewLLMRuntime wraps client.
func NewLLMRuntime(client Client, cfg LLMConfig) *LLMRuntime {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 30
	}
	return &LLMRuntime{client: client, cfg: cfg}
}

func (r *LLMRuntime) Name() string {
	return r.client.Name()
}

func (r *LLMRuntime) CreateSession(ctx context.Context, agentID, conversationID string) (*Session, error) {
	return &Session{ConversationID: conversationID, Greeting: r.cfg.Greeting}, nil
}

func (r *LLMRuntime) SendMessageStream(ctx context.Context, req *TurnRequest) (<-chan StreamEvent, error) {
	messages := toChatMessages(req.History, r.cfg.HistoryLimit)
	if n := len(messages); n == 0 || messages[n-1].Role != "user" {
		messages = append(messages, ChatMessage{Role: "user", Content: req.Message})
	} else if !strings.HasSuffix(messages[n-1].Content, strings.TrimSpace(req.Message)) {
		messages[n-1].Content += "\n" + req.Message
	}
	if len(messages) == 0 || messages[0].Role != "user" {
		return nil, fmt.Errorf("conversation %s has no user turn", req.ConversationID)
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		send := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		send(StreamEvent{Type: EventThinking})
		resp, err := r.client.CompleteStream(ctx, &CompletionRequest{
			Model:       r.cfg.Model,
			System:      r.cfg.SystemPrompt,
			Messages:    messages,
			MaxTokens:   r.cfg.MaxTokens,
			Temperature: r.cfg.Temperature,
		}, func(token string, _ int) error {
			if !send(StreamEvent{Type: EventDelta, Data: token}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			send(StreamEvent{Type: EventError, Data: err.Error(), Retryable: IsRetryable(err)})
			return
		}
		send(StreamEvent{Type: EventComplete, Data: resp.Content})
	}()
	return events, nil
}

// toChatMessages maps stored turns to provider roles. Human replies count as
// the assistant side; consecutive same-role turns are merged.
func toChatMessages(history []model.Message, limit int) []ChatMessage {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	var out []ChatMessage
	for _, m := range history {
		role := "assistant"
		switch m.Role {
		case model.RoleUser:
			role = "user"
		case model.RoleSystem:
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + content
			continue
		}
		out = append(out, ChatMessage{Role: role, Content: content})
	}
	for len(out) > 0 && out[0].Role != "user" {
		out = out[1:]
	}
	return out
}
