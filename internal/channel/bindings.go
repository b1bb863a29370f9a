package channel

import (
	"errors"
	"fmt"
	"os"

	"github.com/titanous/json5"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

// ErrUnknownBinding is returned when a webhook URL names no configured binding.
var ErrUnknownBinding = errors.New("channel: unknown binding")

// Binding ties a webhook URL to a company, an automated agent and the provider secrets.
type Binding struct {
	ID          string        `json:"id"`
	Channel     model.Channel `json:"channel"`
	CompanyID   string        `json:"company_id"`
	AgentID     string        `json:"agent_id"`
	Secret      string        `json:"secret"`
	VerifyToken string        `json:"verify_token"`

	// SecretEnv and VerifyTokenEnv name env vars that override the inline values.
	SecretEnv      string `json:"secret_env"`
	VerifyTokenEnv string `json:"verify_token_env"`
}

type bindingsFile struct {
	Bindings []Binding `json:"bindings"`
}

// Bindings is an immutable lookup table keyed by (channel, binding id).
type Bindings struct {
	byKey map[string]Binding
}

// LoadBindings reads a JSON5 bindings file. A missing path yields an empty set.
func LoadBindings(path string) (*Bindings, error) {
	if path == "" {
		return NewBindings()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewBindings()
		}
		return nil, fmt.Errorf("read bindings: %w", err)
	}
	return ParseBindings(data)
}

// ParseBindings decodes JSON5 bindings and applies env overrides.
func ParseBindings(data []byte) (*Bindings, error) {
	var f bindingsFile
	if err := json5.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse bindings: %w", err)
	}
	for i := range f.Bindings {
		b := &f.Bindings[i]
		if v := os.Getenv(b.SecretEnv); b.SecretEnv != "" && v != "" {
			b.Secret = v
		}
		if v := os.Getenv(b.VerifyTokenEnv); b.VerifyTokenEnv != "" && v != "" {
			b.VerifyToken = v
		}
	}
	return NewBindings(f.Bindings...)
}

// NewBindings validates and indexes bindings.
func NewBindings(bindings ...Binding) (*Bindings, error) {
	set := &Bindings{byKey: make(map[string]Binding, len(bindings))}
	for _, b := range bindings {
		if b.ID == "" || b.CompanyID == "" {
			return nil, fmt.Errorf("binding %q: id and company_id are required", b.ID)
		}
		if _, err := model.ParseChannel(string(b.Channel)); err != nil {
			return nil, fmt.Errorf("binding %q: %w", b.ID, err)
		}
		key := bindingKey(b.Channel, b.ID)
		if _, dup := set.byKey[key]; dup {
			return nil, fmt.Errorf("binding %q: duplicate for channel %s", b.ID, b.Channel)
		}
		set.byKey[key] = b
	}
	return set, nil
}

// Lookup finds the binding for a webhook URL.
func (b *Bindings) Lookup(ch model.Channel, id string) (Binding, error) {
	binding, ok := b.byKey[bindingKey(ch, id)]
	if !ok {
		return Binding{}, ErrUnknownBinding
	}
	return binding, nil
}

// Len returns the number of bindings.
func (b *Bindings) Len() int { return len(b.byKey) }

func bindingKey(ch model.Channel, id string) string {
	return string(ch) + "/" + id
}
