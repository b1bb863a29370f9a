// Package channel translates provider webhook payloads into canonical inbound messages.
//
// Each provider gets one Adapter. Adapters never panic or return errors for
// signature failures; callers check ValidateSignature and map failures to
// transport-level responses themselves.
package channel

import (
	"net/http"
	"net/url"
	"time"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

// Adapter is implemented once per channel.
type Adapter interface {
	Channel() model.Channel

	// ParseMessages extracts the conversation events from a raw payload.
	// A nil slice with a nil error means the payload carries nothing to route
	// (echoes, deletes, edits, delivery receipts). An error means the payload is malformed.
	ParseMessages(raw []byte) ([]*model.InboundMessage, error)

	// ValidateSignature checks the provider signature over the raw body.
	ValidateSignature(raw []byte, h http.Header, secret string) bool

	// HandleVerification answers a GET handshake. It returns nil when the
	// channel has no query-string handshake.
	HandleVerification(q url.Values, expectedToken string) *VerificationResponse
}

// BodyVerifier is implemented by channels whose handshake arrives as a signed POST.
type BodyVerifier interface {
	// VerifyBody returns a response when raw is a handshake, nil otherwise.
	VerifyBody(raw []byte, expectedToken string) *VerificationResponse
}

// VerificationResponse is written back verbatim to the provider.
type VerificationResponse struct {
	Status      int
	Body        string
	ContentType string
}

func challengeOK(challenge string) *VerificationResponse {
	return &VerificationResponse{Status: http.StatusOK, Body: challenge, ContentType: "text/plain"}
}

func forbidden() *VerificationResponse {
	return &VerificationResponse{Status: http.StatusForbidden, Body: "forbidden", ContentType: "text/plain"}
}

// Registry maps a channel to its adapter.
type Registry struct {
	adapters map[model.Channel]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Channel()] = a
	}
	return r
}

// DefaultRegistry registers an adapter for every supported channel.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewWebAdapter(),
		NewCustomAdapter(),
		NewWhatsAppAdapter(),
		NewMessengerAdapter(),
		NewInstagramAdapter(),
		NewTelegramAdapter(),
		NewSlackAdapter(time.Now),
		NewTeamsAdapter(),
	)
}

// Get returns the adapter for ch.
func (r *Registry) Get(ch model.Channel) (Adapter, bool) {
	a, ok := r.adapters[ch]
	return a, ok
}
