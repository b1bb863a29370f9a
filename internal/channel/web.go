package channel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

// Signature headers for the first-party JSON channels.
const (
	WebSignatureHeader    = "X-Webhook-Signature"
	CustomSignatureHeader = "X-Signature-256"
)

// jsonAdapter handles the first-party JSON format used by the web widget
// backend and by custom integrations.
type jsonAdapter struct {
	channel model.Channel
	header  string
	prefix  string
}

// NewWebAdapter returns the web widget adapter.
func NewWebAdapter() Adapter {
	return &jsonAdapter{channel: model.ChannelWeb, header: WebSignatureHeader}
}

// NewCustomAdapter returns the adapter for custom integrations.
func NewCustomAdapter() Adapter {
	return &jsonAdapter{channel: model.ChannelCustom, header: CustomSignatureHeader, prefix: "sha256="}
}

// JSONPayload is the body accepted by the web and custom channels.
type JSONPayload struct {
	SenderID    string             `json:"sender_id"`
	MessageID   string             `json:"message_id"`
	Text        string             `json:"text"`
	ContentType model.ContentType  `json:"content_type,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	ReplyToID   string             `json:"reply_to_id,omitempty"`
	Timestamp   *time.Time         `json:"timestamp,omitempty"`
	IsEcho      bool               `json:"is_echo,omitempty"`
	IsDeleted   bool               `json:"is_deleted,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

func (a *jsonAdapter) Channel() model.Channel { return a.channel }

func (a *jsonAdapter) ValidateSignature(raw []byte, h http.Header, secret string) bool {
	return validHexSignature(raw, h.Get(a.header), a.prefix, secret)
}

func (a *jsonAdapter) HandleVerification(q url.Values, expectedToken string) *VerificationResponse {
	return nil
}

func (a *jsonAdapter) ParseMessages(raw []byte) ([]*model.InboundMessage, error) {
	var p JSONPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s: decode payload: %w", a.channel, err)
	}
	if p.IsEcho || p.IsDeleted {
		return nil, nil
	}
	if p.SenderID == "" || p.MessageID == "" {
		return nil, fmt.Errorf("%s: sender_id and message_id are required", a.channel)
	}

	ct := p.ContentType
	switch ct {
	case "":
		ct = model.ContentText
		if p.Text == "" && len(p.Attachments) > 0 {
			ct = p.Attachments[0].Type
		}
	case model.ContentText, model.ContentImage, model.ContentVideo, model.ContentAudio, model.ContentFile:
	default:
		return nil, fmt.Errorf("%s: unknown content_type %q", a.channel, ct)
	}
	if p.Text == "" && len(p.Attachments) == 0 {
		return nil, nil
	}

	ts := time.Now().UTC()
	if p.Timestamp != nil {
		ts = p.Timestamp.UTC()
	}
	return []*model.InboundMessage{{
		SenderID:    p.SenderID,
		ExternalID:  p.MessageID,
		Content:     p.Text,
		ContentType: ct,
		Attachments: p.Attachments,
		ReplyToID:   p.ReplyToID,
		Timestamp:   ts,
		Metadata:    p.Metadata,
	}}, nil
}
