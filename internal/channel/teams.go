package channel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

var teamsMention = regexp.MustCompile(`<at>[^<]*</at>`)

// TeamsAdapter parses Bot Framework activities delivered to an outgoing webhook.
type TeamsAdapter struct{}

func NewTeamsAdapter() *TeamsAdapter { return &TeamsAdapter{} }

func (a *TeamsAdapter) Channel() model.Channel { return model.ChannelTeams }

// ValidateSignature checks "Authorization: HMAC <base64>" keyed by the base64 security token.
func (a *TeamsAdapter) ValidateSignature(raw []byte, h http.Header, secret string) bool {
	auth := h.Get("Authorization")
	scheme, sig, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "HMAC") {
		return false
	}
	return validBase64Signature(raw, strings.TrimSpace(sig), secret)
}

func (a *TeamsAdapter) HandleVerification(q url.Values, expectedToken string) *VerificationResponse {
	return nil
}

type teamsActivity struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	From      struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		AADObjectID string `json:"aadObjectId"`
	} `json:"from"`
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
	ServiceURL  string `json:"serviceUrl"`
	Text        string `json:"text"`
	ReplyToID   string `json:"replyToId"`
	Attachments []struct {
		ContentType string `json:"contentType"`
		ContentURL  string `json:"contentUrl"`
		Name        string `json:"name"`
	} `json:"attachments"`
}

func (a *TeamsAdapter) ParseMessages(raw []byte) ([]*model.InboundMessage, error) {
	var act teamsActivity
	if err := json.Unmarshal(raw, &act); err != nil {
		return nil, fmt.Errorf("teams: decode activity: %w", err)
	}
	if act.Type == "" {
		return nil, fmt.Errorf("teams: activity without type")
	}
	// messageUpdate, messageDelete, typing and conversationUpdate carry no new turn.
	if act.Type != "message" {
		return nil, nil
	}
	if act.ID == "" || act.From.ID == "" {
		return nil, fmt.Errorf("teams: message without id or sender")
	}

	// Activity ids repeat across Teams conversations.
	externalID := act.ID
	if act.Conversation.ID != "" {
		externalID = act.Conversation.ID + ":" + act.ID
	}
	msg := &model.InboundMessage{
		SenderID:    act.From.ID,
		ExternalID:  externalID,
		Content:     strings.TrimSpace(teamsMention.ReplaceAllString(act.Text, "")),
		ContentType: model.ContentText,
		ReplyToID:   act.ReplyToID,
		Timestamp:   time.Now().UTC(),
		Metadata: map[string]string{
			"conversation_id": act.Conversation.ID,
			"service_url":     act.ServiceURL,
			"display_name":    act.From.Name,
		},
	}
	if t, err := time.Parse(time.RFC3339Nano, act.Timestamp); err == nil {
		msg.Timestamp = t.UTC()
	}
	for _, att := range act.Attachments {
		// Card and html attachments echo the text; only media is kept.
		if att.ContentURL == "" {
			continue
		}
		msg.Attachments = append(msg.Attachments, model.Attachment{
			Type:     contentTypeForMime(att.ContentType),
			URL:      att.ContentURL,
			Name:     att.Name,
			MimeType: att.ContentType,
		})
	}
	if msg.Content == "" && len(msg.Attachments) > 0 {
		msg.ContentType = msg.Attachments[0].Type
	}
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return nil, nil
	}
	return []*model.InboundMessage{msg}, nil
}
