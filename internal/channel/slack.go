package channel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

const (
	slackSignatureHeader = "X-Slack-Signature"
	slackTimestampHeader = "X-Slack-Request-Timestamp"

	// SlackMaxSkew bounds the request timestamp to reject replays.
	SlackMaxSkew = 5 * time.Minute
)

// SlackAdapter parses Events API callbacks.
type SlackAdapter struct {
	now func() time.Time
}

func NewSlackAdapter(now func() time.Time) *SlackAdapter {
	if now == nil {
		now = time.Now
	}
	return &SlackAdapter{now: now}
}

func (a *SlackAdapter) Channel() model.Channel { return model.ChannelSlack }

// ValidateSignature checks the v0 signing secret scheme over "v0:<ts>:<body>".
func (a *SlackAdapter) ValidateSignature(raw []byte, h http.Header, secret string) bool {
	ts := h.Get(slackTimestampHeader)
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := a.now().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > SlackMaxSkew {
		return false
	}
	base := make([]byte, 0, len(raw)+len(ts)+4)
	base = append(base, "v0:"+ts+":"...)
	base = append(base, raw...)
	return validHexSignature(base, h.Get(slackSignatureHeader), "v0=", secret)
}

// Slack's handshake is a POST, see VerifyBody.
func (a *SlackAdapter) HandleVerification(q url.Values, expectedToken string) *VerificationResponse {
	return nil
}

// VerifyBody answers url_verification. The request is already signature-checked,
// so expectedToken is only compared when the legacy token field is present.
func (a *SlackAdapter) VerifyBody(raw []byte, expectedToken string) *VerificationResponse {
	var p struct {
		Type      string `json:"type"`
		Token     string `json:"token"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Type != "url_verification" {
		return nil
	}
	if p.Token != "" && expectedToken != "" && !equalToken(p.Token, expectedToken) {
		return forbidden()
	}
	return challengeOK(p.Challenge)
}

type slackEnvelope struct {
	Type    string `json:"type"`
	TeamID  string `json:"team_id"`
	EventID string `json:"event_id"`
	Event   *struct {
		Type        string `json:"type"`
		Subtype     string `json:"subtype"`
		Channel     string `json:"channel"`
		ChannelType string `json:"channel_type"`
		User        string `json:"user"`
		BotID       string `json:"bot_id"`
		Text        string `json:"text"`
		TS          string `json:"ts"`
		ThreadTS    string `json:"thread_ts"`
		Files       []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			Mimetype   string `json:"mimetype"`
			URLPrivate string `json:"url_private"`
		} `json:"files"`
	} `json:"event"`
}

// Subtypes that never start or continue a conversation.
var slackIgnoredSubtypes = map[string]bool{
	"bot_message":       true,
	"message_changed":   true,
	"message_deleted":   true,
	"message_replied":   true,
	"channel_join":      true,
	"channel_leave":     true,
	"channel_topic":     true,
	"channel_purpose":   true,
	"ekm_access_denied": true,
}

func (a *SlackAdapter) ParseMessages(raw []byte) ([]*model.InboundMessage, error) {
	var env slackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("slack: decode payload: %w", err)
	}
	switch env.Type {
	case "event_callback":
	case "url_verification", "app_rate_limited":
		return nil, nil
	default:
		return nil, fmt.Errorf("slack: unexpected envelope type %q", env.Type)
	}
	ev := env.Event
	if ev == nil {
		return nil, fmt.Errorf("slack: event_callback without event")
	}
	if ev.Type != "message" && ev.Type != "app_mention" {
		return nil, nil
	}
	if ev.BotID != "" || slackIgnoredSubtypes[ev.Subtype] || ev.User == "" {
		return nil, nil
	}

	// ts is only unique within a Slack channel.
	msg := &model.InboundMessage{
		SenderID:    ev.User,
		ExternalID:  ev.Channel + ":" + ev.TS,
		Content:     ev.Text,
		ContentType: model.ContentText,
		Timestamp:   slackTime(ev.TS),
		Metadata: map[string]string{
			"team_id":    env.TeamID,
			"channel_id": ev.Channel,
		},
	}
	if ev.ThreadTS != "" && ev.ThreadTS != ev.TS {
		msg.ReplyToID = ev.ThreadTS
		msg.Metadata["thread_ts"] = ev.ThreadTS
	}
	for _, f := range ev.Files {
		msg.Attachments = append(msg.Attachments, model.Attachment{
			Type:     contentTypeForMime(f.Mimetype),
			URL:      f.URLPrivate,
			FileID:   f.ID,
			Name:     f.Name,
			MimeType: f.Mimetype,
		})
	}
	if len(msg.Attachments) > 0 && msg.Content == "" {
		msg.ContentType = msg.Attachments[0].Type
	}
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return nil, nil
	}
	return []*model.InboundMessage{msg}, nil
}

// slackTime converts "1700000000.000100" to a time.
func slackTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	us, _ := strconv.ParseInt(frac, 10, 64)
	return time.Unix(s, us*int64(time.Microsecond)).UTC()
}

func contentTypeForMime(mime string) model.ContentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return model.ContentImage
	case strings.HasPrefix(mime, "video/"):
		return model.ContentVideo
	case strings.HasPrefix(mime, "audio/"):
		return model.ContentAudio
	default:
		return model.ContentFile
	}
}
