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

// Placeholder content for attachments that carry no retrievable media.
const (
	PlaceholderShare        = "[Shared content]"
	PlaceholderStoryMention = "[Story mention]"
	PlaceholderReel         = "[Shared reel]"
	PlaceholderUnsupported  = "[Unsupported message]"
)

const metaSignatureHeader = "X-Hub-Signature-256"

// metaBase holds the signature and hub.challenge handshake shared by Meta products.
type metaBase struct {
	channel model.Channel
}

func (m metaBase) Channel() model.Channel { return m.channel }

func (m metaBase) ValidateSignature(raw []byte, h http.Header, secret string) bool {
	return validHexSignature(raw, h.Get(metaSignatureHeader), "sha256=", secret)
}

func (m metaBase) HandleVerification(q url.Values, expectedToken string) *VerificationResponse {
	if q.Get("hub.mode") != "subscribe" || !equalToken(q.Get("hub.verify_token"), expectedToken) {
		return forbidden()
	}
	return challengeOK(q.Get("hub.challenge"))
}

// WhatsAppAdapter parses WhatsApp Cloud API webhooks.
type WhatsAppAdapter struct{ metaBase }

func NewWhatsAppAdapter() *WhatsAppAdapter {
	return &WhatsAppAdapter{metaBase{channel: model.ChannelWhatsApp}}
}

type waPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string  `json:"field"`
			Value waValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []waMessage `json:"messages"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *waMedia `json:"image"`
	Video    *waMedia `json:"video"`
	Audio    *waMedia `json:"audio"`
	Voice    *waMedia `json:"voice"`
	Document *waMedia `json:"document"`
	Sticker  *waMedia `json:"sticker"`
	Button   *struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
}

func (a *WhatsAppAdapter) ParseMessages(raw []byte) ([]*model.InboundMessage, error) {
	var p waPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("whatsapp: decode payload: %w", err)
	}
	if p.Object != "whatsapp_business_account" {
		return nil, fmt.Errorf("whatsapp: unexpected object %q", p.Object)
	}

	var out []*model.InboundMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			// Status-only changes (sent/delivered/read) carry no messages.
			for _, m := range change.Value.Messages {
				msg := a.convert(m)
				if msg == nil {
					continue
				}
				msg.Metadata = map[string]string{
					"phone_number_id": change.Value.Metadata.PhoneNumberID,
				}
				if name := names[m.From]; name != "" {
					msg.Metadata["display_name"] = name
				}
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func (a *WhatsAppAdapter) convert(m waMessage) *model.InboundMessage {
	msg := &model.InboundMessage{
		SenderID:    m.From,
		ExternalID:  m.ID,
		ContentType: model.ContentText,
		Timestamp:   unixString(m.Timestamp),
	}
	if m.Context != nil {
		msg.ReplyToID = m.Context.ID
	}

	media := func(ct model.ContentType, md *waMedia) {
		msg.ContentType = ct
		msg.Content = md.Caption
		msg.Attachments = []model.Attachment{{Type: ct, FileID: md.ID, MimeType: md.MimeType, Name: md.Filename}}
	}

	switch m.Type {
	case "text":
		if m.Text == nil {
			return nil
		}
		msg.Content = m.Text.Body
	case "image":
		if m.Image == nil {
			return nil
		}
		media(model.ContentImage, m.Image)
	case "sticker":
		if m.Sticker == nil {
			return nil
		}
		media(model.ContentImage, m.Sticker)
	case "video":
		if m.Video == nil {
			return nil
		}
		media(model.ContentVideo, m.Video)
	case "audio", "voice":
		md := m.Audio
		if md == nil {
			md = m.Voice
		}
		if md == nil {
			return nil
		}
		media(model.ContentAudio, md)
	case "document":
		if m.Document == nil {
			return nil
		}
		media(model.ContentFile, m.Document)
	case "button":
		if m.Button == nil {
			return nil
		}
		msg.Content = m.Button.Text
	case "interactive":
		switch {
		case m.Interactive == nil:
			return nil
		case m.Interactive.ButtonReply != nil:
			msg.Content = m.Interactive.ButtonReply.Title
		case m.Interactive.ListReply != nil:
			msg.Content = m.Interactive.ListReply.Title
		default:
			return nil
		}
	case "reaction":
		return nil
	case "unsupported":
		msg.Content = PlaceholderUnsupported
	default:
		msg.Content = PlaceholderUnsupported
	}
	return msg
}

// messagingAdapter parses the Messenger Platform format shared by Messenger and Instagram.
type messagingAdapter struct {
	metaBase
	object string
}

// NewMessengerAdapter returns the Facebook Messenger adapter.
func NewMessengerAdapter() Adapter {
	return &messagingAdapter{metaBase: metaBase{channel: model.ChannelMessenger}, object: "page"}
}

// NewInstagramAdapter returns the Instagram messaging adapter.
func NewInstagramAdapter() Adapter {
	return &messagingAdapter{metaBase: metaBase{channel: model.ChannelInstagram}, object: "instagram"}
}

type messagingPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string           `json:"id"`
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		Mid           string `json:"mid"`
		Text          string `json:"text"`
		IsEcho        bool   `json:"is_echo"`
		IsDeleted     bool   `json:"is_deleted"`
		IsUnsupported bool   `json:"is_unsupported"`
		ReplyTo       *struct {
			Mid string `json:"mid"`
		} `json:"reply_to"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL   string `json:"url"`
				Title string `json:"title"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Postback *struct {
		Mid     string `json:"mid"`
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
}

func (a *messagingAdapter) ParseMessages(raw []byte) ([]*model.InboundMessage, error) {
	var p messagingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s: decode payload: %w", a.channel, err)
	}
	if p.Object != a.object {
		return nil, fmt.Errorf("%s: unexpected object %q", a.channel, p.Object)
	}

	var out []*model.InboundMessage
	for _, entry := range p.Entry {
		for _, ev := range entry.Messaging {
			if msg := a.convert(ev, entry.ID); msg != nil {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func (a *messagingAdapter) convert(ev messagingEvent, pageID string) *model.InboundMessage {
	ts := time.UnixMilli(ev.Timestamp).UTC()
	meta := map[string]string{"page_id": pageID, "recipient_id": ev.Recipient.ID}

	if ev.Postback != nil {
		if ev.Postback.Mid == "" {
			return nil
		}
		return &model.InboundMessage{
			SenderID:    ev.Sender.ID,
			ExternalID:  ev.Postback.Mid,
			Content:     ev.Postback.Title,
			ContentType: model.ContentText,
			Timestamp:   ts,
			Metadata:    meta,
		}
	}

	m := ev.Message
	if m == nil || m.IsEcho || m.IsDeleted {
		return nil
	}

	msg := &model.InboundMessage{
		SenderID:    ev.Sender.ID,
		ExternalID:  m.Mid,
		Content:     m.Text,
		ContentType: model.ContentText,
		Timestamp:   ts,
		Metadata:    meta,
	}
	if m.ReplyTo != nil {
		msg.ReplyToID = m.ReplyTo.Mid
	}
	if m.IsUnsupported {
		msg.Content = PlaceholderUnsupported
	}

	var placeholders []string
	for _, att := range m.Attachments {
		switch att.Type {
		case "image":
			msg.Attachments = append(msg.Attachments, model.Attachment{Type: model.ContentImage, URL: att.Payload.URL})
		case "video":
			msg.Attachments = append(msg.Attachments, model.Attachment{Type: model.ContentVideo, URL: att.Payload.URL})
		case "audio":
			msg.Attachments = append(msg.Attachments, model.Attachment{Type: model.ContentAudio, URL: att.Payload.URL})
		case "file":
			msg.Attachments = append(msg.Attachments, model.Attachment{Type: model.ContentFile, URL: att.Payload.URL})
		case "share", "fallback", "template":
			placeholders = append(placeholders, PlaceholderShare)
		case "story_mention":
			placeholders = append(placeholders, PlaceholderStoryMention)
		case "ig_reel", "reel":
			placeholders = append(placeholders, PlaceholderReel)
		default:
			placeholders = append(placeholders, PlaceholderUnsupported)
		}
	}
	if len(msg.Attachments) > 0 {
		msg.ContentType = msg.Attachments[0].Type
	}
	if msg.Content == "" && len(placeholders) > 0 {
		msg.Content = strings.Join(placeholders, " ")
	}
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return nil
	}
	return msg
}

func unixString(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
