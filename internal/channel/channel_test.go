package channel

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

func TestEchoAndDeleteParseToNil(t *testing.T) {
	tests := []struct {
		name    string
		adapter Adapter
		payload string
	}{
		{
			name:    "messenger echo",
			adapter: NewMessengerAdapter(),
			payload: `{"object":"page","entry":[{"id":"p1","messaging":[{"sender":{"id":"p1"},"recipient":{"id":"u1"},"timestamp":1700000000000,"message":{"mid":"m1","text":"hi","is_echo":true}}]}]}`,
		},
		{
			name:    "instagram unsend",
			adapter: NewInstagramAdapter(),
			payload: `{"object":"instagram","entry":[{"id":"ig","messaging":[{"sender":{"id":"u1"},"recipient":{"id":"ig"},"timestamp":1700000000000,"message":{"mid":"m2","is_deleted":true}}]}]}`,
		},
		{
			name:    "whatsapp status receipt",
			adapter: NewWhatsAppAdapter(),
			payload: `{"object":"whatsapp_business_account","entry":[{"id":"e","changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.1","status":"read"}]}}]}]}`,
		},
		{
			name:    "telegram edit",
			adapter: NewTelegramAdapter(),
			payload: `{"update_id":10,"edited_message":{"message_id":5,"date":1700000000,"chat":{"id":42,"type":"private"},"from":{"id":7,"is_bot":false,"first_name":"A"},"text":"edited"}}`,
		},
		{
			name:    "telegram bot author",
			adapter: NewTelegramAdapter(),
			payload: `{"update_id":11,"message":{"message_id":6,"date":1700000000,"chat":{"id":42,"type":"private"},"from":{"id":8,"is_bot":true,"first_name":"Bot"},"text":"hello"}}`,
		},
		{
			name:    "slack deleted",
			adapter: NewSlackAdapter(nil),
			payload: `{"type":"event_callback","team_id":"T1","event":{"type":"message","subtype":"message_deleted","channel":"C1","ts":"1700000000.000200"}}`,
		},
		{
			name:    "slack bot message",
			adapter: NewSlackAdapter(nil),
			payload: `{"type":"event_callback","team_id":"T1","event":{"type":"message","bot_id":"B1","channel":"C1","text":"from bot","ts":"1700000000.000300"}}`,
		},
		{
			name:    "teams delete",
			adapter: NewTeamsAdapter(),
			payload: `{"type":"messageDelete","id":"a1","from":{"id":"u1"}}`,
		},
		{
			name:    "web echo",
			adapter: NewWebAdapter(),
			payload: `{"sender_id":"s1","message_id":"m1","text":"hi","is_echo":true}`,
		},
		{
			name:    "custom deleted",
			adapter: NewCustomAdapter(),
			payload: `{"sender_id":"s1","message_id":"m1","is_deleted":true}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := tt.adapter.ParseMessages([]byte(tt.payload))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgs != nil {
				t.Fatalf("expected nil, got %d messages", len(msgs))
			}
		})
	}
}

func TestMalformedPayloadReturnsError(t *testing.T) {
	for _, a := range DefaultRegistry().adapters {
		if _, err := a.ParseMessages([]byte(`{not json`)); err == nil {
			t.Errorf("%s: expected error for malformed payload", a.Channel())
		}
	}
}

func TestInstagramPlaceholders(t *testing.T) {
	payload := `{"object":"instagram","entry":[{"id":"ig","messaging":[
		{"sender":{"id":"u1"},"recipient":{"id":"ig"},"timestamp":1700000000000,"message":{"mid":"m1","attachments":[{"type":"story_mention","payload":{"url":"https://cdn/x"}}]}},
		{"sender":{"id":"u1"},"recipient":{"id":"ig"},"timestamp":1700000001000,"message":{"mid":"m2","attachments":[{"type":"share","payload":{}}]}}
	]}]}`

	msgs, err := NewInstagramAdapter().ParseMessages([]byte(payload))
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != PlaceholderStoryMention || msgs[1].Content != PlaceholderShare {
		t.Fatalf("unexpected placeholders: %q, %q", msgs[0].Content, msgs[1].Content)
	}
	if msgs[0].ExternalID != "m1" {
		t.Fatalf("external id must be preserved, got %q", msgs[0].ExternalID)
	}
}

func TestWhatsAppText(t *testing.T) {
	payload := `{"object":"whatsapp_business_account","entry":[{"id":"e","changes":[{"field":"messages","value":{
		"metadata":{"phone_number_id":"pn1"},
		"contacts":[{"wa_id":"15550001","profile":{"name":"Ana"}}],
		"messages":[{"from":"15550001","id":"wamid.ABC","timestamp":"1700000000","type":"text","text":{"body":"I want a human"}}]}}]}]}`

	msgs, err := NewWhatsAppAdapter().ParseMessages([]byte(payload))
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.SenderID != "15550001" || m.ExternalID != "wamid.ABC" || m.Content != "I want a human" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.Metadata["display_name"] != "Ana" || !m.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected metadata/timestamp: %+v %v", m.Metadata, m.Timestamp)
	}
}

func TestTelegramPhoto(t *testing.T) {
	payload := `{"update_id":12,"message":{"message_id":9,"date":1700000000,"chat":{"id":42,"type":"private"},
		"from":{"id":7,"is_bot":false,"first_name":"A","username":"ana"},
		"photo":[{"file_id":"small","file_unique_id":"s","width":1,"height":1},{"file_id":"large","file_unique_id":"l","width":9,"height":9}],
		"caption":"receipt"}}`

	msgs, err := NewTelegramAdapter().ParseMessages([]byte(payload))
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.ExternalID != "42:9" || m.ContentType != model.ContentImage || m.Content != "receipt" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].FileID != "large" {
		t.Fatalf("expected highest resolution photo, got %+v", m.Attachments)
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name        string
		adapter     Adapter
		payload     string
		senderID    string
		externalID  string
		content     string
		contentType model.ContentType
		replyToID   string
		attachments []model.ContentType
	}{
		{
			name:    "slack message with file",
			adapter: NewSlackAdapter(nil),
			payload: `{"type":"event_callback","team_id":"T1","event":{"type":"message","channel":"D111","user":"U1",
				"ts":"1700000000.000100","thread_ts":"1699999999.000900",
				"files":[{"id":"F1","name":"receipt.png","mimetype":"image/png","url_private":"https://files.slack.com/F1"}]}}`,
			senderID:    "U1",
			externalID:  "D111:1700000000.000100",
			contentType: model.ContentImage,
			replyToID:   "1699999999.000900",
			attachments: []model.ContentType{model.ContentImage},
		},
		{
			name:    "slack text in another channel",
			adapter: NewSlackAdapter(nil),
			payload: `{"type":"event_callback","team_id":"T1","event":{"type":"message","channel":"D222","user":"U2",
				"text":"where is my order","ts":"1700000000.000100"}}`,
			senderID:    "U2",
			externalID:  "D222:1700000000.000100",
			content:     "where is my order",
			contentType: model.ContentText,
		},
		{
			name:    "teams mention with media",
			adapter: NewTeamsAdapter(),
			payload: `{"type":"message","id":"1700000000123","timestamp":"2023-11-14T22:13:20.123Z",
				"from":{"id":"29:abc","name":"Ana"},"conversation":{"id":"19:thread@thread.skype"},
				"text":"<at>Support</at> my invoice is wrong","replyToId":"1699999999000",
				"attachments":[{"contentType":"text/html","content":"<p>x</p>"},
					{"contentType":"image/jpeg","contentUrl":"https://teams/img.jpg","name":"img.jpg"}]}`,
			senderID:    "29:abc",
			externalID:  "19:thread@thread.skype:1700000000123",
			content:     "my invoice is wrong",
			contentType: model.ContentText,
			replyToID:   "1699999999000",
			attachments: []model.ContentType{model.ContentImage},
		},
		{
			name:    "messenger text and image",
			adapter: NewMessengerAdapter(),
			payload: `{"object":"page","entry":[{"id":"p1","messaging":[{"sender":{"id":"psid-1"},"recipient":{"id":"p1"},
				"timestamp":1700000000000,"message":{"mid":"m_abc","text":"this one",
				"reply_to":{"mid":"m_prev"},
				"attachments":[{"type":"image","payload":{"url":"https://cdn/photo.jpg"}}]}}]}]}`,
			senderID:    "psid-1",
			externalID:  "m_abc",
			content:     "this one",
			contentType: model.ContentImage,
			replyToID:   "m_prev",
			attachments: []model.ContentType{model.ContentImage},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := tt.adapter.ParseMessages([]byte(tt.payload))
			if err != nil {
				t.Fatalf("ParseMessages: %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			m := msgs[0]
			if m.SenderID != tt.senderID || m.ExternalID != tt.externalID {
				t.Errorf("sender/external = %q/%q, want %q/%q", m.SenderID, m.ExternalID, tt.senderID, tt.externalID)
			}
			if m.Content != tt.content || m.ContentType != tt.contentType {
				t.Errorf("content = %q (%s), want %q (%s)", m.Content, m.ContentType, tt.content, tt.contentType)
			}
			if m.ReplyToID != tt.replyToID {
				t.Errorf("reply to = %q, want %q", m.ReplyToID, tt.replyToID)
			}
			if len(m.Attachments) != len(tt.attachments) {
				t.Fatalf("attachments = %+v, want %v", m.Attachments, tt.attachments)
			}
			for i, want := range tt.attachments {
				if m.Attachments[i].Type != want || m.Attachments[i].URL == "" {
					t.Errorf("attachment %d = %+v, want %s with url", i, m.Attachments[i], want)
				}
			}
		})
	}
}

func TestMetaVerificationHandshake(t *testing.T) {
	a := NewWhatsAppAdapter()

	ok := a.HandleVerification(url.Values{
		"hub.mode":         {"subscribe"},
		"hub.verify_token": {"tok"},
		"hub.challenge":    {"12345"},
	}, "tok")
	if ok == nil || ok.Status != http.StatusOK || ok.Body != "12345" {
		t.Fatalf("expected challenge echo, got %+v", ok)
	}

	bad := a.HandleVerification(url.Values{
		"hub.mode":         {"subscribe"},
		"hub.verify_token": {"wrong"},
		"hub.challenge":    {"12345"},
	}, "tok")
	if bad == nil || bad.Status != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %+v", bad)
	}
}

func TestSlackURLVerification(t *testing.T) {
	a := NewSlackAdapter(nil)
	resp := a.VerifyBody([]byte(`{"type":"url_verification","challenge":"abc"}`), "")
	if resp == nil || resp.Status != http.StatusOK || resp.Body != "abc" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if a.VerifyBody([]byte(`{"type":"event_callback"}`), "") != nil {
		t.Fatal("event callbacks are not handshakes")
	}
}

func TestSignatures(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	now := time.Unix(1700000000, 0)

	slackHeader := func(ts time.Time, secret string) http.Header {
		tsStr := strconv.FormatInt(ts.Unix(), 10)
		h := http.Header{}
		h.Set(slackTimestampHeader, tsStr)
		h.Set(slackSignatureHeader, SignHex(append([]byte("v0:"+tsStr+":"), body...), "v0=", secret))
		return h
	}
	teamsKey := base64.StdEncoding.EncodeToString([]byte("teams-key"))
	teamsHeader := http.Header{}
	teamsHeader.Set("Authorization", "HMAC "+base64.StdEncoding.EncodeToString(hmacSHA256([]byte("teams-key"), body)))

	metaHeader := http.Header{}
	metaHeader.Set(metaSignatureHeader, SignHex(body, "sha256=", "app-secret"))
	webHeader := http.Header{}
	webHeader.Set(WebSignatureHeader, SignHex(body, "", "web-secret"))
	tgHeader := http.Header{}
	tgHeader.Set(telegramSecretHeader, "tg-secret")

	tests := []struct {
		name    string
		adapter Adapter
		header  http.Header
		secret  string
		want    bool
	}{
		{"meta valid", NewWhatsAppAdapter(), metaHeader, "app-secret", true},
		{"meta wrong secret", NewMessengerAdapter(), metaHeader, "other", false},
		{"meta missing header", NewInstagramAdapter(), http.Header{}, "app-secret", false},
		{"web valid", NewWebAdapter(), webHeader, "web-secret", true},
		{"web empty secret", NewWebAdapter(), webHeader, "", false},
		{"telegram valid", NewTelegramAdapter(), tgHeader, "tg-secret", true},
		{"telegram wrong", NewTelegramAdapter(), tgHeader, "nope", false},
		{"slack valid", NewSlackAdapter(func() time.Time { return now }), slackHeader(now, "s"), "s", true},
		{"slack stale", NewSlackAdapter(func() time.Time { return now }), slackHeader(now.Add(-10*time.Minute), "s"), "s", false},
		{"teams valid", NewTeamsAdapter(), teamsHeader, teamsKey, true},
		{"teams wrong key", NewTeamsAdapter(), teamsHeader, base64.StdEncoding.EncodeToString([]byte("x")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.adapter.ValidateSignature(body, tt.header, tt.secret); got != tt.want {
				t.Fatalf("ValidateSignature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseBindings(t *testing.T) {
	t.Setenv("ACME_WA_SECRET", "from-env")
	data := []byte(`{
		// WhatsApp line for Acme
		bindings: [
			{id: "acme-wa", channel: "whatsapp", company_id: "acme", agent_id: "bot-1", secret: "inline", secret_env: "ACME_WA_SECRET", verify_token: "tok"},
			{id: "acme-web", channel: "web", company_id: "acme", agent_id: "bot-1", secret: "w"},
		],
	}`)

	set, err := ParseBindings(data)
	if err != nil {
		t.Fatalf("ParseBindings: %v", err)
	}
	b, err := set.Lookup(model.ChannelWhatsApp, "acme-wa")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if b.Secret != "from-env" || b.VerifyToken != "tok" {
		t.Fatalf("unexpected binding: %+v", b)
	}
	if _, err := set.Lookup(model.ChannelTelegram, "acme-wa"); err != ErrUnknownBinding {
		t.Fatalf("expected ErrUnknownBinding, got %v", err)
	}
}
