package channel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/capitalize-ai/conversation-router/internal/model"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramAdapter parses Bot API webhook updates.
type TelegramAdapter struct{}

func NewTelegramAdapter() *TelegramAdapter { return &TelegramAdapter{} }

func (a *TelegramAdapter) Channel() model.Channel { return model.ChannelTelegram }

// ValidateSignature compares the secret_token registered with setWebhook.
func (a *TelegramAdapter) ValidateSignature(raw []byte, h http.Header, secret string) bool {
	return equalToken(h.Get(telegramSecretHeader), secret)
}

// Telegram has no handshake.
func (a *TelegramAdapter) HandleVerification(q url.Values, expectedToken string) *VerificationResponse {
	return nil
}

func (a *TelegramAdapter) ParseMessages(raw []byte) ([]*model.InboundMessage, error) {
	var update telego.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}
	if update.UpdateID == 0 {
		return nil, fmt.Errorf("telegram: missing update_id")
	}

	// Edits, channel posts and callbacks are not conversation turns.
	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return nil, nil
	}

	in := &model.InboundMessage{
		SenderID:    strconv.FormatInt(msg.From.ID, 10),
		ExternalID:  fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		Content:     msg.Text,
		ContentType: model.ContentText,
		Timestamp:   time.Unix(int64(msg.Date), 0).UTC(),
		Metadata: map[string]string{
			"chat_id":   strconv.FormatInt(msg.Chat.ID, 10),
			"chat_type": msg.Chat.Type,
		},
	}
	if name := msg.From.Username; name != "" {
		in.Metadata["username"] = name
	}
	if msg.ReplyToMessage != nil {
		in.ReplyToID = fmt.Sprintf("%d:%d", msg.Chat.ID, msg.ReplyToMessage.MessageID)
	}
	if in.Content == "" {
		in.Content = msg.Caption
	}

	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		in.Attachments = []model.Attachment{{Type: model.ContentImage, FileID: photo.FileID}}
	case msg.Video != nil:
		in.Attachments = []model.Attachment{{Type: model.ContentVideo, FileID: msg.Video.FileID, MimeType: msg.Video.MimeType}}
	case msg.Audio != nil:
		in.Attachments = []model.Attachment{{Type: model.ContentAudio, FileID: msg.Audio.FileID, MimeType: msg.Audio.MimeType}}
	case msg.Voice != nil:
		in.Attachments = []model.Attachment{{Type: model.ContentAudio, FileID: msg.Voice.FileID, MimeType: msg.Voice.MimeType}}
	case msg.Document != nil:
		in.Attachments = []model.Attachment{{
			Type: model.ContentFile, FileID: msg.Document.FileID,
			Name: msg.Document.FileName, MimeType: msg.Document.MimeType,
		}}
	case msg.Sticker != nil:
		in.Attachments = []model.Attachment{{Type: model.ContentImage, FileID: msg.Sticker.FileID}}
	}
	if len(in.Attachments) > 0 {
		in.ContentType = in.Attachments[0].Type
	}

	// Service messages (joins, pins, title changes) have neither text nor media.
	if in.Content == "" && len(in.Attachments) == 0 {
		return nil, nil
	}
	return []*model.InboundMessage{in}, nil
}
