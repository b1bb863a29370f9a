package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-router/internal/channel"
	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/router"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
	"github.com/capitalize-ai/conversation-router/pkg/metrics"
)

const maxWebhookBody = 1 << 20

// InboundRouter receives parsed webhook messages.
type InboundRouter interface {
	HandleInbound(ctx context.Context, b channel.Binding, msgs []*model.InboundMessage) ([]router.InboundResult, error)
}

// WebhookHandler receives provider webhooks.
type WebhookHandler struct {
	adapters *channel.Registry
	bindings *channel.Bindings
	router   InboundRouter
	logger   *logger.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(adapters *channel.Registry, bindings *channel.Bindings, r InboundRouter, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{adapters: adapters, bindings: bindings, router: r, logger: log}
}

// resolve finds the adapter and binding for /webhooks/{channel}/{binding}.
func (h *WebhookHandler) resolve(w http.ResponseWriter, r *http.Request) (channel.Adapter, channel.Binding, bool) {
	ch, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return nil, channel.Binding{}, false
	}
	adapter, ok := h.adapters.Get(ch)
	if !ok {
		writeError(w, http.StatusNotFound, "channel not enabled")
		return nil, channel.Binding{}, false
	}
	b, err := h.bindings.Lookup(ch, chi.URLParam(r, "binding"))
	if errors.Is(err, channel.ErrUnknownBinding) {
		writeError(w, http.StatusNotFound, "unknown webhook")
		return nil, channel.Binding{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve webhook")
		return nil, channel.Binding{}, false
	}
	return adapter, b, true
}

// Verify handles GET /webhooks/{channel}/{binding}
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	adapter, b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	resp := adapter.HandleVerification(r.URL.Query(), b.VerifyToken)
	if resp == nil {
		writeError(w, http.StatusMethodNotAllowed, "channel has no verification handshake")
		return
	}
	writeVerification(w, resp)
}

// Receive handles POST /webhooks/{channel}/{binding}
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	adapter, b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	ch := string(b.Channel)

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(raw) > maxWebhookBody {
		metrics.RecordInbound(ch, "rejected")
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if !adapter.ValidateSignature(raw, r.Header, b.Secret) {
		metrics.RecordInbound(ch, "rejected")
		h.logger.Warn("webhook signature rejected",
			zap.String("channel", ch),
			zap.String("binding", b.ID),
			zap.String("remote_addr", r.RemoteAddr),
		)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if bv, ok := adapter.(channel.BodyVerifier); ok {
		if resp := bv.VerifyBody(raw, b.VerifyToken); resp != nil {
			writeVerification(w, resp)
			return
		}
	}

	msgs, err := adapter.ParseMessages(raw)
	if err != nil {
		metrics.RecordInbound(ch, "rejected")
		h.logger.Warn("malformed webhook payload", zap.String("channel", ch), zap.Error(err))
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if len(msgs) == 0 {
		metrics.RecordInbound(ch, "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	results, err := h.router.HandleInbound(r.Context(), b, msgs)
	if err != nil {
		h.logger.Error("failed to route inbound messages",
			zap.String("channel", ch),
			zap.String("binding", b.ID),
			zap.Error(err),
		)
		// A 5xx makes the provider redeliver; replays are deduplicated.
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "results": results})
}

func writeVerification(w http.ResponseWriter, resp *channel.VerificationResponse) {
	ct := resp.ContentType
	if ct == "" {
		ct = "text/plain"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.Status)
	io.WriteString(w, resp.Body)
}
