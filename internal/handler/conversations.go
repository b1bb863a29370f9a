// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-router/internal/escalation"
	"github.com/capitalize-ai/conversation-router/internal/middleware"
	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/store"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
)

// ConversationActions are the conversation mutations exposed to support agents.
type ConversationActions interface {
	RecordHumanReply(ctx context.Context, actor escalation.Actor, conversationID, content string) escalation.Result
	Close(ctx context.Context, actor escalation.Actor, conversationID, reason string) escalation.Result
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	store   store.ConversationStore
	actions ConversationActions
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(s store.ConversationStore, actions ConversationActions, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		store:   s,
		actions: actions,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations
// Supports ?status=, ?assigned=me, ?limit= and ?offset=.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := paging(r, 20, 100)

	filter := model.ConversationFilter{
		CompanyID: middleware.GetCompanyID(ctx),
		Status:    model.ConversationStatus(r.URL.Query().Get("status")),
		Limit:     limit,
		Offset:    offset,
	}
	if r.URL.Query().Get("assigned") == "me" {
		filter.AssignedUserID = middleware.GetUserID(ctx)
	}

	convs, total, err := h.store.ListConversations(ctx, filter)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}

	writeJSON(w, http.StatusOK, model.ListConversationsResponse{
		Conversations: convs,
		Total:         total,
		HasMore:       offset+len(convs) < total,
	})
}

// Get handles GET /api/v1/conversations/:id
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Messages handles GET /api/v1/conversations/:id/messages
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.load(w, r)
	if !ok {
		return
	}
	limit, _ := paging(r, 50, 200)

	msgs, err := h.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		h.logger.Error("failed to list messages", zap.String("conversation_id", conv.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
	})
}

// Reply handles POST /api/v1/conversations/:id/messages
func (h *ConversationHandler) Reply(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := h.actions.RecordHumanReply(r.Context(), actorFrom(r), id, req.Content)
	if res.Success {
		writeJSON(w, http.StatusCreated, res)
		return
	}
	writeResult(w, res)
}

// Close handles POST /api/v1/conversations/:id/close
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.CloseConversationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "closed by support agent"
	}

	writeResult(w, h.actions.Close(r.Context(), actorFrom(r), id, req.Reason))
}

// load fetches the conversation named in the URL, scoped to the caller's company.
func (h *ConversationHandler) load(w http.ResponseWriter, r *http.Request) (*model.Conversation, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && conv.CompanyID != middleware.GetCompanyID(r.Context())) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load conversation", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, false
	}
	return conv, true
}
