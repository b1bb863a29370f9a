package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-router/internal/middleware"
	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/presence"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
)

// PresenceHandler handles support agent presence endpoints.
type PresenceHandler struct {
	registry presence.Registry
	logger   *logger.Logger
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(reg presence.Registry, log *logger.Logger) *PresenceHandler {
	return &PresenceHandler{registry: reg, logger: log}
}

// Get handles GET /api/v1/presence/me
func (h *PresenceHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.registry.GetStatus(ctx, middleware.GetCompanyID(ctx), middleware.GetUserID(ctx))
	if err != nil {
		h.fail(w, "get presence", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Update handles PUT /api/v1/presence/me
// Changing max_concurrent_chats requires the admin scope.
func (h *PresenceHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.UpdatePresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := model.ParsePresenceStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxConcurrentChats != nil && !middleware.HasScope(ctx, middleware.ScopeAdmin) {
		writeError(w, http.StatusForbidden, "changing capacity requires the admin scope")
		return
	}

	h.set(w, r, middleware.GetUserID(ctx), status, req.MaxConcurrentChats)
}

// SetCapacity handles PUT /api/v1/presence/:userId/capacity (admin only)
func (h *PresenceHandler) SetCapacity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userId")
	if err := middleware.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		MaxConcurrentChats int `json:"max_concurrent_chats"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	current, err := h.registry.GetStatus(ctx, middleware.GetCompanyID(ctx), userID)
	if err != nil {
		h.fail(w, "get presence", err)
		return
	}
	h.set(w, r, userID, current.Status, &req.MaxConcurrentChats)
}

// Heartbeat handles POST /api/v1/presence/me/heartbeat
func (h *PresenceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.registry.Heartbeat(ctx, middleware.GetCompanyID(ctx), middleware.GetUserID(ctx))
	if err != nil {
		h.fail(w, "heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Team handles GET /api/v1/presence/team
// Offline agents are hidden unless ?all=true.
func (h *PresenceHandler) Team(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	team, err := h.registry.ListTeam(ctx, middleware.GetCompanyID(ctx))
	if err != nil {
		h.fail(w, "list team", err)
		return
	}
	if r.URL.Query().Get("all") != "true" {
		team = presence.FilterVisible(team)
	}
	if team == nil {
		team = []model.AgentPresence{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": team,
	})
}

func (h *PresenceHandler) set(w http.ResponseWriter, r *http.Request, userID string, status model.PresenceStatus, maxChats *int) {
	ctx := r.Context()
	p, err := h.registry.SetStatus(ctx, middleware.GetCompanyID(ctx), userID, status, maxChats)
	if errors.Is(err, presence.ErrInvalidCapacity) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.fail(w, "set presence", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PresenceHandler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error("presence request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "presence unavailable")
}
