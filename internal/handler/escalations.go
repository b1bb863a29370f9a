package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-router/internal/escalation"
	"github.com/capitalize-ai/conversation-router/internal/middleware"
	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/store"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
)

// EscalationHandler handles escalation endpoints.
type EscalationHandler struct {
	store    store.EscalationStore
	workflow *escalation.Workflow
	logger   *logger.Logger
}

// NewEscalationHandler creates a new escalation handler.
func NewEscalationHandler(s store.EscalationStore, wf *escalation.Workflow, log *logger.Logger) *EscalationHandler {
	return &EscalationHandler{store: s, workflow: wf, logger: log}
}

// List handles GET /api/v1/escalations
// Defaults to pending escalations, the queue support agents pick from.
func (h *EscalationHandler) List(w http.ResponseWriter, r *http.Request) {
	status := model.EscalationStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = model.EscalationPending
	case model.EscalationPending, model.EscalationAccepted, model.EscalationResolved, model.EscalationReturned:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	limit, _ := paging(r, 50, 200)

	escs, err := h.store.ListEscalations(r.Context(), model.EscalationFilter{
		CompanyID: middleware.GetCompanyID(r.Context()),
		Status:    status,
		Limit:     limit,
	})
	if err != nil {
		h.logger.Error("failed to list escalations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list escalations")
		return
	}
	if escs == nil {
		escs = []model.Escalation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escalations": escs,
	})
}

// Action handles POST /api/v1/escalations/:id/actions
func (h *EscalationHandler) Action(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateEscalationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.EscalationActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	actor := actorFrom(r)

	var res escalation.Result
	switch req.Action {
	case model.ActionAccept:
		res = h.workflow.Accept(ctx, actor, id)
	case model.ActionResolve:
		if err := middleware.ValidateResolution(req.Resolution); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		res = h.workflow.Resolve(ctx, actor, id, escalation.ResolveRequest{
			Resolution: req.Resolution,
			ReturnToAI: req.ReturnToAI,
		})
	case model.ActionReturnToAI:
		res = h.workflow.ReturnToAI(ctx, actor, id)
	case model.ActionTransfer:
		if err := middleware.ValidateUserID(req.ToUserID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		res = h.workflow.Transfer(ctx, actor, id, req.ToUserID)
	default:
		writeCode(w, http.StatusBadRequest, "invalid_action", "unknown action "+req.Action)
		return
	}

	writeResult(w, res)
}
