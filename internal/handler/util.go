package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/capitalize-ai/conversation-router/internal/escalation"
	"github.com/capitalize-ai/conversation-router/internal/middleware"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeCode writes a JSON error response with a machine-readable code.
func writeCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

// writeResult writes a workflow result with the status its code maps to.
func writeResult(w http.ResponseWriter, res escalation.Result) {
	if res.Success {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, res.Code.HTTPStatus(), map[string]interface{}{
		"error":   res.Message,
		"code":    res.Code,
		"success": false,
	})
}

func actorFrom(r *http.Request) escalation.Actor {
	return escalation.Actor{
		CompanyID: middleware.GetCompanyID(r.Context()),
		UserID:    middleware.GetUserID(r.Context()),
	}
}

// paging reads limit and offset with the given default and cap.
func paging(r *http.Request, def, max int) (limit, offset int) {
	limit = def
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= max {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}
