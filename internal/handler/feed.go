package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-router/internal/middleware"
	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/internal/notify"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
	"github.com/capitalize-ai/conversation-router/pkg/metrics"
)

// FeedHandler streams routing events to support agent consoles over SSE.
type FeedHandler struct {
	events    notify.Subscriber
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewFeedHandler creates a new feed handler.
func NewFeedHandler(events notify.Subscriber, heartbeat time.Duration, log *logger.Logger) *FeedHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &FeedHandler{events: events, heartbeat: heartbeat, logger: log}
}

// Stream handles GET /api/v1/events/stream
func (h *FeedHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := middleware.GetCompanyID(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel, err := h.events.Subscribe(ctx, companyID)
	if err != nil {
		h.logger.Error("failed to subscribe to events", zap.String("company_id", companyID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"company_id": companyID,
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("company_id", companyID))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				h.logger.Warn("failed to write event", zap.String("event_id", ev.ID), zap.Error(err))
			}
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
