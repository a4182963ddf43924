package review

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/eleven-am/flowgate/internal/domain"
	json "github.com/goccy/go-json"
)

// EventHandler applies review decisions. *Coordinator satisfies it.
type EventHandler interface {
	HandleEvent(ctx context.Context, event domain.ReviewEvent) (bool, error)
}

type webhookRequest struct {
	domain.ReviewEvent
	Approved *bool `json:"approved,omitempty"`
}

type webhookResponse struct {
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// WebhookHandler accepts review decisions posted by the task system. Events
// that match no waiting execution are acknowledged with applied=false so the
// sender does not retry them.
type WebhookHandler struct {
	events EventHandler
	logger *slog.Logger
}

func NewWebhookHandler(events EventHandler, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{events: events, logger: logger.With("component", "review-webhook")}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, webhookResponse{Error: "method not allowed"})
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "unreadable body"})
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "invalid json"})
		return
	}

	event := req.ReviewEvent
	if event.Action == "" && req.Approved != nil {
		event.Action = domain.ReviewReject
		if *req.Approved {
			event.Action = domain.ReviewApprove
		}
	}

	applied, err := h.events.HandleEvent(r.Context(), event)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, webhookResponse{Error: err.Error()})
			return
		}
		h.logger.Error("failed to handle review event", "task_id", event.TaskID, "execution_id", event.ExecutionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Applied: applied, Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Applied: applied})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
