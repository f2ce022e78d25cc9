package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	middleware "github.com/markdave123-py/lumen/internal/api/middlewares"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/models"
	"github.com/markdave123-py/lumen/internal/services"
)

type ChatHandler struct {
	chat *services.ChatService
	log  *logger.Logger
}

func NewChatHandler(chat *services.ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, log: log}
}

type chatRequest struct {
	Message string `json:"message"`
}

func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	msgs, err := h.chat.GetChatHistory(r.Context(), chi.URLParam(r, "notebookID"), userID)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Stream answers a question as server-sent events. Errors before the first byte are
// JSON responses; afterwards failures arrive as an error event.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	notebookID := chi.URLParam(r, "notebookID")
	userID, _ := middleware.UserIDFromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	events, err := h.chat.StreamChat(r.Context(), notebookID, userID, req.Message)
	if err != nil {
		h.log.Warn("chat request rejected", "notebook_id", notebookID, "err", err)
		respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if err := writeEvent(w, ev); err != nil {
			h.log.Debug("chat client went away", "notebook_id", notebookID, "err", err)
			// Keep draining so the producer can observe cancellation and exit.
			continue
		}
		flusher.Flush()
	}
}

// doneEvent always carries a citations array, even an empty one.
type doneEvent struct {
	Type      models.ChatEventType `json:"type"`
	Citations []models.Citation    `json:"citations"`
}

func writeEvent(w http.ResponseWriter, ev models.ChatEvent) error {
	var payload interface{} = ev
	if ev.Type == models.EventDone {
		cites := ev.Citations
		if cites == nil {
			cites = []models.Citation{}
		}
		payload = doneEvent{Type: ev.Type, Citations: cites}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
