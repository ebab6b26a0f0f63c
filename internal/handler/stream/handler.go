package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/pbryant/counselor/backend/internal/service/conversation"
	"github.com/pbryant/counselor/backend/pkg/utils"
)

// Handler manages streaming replies via Server-Sent Events.
type Handler struct {
	mediator *conversation.Mediator
}

// New creates a new stream handler.
func New(mediator *conversation.Mediator) *Handler {
	return &Handler{mediator: mediator}
}

// StreamResponse represents a streaming response chunk.
type StreamResponse struct {
	Event     string `json:"event"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HandleStreamRequest streams one exchange for a session. Deltas flow to
// the client as they arrive; the transcript is committed by the mediator
// only once the reply is complete.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, sessionID string, userMessage string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}

	utils.SetupSSEHeaders(w)

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "start",
		SessionID: sessionID,
	})

	reply, err := h.mediator.ExchangeStream(ctx, sessionID, userMessage, func(content string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.sendSSE(w, flusher, StreamResponse{
			Event:     "delta",
			SessionID: sessionID,
			Content:   content,
		})
		return nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.sendSSE(w, flusher, StreamResponse{Event: "error", Error: err.Error()})
		}
		return err
	}

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "message",
		SessionID: sessionID,
		Content:   reply,
	})

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "end",
		SessionID: sessionID,
		Finished:  true,
	})

	log.Printf("[stream] completed exchange for session=%s", sessionID)
	return nil
}

// sendSSE sends a Server-Sent Event.
func (h *Handler) sendSSE(w http.ResponseWriter, flusher http.Flusher, response StreamResponse) {
	utils.SendSSEChunk(w, flusher, response)
}
