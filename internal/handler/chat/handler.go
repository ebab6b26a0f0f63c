package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	chatservice "github.com/pbryant/counselor/backend/internal/service/chat"
	"github.com/pbryant/counselor/backend/internal/service/conversation"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	mediator  *conversation.Mediator
	lifecycle *chatservice.Lifecycle
}

// New 创建聊天处理器
func New(mediator *conversation.Mediator, lifecycle *chatservice.Lifecycle) *Handler {
	return &Handler{
		mediator:  mediator,
		lifecycle: lifecycle,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleExchange)
	r.Get("/history/{sessionID}", h.handleHistory)
	r.Post("/reset", h.handleReset)
}

// handleExchange 处理一次用户发言并返回回复
func (h *Handler) handleExchange(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
		Utterance string `json:"utterance"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	text, err := h.mediator.Exchange(r.Context(), payload.SessionID, payload.Utterance)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"sessionId": payload.SessionID,
		"text":      text,
	})
}

// handleHistory 返回会话的完整历史，按时间顺序
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	turns, err := h.mediator.History(r.Context(), sessionID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"turns":     turns,
	})
}

// handleReset 重置单个会话，sessionId 为 "all" 时清空全部
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if payload.SessionID == "" {
		respondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	if payload.SessionID == "all" {
		removed := h.lifecycle.ResetAll(r.Context())
		respondJSON(w, http.StatusOK, map[string]any{"status": "reset", "removed": removed})
		return
	}

	h.lifecycle.Reset(r.Context(), payload.SessionID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrEmptyUtterance),
		errors.Is(err, conversation.ErrInvalidSessionID),
		errors.Is(err, chatservice.ErrSessionIDRequired):
		return http.StatusBadRequest
	case errors.Is(err, chatservice.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON 发送JSON响应
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// respondError 发送错误响应
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
