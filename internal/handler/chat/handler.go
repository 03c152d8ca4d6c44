package chat

import (
	"context"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	chatModel "github.com/zhouzirui/sample-shop/backend/internal/model/chat"
	chatService "github.com/zhouzirui/sample-shop/backend/internal/service/chat"
	"github.com/zhouzirui/sample-shop/backend/pkg/utils"
)

// Conversations 是 HTTP 层需要的会话管理能力。
type Conversations interface {
	DefaultSessionID() string
	Ensure(ctx context.Context, sessionID string) (chatModel.Session, error)
	Reset(ctx context.Context, sessionID string) (chatModel.Session, error)
	Send(ctx context.Context, sessionID, text string) (string, error)
	Transcript(ctx context.Context, sessionID string) ([]chatModel.Turn, error)
}

// Renderer 将 Markdown 回复渲染为 HTML。
type Renderer interface {
	Render(markdown string) (string, error)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	conversations Conversations
	renderer      Renderer
}

// New 创建聊天处理器；renderer 为空时忽略 format=html。
func New(conversations Conversations, renderer Renderer) *Handler {
	return &Handler{
		conversations: conversations,
		renderer:      renderer,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Post("/chat/reset", h.handleReset)
	r.Get("/chat/history", h.handleHistory)
}

type chatRequest struct {
	Message string `json:"message"`
	Format  string `json:"format,omitempty"`
}

type chatResponse struct {
	Response string `json:"response"`
	HTML     string `json:"html,omitempty"`
}

// decodeChatRequest 读取 JSON 请求体；表单提交时从表单字段读取。
func decodeChatRequest(r *http.Request) (chatRequest, error) {
	var payload chatRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return payload, err
		}
		payload.Message = r.FormValue("message")
		payload.Format = r.FormValue("format")
		return payload, nil
	default:
		err := utils.DecodeJSON(r, &payload)
		return payload, err
	}
}

// handleChat 转发一条消息并返回回复
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeChatRequest(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	sessionID := h.sessionID(ctx)

	if _, err := h.conversations.Ensure(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to initialize chat session")
		utils.RespondJSON(w, http.StatusInternalServerError, chatResponse{Response: chatService.FallbackReply})
		return
	}

	reply, err := h.conversations.Send(ctx, sessionID, payload.Message)
	if err != nil {
		if !errors.Is(err, chatService.ErrSessionReset) {
			log.Error().Err(err).Str("session_id", sessionID).Msg("chat send failed")
		}
		utils.RespondJSON(w, http.StatusInternalServerError, chatResponse{Response: chatService.FallbackReply})
		return
	}

	resp := chatResponse{Response: reply}
	if payload.Format == "html" && h.renderer != nil {
		html, err := h.renderer.Render(reply)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to render reply as html")
		} else {
			resp.HTML = html
		}
	}

	utils.RespondJSON(w, http.StatusOK, resp)
}

// handleReset 重置当前会话，始终返回成功
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := h.sessionID(ctx)

	if _, err := h.conversations.Reset(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("chat reset reported an error")
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": chatService.ResetNotice})
}

type historyResponse struct {
	SessionID string           `json:"sessionId"`
	State     chatModel.State  `json:"state"`
	Turns     []chatModel.Turn `json:"turns"`
}

// handleHistory 返回当前会话的对话记录，状态以共享存储为准
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := h.sessionID(ctx)

	resp := historyResponse{
		SessionID: sessionID,
		State:     chatModel.StateActive,
		Turns:     []chatModel.Turn{},
	}

	turns, err := h.conversations.Transcript(ctx, sessionID)
	switch {
	case errors.Is(err, chatService.ErrNotInitialized):
		resp.State = chatModel.StateNotInitialized
	case err != nil:
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to load chat history")
		utils.RespondError(w, http.StatusInternalServerError, "failed to load chat history")
		return
	case turns != nil:
		resp.Turns = turns
	}

	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) sessionID(ctx context.Context) string {
	if id, ok := chatModel.SessionIDFromContext(ctx); ok {
		return id
	}
	return h.conversations.DefaultSessionID()
}
