package stream

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	chatModel "github.com/zhouzirui/sample-shop/backend/internal/model/chat"
	chatService "github.com/zhouzirui/sample-shop/backend/internal/service/chat"
	"github.com/zhouzirui/sample-shop/backend/pkg/utils"
)

// Conversations is the streaming side of the session manager.
type Conversations interface {
	DefaultSessionID() string
	Ensure(ctx context.Context, sessionID string) (chatModel.Session, error)
	Stream(ctx context.Context, sessionID, text string, onDelta func(string) error) (string, error)
}

// Handler manages streaming chat replies via Server-Sent Events
type Handler struct {
	conversations Conversations
}

// New creates a new stream handler
func New(conversations Conversations) *Handler {
	return &Handler{conversations: conversations}
}

// RegisterRoutes mounts the SSE endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/stream", h.handleStream)
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event     string `json:"event"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	sessionID, ok := chatModel.SessionIDFromContext(ctx)
	if !ok {
		sessionID = h.conversations.DefaultSessionID()
	}
	message := r.URL.Query().Get("message")

	utils.SetupSSEHeaders(w)

	if _, err := h.conversations.Ensure(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("[stream] failed to initialize session")
		sendError(w, flusher, sessionID)
		return
	}

	utils.SendSSEChunk(w, flusher, StreamResponse{Event: "start", SessionID: sessionID})

	reply, err := h.conversations.Stream(ctx, sessionID, message, func(delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		utils.SendSSEChunk(w, flusher, StreamResponse{Event: "delta", SessionID: sessionID, Content: delta})
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("[stream] chat stream failed")
		sendError(w, flusher, sessionID)
		return
	}

	utils.SendSSEChunk(w, flusher, StreamResponse{Event: "message", SessionID: sessionID, Content: reply})
	utils.SendSSEChunk(w, flusher, StreamResponse{Event: "end", SessionID: sessionID, Finished: true})

	log.Debug().Str("session_id", sessionID).Int("chars", len(reply)).Msg("[stream] completed response")
}

// sendError reports the fallback reply; the session has already been reset.
func sendError(w http.ResponseWriter, flusher http.Flusher, sessionID string) {
	utils.SendSSEChunk(w, flusher, StreamResponse{
		Event:     "error",
		SessionID: sessionID,
		Content:   chatService.FallbackReply,
		Error:     "chat service unavailable",
	})
}
