package realtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	chatModel "github.com/zhouzirui/sample-shop/backend/internal/model/chat"
	chatService "github.com/zhouzirui/sample-shop/backend/internal/service/chat"
)

const (
	defaultReadTimeout = 60 * time.Second
	writeTimeout       = 10 * time.Second
)

// Conversations 是聊天 WebSocket 需要的会话管理能力。
type Conversations interface {
	DefaultSessionID() string
	Ensure(ctx context.Context, sessionID string) (chatModel.Session, error)
	Reset(ctx context.Context, sessionID string) (chatModel.Session, error)
	Send(ctx context.Context, sessionID, text string) (string, error)
}

// WebSocketHandler WebSocket聊天处理器
type WebSocketHandler struct {
	conversations Conversations
	upgrader      websocket.Upgrader
	// readTimeout 为两次读取之间允许的最长空闲时间，不包括处理消息所用的时间
	readTimeout time.Duration
}

// NewWebSocketHandler 创建WebSocket处理器；allowedOrigins 为空或包含 "*" 时不限制来源。
func NewWebSocketHandler(conversations Conversations, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		conversations: conversations,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		readTimeout: defaultReadTimeout,
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := chatModel.SessionIDFromContext(r.Context())
	if !ok {
		sessionID = h.conversations.DefaultSessionID()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("[websocket] upgrade failed")
		return
	}
	defer conn.Close()

	log.Info().Str("session_id", sessionID).Msg("[websocket] new connection")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	go pingLoop(ctx, conn, h.readTimeout*9/10)

	if _, err := h.conversations.Ensure(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("[websocket] failed to initialize session")
		h.send(conn, sessionID, "error", map[string]string{"message": chatService.FallbackReply})
		return
	}
	h.send(conn, sessionID, "connected", nil)

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("[websocket] read error")
			}
			return
		}

		h.handleMessage(ctx, conn, sessionID, msg)
		// 模型调用可能超过 readTimeout，处理完成后再开始计时
		_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *websocket.Conn, sessionID string, msg inboundMessage) {
	switch msg.Type {
	case "message":
		if _, err := h.conversations.Ensure(ctx, sessionID); err != nil {
			h.send(conn, sessionID, "error", map[string]string{"message": chatService.FallbackReply})
			return
		}
		reply, err := h.conversations.Send(ctx, sessionID, msg.Text)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("[websocket] chat send failed")
			h.send(conn, sessionID, "error", map[string]string{"message": chatService.FallbackReply})
			return
		}
		h.send(conn, sessionID, "reply", map[string]string{"text": reply})
	case "reset":
		if _, err := h.conversations.Reset(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("[websocket] reset reported an error")
		}
		h.send(conn, sessionID, "reset", map[string]string{"message": chatService.ResetNotice})
	default:
		h.send(conn, sessionID, "error", map[string]string{"message": "unsupported message type: " + msg.Type})
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, sessionID, kind string, data interface{}) {
	msg := outgoingMessage{
		Type:      kind,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Str("type", kind).Msg("[websocket] write failed")
	}
}

// pingLoop 定期发送ping消息；WriteControl 可与 WriteJSON 并发调用。
func pingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
