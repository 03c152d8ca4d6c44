package middleware

import (
	"net/http"
	"strings"

	"github.com/zhouzirui/sample-shop/backend/internal/model/chat"
)

const (
	// SessionHeader 携带调用方会话键的请求头
	SessionHeader = "X-Session-ID"
	// SessionCookie 请求头缺失时读取的 Cookie
	SessionCookie = "sample_shop_session"

	maxSessionIDLength = 128
)

// Session 依次从请求头、Cookie 和 defaultID 确定会话键，并写入请求上下文。
func Session(defaultID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := resolveSessionID(r, defaultID)
			w.Header().Set(SessionHeader, id)
			next.ServeHTTP(w, r.WithContext(chat.ContextWithSessionID(r.Context(), id)))
		})
	}
}

func resolveSessionID(r *http.Request, defaultID string) string {
	if id := sanitizeSessionID(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if id := sanitizeSessionID(cookie.Value); id != "" {
			return id
		}
	}
	return defaultID
}

func sanitizeSessionID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxSessionIDLength {
		return ""
	}
	for _, c := range id {
		if !(c == '-' || c == '_' || c == '.' || c == ':' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return ""
		}
	}
	return id
}
