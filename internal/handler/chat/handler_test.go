package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sample-shop/backend/internal/middleware"
	"github.com/zhouzirui/sample-shop/backend/internal/service/ai"
	chatService "github.com/zhouzirui/sample-shop/backend/internal/service/chat"
	"github.com/zhouzirui/sample-shop/backend/pkg/utils"
)

const fallbackBody = `{"response":"Sorry, I am unable to respond right now. My memory has been reset. Please try your question again."}`

type scriptedProvider struct {
	mu       sync.Mutex
	requests []ai.Request
	fail     bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(_ context.Context, req ai.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.fail {
		p.fail = false
		return "", errors.New("upstream 503")
	}
	if strings.Contains(req.Message, "price of Sample Product 1") {
		return "Sample Product 1 costs **$10.00**.", nil
	}
	return "You said: " + req.Message, nil
}

func (p *scriptedProvider) last() ai.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func setupRouter(provider ai.Provider) (*chi.Mux, *chatService.Manager) {
	manager := chatService.NewManager(provider, chatService.NewMemoryStore(), chatService.Options{
		SystemInstruction: "You are the shop assistant.",
		DefaultSessionID:  "default",
	})
	handler := New(manager, utils.NewMarkdownRenderer())

	r := chi.NewRouter()
	r.Use(middleware.Session(manager.DefaultSessionID()))
	handler.RegisterRoutes(r)
	return r, manager
}

func postJSON(t *testing.T, r http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestChatSuccess(t *testing.T) {
	r, _ := setupRouter(&scriptedProvider{})

	resp := postJSON(t, r, "/chat", `{"message":"What's the price of Sample Product 1?"}`)

	require.Equal(t, http.StatusOK, resp.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "Sample Product 1 costs **$10.00**.", body["response"])
	require.NotContains(t, body, "html")
}

func TestChatRemoteFailureReturnsFallback(t *testing.T) {
	provider := &scriptedProvider{fail: true}
	r, manager := setupRouter(provider)

	_, err := manager.Initialize(context.Background(), "default")
	require.NoError(t, err)
	before, _ := manager.Session("default")

	resp := postJSON(t, r, "/chat", `{"message":"hi"}`)

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.JSONEq(t, fallbackBody, resp.Body.String())

	after, ok := manager.Session("default")
	require.True(t, ok)
	require.NotEqual(t, before.Generation, after.Generation)

	// The next message runs on the fresh session without earlier turns.
	resp = postJSON(t, r, "/chat", `{"message":"again"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Empty(t, provider.last().History)
}

func TestChatWithoutProviderReturnsFallback(t *testing.T) {
	r, _ := setupRouter(nil)

	resp := postJSON(t, r, "/chat", `{"message":"hi"}`)

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.JSONEq(t, fallbackBody, resp.Body.String())
}

func TestChatLazilyInitializesSession(t *testing.T) {
	r, manager := setupRouter(&scriptedProvider{})

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewBufferString(`{"message":"hello"}`))
	req.Header.Set(middleware.SessionHeader, "visitor-1")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	_, ok := manager.Session("visitor-1")
	require.True(t, ok)
}

func TestChatSharesHistoryAcrossSends(t *testing.T) {
	provider := &scriptedProvider{}
	r, _ := setupRouter(provider)

	require.Equal(t, http.StatusOK, postJSON(t, r, "/chat", `{"message":"first"}`).Code)
	require.Equal(t, http.StatusOK, postJSON(t, r, "/chat", `{"message":"second"}`).Code)

	req := provider.last()
	require.Equal(t, "You are the shop assistant.", req.System)
	require.Len(t, req.History, 2)
	require.Equal(t, "first", req.History[0].Content)
}

func TestChatEmptyBodyPassesEmptyMessage(t *testing.T) {
	provider := &scriptedProvider{}
	r, _ := setupRouter(provider)

	resp := postJSON(t, r, "/chat", "")

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "", provider.last().Message)
}

func TestChatMalformedBody(t *testing.T) {
	r, _ := setupRouter(&scriptedProvider{})

	resp := postJSON(t, r, "/chat", `{"message":`)

	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestChatFormEncodedBody(t *testing.T) {
	provider := &scriptedProvider{}
	r, _ := setupRouter(provider)

	form := url.Values{"message": {"What's the price of Sample Product 1?"}, "format": {"html"}}
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "What's the price of Sample Product 1?", provider.last().Message)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Contains(t, body["html"], "<strong>$10.00</strong>")
}

func TestChatHTMLFormat(t *testing.T) {
	r, _ := setupRouter(&scriptedProvider{})

	resp := postJSON(t, r, "/chat", `{"message":"What's the price of Sample Product 1?","format":"html"}`)

	require.Equal(t, http.StatusOK, resp.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Contains(t, body["html"], "<strong>$10.00</strong>")
}

func TestResetAlwaysSucceeds(t *testing.T) {
	provider := &scriptedProvider{}
	r, _ := setupRouter(provider)

	require.Equal(t, http.StatusOK, postJSON(t, r, "/chat", `{"message":"before reset"}`).Code)

	resp := postJSON(t, r, "/chat/reset", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `{"message":"Chat history has been reset. Start a new conversation!"}`, resp.Body.String())

	resp = postJSON(t, r, "/chat", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Empty(t, provider.last().History)
}

func TestHistory(t *testing.T) {
	r, _ := setupRouter(&scriptedProvider{})

	req := httptest.NewRequest(http.MethodGet, "/chat/history", nil)
	req.Header.Set(middleware.SessionHeader, "fresh")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `{"sessionId":"fresh","state":"not_initialized","turns":[]}`, resp.Body.String())

	require.Equal(t, http.StatusOK, postJSON(t, r, "/chat", `{"message":"hi"}`).Code)

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/chat/history", nil))

	var body struct {
		SessionID string `json:"sessionId"`
		State     string `json:"state"`
		Turns     []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "default", body.SessionID)
	require.Equal(t, "active", body.State)
	require.Len(t, body.Turns, 2)
	require.Equal(t, "assistant", body.Turns[1].Role)
}

func TestHistoryReadsSharedStore(t *testing.T) {
	store := chatService.NewMemoryStore()
	other := chatService.NewManager(&scriptedProvider{}, store, chatService.Options{DefaultSessionID: "default"})
	manager := chatService.NewManager(&scriptedProvider{}, store, chatService.Options{DefaultSessionID: "default"})

	r := chi.NewRouter()
	r.Use(middleware.Session(manager.DefaultSessionID()))
	New(manager, nil).RegisterRoutes(r)

	ctx := context.Background()
	_, err := other.Ensure(ctx, "default")
	require.NoError(t, err)
	_, err = other.Send(ctx, "default", "sent elsewhere")
	require.NoError(t, err)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/chat/history", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), `"state":"active"`)
	require.Contains(t, resp.Body.String(), "sent elsewhere")
}
