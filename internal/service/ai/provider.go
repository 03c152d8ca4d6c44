package ai

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhouzirui/sample-shop/backend/internal/config"
	"github.com/zhouzirui/sample-shop/backend/internal/model/chat"
)

// ErrEmptyResponse is returned when the remote service answers without any candidate text.
var ErrEmptyResponse = errors.New("empty response from chat service")

// Request is one conversational turn sent to a remote chat service.
type Request struct {
	System  string
	History []chat.Turn
	Message string
}

// Provider talks to a remote generative-language API. Implementations are
// stateless; the caller owns the conversation history.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Streamer is implemented by providers able to deliver incremental output.
// onDelta receives each new fragment; the full reply is returned at the end.
type Streamer interface {
	Stream(ctx context.Context, req Request, onDelta func(delta string) error) (string, error)
}

// NewProvider builds the provider selected by cfg.Provider.
func NewProvider(ctx context.Context, cfg config.AIConfig) (Provider, error) {
	if !cfg.Enabled() {
		return nil, errors.Errorf("credentials for AI provider %q are not configured", cfg.Provider)
	}

	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiProvider(ctx, cfg)
	case config.ProviderArk:
		return NewArkProvider(ctx, cfg)
	case config.ProviderAnthropic:
		return NewAnthropicProvider(cfg)
	default:
		return nil, errors.Errorf("unknown AI provider %q", cfg.Provider)
	}
}

// StreamOrGenerate uses the provider's streaming API when it has one and
// otherwise delivers the complete reply as a single delta.
func StreamOrGenerate(ctx context.Context, p Provider, req Request, onDelta func(string) error) (string, error) {
	if s, ok := p.(Streamer); ok {
		return s.Stream(ctx, req, onDelta)
	}

	reply, err := p.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	if onDelta != nil && reply != "" {
		if err := onDelta(reply); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case chat.RoleAssistant, "model":
		return chat.RoleAssistant
	default:
		return chat.RoleUser
	}
}
