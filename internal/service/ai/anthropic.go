package ai

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"

	"github.com/zhouzirui/sample-shop/backend/internal/config"
	"github.com/zhouzirui/sample-shop/backend/internal/model/chat"
)

const anthropicDefaultMaxTokens = 1024

type anthropicMessagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicProvider sends conversations to the Anthropic Messages API.
type AnthropicProvider struct {
	messages    anthropicMessagesClient
	model       string
	maxTokens   int64
	temperature *float64
	topP        *float64
	timeout     time.Duration
}

// NewAnthropicProvider creates an Anthropic-backed provider from config.
func NewAnthropicProvider(cfg config.AIConfig) (*AnthropicProvider, error) {
	apiKey := strings.TrimSpace(cfg.AnthropicAPIKey)
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required")
	}

	maxTokens := int64(anthropicDefaultMaxTokens)
	if cfg.MaxTokens != nil && *cfg.MaxTokens > 0 {
		maxTokens = int64(*cfg.MaxTokens)
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{
		messages:    &client.Messages,
		model:       cfg.AnthropicModel,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		timeout:     cfg.Timeout,
	}, nil
}

func (p *AnthropicProvider) Name() string { return config.ProviderAnthropic }

// Generate sends one Messages request carrying the whole history.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.messages.New(callCtx, p.buildParams(req))
	if err != nil {
		return "", errors.Wrap(err, "anthropic create message")
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", ErrEmptyResponse
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

func (p *AnthropicProvider) buildParams(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		if normalizeRole(turn.Role) == chat.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Message)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  messages,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if p.temperature != nil {
		params.Temperature = anthropic.Float(*p.temperature)
	}
	if p.topP != nil {
		params.TopP = anthropic.Float(*p.topP)
	}
	return params
}

var _ Provider = (*AnthropicProvider)(nil)
