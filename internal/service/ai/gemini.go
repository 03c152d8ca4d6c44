package ai

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/zhouzirui/sample-shop/backend/internal/config"
	"github.com/zhouzirui/sample-shop/backend/internal/model/chat"
)

type geminiModelsClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

var newGeminiClient = func(ctx context.Context, cfg *genai.ClientConfig) (*genai.Client, error) {
	return genai.NewClient(ctx, cfg)
}

// GeminiProvider sends conversations to the Google Gemini API.
type GeminiProvider struct {
	models      geminiModelsClient
	model       string
	temperature *float64
	topP        *float64
	maxTokens   *int
	timeout     time.Duration
}

// NewGeminiProvider creates a Gemini-backed provider from config.
func NewGeminiProvider(ctx context.Context, cfg config.AIConfig) (*GeminiProvider, error) {
	apiKey := strings.TrimSpace(cfg.GoogleAPIKey)
	if apiKey == "" {
		return nil, errors.New("GOOGLE_API_KEY is required")
	}

	client, err := newGeminiClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create gemini client")
	}

	log.Debug().Str("model", cfg.GeminiModel).Dur("timeout", cfg.Timeout).Msg("gemini provider ready")
	return &GeminiProvider{
		models:      client.Models,
		model:       cfg.GeminiModel,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}, nil
}

func (p *GeminiProvider) Name() string { return config.ProviderGemini }

// Generate sends the history plus the new message and returns the reply text.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.models.GenerateContent(callCtx, p.model, p.buildContents(req), p.buildConfig(req))
	if err != nil {
		return "", errors.Wrap(err, "gemini generate content")
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	return extractVisibleText(resp), nil
}

// Stream forwards each new text fragment to onDelta.
func (p *GeminiProvider) Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	callCtx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	var output strings.Builder
	for resp, err := range p.models.GenerateContentStream(callCtx, p.model, p.buildContents(req), p.buildConfig(req)) {
		if err != nil {
			return "", errors.Wrap(err, "gemini stream content")
		}
		delta := extractVisibleText(resp)
		if delta == "" {
			continue
		}
		output.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return "", err
			}
		}
	}
	return output.String(), nil
}

func (p *GeminiProvider) buildContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := genai.RoleUser
		if normalizeRole(turn.Role) == chat.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: turn.Content}},
		})
	}
	return append(contents, &genai.Content{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: req.Message}},
	})
}

func (p *GeminiProvider) buildConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if system := strings.TrimSpace(req.System); system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if p.temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*p.temperature))
	}
	if p.topP != nil {
		cfg.TopP = genai.Ptr(float32(*p.topP))
	}
	if p.maxTokens != nil && *p.maxTokens > 0 {
		cfg.MaxOutputTokens = int32(*p.maxTokens)
	}
	return cfg
}

func extractVisibleText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

var (
	_ Provider = (*GeminiProvider)(nil)
	_ Streamer = (*GeminiProvider)(nil)
)
