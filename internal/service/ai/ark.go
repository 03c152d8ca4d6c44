package ai

import (
	"context"
	"io"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/sample-shop/backend/internal/config"
	"github.com/zhouzirui/sample-shop/backend/internal/model/chat"
)

// ArkProvider runs conversations through an eino chain backed by a Volcengine Ark model.
type ArkProvider struct {
	chatModel model.ChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]
	timeout   time.Duration
}

// NewArkProvider creates the Ark chat model from config and compiles the prompt chain.
func NewArkProvider(ctx context.Context, cfg config.AIConfig) (*ArkProvider, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create ark chat model")
	}
	return newArkProvider(ctx, chatModel, cfg.Timeout)
}

func newArkProvider(ctx context.Context, chatModel model.ChatModel, timeout time.Duration) (*ArkProvider, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "compile chat chain")
	}

	return &ArkProvider{chatModel: chatModel, chain: runnable, timeout: timeout}, nil
}

func (p *ArkProvider) Name() string { return config.ProviderArk }

// Generate invokes the chain once and returns the model message content.
func (p *ArkProvider) Generate(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	response, err := p.chain.Invoke(callCtx, buildChainInput(req))
	if err != nil {
		return "", errors.Wrap(err, "run ark chain")
	}
	if response == nil {
		return "", ErrEmptyResponse
	}

	log.Debug().Int("length", len(response.Content)).Msg("ark generated response")
	return response.Content, nil
}

// Stream reads chunks from the chain until EOF.
func (p *ArkProvider) Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	callCtx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	stream, err := p.chain.Stream(callCtx, buildChainInput(req))
	if err != nil {
		return "", errors.Wrap(err, "stream ark chain")
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", errors.Wrap(recvErr, "receive ark chunk")
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" && onDelta != nil {
			if err := onDelta(chunk.Content); err != nil {
				return "", err
			}
		}
	}

	if len(chunks) == 0 {
		return "", nil
	}
	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", errors.Wrap(err, "concat ark chunks")
	}
	return response.Content, nil
}

func buildChainInput(req Request) map[string]any {
	return map[string]any{
		"system":  req.System,
		"history": buildHistoryMessages(req.History),
		"query":   req.Message,
	}
}

func buildHistoryMessages(turns []chat.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch normalizeRole(turn.Role) {
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		default:
			history = append(history, schema.UserMessage(turn.Content))
		}
	}
	return history
}

var (
	_ Provider = (*ArkProvider)(nil)
	_ Streamer = (*ArkProvider)(nil)
)
