package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dify-chat/backend/internal/config"
	"github.com/zhouzirui/dify-chat/backend/internal/service/completion"
)

// Service answers prompts with an Ark chat model through an eino chain. It
// satisfies completion.Client so it can stand in for the Dify backend.
type Service struct {
	systemPrompt string
	chain        compose.Runnable[map[string]any, *schema.Message]
}

var _ completion.Client = (*Service)(nil)

// NewService builds the chat model from cfg and compiles the chain.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg.SystemPrompt)
}

// NewServiceWithModel compiles the chain around an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, systemPrompt string) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		systemPrompt: systemPrompt,
		chain:        runnable,
	}, nil
}

// Complete runs the chain once and returns the full answer.
func (s *Service) Complete(ctx context.Context, req completion.Request) (string, error) {
	response, err := s.chain.Invoke(ctx, s.buildChainInput(req))
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil {
		return completion.NoResponse, nil
	}

	log.Debug().Str("user", req.UserID).Int("length", len(response.Content)).Msg("ark response generated")
	return response.Content, nil
}

// Stream streams answer chunks from the chain.
func (s *Service) Stream(ctx context.Context, req completion.Request) (*schema.StreamReader[*schema.Message], error) {
	stream, err := s.chain.Stream(ctx, s.buildChainInput(req))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

func (s *Service) buildChainInput(req completion.Request) map[string]any {
	return map[string]any{
		"system": s.systemPrompt,
		"query":  req.Prompt,
	}
}
