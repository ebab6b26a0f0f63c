package ai

import (
	"context"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	chat "github.com/pbryant/counselor/backend/internal/model/chat"
)

// Config controls the generation service.
type Config struct {
	StreamResponse bool
	HistoryLimit   int
	RuneBudget     int
}

// Service runs composed generation requests through an eino chain. The chat
// model behind the chain is stateless by contract; everything the model
// sees on a call comes from the composer's input.
type Service struct {
	chatModel model.BaseChatModel
	composer  *Composer
	cfg       Config
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService compiles the generation chain around the supplied chat model.
func NewService(ctx context.Context, chatModel model.BaseChatModel, cfg Config) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}

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
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		composer:  NewComposer(cfg.HistoryLimit, cfg.RuneBudget),
		cfg:       cfg,
		chain:     runnable,
	}, nil
}

// StreamingEnabled reports whether SSE streaming output is configured.
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// Composer exposes the prompt composer, mainly for tests and diagnostics.
func (s *Service) Composer() *Composer {
	return s.composer
}

// GenerateReply produces one reply for the session from its stored history
// and the newest utterance. Failures pass through untouched so the caller
// can classify them.
func (s *Service) GenerateReply(ctx context.Context, sessionID string, history []chat.Turn, utterance string) (*schema.Message, error) {
	input := s.composer.Compose(history, utterance)

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run generation chain: %w", err)
	}

	log.Printf("[ai] generated reply for session=%s, length=%d", sessionID, len(response.Content))
	return response, nil
}

// StreamReply streams reply chunks through the configured chain.
func (s *Service) StreamReply(ctx context.Context, history []chat.Turn, utterance string) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, fmt.Errorf("streaming disabled in configuration")
	}

	input := s.composer.Compose(history, utterance)

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream generation chain output: %w", err)
	}

	return stream, nil
}
