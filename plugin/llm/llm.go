// Package llm streams chat replies from OpenAI-compatible endpoints
// (DeepSeek, OpenAI, Ollama).
package llm

import (
	"context"
	"io"
	"log/slog"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hrygo/chatsync/plugin/chat"
)

// Service is a chat.Generator backed by the chat completions API.
type Service struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewLLMService creates a new Service.
func NewLLMService(cfg *Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &Service{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// ChatStream performs streaming chat. An empty model selects the configured one.
// The content channel is closed when the reply ends; a failure is sent on the
// error channel before it closes.
func (s *Service) ChatStream(ctx context.Context, model string, messages []chat.Message) (<-chan string, <-chan error) {
	contentChan := make(chan string)
	errChan := make(chan error, 1)
	if model == "" {
		model = s.model
	}

	go func() {
		defer close(contentChan)
		defer close(errChan)

		stream, err := s.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Messages:    convertMessages(messages),
			MaxTokens:   s.maxTokens,
			Temperature: s.temperature,
			Stream:      true,
		})
		if err != nil {
			errChan <- s.streamError(ctx, err, "failed to open stream")
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errChan <- s.streamError(ctx, err, "stream receive failed")
				return
			}
			if len(response.Choices) == 0 || response.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case contentChan <- response.Choices[0].Delta.Content:
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			}
		}
	}()

	return contentChan, errChan
}

// streamError prefers the context error so callers can tell a stop from a failure.
func (s *Service) streamError(ctx context.Context, err error, msg string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	slog.Warn("llm "+msg, "model", s.model, "error", err)
	return errors.Wrap(err, msg)
}

func convertMessages(messages []chat.Message) []openai.ChatCompletionMessage {
	llmMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case chat.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case chat.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		llmMessages = append(llmMessages, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}
	return llmMessages
}
