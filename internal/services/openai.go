package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI implements the QueryService interface by streaming answers straight from an OpenAI compatible
// chat completion API. Answers carry no sources.
type OpenAI struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// LLMParameters are optional sampling parameters for the LLM backed query services.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   int      `yaml:"maxTokens"`
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL means the official API.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(systemPrompt string, messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, msg := range messages {
		// System messages of a transcript are local error reports, not instructions.
		if msg.Role == models.RoleSystem {
			continue
		}
		body, _ := models.SplitAnswer(msg.Content)
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: body,
		})
	}
	return msgs
}

// Query streams the answer to the conversation from the chat completion API.
func (o OpenAI) Query(ctx context.Context, messages []models.Message) iter.Seq2[models.AnswerChunk, error] {
	return func(yield func(models.AnswerChunk, error) bool) {
		req := goopenai.ChatCompletionRequest{
			Model:     o.model,
			Messages:  openAIMessages(o.systemPrompt, messages),
			Stream:    true,
			MaxTokens: o.params.MaxTokens,
		}
		if o.params.Temperature != nil {
			req.Temperature = *o.params.Temperature
		}
		if o.params.TopP != nil {
			req.TopP = *o.params.TopP
		}

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(models.AnswerChunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(models.AnswerChunk{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			content := response.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			o.logger.Debug("Received delta", slog.String("content", content))
			if !yield(models.AnswerChunk{Text: content}, nil) {
				return
			}
		}
	}
}
