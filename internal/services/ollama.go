package services

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama implements the QueryService interface by streaming answers from an Ollama server. Answers carry
// no sources.
type Ollama struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. An empty host means
// the OLLAMA_HOST environment variable, or the local default server when it is unset. It returns an error
// if the host URL is invalid.
func NewOllama(host, model, systemPrompt string, params LLMParameters) (Ollama, error) {
	o := Ollama{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
	}

	if host == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return Ollama{}, fmt.Errorf("invalid ollama host: %w", err)
		}
		o.client = client
		return o, nil
	}

	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host: %w", err)
	}
	o.client = api.NewClient(u, &http.Client{})
	return o, nil
}

func ollamaMessages(systemPrompt string, messages []models.Message) []api.Message {
	msgs := make([]api.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: systemPrompt})
	}
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		body, _ := models.SplitAnswer(msg.Content)
		msgs = append(msgs, api.Message{Role: string(msg.Role), Content: body})
	}
	return msgs
}

// Query streams the answer to the conversation from the Ollama chat API.
func (o Ollama) Query(ctx context.Context, messages []models.Message) iter.Seq2[models.AnswerChunk, error] {
	return func(yield func(models.AnswerChunk, error) bool) {
		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: ollamaMessages(o.systemPrompt, messages),
			Stream:   &t,
			Options:  o.options(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(models.AnswerChunk{Text: res.Message.Content}, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped {
				return
			}
			yield(models.AnswerChunk{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}

func (o Ollama) options() map[string]any {
	opts := map[string]any{}
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.MaxTokens > 0 {
		opts["num_predict"] = o.params.MaxTokens
	}
	return opts
}
