package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/services"
	"github.com/MegaGrindStone/chat-web-ui/internal/telemetry"
	"github.com/MegaGrindStone/chat-web-ui/internal/transcript"
	"gopkg.in/yaml.v3"
)

type queryConfig interface {
	queryService(systemPrompt string, logger *slog.Logger) (transcript.QueryService, error)
}

// BaseQueryConfig contains the common fields for all query backends.
type BaseQueryConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string           `yaml:"port"`
	LogLevel     slog.Level       `yaml:"logLevel"`
	Greeting     string           `yaml:"greeting"`
	SystemPrompt string           `yaml:"systemPrompt"`
	DBPath       string           `yaml:"dbPath"`
	SessionTTL   time.Duration    `yaml:"sessionTTL"`
	Query        queryConfig      `yaml:"query"`
	Chats        chatsConfig      `yaml:"chats"`
	Telemetry    telemetry.Config `yaml:"telemetry"`
}

type chatsConfig struct {
	BaseURL string `yaml:"baseURL"`
}

type httpQueryConfig struct {
	BaseQueryConfig          `yaml:",inline"`
	Endpoint                 string `yaml:"endpoint"`
	services.QueryParameters `yaml:",inline"`
}

type openAIConfig struct {
	BaseQueryConfig        `yaml:",inline"`
	APIKey                 string `yaml:"apiKey"`
	BaseURL                string `yaml:"baseURL"`
	services.LLMParameters `yaml:",inline"`
}

type ollamaConfig struct {
	BaseQueryConfig        `yaml:",inline"`
	Host                   string `yaml:"host"`
	services.LLMParameters `yaml:",inline"`
}

const defaultPort = "8080"

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string           `yaml:"port"`
		LogLevel     string           `yaml:"logLevel"`
		Greeting     string           `yaml:"greeting"`
		SystemPrompt string           `yaml:"systemPrompt"`
		DBPath       string           `yaml:"dbPath"`
		SessionTTL   time.Duration    `yaml:"sessionTTL"`
		Query        map[string]any   `yaml:"query"`
		Chats        chatsConfig      `yaml:"chats"`
		Telemetry    telemetry.Config `yaml:"telemetry"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = defaultPort
	}
	if rawConfig.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(rawConfig.LogLevel)); err != nil {
			return fmt.Errorf("invalid logLevel: %w", err)
		}
	}
	c.Greeting = rawConfig.Greeting
	c.SystemPrompt = rawConfig.SystemPrompt
	c.DBPath = rawConfig.DBPath
	c.SessionTTL = rawConfig.SessionTTL
	c.Chats = rawConfig.Chats
	c.Telemetry = rawConfig.Telemetry

	// The query backend defaults to the HTTP endpoint of a local retrieval backend.
	provider := "http"
	if p, ok := rawConfig.Query["provider"]; ok {
		s, ok := p.(string)
		if !ok {
			return fmt.Errorf("query provider must be a string")
		}
		provider = s
	}

	queryRawYAML, err := yaml.Marshal(rawConfig.Query)
	if err != nil {
		return err
	}

	var query queryConfig
	switch provider {
	case "http":
		query = &httpQueryConfig{}
	case "openai":
		query = &openAIConfig{}
	case "ollama":
		query = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown query provider: %s", provider)
	}

	if err := yaml.Unmarshal(queryRawYAML, query); err != nil {
		return err
	}

	c.Query = query

	return nil
}

func (h httpQueryConfig) queryService(_ string, logger *slog.Logger) (transcript.QueryService, error) {
	params := h.QueryParameters
	if params.ModelName == "" {
		params.ModelName = h.Model
	}
	return services.NewQueryClient(h.Endpoint, params, nil, logger), nil
}

func (o openAIConfig) queryService(systemPrompt string, logger *slog.Logger) (transcript.QueryService, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.LLMParameters, logger), nil
}

func (o ollamaConfig) queryService(systemPrompt string, _ *slog.Logger) (transcript.QueryService, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	ollama, err := services.NewOllama(host, o.Model, systemPrompt, o.LLMParameters)
	if err != nil {
		return nil, err
	}
	return ollama, nil
}

func parseConfig(data string) (config, error) {
	// An empty document still goes through UnmarshalYAML so the defaults apply.
	if strings.TrimSpace(data) == "" {
		data = "{}"
	}

	cfg := config{}
	if err := yaml.NewDecoder(strings.NewReader(data)).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config: %w", err)
	}
	return cfg, nil
}
