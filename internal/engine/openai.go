package engine

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/convoflow-dev/convoflow/internal/fault"
)

// OpenAIEngine implements Engine against the OpenAI chat completion API.
type OpenAIEngine struct {
	client *openai.Client
	model  string
}

// OpenAIConfig configures the OpenAI-backed engine.
type OpenAIConfig struct {
	// APIKey authenticates against the API.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the API endpoint (optional, for proxies and
	// compatible servers).
	BaseURL string `yaml:"base_url"`
	// Model is the chat model to use (default: gpt-4o-mini).
	Model string `yaml:"model"`
}

// NewOpenAIEngine creates an engine backed by the OpenAI API.
func NewOpenAIEngine(cfg OpenAIConfig) (*OpenAIEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAIEngine{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

// CreateTurn sends the input as a single user message and returns the
// completion with its token usage.
func (e *OpenAIEngine) CreateTurn(ctx context.Context, sessionID string, input string) (*Turn, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		User:  sessionID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
	})
	if err != nil {
		return nil, fault.Wrap(fault.ExternalFailure, "conversation engine", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.ExternalFailure, "conversation engine returned no choices")
	}

	return &Turn{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}
