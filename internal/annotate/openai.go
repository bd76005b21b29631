package annotate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// maxPromptChunk caps the chunk text sent to the model.
const maxPromptChunk = 6000

const promptTemplate = `Please write a short summary annotation for chunk %d of the OpenWrt UCI "%s" package. ` +
	`Use simple, easy to understand sentences and do not copy the configuration itself. ` +
	`The chunk content is:
%s`

// OpenAIConfig configures an OpenAISummarizer.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAISummarizer summarizes chunks with any OpenAI-compatible chat endpoint.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

// NewOpenAISummarizer creates a summarizer for cfg.
func NewOpenAISummarizer(cfg OpenAIConfig) *OpenAISummarizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAISummarizer{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

// Summarize implements Summarizer.
func (s *OpenAISummarizer) Summarize(ctx context.Context, text, module string, seq int) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(promptTemplate, seq, module, truncate(text, maxPromptChunk))},
		},
		Temperature: 0.7,
		MaxTokens:   512,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoSummary
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Model returns the chat model name.
func (s *OpenAISummarizer) Model() string { return s.model }

func truncate(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen] + "\n... [truncated]"
}
