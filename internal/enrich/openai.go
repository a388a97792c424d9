package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/tributary/internal/model"
	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements the Provider interface using the Chat
// Completions API
type OpenAIProvider struct {
	client *openai.Client
	config model.EnrichmentConfig
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg model.EnrichmentConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
	}, nil
}

var _ Provider = (*OpenAIProvider)(nil)

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

const analyzePrompt = `Analyze the news text and answer with a single JSON object, no prose:
{
  "entities": ["named people, organizations, places"],
  "sentiment": 0.0,
  "topics": ["short topic labels"],
  "difficulty": 5
}
sentiment ranges -1 (negative) to 1 (positive). difficulty is reading
difficulty 1 (simple) to 10 (dense). Locale of the text: %s.

Text:
%s`

// Analyze extracts entities, sentiment, topics, and difficulty
func (p *OpenAIProvider) Analyze(ctx context.Context, text, locale string) (*model.Enrichment, error) {
	chatModel := p.config.Model
	if chatModel == "" {
		chatModel = openai.GPT4oMini
	}
	if locale == "" {
		locale = "en"
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: chatModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are a precise text-analysis service. Answer only with the requested JSON.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf(analyzePrompt, locale, truncate(text, 6000)),
			},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	enrichment, err := parseEnrichment(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}
	return enrichment, nil
}

// parseEnrichment decodes the model's JSON answer, tolerating the code
// fences chat models like to add
func parseEnrichment(content string) (*model.Enrichment, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var enrichment model.Enrichment
	if err := json.Unmarshal([]byte(content), &enrichment); err != nil {
		return nil, err
	}
	if enrichment.Sentiment < -1 || enrichment.Sentiment > 1 {
		return nil, fmt.Errorf("sentiment %f out of range", enrichment.Sentiment)
	}
	return &enrichment, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
