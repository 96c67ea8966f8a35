package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/stockapp/crawlsync/internal/models"
)

const (
	defaultModel     = openai.GPT4oMini
	defaultMaxTokens = 800
	defaultTimeout   = 60 * time.Second
	maxContentRunes  = 6000
)

const systemPrompt = `You extract publicly traded companies mentioned in financial news. ` +
	`Respond with ONLY valid JSON of the form {"entities": [{"symbol": "...", "name": "...", "exchange": "..."}]}. ` +
	`Use the primary listing ticker symbol. Omit companies you cannot map to a ticker. Return {"entities": []} if none.`

// Config holds OpenAI settings for entity extraction.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string // Overrides the API endpoint, e.g. for a proxy
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// OpenAIExtractor derives company entities from a news item with a chat completion.
type OpenAIExtractor struct {
	client *openai.Client
	config Config
	logger *slog.Logger
}

// NewOpenAIExtractor creates an extractor. The API key is required.
func NewOpenAIExtractor(config Config, logger *slog.Logger) (*OpenAIExtractor, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultMaxTokens
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIExtractor{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}, nil
}

// ExtractEntities returns the companies mentioned in item.
func (e *OpenAIExtractor) ExtractEntities(ctx context.Context, item models.NewsItem) ([]models.NewsEntity, error) {
	content := buildContent(item)
	if content == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               e.config.Model,
		Temperature:         e.config.Temperature,
		MaxCompletionTokens: e.config.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("entity extraction failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}

	entities, err := parseEntityResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entities: %w", err)
	}

	e.logger.Debug("extracted entities",
		"uuid", item.UUID,
		"entities", len(entities),
		"tokens", resp.Usage.TotalTokens)
	return entities, nil
}

func buildContent(item models.NewsItem) string {
	var b strings.Builder
	for _, part := range []struct{ label, value string }{
		{"Title", item.Title},
		{"Description", item.Description},
		{"Snippet", item.Snippet},
		{"Keywords", item.Keywords},
	} {
		if strings.TrimSpace(part.value) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", part.label, strings.TrimSpace(part.value))
	}

	content := b.String()
	if runes := []rune(content); len(runes) > maxContentRunes {
		content = string(runes[:maxContentRunes])
	}
	return content
}

type rawEntity struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
}

// parseEntityResponse accepts {"entities": [...]}, a bare array, or either
// embedded in surrounding text.
func parseEntityResponse(response string) ([]models.NewsEntity, error) {
	var wrapped struct {
		Entities []rawEntity `json:"entities"`
	}
	if err := json.Unmarshal([]byte(response), &wrapped); err == nil {
		return normalize(wrapped.Entities), nil
	}

	var raw []rawEntity
	if err := json.Unmarshal([]byte(response), &raw); err == nil {
		return normalize(raw), nil
	}

	start := findJSONStart(response)
	end := findJSONEnd(response)
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no json found in response")
	}
	fragment := response[start : end+1]
	if err := json.Unmarshal([]byte(fragment), &wrapped); err == nil && wrapped.Entities != nil {
		return normalize(wrapped.Entities), nil
	}
	if err := json.Unmarshal([]byte(fragment), &raw); err != nil {
		return nil, fmt.Errorf("json parse error: %w", err)
	}
	return normalize(raw), nil
}

// normalize upper-cases symbols, drops entries without one and removes duplicates.
func normalize(raw []rawEntity) []models.NewsEntity {
	entities := make([]models.NewsEntity, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		symbol := strings.ToUpper(strings.TrimSpace(r.Symbol))
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		entities = append(entities, models.NewsEntity{
			Symbol:   symbol,
			Name:     strings.TrimSpace(r.Name),
			Exchange: strings.ToUpper(strings.TrimSpace(r.Exchange)),
		})
	}
	return entities
}

// findJSONStart returns the index of the first '[' or '{'.
func findJSONStart(text string) int {
	for i, ch := range text {
		if ch == '[' || ch == '{' {
			return i
		}
	}
	return -1
}

// findJSONEnd returns the index closing the first balanced JSON value.
func findJSONEnd(text string) int {
	depth := 0
	inString := false
	escape := false

	for i, ch := range text {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
