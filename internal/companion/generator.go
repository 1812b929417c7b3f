package companion

import (
	"context"
	"fmt"
	"strings"

	"github.com/shillcollin/gai/core"
	"github.com/shillcollin/gai/providers/openai"
)

const systemPromptFmt = "You are a friendly chat user with the following personality: %s. " +
	"Keep responses natural, conversational, and concise (1-3 sentences). Be engaging and friendly."

// defaultReply covers the rare case where the model answers with empty text.
const defaultReply = "Hey there! 👋"

// Turn is one prior message in a conversation, as seen from the companion's
// side of the table.
type Turn struct {
	FromCompanion bool
	Content       string
}

// Generator produces a companion reply to the human's latest message.
type Generator interface {
	Reply(ctx context.Context, persona string, history []Turn, userMessage string) (string, error)
}

// ModelGenerator generates replies through an OpenAI-compatible model.
type ModelGenerator struct {
	client *openai.Client
}

// ModelConfig holds model generation settings.
type ModelConfig struct {
	APIKey  string
	Model   string // default gpt-4o-mini
	BaseURL string // optional override for compatible endpoints
}

// NewModelGenerator creates a generator against the configured model.
func NewModelGenerator(config ModelConfig) *ModelGenerator {
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	opts := []openai.Option{
		openai.WithAPIKey(config.APIKey),
		openai.WithModel(config.Model),
	}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}
	return &ModelGenerator{client: openai.New(opts...)}
}

// Reply asks the model for a response in the companion's persona, feeding it
// the recent conversation turns and the human's latest message.
func (g *ModelGenerator) Reply(ctx context.Context, persona string, history []Turn, userMessage string) (string, error) {
	messages := make([]core.Message, 0, len(history)+2)
	messages = append(messages, core.SystemMessage(fmt.Sprintf(systemPromptFmt, persona)))
	for _, t := range history {
		if t.FromCompanion {
			messages = append(messages, core.AssistantMessage(t.Content))
		} else {
			messages = append(messages, core.UserMessage(core.TextPart(t.Content)))
		}
	}
	messages = append(messages, core.UserMessage(core.TextPart(userMessage)))

	result, err := g.client.GenerateText(ctx, core.Request{
		Messages:    messages,
		MaxTokens:   150,
		Temperature: 0.9,
	})
	if err != nil {
		return "", fmt.Errorf("companion: generate: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return defaultReply, nil
	}
	return text, nil
}
