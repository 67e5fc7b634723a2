package provider

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend calls the Anthropic Messages API for profiles with
// kind "anthropic".
type AnthropicBackend struct{}

func (b *AnthropicBackend) Complete(ctx context.Context, p Profile, req Request) (string, error) {
	opts := []option.RequestOption{option.WithAPIKey(p.APIKey)}
	if p.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(p.Endpoint))
	}
	client := anthropic.NewClient(opts...)

	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int64(MaxOutputTokens(p.ModelID))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.ModelID),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}

	ctx, cancel := context.WithTimeout(ctx, openaiTimeout)
	defer cancel()

	message, err := client.Messages.New(ctx, params,
		option.WithRequestTimeout(30*time.Second),
	)
	if err != nil {
		return "", &ProviderError{Provider: p.Name, Message: err.Error()}
	}

	var content string
	for _, block := range message.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += textBlock.Text
		}
	}
	if content == "" {
		return "", &ProviderError{Provider: p.Name, Message: "empty completion response"}
	}
	return content, nil
}
