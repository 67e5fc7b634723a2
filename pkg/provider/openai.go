package provider

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// openaiTimeout bounds one completion call. A provider that cannot
// answer within this window is treated as failed and the caller moves
// to the next profile.
const openaiTimeout = 30 * time.Second

// OpenAIBackend calls any OpenAI-compatible chat completion API. The
// profile's Endpoint overrides the default base URL, so the same
// backend serves OpenAI, DeepSeek, Moonshot and local gateways.
type OpenAIBackend struct{}

func (b *OpenAIBackend) Complete(ctx context.Context, p Profile, req Request) (string, error) {
	cfg := openai.DefaultConfig(p.APIKey)
	if p.Endpoint != "" {
		cfg.BaseURL = p.Endpoint
	}
	cfg.HTTPClient = &http.Client{Timeout: openaiTimeout}
	client := openai.NewClientWithConfig(cfg)

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = MaxOutputTokens(p.ModelID)
	}

	ctx, cancel := context.WithTimeout(ctx, openaiTimeout)
	defer cancel()

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.ModelID,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", &ProviderError{Provider: p.Name, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
		}
		return "", &ProviderError{Provider: p.Name, Message: err.Error()}
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: p.Name, Message: "empty completion response"}
	}
	return resp.Choices[0].Message.Content, nil
}

// thinkPattern matches reasoning blocks that some models emit before
// the answer.
var thinkPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThink removes reasoning blocks from model output. Text a
// contact would see must never contain them.
func StripThink(text string) string {
	return strings.TrimSpace(thinkPattern.ReplaceAllString(text, ""))
}
