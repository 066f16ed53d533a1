package provider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIProvider talks to any endpoint implementing the OpenAI chat
// completions contract: the cloud API, OpenRouter, or a local Ollama server.
type OpenAIProvider struct {
	name   string
	client openai.Client
	model  string
}

// NewOpenAIProvider builds the provider. baseURL selects the endpoint; apiKey
// may be empty for local servers that ignore it.
func NewOpenAIProvider(name, baseURL, apiKey, model string) *OpenAIProvider {
	opts := []option.RequestOption{}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Complete runs one chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: toOpenAIMessages(messages),
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", Classified(Classify(err), err)
	}
	if len(resp.Choices) == 0 {
		return "", Classified(ClassUnknown, fmt.Errorf("%s returned no choices", p.name))
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
