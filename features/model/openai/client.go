// Package openai provides an llm.Client implementation backed by the OpenAI
// Chat Completions API, using github.com/openai/openai-go. Like the
// Anthropic adapter, it folds the response down to a single opaque string;
// all structure extraction is left to llm.ExtractJSON.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// adapter, so callers can substitute a fake in tests.
	ChatClient interface {
		New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		Client       ChatClient
		DefaultModel string
	}

	// Client implements llm.Client via the OpenAI Chat Completions API.
	Client struct {
		chat  ChatClient
		model string
	}
)

// New builds an OpenAI-backed llm.Client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: modelID}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP
// transport, reading the key from the argument rather than the environment
// so callers control credential sourcing explicitly.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	cl := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &sdkChatClient{cl: cl}, DefaultModel: defaultModel})
}

// Chat implements llm.Client (spec.md §6).
func (c *Client) Chat(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int, purpose telemetry.Purpose) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("openai: messages are required")
	}
	if maxTokens <= 0 {
		return "", errors.New("openai: max_tokens must be positive")
	}

	params := openai.ChatCompletionNewParams{
		Model:     c.model,
		Messages:  encodeMessages(messages),
		MaxTokens: openai.Int(int64(maxTokens)),
	}
	if temperature > 0 {
		params.Temperature = openai.Float(temperature)
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion (%s): %w", purpose, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func encodeMessages(msgs []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case llm.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		}
	}
	return out
}

// sdkChatClient adapts the real openai-go client to ChatClient.
type sdkChatClient struct {
	cl openai.Client
}

func (s *sdkChatClient) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	return s.cl.Chat.Completions.New(ctx, params, opts...)
}
