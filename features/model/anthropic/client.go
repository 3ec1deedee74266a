// Package anthropic provides an llm.Client implementation backed by the
// Anthropic Claude Messages API. It translates kernel chat requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// folds the response's text blocks back into a single opaque string, since
// the kernel's own llm.Client contract treats the reply as free-form text
// and leaves all structure extraction to llm.ExtractJSON.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
)

// ErrRateLimited is an alias of llm.ErrRateLimited kept for callers that
// import this package directly; errors.Is works identically against either.
var ErrRateLimited = llm.ErrRateLimited

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a fake in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used for every call.
		// Use the typed model constants from github.com/anthropics/anthropic-sdk-go
		// (for example string(sdk.ModelClaudeSonnet4_5_20250929)).
		DefaultModel string
	}

	// Client implements llm.Client on top of Anthropic Claude Messages.
	Client struct {
		msg   MessagesClient
		model string

		mu    sync.Mutex
		usage llm.Usage
	}
)

// New builds an Anthropic-backed llm.Client from the provided Messages
// client and configuration.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{msg: msg, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// transport, authenticating with the given apiKey (which takes precedence
// over any ANTHROPIC_API_KEY in the environment).
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Chat implements llm.Client (spec.md §6).
func (c *Client) Chat(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int, purpose telemetry.Purpose) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("anthropic: messages are required")
	}
	if maxTokens <= 0 {
		return "", errors.New("anthropic: max_tokens must be positive")
	}

	conversation, system, err := encodeMessages(messages)
	if err != nil {
		return "", err
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(c.model),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if temperature > 0 {
		params.Temperature = sdk.Float(temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return "", fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return "", fmt.Errorf("anthropic: messages.new (%s): %w", purpose, err)
	}

	c.mu.Lock()
	c.usage = llm.Usage{PromptTokens: int(msg.Usage.InputTokens), ResponseTokens: int(msg.Usage.OutputTokens)}
	c.mu.Unlock()

	return extractText(msg), nil
}

// LastUsage implements llm.UsageReporter.
func (c *Client) LastUsage() llm.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

func encodeMessages(msgs []llm.Message) ([]sdk.MessageParam, string, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []string

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
		case llm.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, "", fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, "", errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, strings.Join(system, "\n\n"), nil
}

func extractText(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "429") || strings.Contains(strings.ToLower(err.Error()), "rate limit")
}
