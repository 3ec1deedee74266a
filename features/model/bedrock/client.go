// Package bedrock provides an llm.Client implementation backed by the AWS
// Bedrock Runtime Converse API, using
// github.com/aws/aws-sdk-go-v2/service/bedrockruntime. Converse gives a
// single request/response shape across Bedrock's foundation models (Claude,
// Titan, Llama, and others), so this adapter needs no per-model encoding
// beyond picking a model ID, matching the kernel's other two LLM adapters in
// shape (features/model/anthropic, features/model/openai).
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
)

type (
	// ConverseClient captures the subset of the Bedrock Runtime SDK client
	// used by the adapter, so callers can substitute a fake in tests.
	ConverseClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		Client ConverseClient
		// ModelID is the Bedrock model identifier or inference profile ARN,
		// e.g. "anthropic.claude-3-5-sonnet-20241022-v2:0".
		ModelID string
	}

	// Client implements llm.Client via the Bedrock Runtime Converse API.
	Client struct {
		bedrock ConverseClient
		modelID string
	}
)

// New builds a Bedrock-backed llm.Client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("bedrock client is required")
	}
	if strings.TrimSpace(opts.ModelID) == "" {
		return nil, errors.New("model id is required")
	}
	return &Client{bedrock: opts.Client, modelID: opts.ModelID}, nil
}

// NewFromConfig constructs a client from an already-loaded aws.Config
// (typically built with config.LoadDefaultConfig so region and credentials
// come from the environment or an attached role).
func NewFromConfig(cfg aws.Config, modelID string) (*Client, error) {
	return New(Options{Client: bedrockruntime.NewFromConfig(cfg), ModelID: modelID})
}

// Chat implements llm.Client (spec.md §6).
func (c *Client) Chat(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int, purpose telemetry.Purpose) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("bedrock: messages are required")
	}
	if maxTokens <= 0 {
		return "", errors.New("bedrock: max_tokens must be positive")
	}

	conversation, system, err := encodeMessages(messages)
	if err != nil {
		return "", err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.modelID),
		Messages: conversation,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)),
		},
	}
	if system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(temperature))
	}

	out, err := c.bedrock.Converse(ctx, input)
	if err != nil {
		if isThrottled(err) {
			return "", fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return "", fmt.Errorf("bedrock: converse (%s): %w", purpose, err)
	}
	return extractText(out), nil
}

func encodeMessages(msgs []llm.Message) ([]types.Message, string, error) {
	conversation := make([]types.Message, 0, len(msgs))
	var system []string

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
		case llm.RoleUser:
			conversation = append(conversation, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case llm.RoleAssistant:
			conversation = append(conversation, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			return nil, "", fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, "", errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, strings.Join(system, "\n\n"), nil
}

func extractText(out *bedrockruntime.ConverseOutput) string {
	if out == nil {
		return ""
	}
	msgOutput, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, block := range msgOutput.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok && text.Value != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(text.Value)
		}
	}
	return b.String()
}

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ThrottlingException"
	}
	return false
}
