package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestChatReturnsJoinedText(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "world"},
			},
			Usage: sdk.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
	cl, err := New(stub, Options{DefaultModel: "claude-3.5-sonnet"})
	require.NoError(t, err)

	out, err := cl.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "be terse"},
		{Role: llm.RoleUser, Content: "hello"},
	}, 0.5, 128, telemetry.PurposePlanning)
	require.NoError(t, err)
	assert.Equal(t, "world", out)
	assert.Len(t, stub.lastParams.System, 1)
	assert.Equal(t, "be terse", stub.lastParams.System[0].Text)

	usage := cl.LastUsage()
	assert.Equal(t, 10, usage.PromptTokens)
	assert.Equal(t, 5, usage.ResponseTokens)
}

func TestChatRequiresMessages(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-3.5-sonnet"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), nil, 0, 128, telemetry.PurposeOther)
	assert.EqualError(t, err, "anthropic: messages are required")
}

func TestChatRequiresPositiveMaxTokens(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-3.5-sonnet"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, 0, 0, telemetry.PurposeOther)
	assert.EqualError(t, err, "anthropic: max_tokens must be positive")
}

func TestChatRateLimited(t *testing.T) {
	stub := &stubMessagesClient{err: &rateLimitedErr{}}
	cl, err := New(stub, Options{DefaultModel: "claude-3.5-sonnet"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, 0, 64, telemetry.PurposeOther)
	assert.ErrorIs(t, err, ErrRateLimited)
}

type rateLimitedErr struct{}

func (*rateLimitedErr) Error() string { return "429 rate limit exceeded" }

func TestNewRequiresClientAndModel(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "m"})
	assert.EqualError(t, err, "anthropic client is required")

	_, err = New(&stubMessagesClient{}, Options{})
	assert.EqualError(t, err, "default model identifier is required")
}
