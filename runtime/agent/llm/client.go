// Package llm defines the kernel's external LLM client contract (spec.md
// §6) and the lenient JSON extraction helper every LLM-backed component
// (TaskPlanner, BindingPlanner, ParameterBuilder, ExecutionEngine,
// ReplanManager) relies on to turn free-form model output into structured
// data without ever crashing on malformed output.
package llm

import (
	"context"
	"errors"

	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
)

// ErrRateLimited is the sentinel a Client implementation wraps its own
// provider-specific rate-limit error with, so callers such as the adaptive
// rate limiter in features/model/middleware can recognize it with
// errors.Is regardless of which provider is in use.
var ErrRateLimited = errors.New("llm: rate limited")

// Role is a message role in a chat-style conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation sent to Client.Chat.
type Message struct {
	Role    Role
	Content string
}

// Client is the external LLM provider contract (spec.md §6). The response
// string is treated as opaque natural language; all structure is extracted
// from it leniently by ExtractJSON. Implementations should honor ctx
// cancellation and the default 120s operation timeout described in spec.md
// §5 when the caller does not supply a tighter deadline.
type Client interface {
	Chat(ctx context.Context, messages []Message, temperature float64, maxTokens int, purpose telemetry.Purpose) (string, error)
}

// Usage captures token accounting for a single call, when a Client
// implementation can report it (most can; it is optional because the
// contract in spec.md §6 only requires the response string).
type Usage struct {
	PromptTokens   int
	ResponseTokens int
}

// UsageReporter is optionally implemented by a Client so callers that care
// about token accounting (the Tracer, spec.md §4.8) can retrieve the usage
// of the most recently completed call without changing the core contract.
type UsageReporter interface {
	LastUsage() Usage
}
