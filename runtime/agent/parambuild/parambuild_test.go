package parambuild

import (
	"context"
	"testing"

	"github.com/ai-change-the-world/autoagent/runtime/agent/binding"
	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/plan"
	"github.com/ai-change-the-world/autoagent/runtime/agent/state"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
	"github.com/ai-change-the-world/autoagent/runtime/agent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	responses []string
	calls     int
}

func (c *scriptedClient) Chat(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int, purpose telemetry.Purpose) (string, error) {
	if c.calls >= len(c.responses) {
		return "{}", nil
	}
	resp := c.responses[c.calls]
	c.calls++
	return resp, nil
}

func registryWithTool(t *tools.Tool) *tools.Registry {
	r := tools.NewRegistry()
	_ = r.Register(t)
	return r
}

func TestBuildSeedsFromDeclaredAndPinnedParameters(t *testing.T) {
	tool := &tools.Tool{Name: "write_file", Parameters: []tools.Parameter{{Name: "path", Type: tools.ParamString, Required: true}}}
	registry := registryWithTool(tool)
	builder := NewBuilder(nil, registry, &binding.BindingPlan{}, nil)

	step := plan.PlanStep{ID: "1", Tool: "write_file", Parameters: map[string]any{"path": "out.go"}}
	s := state.New(nil, 10)

	args, _, err := builder.Build(context.Background(), step, s)
	require.NoError(t, err)
	assert.Equal(t, "out.go", args["path"])
}

func TestBuildResolvesUserInputBinding(t *testing.T) {
	tool := &tools.Tool{Name: "search", Parameters: []tools.Parameter{{Name: "query", Type: tools.ParamString, Required: true}}}
	registry := registryWithTool(tool)
	bp := &binding.BindingPlan{
		ConfidenceThreshold: binding.DefaultConfidenceThreshold,
		Steps: []binding.StepBindings{
			{StepID: "1", Bindings: map[string]binding.ParameterBinding{
				"query": {Source: "query", SourceType: binding.SourceUserInput, Confidence: 0.95, Fallback: binding.FallbackLLMInfer},
			}},
		},
	}
	builder := NewBuilder(nil, registry, bp, nil)

	s := state.New(map[string]any{"query": "golang concurrency"}, 10)
	step := plan.PlanStep{ID: "1", Tool: "search"}

	args, details, err := builder.Build(context.Background(), step, s)
	require.NoError(t, err)
	assert.Equal(t, "golang concurrency", args["query"])
	require.Len(t, details, 1)
	assert.Equal(t, "resolved", details[0].Status)
}

func TestBuildFallsBackToDefaultWhenConfidenceLow(t *testing.T) {
	tool := &tools.Tool{Name: "search", Parameters: []tools.Parameter{{Name: "limit", Type: tools.ParamNumber}}}
	registry := registryWithTool(tool)
	bp := &binding.BindingPlan{
		ConfidenceThreshold: binding.DefaultConfidenceThreshold,
		Steps: []binding.StepBindings{
			{StepID: "1", Bindings: map[string]binding.ParameterBinding{
				"limit": {SourceType: binding.SourceState, Confidence: 0.1, Fallback: binding.FallbackUseDefault, DefaultValue: 10},
			}},
		},
	}
	builder := NewBuilder(nil, registry, bp, nil)
	s := state.New(nil, 10)
	step := plan.PlanStep{ID: "1", Tool: "search"}

	args, _, err := builder.Build(context.Background(), step, s)
	require.NoError(t, err)
	assert.Equal(t, 10, args["limit"])
}

func TestBuildResolvesStepOutputBindingFromExecutorCache(t *testing.T) {
	tool := &tools.Tool{Name: "summarize", Parameters: []tools.Parameter{{Name: "text", Type: tools.ParamString, Required: true}}}
	registry := registryWithTool(tool)
	bp := &binding.BindingPlan{
		ConfidenceThreshold: binding.DefaultConfidenceThreshold,
		Steps: []binding.StepBindings{
			{StepID: "2", Bindings: map[string]binding.ParameterBinding{
				"text": {Source: "step_1.output.body", SourceType: binding.SourceStepOutput, Confidence: 0.99, Fallback: binding.FallbackLLMInfer},
			}},
		},
	}
	builder := NewBuilder(nil, registry, bp, nil)
	builder.UpdateStepOutput("1", map[string]any{"body": "draft text"})

	s := state.New(nil, 10)
	step := plan.PlanStep{ID: "2", Tool: "summarize"}

	args, _, err := builder.Build(context.Background(), step, s)
	require.NoError(t, err)
	assert.Equal(t, "draft text", args["text"])
}

func TestBuildAppliesLegacyParamAliasesWhenNoBinding(t *testing.T) {
	tool := &tools.Tool{
		Name:         "design_api",
		Parameters:   []tools.Parameter{{Name: "requirements", Type: tools.ParamString, Required: true}},
		ParamAliases: map[string]string{"requirements": "state.inputs.query"},
	}
	registry := registryWithTool(tool)
	builder := NewBuilder(nil, registry, &binding.BindingPlan{}, nil)

	s := state.New(map[string]any{"query": "build a REST API"}, 10)
	step := plan.PlanStep{ID: "1", Tool: "design_api"}

	args, _, err := builder.Build(context.Background(), step, s)
	require.NoError(t, err)
	assert.Equal(t, "build a REST API", args["requirements"])
}

func TestBuildUsesLLMFallbackForMissingParams(t *testing.T) {
	tool := &tools.Tool{Name: "draft", Parameters: []tools.Parameter{{Name: "outline", Type: tools.ParamString, Required: true}}}
	registry := registryWithTool(tool)
	client := &scriptedClient{responses: []string{"```json\n{\"outline\": \"intro, body, conclusion\"}\n```"}}
	builder := NewBuilder(client, registry, &binding.BindingPlan{}, nil)

	s := state.New(map[string]any{"query": "write an essay"}, 10)
	step := plan.PlanStep{ID: "1", Tool: "draft", Description: "draft an outline"}

	args, _, err := builder.Build(context.Background(), step, s)
	require.NoError(t, err)
	assert.Equal(t, "intro, body, conclusion", args["outline"])
	assert.Equal(t, 1, client.calls)
}

func TestBuildLLMFallbackIsCachedAcrossCalls(t *testing.T) {
	tool := &tools.Tool{Name: "draft", Parameters: []tools.Parameter{{Name: "outline", Type: tools.ParamString, Required: true}}}
	registry := registryWithTool(tool)
	client := &scriptedClient{responses: []string{"{\"outline\": \"v1\"}"}}
	builder := NewBuilder(client, registry, &binding.BindingPlan{}, nil)

	s := state.New(nil, 10)
	step := plan.PlanStep{ID: "1", Tool: "draft"}

	_, _, err := builder.Build(context.Background(), step, s)
	require.NoError(t, err)
	_, _, err = builder.Build(context.Background(), step, s)
	require.NoError(t, err)

	assert.Equal(t, 1, client.calls, "second build with identical missing params and state should hit the cache")
}

func TestValidateAndFixRepairsRangeViolation(t *testing.T) {
	tool := &tools.Tool{
		Name:       "paginate",
		Parameters: []tools.Parameter{{Name: "limit", Type: tools.ParamNumber}},
		ParameterValidators: []tools.ParameterValidator{
			{Param: "limit", Kind: tools.ValidatorRange, Range: "1,100"},
		},
	}
	registry := registryWithTool(tool)
	client := &scriptedClient{responses: []string{"{\"limit\": 50}"}}
	builder := NewBuilder(client, registry, &binding.BindingPlan{}, nil)

	s := state.New(nil, 10)
	step := plan.PlanStep{ID: "1", Tool: "paginate", Parameters: map[string]any{"limit": 500}}

	args, _, err := builder.Build(context.Background(), step, s)
	require.NoError(t, err)
	assert.Equal(t, float64(50), args["limit"])
}

func TestValidateAndFixReturnsArgsUnchangedWithoutClient(t *testing.T) {
	tool := &tools.Tool{
		Name:       "paginate",
		Parameters: []tools.Parameter{{Name: "limit", Type: tools.ParamNumber}},
		ParameterValidators: []tools.ParameterValidator{
			{Param: "limit", Kind: tools.ValidatorRange, Range: "1,100"},
		},
	}
	registry := registryWithTool(tool)
	builder := NewBuilder(nil, registry, &binding.BindingPlan{}, nil)

	s := state.New(nil, 10)
	step := plan.PlanStep{ID: "1", Tool: "paginate", Parameters: map[string]any{"limit": 500}}

	args, _, err := builder.Build(context.Background(), step, s)
	require.NoError(t, err)
	assert.Equal(t, 500, args["limit"], "without an LLM client the best-effort arguments are returned unchanged")
}
