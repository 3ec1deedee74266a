package engine

import (
	"context"
	"testing"

	"github.com/ai-change-the-world/autoagent/runtime/agent/binding"
	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/parambuild"
	"github.com/ai-change-the-world/autoagent/runtime/agent/plan"
	"github.com/ai-change-the-world/autoagent/runtime/agent/state"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
	"github.com/ai-change-the-world/autoagent/runtime/agent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	response string
	err      error
	calls    int
}

func (f *fakeClient) Chat(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int, purpose telemetry.Purpose) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newDeps(t *testing.T, registry *tools.Registry, client llm.Client) Deps {
	t.Helper()
	return Deps{
		Registry:   registry,
		Client:     client,
		ParamBuild: parambuild.NewBuilder(client, registry, &binding.BindingPlan{}, nil),
		Retry:      RetryConfig{MaxRetries: 0, Strategy: RetryImmediate},
	}
}

func succeedingTool(name string) *tools.Tool {
	return &tools.Tool{
		Name: name,
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"success": true, "value": 42}, nil
		},
	}
}

func TestRunExecutesStepsInOrderAndRecordsHistory(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(succeedingTool("fetch")))

	execPlan := &plan.ExecutionPlan{
		Subtasks: []plan.PlanStep{
			{ID: "1", Tool: "fetch", Description: "fetch data"},
		},
	}
	s := state.New(nil, 100)

	exec := NewExecutor(newDeps(t, registry, nil))
	err := exec.Run(context.Background(), execPlan, s)
	require.NoError(t, err)

	history := exec.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, "fetch", history[0].ToolName)
}

func TestRunDispatchesThroughExternalExecutorWhenConfigured(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&tools.Tool{Name: "remote"}))

	var dispatched string
	deps := newDeps(t, registry, nil)
	deps.Executor = tools.ExecutorFunc(func(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
		dispatched = toolName
		return map[string]any{"success": true}, nil
	})

	execPlan := &plan.ExecutionPlan{Subtasks: []plan.PlanStep{{ID: "1", Tool: "remote"}}}
	s := state.New(nil, 100)

	exec := NewExecutor(deps)
	require.NoError(t, exec.Run(context.Background(), execPlan, s))
	assert.Equal(t, "remote", dispatched)
}

func TestRunFailsWhenToolHasNoHandlerOrExecutor(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&tools.Tool{Name: "broken"}))

	execPlan := &plan.ExecutionPlan{Subtasks: []plan.PlanStep{{ID: "1", Tool: "broken", OnFailStrategy: "abort"}}}
	s := state.New(nil, 100)

	exec := NewExecutor(newDeps(t, registry, nil))
	err := exec.Run(context.Background(), execPlan, s)
	require.Error(t, err)
}

func TestRunAppliesStateMappingAfterToolSuccess(t *testing.T) {
	registry := tools.NewRegistry()
	tool := succeedingTool("fetch")
	tool.OutputSchema = []string{"value"}
	tool.PostPolicy.ResultHandling.StateMapping = map[string]string{"value": "answer"}
	require.NoError(t, registry.Register(tool))

	execPlan := &plan.ExecutionPlan{Subtasks: []plan.PlanStep{{ID: "1", Tool: "fetch"}}}
	s := state.New(nil, 100)

	exec := NewExecutor(newDeps(t, registry, nil))
	require.NoError(t, exec.Run(context.Background(), execPlan, s))

	v, ok := s.Get("answer")
	require.True(t, ok)
	assert.EqualValues(t, 42, v)
}

func TestRunAbortsOnFailureWithAbortStrategy(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&tools.Tool{
		Name: "fails",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"success": false, "error": "boom"}, nil
		},
	}))

	execPlan := &plan.ExecutionPlan{Subtasks: []plan.PlanStep{{ID: "1", Tool: "fails", OnFailStrategy: "abort on failure"}}}
	s := state.New(nil, 100)

	exec := NewExecutor(newDeps(t, registry, nil))
	err := exec.Run(context.Background(), execPlan, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted")
}

func TestRunAdvancesPastFailureWithDefaultStrategy(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&tools.Tool{
		Name: "fails",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"success": false, "error": "boom"}, nil
		},
	}))
	require.NoError(t, registry.Register(succeedingTool("next")))

	execPlan := &plan.ExecutionPlan{Subtasks: []plan.PlanStep{
		{ID: "1", Tool: "fails"},
		{ID: "2", Tool: "next"},
	}}
	s := state.New(nil, 100)

	exec := NewExecutor(newDeps(t, registry, nil))
	require.NoError(t, exec.Run(context.Background(), execPlan, s))

	history := exec.History()
	require.Len(t, history, 2)
	assert.False(t, history[0].Success)
	assert.True(t, history[1].Success)
}

func TestRunJumpsToGotoTarget(t *testing.T) {
	registry := tools.NewRegistry()
	var runs int
	require.NoError(t, registry.Register(&tools.Tool{
		Name: "flaky",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			runs++
			if runs < 2 {
				return map[string]any{"success": false, "error": "boom"}, nil
			}
			return map[string]any{"success": true}, nil
		},
	}))

	execPlan := &plan.ExecutionPlan{Subtasks: []plan.PlanStep{
		{ID: "1", Tool: "flaky", OnFailStrategy: "goto step 1"},
	}}
	s := state.New(nil, 100)

	exec := NewExecutor(newDeps(t, registry, nil))
	require.NoError(t, exec.Run(context.Background(), execPlan, s))
	assert.Equal(t, 2, runs)

	history := exec.History()
	require.Len(t, history, 2)
	assert.False(t, history[0].Success)
	assert.True(t, history[1].Success)
}

func TestDispatchWithSmartRetryFallsBackToAlternativeTool(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&tools.Tool{
		Name: "primary",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"success": false, "error": "connection refused"}, nil
		},
		AlternativeTools: []string{"backup"},
	}))
	require.NoError(t, registry.Register(succeedingTool("backup")))

	execPlan := &plan.ExecutionPlan{Subtasks: []plan.PlanStep{{ID: "1", Tool: "primary"}}}
	s := state.New(nil, 100)

	deps := newDeps(t, registry, nil)
	exec := NewExecutor(deps)
	require.NoError(t, exec.Run(context.Background(), execPlan, s))

	history := exec.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
}

func TestClassifyByKeywordRecognizesNetworkError(t *testing.T) {
	c := classifyByKeyword("dial tcp: connection refused")
	assert.Equal(t, ErrorNetwork, c.Class)
	assert.True(t, c.IsRecoverable)
}

func TestClassifyPrefersLLMWhenClientConfigured(t *testing.T) {
	client := &fakeClient{response: `{"class": "resource_error", "is_recoverable": true, "root_cause": "rate limited upstream"}`}
	registry := tools.NewRegistry()
	exec := NewExecutor(newDeps(t, registry, client))

	c := exec.classify(context.Background(), "some-tool", "429 too many requests")
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, ErrorResource, c.Class)
	assert.True(t, c.IsRecoverable)
}

func TestClassifyFallsBackToKeywordsWhenLLMErrors(t *testing.T) {
	client := &fakeClient{err: assert.AnError}
	registry := tools.NewRegistry()
	exec := NewExecutor(newDeps(t, registry, client))

	c := exec.classify(context.Background(), "some-tool", "connection reset by peer")
	assert.Equal(t, ErrorNetwork, c.Class)
}

func TestClassifyByKeywordDefaultsToUnknown(t *testing.T) {
	c := classifyByKeyword("something truly unexpected happened")
	assert.Equal(t, ErrorUnknown, c.Class)
	assert.False(t, c.IsRecoverable)
}

func TestApplyExpectationValidationFlagsFailureAndWritesLastFailure(t *testing.T) {
	registry := tools.NewRegistry()
	exec := NewExecutor(newDeps(t, registry, nil))
	s := state.New(nil, 100)

	tool := &tools.Tool{
		Name: "writer",
		Validator: tools.ResultValidatorFunc(func(result map[string]any, expectation string, st map[string]any, mode string) (bool, string) {
			return false, "expected a non-empty file list"
		}),
	}
	step := plan.PlanStep{ID: "1", Tool: "writer", Expectations: "writes at least one file"}
	result := map[string]any{"success": true}

	out := exec.applyExpectationValidation(context.Background(), step, tool, result, nil, s)
	assert.Equal(t, true, out["expectationFailed"])

	v, ok := s.Get("last_failure.writer")
	require.True(t, ok)
	assert.Equal(t, "expected a non-empty file list", v)
}

func TestRetryConfigDelayStrategies(t *testing.T) {
	immediate := RetryConfig{Strategy: RetryImmediate}
	assert.Equal(t, int64(0), int64(immediate.delay(0)))

	linear := RetryConfig{Strategy: RetryLinearBackoff, BaseDelay: 100}
	assert.Equal(t, int64(300), int64(linear.delay(2)))

	exp := RetryConfig{Strategy: RetryExponentialBackoff, BaseDelay: 100, Factor: 2, MaxDelay: 1000}
	assert.Equal(t, int64(400), int64(exp.delay(2)))
}
