package planner

import (
	"context"
	"testing"

	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/plan"
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

func TestPlanReturnsInitialPlanUnchangedWhenAllPinned(t *testing.T) {
	client := &fakeClient{response: "should never be used"}
	registry := tools.NewRegistry()
	p := New(client, registry)

	initial := &plan.ExecutionPlan{
		Subtasks: []plan.PlanStep{
			{ID: "1", Tool: "fetch", IsPinned: true},
			{ID: "2", Tool: "summarize", IsPinned: true},
		},
	}

	out, err := p.Plan(context.Background(), PlanRequest{Query: "do the thing", InitialPlan: initial})
	require.NoError(t, err)
	assert.Equal(t, 0, client.calls)
	require.Len(t, out.Subtasks, 2)
	assert.Equal(t, "fetch", out.Subtasks[0].Tool)
	require.NotNil(t, out.TaskProfile)
	require.NotNil(t, out.ExecutionStrategy)
}

func TestPlanCallsLLMAndParsesSteps(t *testing.T) {
	registry := tools.NewRegistry()

	// First call is the complexity classification; second is the planning
	// call. sequencedClient returns each in turn.
	seq := &sequencedClient{responses: []string{
		`{"complexity": "moderate", "estimated_steps": 2, "reasoning": "two linear steps"}`,
		`{"intent": "research topic", "steps": [
			{"step": 1, "name": "search", "description": "find sources"},
			{"step": 2, "name": "summarize", "description": "summarize findings", "dependencies": ["1"]}
		], "expected_outcome": "a summary"}`,
	}}
	p := New(seq, registry)

	out, err := p.Plan(context.Background(), PlanRequest{Query: "research topic"})
	require.NoError(t, err)
	require.Len(t, out.Subtasks, 2)
	assert.Equal(t, "search", out.Subtasks[0].Tool)
	assert.Equal(t, "summarize", out.Subtasks[1].Tool)
	assert.Equal(t, "a summary", out.ExpectedOutcome)
	assert.Equal(t, plan.ComplexityModerate, out.TaskProfile.Complexity)
	assert.Empty(t, out.Errors)
}

func TestPlanKeepsPinnedStepsAndAppendsGeneratedOnes(t *testing.T) {
	seq := &sequencedClient{responses: []string{
		`{"complexity": "simple"}`,
		`{"steps": [{"step": 2, "name": "write_report", "description": "write it up"}]}`,
	}}
	registry := tools.NewRegistry()
	p := New(seq, registry)

	initial := &plan.ExecutionPlan{
		Subtasks: []plan.PlanStep{{ID: "1", Tool: "fetch", IsPinned: true}},
	}

	out, err := p.Plan(context.Background(), PlanRequest{Query: "fetch then report", InitialPlan: initial})
	require.NoError(t, err)
	require.Len(t, out.Subtasks, 2)
	assert.Equal(t, "fetch", out.Subtasks[0].Tool)
	assert.Equal(t, "write_report", out.Subtasks[1].Tool)
}

func TestPlanFallsBackToPinnedStepsWhenLLMFails(t *testing.T) {
	client := &fakeClient{err: assert.AnError}
	registry := tools.NewRegistry()
	p := New(client, registry)

	initial := &plan.ExecutionPlan{
		Subtasks: []plan.PlanStep{{ID: "1", Tool: "fetch", IsPinned: true}},
	}

	out, err := p.Plan(context.Background(), PlanRequest{Query: "fetch data", InitialPlan: initial})
	require.NoError(t, err)
	require.Len(t, out.Subtasks, 1)
	assert.Equal(t, "fetch", out.Subtasks[0].Tool)
	assert.NotEmpty(t, out.Errors)
}

func TestPlanWithNoClientReturnsPinnedOnly(t *testing.T) {
	registry := tools.NewRegistry()
	p := New(nil, registry)

	out, err := p.Plan(context.Background(), PlanRequest{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, out.Subtasks)
	assert.NotEmpty(t, out.Errors)
	require.NotNil(t, out.TaskProfile)
	assert.Equal(t, plan.ComplexityModerate, out.TaskProfile.Complexity)
}

func TestClassifyComplexityFallsBackOnUnparseableResponse(t *testing.T) {
	client := &fakeClient{response: "not json at all"}
	registry := tools.NewRegistry()
	p := New(client, registry)

	profile := p.ClassifyComplexity(context.Background(), "query", "")
	assert.Equal(t, plan.ComplexityModerate, profile.Complexity)
	assert.NotEmpty(t, profile.Reasoning)
}

func TestClassifyComplexityParsesKnownLevel(t *testing.T) {
	client := &fakeClient{response: `{"complexity": "project", "estimated_steps": 12, "reasoning": "multi-phase effort"}`}
	registry := tools.NewRegistry()
	p := New(client, registry)

	profile := p.ClassifyComplexity(context.Background(), "build a whole system", "")
	assert.Equal(t, plan.ComplexityProject, profile.Complexity)
	assert.Equal(t, 12, profile.EstimatedSteps)
}

func TestProfileForSkipsClassificationWhenRequested(t *testing.T) {
	client := &fakeClient{response: `{"complexity": "project"}`}
	registry := tools.NewRegistry()
	p := New(client, registry)

	profile := p.profileFor(context.Background(), PlanRequest{SkipProfiling: true})
	assert.Equal(t, plan.ComplexityModerate, profile.Complexity)
	assert.Equal(t, 0, client.calls)
}

// sequencedClient returns each configured response in order, one per call,
// repeating the last response once exhausted.
type sequencedClient struct {
	responses []string
	calls     int
}

func (s *sequencedClient) Chat(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int, purpose telemetry.Purpose) (string, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}
