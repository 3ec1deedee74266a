// Package binding implements the BindingPlanner external collaborator
// contract (spec.md §4.3): given a plan, the user query, and the initial
// state, it emits a BindingPlan whose every ParameterBinding.Confidence
// reflects how certain the model is about the parameter's source. Its
// output is advisory — ParameterBuilder recovers missing or low-confidence
// bindings at execution time.
package binding

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/plan"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
	"github.com/ai-change-the-world/autoagent/runtime/agent/tools"
)

// SourceType enumerates where a parameter's value is expected to come from.
type SourceType string

const (
	SourceUserInput  SourceType = "user_input"
	SourceStepOutput SourceType = "step_output"
	SourceState      SourceType = "state"
	SourceLiteral    SourceType = "literal"
	SourceGenerated  SourceType = "generated"
)

// FallbackPolicy enumerates how a low-confidence or unresolved binding is
// handled.
type FallbackPolicy string

const (
	FallbackLLMInfer   FallbackPolicy = "llm_infer"
	FallbackUseDefault FallbackPolicy = "use_default"
	FallbackError      FallbackPolicy = "error"
)

// ParameterBinding declares how one step parameter derives its value
// (spec.md §3).
type ParameterBinding struct {
	Source       string
	SourceType   SourceType
	Confidence   float64
	Reasoning    string
	Fallback     FallbackPolicy
	DefaultValue any
}

// StepBindings groups bindings for one plan step.
type StepBindings struct {
	StepID   string
	Tool     string
	Bindings map[string]ParameterBinding
}

// BindingPlan groups StepBindings across a whole plan.
type BindingPlan struct {
	Steps               []StepBindings
	ConfidenceThreshold  float64
	Reasoning            string
}

// DefaultConfidenceThreshold is used when a BindingPlan does not specify one
// (spec.md §3: "confidenceThreshold (default 0.7)").
const DefaultConfidenceThreshold = 0.7

// StepBindingsFor returns the StepBindings for stepID and true, or a zero
// StepBindings and false if the plan has none (an empty BindingPlan is
// handled gracefully by ParameterBuilder's Phase 4 legacy-fill path).
func (bp *BindingPlan) StepBindingsFor(stepID string) (StepBindings, bool) {
	if bp == nil {
		return StepBindings{}, false
	}
	for _, sb := range bp.Steps {
		if sb.StepID == stepID {
			return sb, true
		}
	}
	return StepBindings{}, false
}

// Planner computes a BindingPlan for an execution plan. The kernel invokes
// it once before execution begins, and again whenever a replan alters the
// remaining steps (spec.md §4.3 (b)).
type Planner interface {
	Plan(ctx context.Context, execPlan *plan.ExecutionPlan, userQuery string, initialState map[string]any) (*BindingPlan, error)
}

// LLMPlanner is the default Planner implementation: a single LLM call per
// invocation that proposes a binding for every declared parameter of every
// step.
type LLMPlanner struct {
	Client   llm.Client
	Registry *tools.Registry
}

// NewLLMPlanner constructs a Planner backed by client and registry.
func NewLLMPlanner(client llm.Client, registry *tools.Registry) *LLMPlanner {
	return &LLMPlanner{Client: client, Registry: registry}
}

type bindingResponse struct {
	Steps []struct {
		StepID   string `json:"step_id"`
		Bindings map[string]struct {
			Source       string  `json:"source"`
			SourceType   string  `json:"source_type"`
			Confidence   float64 `json:"confidence"`
			Reasoning    string  `json:"reasoning"`
			Fallback     string  `json:"fallback"`
			DefaultValue any     `json:"default_value"`
		} `json:"bindings"`
	} `json:"steps"`
	Reasoning string `json:"reasoning"`
}

// Plan asks the LLM to propose bindings for every step parameter. On a
// malformed or empty response it returns an empty BindingPlan rather than
// an error — ParameterBuilder's legacy-fill and LLM-fallback phases can
// still complete the task (spec.md §4.3 (c): "gracefully continue when the
// binding planner yields an empty plan").
func (p *LLMPlanner) Plan(ctx context.Context, execPlan *plan.ExecutionPlan, userQuery string, initialState map[string]any) (*BindingPlan, error) {
	if p.Client == nil || execPlan == nil || len(execPlan.Subtasks) == 0 {
		return &BindingPlan{ConfidenceThreshold: DefaultConfidenceThreshold}, nil
	}

	prompt := p.buildPrompt(execPlan, userQuery, initialState)
	resp, err := p.Client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, 0.1, 0, telemetry.PurposeBindingPlan)
	if err != nil {
		return &BindingPlan{ConfidenceThreshold: DefaultConfidenceThreshold}, nil
	}

	text, err := llm.ExtractJSONText(resp)
	if err != nil {
		return &BindingPlan{ConfidenceThreshold: DefaultConfidenceThreshold}, nil
	}
	var parsed bindingResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return &BindingPlan{ConfidenceThreshold: DefaultConfidenceThreshold}, nil
	}

	bp := &BindingPlan{ConfidenceThreshold: DefaultConfidenceThreshold, Reasoning: parsed.Reasoning}
	for _, s := range parsed.Steps {
		sb := StepBindings{StepID: s.StepID, Bindings: map[string]ParameterBinding{}}
		for param, b := range s.Bindings {
			sb.Bindings[param] = ParameterBinding{
				Source:       b.Source,
				SourceType:   SourceType(b.SourceType),
				Confidence:   b.Confidence,
				Reasoning:    b.Reasoning,
				Fallback:     FallbackPolicy(b.Fallback),
				DefaultValue: b.DefaultValue,
			}
		}
		bp.Steps = append(bp.Steps, sb)
	}
	return bp, nil
}

func (p *LLMPlanner) buildPrompt(execPlan *plan.ExecutionPlan, userQuery string, initialState map[string]any) string {
	stateJSON, _ := json.Marshal(initialState)
	prompt := fmt.Sprintf("User query: %s\n\nFor each step below, propose a ParameterBinding for every declared parameter: source, source_type (user_input|step_output|state|literal|generated), confidence (0-1), reasoning, fallback (llm_infer|use_default|error), default_value.\n\nInitial state: %s\n\nSteps:\n", userQuery, stateJSON)
	for _, step := range execPlan.Subtasks {
		prompt += fmt.Sprintf("- id=%s tool=%s description=%s\n", step.ID, step.Tool, step.Description)
	}
	prompt += "\nReturn JSON: {\"steps\": [{\"step_id\": \"...\", \"bindings\": {\"param\": {...}}}], \"reasoning\": \"...\"}"
	return prompt
}
