// Package planner implements the TaskPlanner external collaborator contract
// (spec.md §4.2): it classifies a task's complexity, derives an execution
// strategy from that classification, and turns a natural-language query
// plus whatever context is available into an ExecutionPlan. Initial replans
// (after a run is already underway) are the ReplanManager's job
// (runtime/agent/replan); TaskPlanner only ever produces the first plan for
// a run.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ai-change-the-world/autoagent/runtime/agent/kernelerr"
	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/plan"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
	"github.com/ai-change-the-world/autoagent/runtime/agent/tools"
)

// TaskPlanner is the kernel's entry point for turning a query into an
// ExecutionPlan. It is stateless; callers hold one instance per Registry/
// Client pair and reuse it across runs.
type TaskPlanner struct {
	Client   llm.Client
	Registry *tools.Registry
}

// New constructs a TaskPlanner.
func New(client llm.Client, registry *tools.Registry) *TaskPlanner {
	return &TaskPlanner{Client: client, Registry: registry}
}

// PlanRequest carries everything Plan needs beyond the TaskPlanner's own
// collaborators (spec.md §4.2).
type PlanRequest struct {
	// Query is the natural-language task description.
	Query string
	// UserContext is free-form context about the requester (preferences,
	// prior decisions) injected into the planning prompt.
	UserContext string
	// ConversationContext is a summary of the conversation so far, when the
	// task arrives mid-conversation.
	ConversationContext string
	// InitialPlan optionally seeds the request with steps already decided
	// upstream (e.g. a human-approved outline). Steps marked IsPinned are
	// preserved verbatim; when every step is pinned, Plan returns the
	// initial plan unchanged without calling the LLM at all.
	InitialPlan *plan.ExecutionPlan
	// SkipProfiling bypasses complexity classification (callers that already
	// know the complexity, e.g. a retry of a previously classified task).
	SkipProfiling bool
}

// classifyResponse is the JSON shape expected from the complexity
// classification prompt.
type classifyResponse struct {
	Complexity           string `json:"complexity"`
	EstimatedSteps       int    `json:"estimated_steps"`
	HasCodeGeneration    bool   `json:"has_code_generation"`
	HasCrossDependencies bool   `json:"has_cross_dependencies"`
	RequiresConsistency  bool   `json:"requires_consistency"`
	IsReversible         bool   `json:"is_reversible"`
	Reasoning            string `json:"reasoning"`
}

// ClassifyComplexity asks the LLM to rate a task's complexity against the
// four-level scale (spec.md §3 TaskProfile), falling back to
// ComplexityModerate with an explanatory Reasoning when the LLM is
// unavailable or its response can't be parsed — classification never fails
// the caller outright (spec.md §6).
func (p *TaskPlanner) ClassifyComplexity(ctx context.Context, query, userContext string) plan.TaskProfile {
	fallback := plan.TaskProfile{
		Complexity: plan.ComplexityModerate,
		Reasoning:  "complexity classification unavailable; defaulting to moderate",
	}
	if p.Client == nil {
		return fallback
	}

	prompt := p.buildClassifyPrompt(query, userContext)
	resp, err := p.Client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, 0.1, 0, telemetry.PurposePlanning)
	if err != nil {
		return fallback
	}
	text, err := llm.ExtractJSONText(resp)
	if err != nil {
		return fallback
	}
	var parsed classifyResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return fallback
	}

	complexity := plan.Complexity(strings.ToLower(strings.TrimSpace(parsed.Complexity)))
	switch complexity {
	case plan.ComplexitySimple, plan.ComplexityModerate, plan.ComplexityComplex, plan.ComplexityProject:
	default:
		complexity = plan.ComplexityModerate
	}

	return plan.TaskProfile{
		Complexity:           complexity,
		EstimatedSteps:       parsed.EstimatedSteps,
		HasCodeGeneration:    parsed.HasCodeGeneration,
		HasCrossDependencies: parsed.HasCrossDependencies,
		RequiresConsistency:  parsed.RequiresConsistency,
		IsReversible:         parsed.IsReversible,
		Reasoning:            parsed.Reasoning,
	}
}

func (p *TaskPlanner) buildClassifyPrompt(query, userContext string) string {
	var b strings.Builder
	b.WriteString("Classify the complexity of this task into exactly one of: simple, moderate, complex, project.\n\n")
	b.WriteString("- simple: a single tool call answers the request, no follow-on steps.\n")
	b.WriteString("- moderate: a short, mostly linear sequence of tool calls.\n")
	b.WriteString("- complex: multiple interacting steps, likely including code generation or artifacts that later steps depend on.\n")
	b.WriteString("- project: a multi-phase effort spanning many artifacts, requiring consistency checks and phase review.\n\n")
	fmt.Fprintf(&b, "Task: %s\n\n", query)
	if userContext != "" {
		fmt.Fprintf(&b, "User context: %s\n\n", userContext)
	}
	b.WriteString("Return JSON: {\"complexity\": \"...\", \"estimated_steps\": N, \"has_code_generation\": bool, ")
	b.WriteString("\"has_cross_dependencies\": bool, \"requires_consistency\": bool, \"is_reversible\": bool, \"reasoning\": \"...\"}")
	return b.String()
}

// stepDict mirrors the JSON shape of one planned step in the planning
// prompt's expected response.
type stepDict struct {
	Step           int            `json:"step"`
	Name           string         `json:"name"`
	Tool           string         `json:"tool"`
	Description    string         `json:"description"`
	Parameters     map[string]any `json:"parameters"`
	Dependencies   []string       `json:"dependencies"`
	Expectations   string         `json:"expectations"`
	OnFailStrategy string         `json:"on_fail_strategy"`
	ReadFields     []string       `json:"read_fields"`
	WriteFields    []string       `json:"write_fields"`
}

type planResponse struct {
	Intent          string         `json:"intent"`
	Steps           []stepDict     `json:"steps"`
	StateSchema     map[string]any `json:"state_schema"`
	ExpectedOutcome string         `json:"expected_outcome"`
	Warnings        []string       `json:"warnings"`
	Errors          []string       `json:"errors"`
}

// dictToPlanStep converts one parsed stepDict into a plan.PlanStep, assigning
// a stable ID from its declared step number (or sequence position, when the
// model omits "step").
func dictToPlanStep(d stepDict, index int) plan.PlanStep {
	tool := d.Name
	if tool == "" {
		tool = d.Tool
	}
	id := d.Step
	if id == 0 {
		id = index + 1
	}
	return plan.PlanStep{
		ID:             fmt.Sprintf("%d", id),
		Description:    d.Description,
		Tool:           tool,
		Parameters:     d.Parameters,
		Dependencies:   d.Dependencies,
		Expectations:   d.Expectations,
		OnFailStrategy: orDefault(d.OnFailStrategy, "retry"),
		ReadFields:     d.ReadFields,
		WriteFields:    d.WriteFields,
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Plan turns a PlanRequest into an ExecutionPlan (spec.md §4.2):
//  1. If InitialPlan is non-nil and every step is pinned, it is returned
//     unchanged (profiled, if not already) without any LLM call.
//  2. Otherwise: classify complexity (unless SkipProfiling), derive the
//     execution strategy by table lookup, and ask the LLM to plan the
//     remaining work, incorporating any pinned steps as already-decided
//     context rather than asking the model to re-derive them.
//
// On LLM failure or unparseable output, Plan never returns a Go error for
// that reason; it returns an ExecutionPlan carrying the pinned steps (if
// any) with the failure recorded in Errors, so a caller can decide whether
// a degraded or pinned-only plan is still useful (spec.md §6).
func (p *TaskPlanner) Plan(ctx context.Context, req PlanRequest) (*plan.ExecutionPlan, error) {
	if req.InitialPlan != nil && req.InitialPlan.AllPinned() {
		out := *req.InitialPlan
		if out.TaskProfile == nil {
			profile := p.profileFor(ctx, req)
			out.TaskProfile = &profile
		}
		if out.ExecutionStrategy == nil {
			strategy := plan.DefaultStrategyFor(out.TaskProfile.Complexity)
			out.ExecutionStrategy = &strategy
		}
		return &out, nil
	}

	profile := p.profileFor(ctx, req)
	strategy := plan.DefaultStrategyFor(profile.Complexity)

	var pinned []plan.PlanStep
	if req.InitialPlan != nil {
		pinned = req.InitialPlan.Pinned()
	}

	if p.Client == nil {
		return &plan.ExecutionPlan{
			Subtasks:          pinned,
			Errors:            []string{"planner: no LLM client configured, returning pinned steps only"},
			TaskProfile:       &profile,
			ExecutionStrategy: &strategy,
		}, nil
	}

	prompt := p.buildPlanningPrompt(req, pinned)
	resp, err := p.Client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, 0.3, 0, telemetry.PurposePlanning)
	if err != nil {
		return &plan.ExecutionPlan{
			Subtasks:          pinned,
			Errors:            []string{kernelerr.Planning("LLM call failed", err).Error()},
			TaskProfile:       &profile,
			ExecutionStrategy: &strategy,
		}, nil
	}

	text, err := llm.ExtractJSONText(resp)
	if err != nil {
		return &plan.ExecutionPlan{
			Subtasks:          pinned,
			Errors:            []string{kernelerr.Planning("could not extract JSON from plan response", err).Error()},
			TaskProfile:       &profile,
			ExecutionStrategy: &strategy,
		}, nil
	}

	var parsed planResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return &plan.ExecutionPlan{
			Subtasks:          pinned,
			Errors:            []string{kernelerr.Planning("malformed plan JSON", err).Error()},
			TaskProfile:       &profile,
			ExecutionStrategy: &strategy,
		}, nil
	}

	generated := make([]plan.PlanStep, 0, len(parsed.Steps))
	for i, sd := range parsed.Steps {
		generated = append(generated, dictToPlanStep(sd, len(pinned)+i))
	}

	subtasks := make([]plan.PlanStep, 0, len(pinned)+len(generated))
	subtasks = append(subtasks, pinned...)
	subtasks = append(subtasks, generated...)

	intent := parsed.Intent
	if intent == "" {
		intent = req.Query
	}

	return &plan.ExecutionPlan{
		Intent:            intent,
		Subtasks:          subtasks,
		ExpectedOutcome:   parsed.ExpectedOutcome,
		StateSchema:       parsed.StateSchema,
		Warnings:          parsed.Warnings,
		Errors:            parsed.Errors,
		TaskProfile:       &profile,
		ExecutionStrategy: &strategy,
	}, nil
}

func (p *TaskPlanner) profileFor(ctx context.Context, req PlanRequest) plan.TaskProfile {
	if req.SkipProfiling {
		return plan.TaskProfile{Complexity: plan.ComplexityModerate, Reasoning: "profiling skipped by caller"}
	}
	return p.ClassifyComplexity(ctx, req.Query, req.UserContext)
}

func (p *TaskPlanner) buildPlanningPrompt(req PlanRequest, pinned []plan.PlanStep) string {
	catalog := "no tools available"
	if p.Registry != nil {
		catalog = p.Registry.Catalog()
	}

	var b strings.Builder
	b.WriteString("You are an intelligent task planner. Break the task down into an ordered sequence of tool calls.\n\n")
	fmt.Fprintf(&b, "Task: %s\n\n", req.Query)
	if req.UserContext != "" {
		fmt.Fprintf(&b, "User context: %s\n\n", req.UserContext)
	}
	if req.ConversationContext != "" {
		fmt.Fprintf(&b, "Conversation so far: %s\n\n", req.ConversationContext)
	}
	if len(pinned) > 0 {
		pinnedJSON, _ := json.Marshal(pinnedSummary(pinned))
		fmt.Fprintf(&b, "These steps are already decided and must be kept exactly as given; only plan what comes after them, continuing the step numbering: %s\n\n", pinnedJSON)
	}
	fmt.Fprintf(&b, "Available tools:\n%s\n\n", catalog)
	b.WriteString("Each step must specify: step (number), name (the tool to call), description, parameters, ")
	b.WriteString("dependencies (step numbers this one needs), expectations (what a successful result looks like), ")
	b.WriteString("on_fail_strategy (retry / goto N / abort / a short natural-language fallback instruction), ")
	b.WriteString("read_fields (state keys this step reads) and write_fields (state keys this step writes).\n\n")
	b.WriteString("Return JSON: {\"intent\": \"...\", \"steps\": [{...}], \"state_schema\": {...}, ")
	b.WriteString("\"expected_outcome\": \"...\", \"warnings\": [...], \"errors\": [...]}")
	return b.String()
}

func pinnedSummary(steps []plan.PlanStep) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		out = append(out, map[string]any{"step": s.ID, "tool": s.Tool, "description": s.Description})
	}
	return out
}
