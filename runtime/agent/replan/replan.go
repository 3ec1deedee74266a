// Package replan implements the ReplanManager: pathology detection over the
// running StepRecord history, the decision of whether a detected pathology
// (or a tool/strategy-driven trigger) warrants a replan, and the two replan
// shapes — incremental (prefix-preserving) and full — the kernel can ask
// for (spec.md §4.7).
package replan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/plan"
	"github.com/ai-change-the-world/autoagent/runtime/agent/state"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
	"github.com/ai-change-the-world/autoagent/runtime/agent/tools"
)

// PatternType enumerates the execution pathologies detection can surface.
type PatternType string

const (
	PatternCircularDependency PatternType = "circular_dependency"
	PatternRepeatedFailure    PatternType = "repeated_failure"
	PatternInefficientSeq     PatternType = "inefficient_sequence"
)

// Pattern is one detected pathology over a StepRecord window.
type Pattern struct {
	Type                  PatternType
	Description           string
	Frequency             int
	SuccessRate           float64
	SuggestedOptimization string
}

// DetectPatterns scans history for the two rule-based pathologies (spec.md
// §4.7): repeated failure (>=3 failures among the last 5 records) and
// circular dependency (any step id executed more than 3 times).
func DetectPatterns(history []plan.StepRecord) []Pattern {
	var patterns []Pattern
	if len(history) == 0 {
		return patterns
	}

	recent := history
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	var failures int
	for _, r := range recent {
		if !r.Success {
			failures++
		}
	}
	if failures >= 3 {
		successRate := float64(len(recent)-failures) / float64(len(recent))
		patterns = append(patterns, Pattern{
			Type:                  PatternRepeatedFailure,
			Description:           fmt.Sprintf("%d of the last %d steps failed", failures, len(recent)),
			Frequency:             failures,
			SuccessRate:           successRate,
			SuggestedOptimization: "check tool configuration or parameters; consider an alternative tool or a replan",
		})
	}

	counts := map[string]int{}
	for _, r := range history {
		counts[r.StepID]++
	}
	for stepID, count := range counts {
		if count <= 3 {
			continue
		}
		var stepTotal, stepSuccess int
		for _, r := range history {
			if r.StepID == stepID {
				stepTotal++
				if r.Success {
					stepSuccess++
				}
			}
		}
		rate := 0.0
		if stepTotal > 0 {
			rate = float64(stepSuccess) / float64(stepTotal)
		}
		patterns = append(patterns, Pattern{
			Type:                  PatternCircularDependency,
			Description:           fmt.Sprintf("step %s executed %d times, possible circular dependency", stepID, count),
			Frequency:             count,
			SuccessRate:           rate,
			SuggestedOptimization: "review step dependencies to avoid circular execution",
		})
	}
	return patterns
}

// ShouldTriggerReplan decides whether the step just completed warrants a
// ReplanManager pass, in strict priority order: tool-level forcing > global
// strategy disable > periodic > proactive > failure-driven (spec.md §4.7).
func ShouldTriggerReplan(ctx context.Context, client llm.Client, tool *tools.Tool, step plan.PlanStep, result plan.StepRecord, strategy *plan.ExecutionStrategy, stepIndex int, history []plan.StepRecord) (bool, string) {
	if tool != nil && tool.PostPolicy.PostSuccess.ReplanCondition != "" {
		if client != nil {
			if evaluateReplanCondition(ctx, client, tool.PostPolicy.PostSuccess.ReplanCondition, step, result) {
				return true, fmt.Sprintf("tool %s's replan condition was met: %s", step.Tool, tool.PostPolicy.PostSuccess.ReplanCondition)
			}
			return false, ""
		}
		return true, fmt.Sprintf("tool %s forces a replan check", step.Tool)
	}

	if strategy != nil && !strategy.EnableReplan {
		return false, "replanning is disabled by the global strategy"
	}

	if strategy != nil && strategy.ReplanTrigger == plan.ReplanPeriodic {
		interval := strategy.ReplanInterval
		if interval > 0 && (stepIndex+1)%interval == 0 {
			highImpact := tool != nil && tool.PostPolicy.PostSuccess.HighImpact
			if !highImpact {
				return false, "low-impact tool, skipping periodic check"
			}
			return true, fmt.Sprintf("periodic check (every %d steps)", interval)
		}
	}

	if strategy != nil && strategy.ReplanTrigger == plan.ReplanProactive {
		if tool != nil && tool.PostPolicy.PostSuccess.HighImpact {
			return true, fmt.Sprintf("high-impact tool %s completed, checking proactively", step.Tool)
		}
	}

	if !result.Success {
		if strategy != nil && strategy.ReplanTrigger == plan.ReplanOnFailure {
			return true, "step failure triggered a replan"
		}
		recentFailures := 0
		window := history
		if len(window) > 3 {
			window = window[len(window)-3:]
		}
		for _, r := range window {
			if !r.Success {
				recentFailures++
			}
		}
		if recentFailures >= 2 {
			return true, fmt.Sprintf("%d consecutive failures", recentFailures)
		}
	}

	return false, ""
}

func evaluateReplanCondition(ctx context.Context, client llm.Client, condition string, step plan.PlanStep, result plan.StepRecord) bool {
	outputJSON, _ := json.Marshal(result.Output)
	prompt := fmt.Sprintf("Decide whether this condition is met.\n\nCondition: %s\n\nStep: tool=%s description=%s\n\nResult: success=%v output=%s error=%s\n\nAnswer only \"yes\" or \"no\".",
		condition, step.Tool, step.Description, result.Success, truncate(string(outputJSON), 1000), result.Error)
	resp, err := client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, 0.1, 0, telemetry.PurposeReplan)
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(resp))
	return answer == "yes" || answer == "true"
}

// Manager generates replans once ShouldTriggerReplan (or a forced
// context-change) says one is warranted.
type Manager struct {
	Client   llm.Client
	Registry *tools.Registry
}

// NewManager constructs a Manager.
func NewManager(client llm.Client, registry *tools.Registry) *Manager {
	return &Manager{Client: client, Registry: registry}
}

// EvaluateAndReplan is the ReplanManager's top-level decision: a forced
// context change always produces a full replan; otherwise pathology
// detection runs, and circular-dependency pathologies (or a zero step
// index) force a full replan while other pathologies prefer an incremental
// one. Returns nil, nil when no replan is warranted.
func (m *Manager) EvaluateAndReplan(ctx context.Context, currentPlan *plan.ExecutionPlan, history []plan.StepRecord, s *state.State, contextChanged bool, currentStepIndex int, useIncremental bool) (*plan.ExecutionPlan, error) {
	if contextChanged {
		pattern := Pattern{Type: PatternInefficientSeq, Description: "context changed, the plan needs re-evaluation", SuggestedOptimization: "replan against the new context"}
		return m.generateFullPlan(ctx, currentPlan, []Pattern{pattern}, s, history)
	}

	patterns := DetectPatterns(history)
	if len(patterns) == 0 {
		return nil, nil
	}

	var problems []Pattern
	for _, p := range patterns {
		if p.Type == PatternCircularDependency || p.Type == PatternRepeatedFailure {
			problems = append(problems, p)
		}
	}
	if len(problems) == 0 {
		return nil, nil
	}

	severe := false
	for _, p := range problems {
		if p.Type == PatternCircularDependency {
			severe = true
		}
	}

	if useIncremental && !severe && currentStepIndex > 0 {
		return m.incrementalReplan(ctx, currentPlan, currentStepIndex, problems[0].Description, s, history)
	}
	return m.generateFullPlan(ctx, currentPlan, problems, s, history)
}

type incrementalResponse struct {
	Analysis       string `json:"analysis"`
	ExpectedOutcome string `json:"expected_outcome"`
	NewSteps       []struct {
		Step           int            `json:"step"`
		Name           string         `json:"name"`
		Description    string         `json:"description"`
		Parameters     map[string]any `json:"parameters"`
		Expectations   string         `json:"expectations"`
		OnFailStrategy string         `json:"on_fail_strategy"`
		ReadFields     []string       `json:"read_fields"`
		WriteFields    []string       `json:"write_fields"`
	} `json:"new_steps"`
}

// incrementalReplan asks the LLM to redesign only the remaining steps,
// preserving every already-completed step verbatim (spec.md §4.7: "must
// preserve completed steps, only adjust remaining steps").
func (m *Manager) incrementalReplan(ctx context.Context, currentPlan *plan.ExecutionPlan, currentStepIndex int, problemDescription string, s *state.State, history []plan.StepRecord) (*plan.ExecutionPlan, error) {
	if m.Client == nil {
		return nil, nil
	}

	completed := currentPlan.Subtasks[:currentStepIndex]
	remaining := currentPlan.Subtasks[currentStepIndex:]

	prompt := m.buildIncrementalPrompt(completed, remaining, problemDescription, s, history, currentStepIndex)
	resp, err := m.Client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, 0.3, 0, telemetry.PurposeIncrementalReplan)
	if err != nil {
		return nil, nil
	}
	text, err := llm.ExtractJSONText(resp)
	if err != nil {
		return nil, nil
	}
	var parsed incrementalResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, nil
	}
	if len(parsed.NewSteps) == 0 {
		return nil, nil
	}

	newSteps := make([]plan.PlanStep, 0, len(parsed.NewSteps))
	for i, sd := range parsed.NewSteps {
		id := fmt.Sprintf("replan_%d", len(completed)+i+1)
		newSteps = append(newSteps, plan.PlanStep{
			ID:              id,
			Description:     sd.Description,
			Tool:            sd.Name,
			Parameters:      sd.Parameters,
			Expectations:    sd.Expectations,
			OnFailStrategy:  orDefault(sd.OnFailStrategy, "retry"),
			ReadFields:      sd.ReadFields,
			WriteFields:     sd.WriteFields,
		})
	}

	allSteps := append(append([]plan.PlanStep{}, completed...), newSteps...)
	outcome := parsed.ExpectedOutcome
	if outcome == "" {
		outcome = currentPlan.ExpectedOutcome
	}
	return &plan.ExecutionPlan{
		Intent:          currentPlan.Intent,
		Subtasks:        allSteps,
		ExpectedOutcome: outcome,
		Warnings:        []string{fmt.Sprintf("incremental replan: %s", orDefault(parsed.Analysis, problemDescription))},
	}, nil
}

func (m *Manager) buildIncrementalPrompt(completed, remaining []plan.PlanStep, problemDescription string, s *state.State, history []plan.StepRecord, currentStepIndex int) string {
	completedSummary := make([]map[string]any, 0, len(completed))
	for i, step := range completed {
		success := "unknown"
		for _, r := range history {
			if r.StepID == step.ID {
				success = fmt.Sprintf("%v", r.Success)
				break
			}
		}
		completedSummary = append(completedSummary, map[string]any{
			"step": i + 1, "id": step.ID, "tool": step.Tool, "description": step.Description, "success": success,
		})
	}
	remainingSummary := make([]map[string]any, 0, len(remaining))
	for i, step := range remaining {
		remainingSummary = append(remainingSummary, map[string]any{
			"step": currentStepIndex + i + 1, "id": step.ID, "tool": step.Tool, "description": step.Description,
		})
	}
	completedJSON, _ := json.Marshal(completedSummary)
	remainingJSON, _ := json.Marshal(remainingSummary)

	catalog := "no tools available"
	if m.Registry != nil {
		catalog = m.Registry.Catalog()
	}

	var b strings.Builder
	b.WriteString("You are an intelligent task planner. The current execution plan ran into trouble and its remaining steps need adjusting.\n\n")
	b.WriteString("This is an incremental replan: completed steps must be preserved exactly; only adjust what remains.\n\n")
	fmt.Fprintf(&b, "Problem: %s\n\n", problemDescription)
	fmt.Fprintf(&b, "Completed steps (keep unchanged): %s\n\n", completedJSON)
	fmt.Fprintf(&b, "Remaining steps in the original plan (adjust these): %s\n\n", remainingJSON)
	fmt.Fprintf(&b, "Current state:\n%s\n\n", state.Compress(s, 4000))
	fmt.Fprintf(&b, "Available tools:\n%s\n\n", catalog)
	b.WriteString("Replan the remaining steps to reach the original goal, using the completed steps' outputs, avoiding previously failed steps, and preferring an alternative tool when one failed repeatedly.\n\n")
	b.WriteString("Return JSON: {\"analysis\": \"...\", \"new_steps\": [{\"step\": N, \"name\": \"tool\", \"description\": \"...\", \"read_fields\": [], \"write_fields\": [], \"expectations\": \"...\", \"on_fail_strategy\": \"...\"}], \"expected_outcome\": \"...\"}")
	return b.String()
}

type fullPlanResponse struct {
	Intent          string `json:"intent"`
	Analysis        string `json:"analysis"`
	ExpectedOutcome string `json:"expected_outcome"`
	Steps           []struct {
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
	} `json:"steps"`
}

// generateFullPlan asks the LLM for a brand-new plan from scratch (spec.md
// §4.7's full replan shape), used when pathologies are severe (circular
// dependency) or a context change forces re-evaluation.
func (m *Manager) generateFullPlan(ctx context.Context, currentPlan *plan.ExecutionPlan, patterns []Pattern, s *state.State, history []plan.StepRecord) (*plan.ExecutionPlan, error) {
	if m.Client == nil {
		return nil, nil
	}

	prompt := m.buildFullPlanPrompt(currentPlan, patterns, s, history)
	resp, err := m.Client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, 0.3, 0, telemetry.PurposeReplan)
	if err != nil {
		return nil, nil
	}
	text, err := llm.ExtractJSONText(resp)
	if err != nil {
		return nil, nil
	}
	var parsed fullPlanResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, nil
	}

	newSubtasks := make([]plan.PlanStep, 0, len(parsed.Steps))
	for _, sd := range parsed.Steps {
		toolName := sd.Name
		if toolName == "" {
			toolName = sd.Tool
		}
		id := sd.Step
		newSubtasks = append(newSubtasks, plan.PlanStep{
			ID:              fmt.Sprintf("%d", id),
			Description:     sd.Description,
			Tool:            toolName,
			Parameters:      sd.Parameters,
			Dependencies:    sd.Dependencies,
			Expectations:    sd.Expectations,
			OnFailStrategy:  sd.OnFailStrategy,
			ReadFields:      sd.ReadFields,
			WriteFields:     sd.WriteFields,
		})
	}

	intent := parsed.Intent
	if intent == "" {
		intent = "alternative_plan"
	}
	return &plan.ExecutionPlan{
		Intent:          intent,
		Subtasks:        newSubtasks,
		ExpectedOutcome: parsed.ExpectedOutcome,
		StateSchema:     currentPlan.StateSchema,
		Warnings:        []string{fmt.Sprintf("this is an alternative plan, reason: %s", orDefault(parsed.Analysis, "execution problems detected"))},
	}, nil
}

func (m *Manager) buildFullPlanPrompt(currentPlan *plan.ExecutionPlan, patterns []Pattern, s *state.State, history []plan.StepRecord) string {
	var patternLines []string
	for _, p := range patterns {
		patternLines = append(patternLines, fmt.Sprintf("- %s: %s (frequency: %d, success rate: %.1f%%)", p.Type, p.Description, p.Frequency, p.SuccessRate*100))
	}

	recent := history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	historySummary := make([]map[string]any, 0, len(recent))
	for _, r := range recent {
		historySummary = append(historySummary, map[string]any{"step_id": r.StepID, "success": r.Success, "error": truncate(r.Error, 200)})
	}
	historyJSON, _ := json.Marshal(historySummary)

	planSummary := make([]map[string]any, 0, len(currentPlan.Subtasks))
	for _, step := range currentPlan.Subtasks {
		planSummary = append(planSummary, map[string]any{"id": step.ID, "tool": step.Tool, "description": step.Description})
	}
	planJSON, _ := json.Marshal(planSummary)

	catalog := "no tools available"
	if m.Registry != nil {
		catalog = m.Registry.Catalog()
	}

	var b strings.Builder
	b.WriteString("You are an intelligent task planner. The current execution plan ran into trouble; produce an alternative.\n\n")
	fmt.Fprintf(&b, "Detected problem patterns:\n%s\n\n", strings.Join(patternLines, "\n"))
	fmt.Fprintf(&b, "Current plan: %s\n\n", planJSON)
	fmt.Fprintf(&b, "Recent history: %s\n\n", historyJSON)
	fmt.Fprintf(&b, "Current state:\n%s\n\n", state.Compress(s, 4000))
	fmt.Fprintf(&b, "Available tools:\n%s\n\n", catalog)
	b.WriteString("Analyze the failure and produce a new plan that reaches the original goal, avoiding previously failed steps and redesigning the step order if a circular dependency was detected.\n\n")
	b.WriteString("Return JSON: {\"intent\": \"...\", \"analysis\": \"...\", \"steps\": [{\"step\": N, \"name\": \"tool\", \"description\": \"...\", \"read_fields\": [], \"write_fields\": [], \"expectations\": \"...\", \"on_fail_strategy\": \"...\"}], \"expected_outcome\": \"...\"}")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
