// Package parambuild implements the ParameterBuilder: the six-phase
// pipeline (spec.md §4.4) that turns a plan step's declared parameters,
// whatever BindingPlan exists for it, and the current state into the
// concrete argument map a tool is finally dispatched with.
package parambuild

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ai-change-the-world/autoagent/runtime/agent/binding"
	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/plan"
	"github.com/ai-change-the-world/autoagent/runtime/agent/state"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
	"github.com/ai-change-the-world/autoagent/runtime/agent/tools"
)

// HistoryLookup lets ParameterBuilder search completed step records for a
// semantically-plausible value when no binding, legacy fill or LLM call
// resolves a required parameter (the builder delegates instead of owning the
// history itself since ownership lives with the engine's StepRecord log).
type HistoryLookup interface {
	// MatchFromHistory returns the most recent successful step output field
	// whose key is judged related to paramName/paramType/paramDescription,
	// or (nil, false) if nothing matches.
	MatchFromHistory(paramName, paramType, paramDescription string) (any, bool)
}

// Builder is the ParameterBuilder. One Builder is constructed per task and
// reused across every step of that task, since it owns the LLM-argument
// cache (spec.md §9: "Cache keying").
type Builder struct {
	Client   llm.Client
	Registry *tools.Registry
	Binding  *binding.BindingPlan
	History  HistoryLookup

	// stepOutputs caches StepRecord.Output by step id, preferred over
	// state.steps.<id>.output when both are present (mirrors the original's
	// "executor cache wins over persisted state" rule).
	stepOutputs map[string]map[string]any

	llmArgsCache map[string]map[string]any
}

// NewBuilder constructs a Builder for one task.
func NewBuilder(client llm.Client, registry *tools.Registry, bp *binding.BindingPlan, history HistoryLookup) *Builder {
	return &Builder{
		Client:       client,
		Registry:     registry,
		Binding:      bp,
		History:      history,
		stepOutputs:  map[string]map[string]any{},
		llmArgsCache: map[string]map[string]any{},
	}
}

// UpdateStepOutput records a step's output in the executor-time cache, so
// later steps' STEP_OUTPUT bindings resolve against it even before the
// engine has flushed it to persisted state.
func (b *Builder) UpdateStepOutput(stepID string, output map[string]any) {
	b.stepOutputs[stepID] = output
}

// BindingDetail captures one parameter's resolution outcome, for tracing
// (spec.md §4.8's binding_plan event).
type BindingDetail struct {
	Param         string
	Source        string
	SourceType    binding.SourceType
	Confidence    float64
	Threshold     float64
	Status        string
	Reason        string
	ValueType     string
	ValuePreview  string
}

// Build runs the full six-phase pipeline for one step and returns the final
// argument map.
//
//  1. Seed from the step's own declared/pinned parameters.
//  2. (loop detection is the caller's responsibility via ReplanManager; not
//     repeated here.)
//  3. Resolve bindings from the BindingPlan, respecting confidence and
//     fallback policy.
//  4. Legacy fills: tool.ParamAliases and schema defaults for parameters the
//     binding plan never covered.
//  5. LLM fallback for whatever remains missing, cached by
//     (stepID, toolName, sortedMissingParams, stateFingerprint); then, when
//     History is set, a history lookup for required parameters still missing.
//  6. Validate against tool.ParameterValidators and repair via up to two LLM
//     repair attempts.
func (b *Builder) Build(ctx context.Context, step plan.PlanStep, s *state.State) (map[string]any, []BindingDetail, error) {
	tool, ok := b.Registry.Get(step.Tool)
	if !ok {
		return nil, nil, fmt.Errorf("parambuild: unknown tool %q for step %q", step.Tool, step.ID)
	}

	// Phase 1: seed.
	args := map[string]any{}
	for k, v := range step.Parameters {
		args[k] = v
	}
	for k, v := range step.PinnedParameters {
		args[k] = v
	}

	// Phase 3: binding resolution.
	var details []BindingDetail
	fallbackParams := map[string]bool{}
	if sb, found := b.Binding.StepBindingsFor(step.ID); found {
		resolved, fallback, det := b.resolveBindings(sb, s, args)
		for k, v := range resolved {
			args[k] = v
		}
		for _, p := range fallback {
			fallbackParams[p] = true
		}
		details = det
	}

	// Phase 4: legacy fills (ParamAliases + schema defaults), for any
	// required parameter still missing, whether or not it ever had a
	// binding entry.
	b.legacyFill(tool, args, s)

	// Phase 5: LLM fallback for whatever is still missing.
	missing := missingRequired(tool, args)
	if len(missing) > 0 {
		filled, err := b.buildWithLLM(ctx, step, tool, args, s, missing)
		if err == nil {
			for k, v := range filled {
				args[k] = v
			}
		}
	}
	if b.History != nil {
		for _, p := range tool.Parameters {
			if v, ok := args[p.Name]; !p.Required || (ok && v != nil) {
				continue
			}
			// tools.Parameter carries no description, so none is passed.
			if v, ok := b.History.MatchFromHistory(p.Name, string(p.Type), ""); ok {
				args[p.Name] = v
			}
		}
	}

	// Phase 6: validate & repair.
	args = b.validateAndFix(ctx, step, tool, args, s)

	return args, details, nil
}

func (b *Builder) resolveBindings(sb binding.StepBindings, s *state.State, existing map[string]any) (map[string]any, []string, []BindingDetail) {
	resolved := map[string]any{}
	var fallback []string
	var details []BindingDetail

	threshold := binding.DefaultConfidenceThreshold
	if b.Binding != nil && b.Binding.ConfidenceThreshold > 0 {
		threshold = b.Binding.ConfidenceThreshold
	}
	for paramName, bnd := range sb.Bindings {
		detail := BindingDetail{Param: paramName, Source: bnd.Source, SourceType: bnd.SourceType, Confidence: bnd.Confidence, Threshold: threshold}

		if v, ok := existing[paramName]; ok && v != nil {
			detail.Status = "skipped"
			detail.Reason = "already_has_value"
			details = append(details, detail)
			continue
		}

		if bnd.Confidence < threshold {
			if bnd.Fallback == binding.FallbackError {
				value, ok := b.resolveSingle(bnd, s)
				if ok {
					detail.Status = "resolved_low_confidence"
					resolved[paramName] = value
					details = append(details, detail)
					continue
				}
				detail.Status = "error"
				details = append(details, detail)
				continue
			}
			if bnd.Fallback == binding.FallbackUseDefault && bnd.DefaultValue != nil {
				detail.Status = "resolved_default"
				resolved[paramName] = bnd.DefaultValue
				details = append(details, detail)
				continue
			}
			detail.Status = "fallback"
			detail.Reason = fmt.Sprintf("low_confidence (%.2f < %.2f)", bnd.Confidence, threshold)
			fallback = append(fallback, paramName)
			details = append(details, detail)
			continue
		}

		value, ok := b.resolveSingle(bnd, s)
		if ok {
			detail.Status = "resolved"
			resolved[paramName] = value
		} else if bnd.Fallback == binding.FallbackUseDefault && bnd.DefaultValue != nil {
			detail.Status = "resolved_default"
			resolved[paramName] = bnd.DefaultValue
		} else if bnd.Fallback == binding.FallbackError {
			detail.Status = "error"
		} else {
			detail.Status = "fallback"
			fallback = append(fallback, paramName)
		}
		details = append(details, detail)
	}
	return resolved, fallback, details
}

func (b *Builder) resolveSingle(bnd binding.ParameterBinding, s *state.State) (any, bool) {
	switch bnd.SourceType {
	case binding.SourceUserInput:
		v, ok := s.Get("inputs." + bnd.Source)
		return v, ok
	case binding.SourceStepOutput:
		return b.resolveStepOutput(bnd.Source, s)
	case binding.SourceState:
		return s.Get(bnd.Source)
	case binding.SourceLiteral:
		if bnd.DefaultValue == nil {
			return nil, false
		}
		return bnd.DefaultValue, true
	case binding.SourceGenerated:
		return nil, false
	default:
		return nil, false
	}
}

// resolveStepOutput resolves "step_<id>.output.field" (or the shorthand
// "step_<id>.field") against the executor-time cache first, falling back to
// persisted state.
func (b *Builder) resolveStepOutput(source string, s *state.State) (any, bool) {
	parts := strings.Split(source, ".")
	if len(parts) < 2 {
		return nil, false
	}
	stepID := strings.TrimPrefix(parts[0], "step_")

	var fieldPath string
	if len(parts) >= 3 && parts[1] == "output" {
		fieldPath = strings.Join(parts[2:], ".")
	} else {
		fieldPath = strings.Join(parts[1:], ".")
	}

	output, ok := b.stepOutputs[stepID]
	if !ok {
		if so, ok2 := s.Get(state.KeySteps + "." + stepID + ".output"); ok2 {
			if m, ok3 := so.(map[string]any); ok3 {
				output = m
				ok = true
			}
		}
	}
	if !ok || output == nil {
		return nil, false
	}
	if fieldPath == "" {
		return output, true
	}
	return getNestedValue(output, fieldPath)
}

func getNestedValue(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, k := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[k]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, cur != nil
}

// legacyFill applies tool.ParamAliases and schema-declared defaults, the
// non-LLM recovery path run regardless of whether the LLM client is
// available (spec.md §4.4 Phase 4).
func (b *Builder) legacyFill(tool *tools.Tool, args map[string]any, s *state.State) {
	for paramName, statePath := range tool.ParamAliases {
		if v, ok := args[paramName]; ok && v != nil {
			continue
		}
		if statePath == "" {
			continue
		}
		path := strings.TrimPrefix(statePath, "state.")
		if v, ok := s.Get(path); ok {
			args[paramName] = v
		}
	}

	for _, p := range tool.Parameters {
		if v, ok := args[p.Name]; ok && v != nil {
			continue
		}
		if p.Required && p.Default != nil {
			args[p.Name] = p.Default
			continue
		}
		if v, ok := s.Get(p.Name); ok {
			args[p.Name] = v
			continue
		}
		if v, ok := s.Get("inputs." + p.Name); ok {
			args[p.Name] = v
		}
	}
}

func missingRequired(tool *tools.Tool, args map[string]any) []string {
	var missing []string
	for _, p := range tool.Parameters {
		if !p.Required {
			continue
		}
		if v, ok := args[p.Name]; !ok || v == nil {
			missing = append(missing, p.Name)
		}
	}
	sort.Strings(missing)
	return missing
}

func valuePreview(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case string:
		if len(t) > 100 {
			return t[:100] + "..."
		}
		return t
	case []any:
		return fmt.Sprintf("[%d items]", len(t))
	case map[string]any:
		return fmt.Sprintf("{%d keys}", len(t))
	default:
		return fmt.Sprintf("%v", t)
	}
}

// buildWithLLM is Phase 5: the LLM fallback for parameters that survived
// binding resolution and legacy fill still missing. Results are cached by
// (stepID, toolName, sortedMissingParams, stateFingerprint).
func (b *Builder) buildWithLLM(ctx context.Context, step plan.PlanStep, tool *tools.Tool, existing map[string]any, s *state.State, missing []string) (map[string]any, error) {
	if b.Client == nil {
		return nil, fmt.Errorf("parambuild: no llm client configured")
	}

	compressed := state.Compress(s, 4000)
	cacheKey := cacheKeyFor(step.ID, tool.Name, missing, compressed)
	if cached, ok := b.llmArgsCache[cacheKey]; ok {
		return cached, nil
	}

	originalQuery, _ := s.Get("inputs.query")
	prompt := buildArgumentPrompt(step, tool, existing, missing, compressed, fmt.Sprintf("%v", originalQuery))

	resp, err := b.Client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, 0.1, 0, telemetry.PurposeParamBuild)
	if err != nil {
		return nil, err
	}
	text, err := llm.ExtractJSONText(resp)
	if err != nil {
		return nil, err
	}
	var newArgs map[string]any
	if err := json.Unmarshal([]byte(text), &newArgs); err != nil {
		return nil, err
	}

	for k, v := range newArgs {
		if str, ok := v.(string); ok && strings.HasPrefix(str, "state.") {
			if resolvedVal, ok := s.Get(strings.TrimPrefix(str, "state.")); ok {
				newArgs[k] = resolvedVal
			}
		}
	}

	b.llmArgsCache[cacheKey] = newArgs
	return newArgs, nil
}

func cacheKeyFor(stepID, tool string, missing []string, compressed string) string {
	sorted := append([]string(nil), missing...)
	sort.Strings(sorted)
	return stepID + "|" + tool + "|" + strings.Join(sorted, ",") + "|" + state.Fingerprint(compressed)
}

func buildArgumentPrompt(step plan.PlanStep, tool *tools.Tool, existing map[string]any, missing []string, stateSummary, originalQuery string) string {
	paramsInfo, _ := json.Marshal(tool.Parameters)
	existingJSON, _ := json.Marshal(existing)

	var b strings.Builder
	b.WriteString("You are a parameter-construction assistant. Given the execution history and current state, intelligently construct the missing tool parameters.\n\n")
	fmt.Fprintf(&b, "Original user request (most important): %s\n\n", originalQuery)
	fmt.Fprintf(&b, "Current step: tool=%s description=%s\n\n", tool.Name, step.Description)
	if step.ParameterTemplate != "" {
		fmt.Fprintf(&b, "Parameter template hint: %s\n\n", step.ParameterTemplate)
	}
	fmt.Fprintf(&b, "Tool parameter definitions: %s\n\n", paramsInfo)
	fmt.Fprintf(&b, "Existing parameters: %s\n\n", existingJSON)
	fmt.Fprintf(&b, "Parameters still needed: %v\n\n", missing)
	fmt.Fprintf(&b, "Current state:\n%s\n\n", stateSummary)
	b.WriteString("Return JSON containing only the parameters you are filling in, e.g. {\"param_name\": \"value_or_state_path\"}.\n")
	b.WriteString("If a value comes from state, write the literal value, not the path.")
	return b.String()
}

// validateAndFix is Phase 6: run tool.ParameterValidators, and if any fail,
// attempt up to two LLM repair rounds before giving up and returning the
// best-effort arguments.
func (b *Builder) validateAndFix(ctx context.Context, step plan.PlanStep, tool *tools.Tool, args map[string]any, s *state.State) map[string]any {
	const maxFixAttempts = 2

	for attempt := 0; attempt < maxFixAttempts; attempt++ {
		ok, errs := validateParameters(args, tool)
		if ok {
			return args
		}
		if b.Client == nil {
			return args
		}

		prompt := buildRepairPrompt(tool, args, errs, state.Compress(s, 4000))
		resp, err := b.Client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, 0.1, 0, telemetry.PurposeParamFix)
		if err != nil {
			return args
		}
		text, err := llm.ExtractJSONText(resp)
		if err != nil {
			return args
		}
		var fixed map[string]any
		if err := json.Unmarshal([]byte(text), &fixed); err != nil {
			return args
		}
		for k, v := range fixed {
			args[k] = v
		}
	}
	return args
}

func validateParameters(args map[string]any, tool *tools.Tool) (bool, []string) {
	if len(tool.ParameterValidators) == 0 {
		return true, nil
	}
	var errs []string
	for _, v := range tool.ParameterValidators {
		value, present := args[v.Param]
		if !present || value == nil {
			continue
		}
		valid := true
		switch v.Kind {
		case tools.ValidatorRegex:
			valid = validateRegex(v.Regex, value)
		case tools.ValidatorRange:
			valid = validateRange(v.Range, value)
		case tools.ValidatorEnum:
			valid = validateEnum(v.Enum, value)
		case tools.ValidatorCustom:
			if v.Custom != nil {
				valid, _ = v.Custom(value)
			}
		}
		if !valid {
			errs = append(errs, fmt.Sprintf("parameter %q failed validation", v.Param))
		}
	}
	return len(errs) == 0, errs
}

func validateRegex(pattern string, value any) bool {
	str := fmt.Sprintf("%v", value)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return true
	}
	return re.MatchString(str)
}

func validateRange(rule string, value any) bool {
	parts := strings.Split(rule, ",")
	if len(parts) != 2 {
		return true
	}
	num, err := toFloat(value)
	if err != nil {
		return false
	}
	if strings.TrimSpace(parts[0]) != "" {
		min, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err == nil && num < min {
			return false
		}
	}
	if strings.TrimSpace(parts[1]) != "" {
		max, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err == nil && num > max {
			return false
		}
	}
	return true
}

func validateEnum(rule string, value any) bool {
	allowed := strings.Split(rule, ",")
	str := fmt.Sprintf("%v", value)
	for _, a := range allowed {
		if strings.TrimSpace(a) == str {
			return true
		}
	}
	return false
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("parambuild: value %v is not numeric", value)
	}
}

func buildRepairPrompt(tool *tools.Tool, args map[string]any, errs []string, stateSummary string) string {
	argsJSON, _ := json.Marshal(args)
	validatorsJSON, _ := json.Marshal(tool.ParameterValidators)

	var b strings.Builder
	b.WriteString("You are a parameter-repair assistant. The current tool arguments failed validation; fix them.\n\n")
	fmt.Fprintf(&b, "Tool: %s - %s\n\n", tool.Name, tool.Description)
	fmt.Fprintf(&b, "Validators: %s\n\n", validatorsJSON)
	fmt.Fprintf(&b, "Current arguments: %s\n\n", argsJSON)
	fmt.Fprintf(&b, "Validation errors:\n%s\n\n", strings.Join(errs, "\n"))
	fmt.Fprintf(&b, "Available state:\n%s\n\n", stateSummary)
	b.WriteString("Return the corrected full argument JSON.")
	return b.String()
}
