// Package tools implements the ToolRegistry: the canonical, concurrency-safe
// directory of tools available to a plan, plus the derived views (a textual
// catalog and a function-calling JSON schema) that the planner and binding
// prompts consume.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler invokes a tool's implementation directly, in-process. Tools
// registered without a Handler must be dispatched through an external
// Executor instead (spec.md §4.5 step 4: "either call a supplied
// toolExecutor(toolName, args) or invoke the tool handler directly").
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Executor dispatches a tool call out of process (spec.md §1: "the tool
// implementations themselves" are an external collaborator). The kernel's
// default is runtime/agent/toolrpc's gRPC-backed implementation.
type Executor interface {
	Execute(ctx context.Context, toolName string, args map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, toolName string, args map[string]any) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
	return f(ctx, toolName, args)
}

// ParamType enumerates the primitive parameter kinds a tool may declare.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
)

// Parameter describes one declared input of a Tool.
type Parameter struct {
	Name     string
	Type     ParamType
	Required bool
	Default  any
	Enum     []string
}

// ValidatorKind enumerates the parameter-validator flavors ParameterBuilder's
// Phase 6 understands (spec.md §4.4).
type ValidatorKind string

const (
	ValidatorRegex  ValidatorKind = "regex"
	ValidatorRange  ValidatorKind = "range"
	ValidatorEnum   ValidatorKind = "enum"
	ValidatorCustom ValidatorKind = "custom"
)

// CustomValidateFunc is the hook a tool supplies for ValidatorCustom
// parameter validators.
type CustomValidateFunc func(value any) (bool, string)

// ParameterValidator binds one validator to one parameter.
type ParameterValidator struct {
	Param string
	Kind  ValidatorKind
	// Regex is the pattern string for ValidatorRegex.
	Regex string
	// Range is "min,max" for ValidatorRange; empty sides mean unbounded.
	Range string
	// Enum is the allowed comma-separated values for ValidatorEnum.
	Enum string
	// Custom is invoked for ValidatorCustom.
	Custom CustomValidateFunc
}

// ResultValidator is a tool-provided expectation validator (spec.md §4.5.2).
// mode is a free-form hint (e.g. "strict", "lenient") a tool may use to
// adjust its judgment; most validators ignore it.
type ResultValidator interface {
	Validate(result map[string]any, expectation string, state map[string]any, mode string) (passed bool, reason string)
}

// ResultValidatorFunc adapts a function to ResultValidator.
type ResultValidatorFunc func(result map[string]any, expectation string, state map[string]any, mode string) (bool, string)

func (f ResultValidatorFunc) Validate(result map[string]any, expectation string, state map[string]any, mode string) (bool, string) {
	return f(result, expectation, state, mode)
}

// Compressor is a tool-provided result compressor, reducing a result to a
// compact form for future LLM prompts.
type Compressor interface {
	Compress(result map[string]any, state map[string]any) map[string]any
}

// CompressorFunc adapts a function to Compressor.
type CompressorFunc func(result map[string]any, state map[string]any) map[string]any

func (f CompressorFunc) Compress(result, state map[string]any) map[string]any { return f(result, state) }

// OnFail enumerates how ParameterBuilder / the engine should react when a
// tool's validation policy fires.
type OnFail string

const (
	OnFailRetry    OnFail = "retry"
	OnFailReplan   OnFail = "replan"
	OnFailAbort    OnFail = "abort"
	OnFailContinue OnFail = "continue"
)

// CheckpointType enumerates the artifact kinds a checkpoint may describe.
type CheckpointType string

const (
	ArtifactCode         CheckpointType = "code"
	ArtifactDocument     CheckpointType = "document"
	ArtifactConfig       CheckpointType = "config"
	ArtifactInterface    CheckpointType = "interface"
	ArtifactSchema       CheckpointType = "schema"
	ArtifactRequirements CheckpointType = "requirements"
)

// ToolPostPolicy is the post-execution policy attached to a Tool (spec.md §3).
type ToolPostPolicy struct {
	Validation   ValidationPolicy
	PostSuccess  PostSuccessPolicy
	ResultHandling ResultHandlingPolicy
}

// ValidationPolicy configures failure handling.
type ValidationPolicy struct {
	OnFail     OnFail
	MaxRetries int
}

// PostSuccessPolicy configures what happens after a successful dispatch.
type PostSuccessPolicy struct {
	HighImpact               bool
	RequiresConsistencyCheck bool
	ExtractWorkingMemory     bool
	// ReplanCondition is a natural-language predicate evaluated by a tiny LLM
	// call to decide whether this tool's success should force a replan.
	ReplanCondition string
	// ConsistencyCheckAgainst restricts pre-execution consistency checks to
	// checkpoints of these artifact types; empty means all checkpoints.
	ConsistencyCheckAgainst []CheckpointType
}

// ResultHandlingPolicy configures checkpoint registration and state writes.
type ResultHandlingPolicy struct {
	RegisterAsCheckpoint bool
	CheckpointType       CheckpointType
	// StateMapping renames output fields when writing to the flat state view
	// (spec.md §4.5 step 5; runtime/agent/state.ApplyStepResult).
	StateMapping map[string]string
	Compressor   Compressor
}

// Tool is a named capability a plan's steps may invoke.
type Tool struct {
	Name        string
	Description string
	Parameters  []Parameter
	// OutputSchema names the fields a successful result carries, used to
	// decide which fields get promoted to the flat state view when no
	// explicit ResultHandling.StateMapping entry exists.
	OutputSchema []string
	// ParamAliases maps parameter name to a dotted state path, used only by
	// ParameterBuilder's Phase 4 legacy fill path (deprecated, non-LLM).
	ParamAliases map[string]string
	Validator    ResultValidator
	// AlternativeTools names tools tried, in order, when this tool's smart
	// retry is exhausted (spec.md §4.5.1).
	AlternativeTools   []string
	ParameterValidators []ParameterValidator
	PostPolicy         ToolPostPolicy
	// Handler is the in-process implementation. Nil means this tool must be
	// dispatched through an Executor supplied to the engine.
	Handler Handler

	schema *jsonschema.Schema
}

// Registry is the concurrency-safe directory of registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]*Tool{}}
}

// Register adds a tool. It returns an error if the name is empty or already
// registered, or if two parameters share a name; the registry checks only
// this structural well-formedness, not semantics (spec.md §4.1). A required
// parameter may carry a Default, which ParameterBuilder's legacy fill uses.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("tools: cannot register a tool with an empty name")
	}
	seen := map[string]bool{}
	for _, p := range t.Parameters {
		if seen[p.Name] {
			return fmt.Errorf("tools: tool %q declares parameter %q more than once", t.Name, p.Name)
		}
		seen[p.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tools: tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name, sorted for deterministic output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Catalog renders the textual tools catalog injected verbatim into planner
// and binding prompts: one line per tool with its name, one-line
// description, and a compact parameter sketch.
func (r *Registry) Catalog() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		t := r.tools[n]
		b.WriteString("- ")
		b.WriteString(t.Name)
		b.WriteString(": ")
		b.WriteString(t.Description)
		if len(t.Parameters) > 0 {
			b.WriteString(" (")
			parts := make([]string, len(t.Parameters))
			for i, p := range t.Parameters {
				req := ""
				if p.Required {
					req = "*"
				}
				parts[i] = fmt.Sprintf("%s%s:%s", p.Name, req, p.Type)
			}
			b.WriteString(strings.Join(parts, ", "))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FunctionSchema renders an OpenAI-style function-calling schema for one
// tool: {name, description, parameters: {type: object, properties, required}}.
func FunctionSchema(t *Tool) map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, p := range t.Parameters {
		prop := map[string]any{"type": string(p.Type)}
		if len(p.Enum) > 0 {
			enumAny := make([]any, len(p.Enum))
			for i, e := range p.Enum {
				enumAny[i] = e
			}
			prop["enum"] = enumAny
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	sort.Strings(required)
	return map[string]any{
		"name":        t.Name,
		"description": t.Description,
		"parameters": map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}
