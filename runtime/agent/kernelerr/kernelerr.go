// Package kernelerr defines the kernel's own error taxonomy (spec.md §7):
// planning, binding, parameter-validation, tool-execution, and
// expectation-validation failures. Each kind wraps a sentinel so callers can
// distinguish them with errors.Is/errors.As, while the engine's control flow
// (onFailStrategy) stays in terms of the StepRecord outcome rather than Go
// error values — these types exist for diagnostics and logging, not for
// driving replan/retry decisions directly.
package kernelerr

import (
	"errors"
	"fmt"
)

var (
	// ErrPlanning marks a planning error (spec.md §7.1): the LLM returned no
	// usable plan, so the planner returned only the pinned steps (possibly
	// none) with the failure recorded in Errors; no fallback step is added.
	ErrPlanning = errors.New("kernelerr: planning error")

	// ErrBinding marks a binding error (spec.md §7.2): a required parameter
	// could not be resolved and the binding's fallback policy is "error".
	ErrBinding = errors.New("kernelerr: binding error")

	// ErrParameterValidation marks a parameter-validation error (spec.md
	// §7.3): ParameterBuilder's repair attempts were exhausted.
	ErrParameterValidation = errors.New("kernelerr: parameter validation error")

	// ErrToolExecution marks a tool-execution error (spec.md §7.4): smart
	// retry exhausted its attempts and no alternative tool recovered.
	ErrToolExecution = errors.New("kernelerr: tool execution error")

	// ErrExpectationFailed marks an expectation-validation failure (spec.md
	// §7.5): the tool succeeded but its outcome was judged unsatisfactory.
	ErrExpectationFailed = errors.New("kernelerr: expectation validation failed")
)

// KernelError is a structured failure tagged with one of the sentinels
// above, carrying the step and tool it occurred on.
type KernelError struct {
	// Kind is one of the Err* sentinels declared in this package.
	Kind error
	// StepID identifies the plan step the error occurred on, when known.
	StepID string
	// Tool is the tool name involved, when the error kind concerns dispatch.
	Tool string
	// Detail is a human-readable explanation.
	Detail string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	detail := e.Detail
	if e.Cause != nil {
		detail = fmt.Sprintf("%s: %s", detail, e.Cause)
	}
	switch {
	case e.StepID != "" && e.Tool != "":
		return fmt.Sprintf("%s (step=%s, tool=%s): %s", e.Kind, e.StepID, e.Tool, detail)
	case e.StepID != "":
		return fmt.Sprintf("%s (step=%s): %s", e.Kind, e.StepID, detail)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, detail)
	}
}

// Unwrap exposes both the sentinel kind and the wrapped cause to
// errors.Is/errors.As.
func (e *KernelError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// Planning constructs a planning error (spec.md §7.1).
func Planning(detail string, cause error) *KernelError {
	return &KernelError{Kind: ErrPlanning, Detail: detail, Cause: cause}
}

// Binding constructs a binding error (spec.md §7.2) for the given step.
func Binding(stepID, detail string) *KernelError {
	return &KernelError{Kind: ErrBinding, StepID: stepID, Detail: detail}
}

// ParameterValidation constructs a parameter-validation error (spec.md §7.3)
// for the given step and tool.
func ParameterValidation(stepID, tool, detail string) *KernelError {
	return &KernelError{Kind: ErrParameterValidation, StepID: stepID, Tool: tool, Detail: detail}
}

// ToolExecution constructs a tool-execution error (spec.md §7.4) for the
// given step and tool, wrapping the dispatch failure.
func ToolExecution(stepID, tool, detail string, cause error) *KernelError {
	return &KernelError{Kind: ErrToolExecution, StepID: stepID, Tool: tool, Detail: detail, Cause: cause}
}

// ExpectationFailed constructs an expectation-validation failure (spec.md
// §7.5) for the given step and tool.
func ExpectationFailed(stepID, tool, reason string) *KernelError {
	return &KernelError{Kind: ErrExpectationFailed, StepID: stepID, Tool: tool, Detail: reason}
}
