// Package policy filters the tool catalog candidates a replan or a smart
// retry may choose from: optional allow/block lists by name, and awareness
// of a RetryHint that can restrict the next attempt to a single alternative
// tool or strike one out entirely.
package policy

import (
	"maps"
	"slices"
	"strings"

	"github.com/ai-change-the-world/autoagent/runtime/agent/tools"
)

// RetryHintReason enumerates why a RetryHint was issued, mirroring the smart
// retry classifications that can lead to a tool being struck out (spec.md
// §4.5.1).
type RetryHintReason string

const (
	RetryReasonToolUnavailable RetryHintReason = "tool_unavailable"
	RetryReasonRateLimited     RetryHintReason = "rate_limited"
	RetryReasonInvalidParams   RetryHintReason = "invalid_params"
	RetryReasonPermanentError  RetryHintReason = "permanent_error"
)

// RetryHint narrows the next attempt's tool candidates after a failed
// dispatch.
type RetryHint struct {
	Tool           string
	Reason         RetryHintReason
	RestrictToTool bool
}

// Options configures an Engine.
type Options struct {
	AllowTools []string
	BlockTools []string
	// Label annotates the decision; defaults to "basic".
	Label string
}

// Engine filters a tool-name candidate list by allow/block lists and an
// optional RetryHint.
type Engine struct {
	allowTools map[string]struct{}
	blockTools map[string]struct{}
	label      string
}

// New constructs an Engine.
func New(opts Options) *Engine {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "basic"
	}
	return &Engine{
		allowTools: toSet(opts.AllowTools),
		blockTools: toSet(opts.BlockTools),
		label:      label,
	}
}

// Decision is the outcome of filtering: which tools remain candidates, and
// (if a RetryHint restricted the attempt) which single tool to use.
type Decision struct {
	AllowedTools []string
	Label        string
}

// Decide filters candidates (or every tool in registry, if candidates is
// empty) against the allow/block lists, then applies hint.
func (e *Engine) Decide(registry *tools.Registry, candidates []string, hint *RetryHint) Decision {
	names := candidates
	if len(names) == 0 && registry != nil {
		names = registry.Names()
	}
	allowed := e.filterAllowed(names)

	if hint != nil {
		allowed = e.applyHint(allowed, hint)
	}

	return Decision{AllowedTools: allowed, Label: e.label}
}

func (e *Engine) filterAllowed(names []string) []string {
	filtered := make([]string, 0, len(names))
	seen := map[string]struct{}{}
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		if !e.isAllowed(name) {
			continue
		}
		filtered = append(filtered, name)
		seen[name] = struct{}{}
	}
	return filtered
}

func (e *Engine) isAllowed(name string) bool {
	if len(e.blockTools) > 0 {
		if _, blocked := e.blockTools[name]; blocked {
			return false
		}
	}
	if len(e.allowTools) > 0 {
		_, ok := e.allowTools[name]
		return ok
	}
	return true
}

func (e *Engine) applyHint(allowed []string, hint *RetryHint) []string {
	if hint == nil || hint.Tool == "" {
		return allowed
	}
	switch {
	case hint.RestrictToTool:
		if slices.Contains(allowed, hint.Tool) {
			return []string{hint.Tool}
		}
		return nil
	case hint.Reason == RetryReasonToolUnavailable || hint.Reason == RetryReasonPermanentError:
		return removeName(allowed, hint.Tool)
	default:
		return allowed
	}
}

func removeName(names []string, name string) []string {
	filtered := names[:0]
	for _, n := range names {
		if n == name {
			continue
		}
		filtered = append(filtered, n)
	}
	return filtered
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// Names returns a sorted copy of m's keys, used by tests asserting on a
// stable allow/block set view.
func Names(m map[string]struct{}) []string {
	out := slices.Collect(maps.Keys(m))
	slices.Sort(out)
	return out
}
