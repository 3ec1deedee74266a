// Package memory implements the per-task WorkingMemory and
// ConsistencyChecker (spec.md §4.6). Both are owned exclusively by one
// ExecutionContext — never a process-wide singleton — so concurrent tasks
// never share this state (spec.md §9).
package memory

import "sort"

// Priority enumerates constraint/todo urgency.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// DesignDecision records one decision made during execution.
type DesignDecision struct {
	Decision string   `json:"decision"`
	Reason   string   `json:"reason"`
	StepID   string   `json:"stepId"`
	Tags     []string `json:"tags,omitempty"`
}

// Constraint records a rule later steps must respect.
type Constraint struct {
	Text     string   `json:"text"`
	Source   string   `json:"source"`
	Scope    string   `json:"scope"`
	Priority Priority `json:"priority"`
}

// TodoItem records a pending or completed follow-up.
type TodoItem struct {
	Text       string `json:"text"`
	CreatedBy  string `json:"createdBy"`
	TargetStep string `json:"targetStep,omitempty"`
	Priority   Priority `json:"priority"`
	Completed  bool   `json:"completed"`
}

// InterfaceDefinition records an interface/API/schema shape a later step
// must honor.
type InterfaceDefinition struct {
	Name      string `json:"name"`
	Definition string `json:"definition"`
	DefinedBy string `json:"definedBy"`
	Type      string `json:"type"`
}

// WorkingMemory is the per-task append-only blackboard of decisions,
// constraints, TODOs, interface definitions, and a file dependency map.
type WorkingMemory struct {
	Decisions    []DesignDecision                `json:"decisions"`
	Constraints  []Constraint                    `json:"constraints"`
	Todos        []TodoItem                      `json:"todos"`
	Interfaces   []InterfaceDefinition            `json:"interfaces"`
	Dependencies map[string][]string             `json:"dependencies"`
}

// New returns an empty WorkingMemory.
func New() *WorkingMemory {
	return &WorkingMemory{Dependencies: map[string][]string{}}
}

func (w *WorkingMemory) AddDecision(d DesignDecision) { w.Decisions = append(w.Decisions, d) }
func (w *WorkingMemory) AddConstraint(c Constraint)   { w.Constraints = append(w.Constraints, c) }
func (w *WorkingMemory) AddTodo(t TodoItem)           { w.Todos = append(w.Todos, t) }
func (w *WorkingMemory) AddInterface(i InterfaceDefinition) { w.Interfaces = append(w.Interfaces, i) }

// AddDependency records that file depends on each of deps.
func (w *WorkingMemory) AddDependency(file string, deps ...string) {
	if w.Dependencies == nil {
		w.Dependencies = map[string][]string{}
	}
	w.Dependencies[file] = append(w.Dependencies[file], deps...)
}

// CompleteTodo marks the first matching pending todo (by exact text) as
// completed. Completed todos drop out of RenderContext's active view but
// persist in Todos for audit (spec.md §4.6).
func (w *WorkingMemory) CompleteTodo(text string) bool {
	for i := range w.Todos {
		if w.Todos[i].Text == text && !w.Todos[i].Completed {
			w.Todos[i].Completed = true
			return true
		}
	}
	return false
}

// ByTags returns decisions that carry every one of the given tags.
func (w *WorkingMemory) ByTags(tags ...string) []DesignDecision {
	var out []DesignDecision
	for _, d := range w.Decisions {
		if hasAllTags(d.Tags, tags) {
			out = append(out, d)
		}
	}
	return out
}

func hasAllTags(have, want []string) bool {
	set := map[string]bool{}
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// RenderContext renders the memory as a context block prepended to LLM
// prompts: the most recent ten decisions; constraints sorted by priority
// with critical/high flagged; the first five pending todos; the first five
// interface names with their types (spec.md §4.6).
func (w *WorkingMemory) RenderContext() string {
	var b []byte
	b = append(b, "Decisions:\n"...)
	decisions := w.Decisions
	if len(decisions) > 10 {
		decisions = decisions[len(decisions)-10:]
	}
	for _, d := range decisions {
		b = append(b, "- "+d.Decision+" ("+d.Reason+")\n"...)
	}

	b = append(b, "Constraints:\n"...)
	sorted := append([]Constraint(nil), w.Constraints...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return priorityRank(sorted[i].Priority) < priorityRank(sorted[j].Priority)
	})
	for _, c := range sorted {
		flag := ""
		if c.Priority == PriorityCritical || c.Priority == PriorityHigh {
			flag = "⚠️ "
		}
		b = append(b, "- "+flag+c.Text+"\n"...)
	}

	b = append(b, "Todos:\n"...)
	count := 0
	for _, t := range w.Todos {
		if t.Completed {
			continue
		}
		if count >= 5 {
			break
		}
		b = append(b, "- "+t.Text+"\n"...)
		count++
	}

	b = append(b, "Interfaces:\n"...)
	for i, iface := range w.Interfaces {
		if i >= 5 {
			break
		}
		b = append(b, "- "+iface.Name+" ("+iface.Type+")\n"...)
	}

	return string(b)
}

func priorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}
