package memory

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkingMemoryJSONRoundTrip(t *testing.T) {
	wm := New()
	wm.AddDecision(DesignDecision{Decision: "use REST", Reason: "simplicity", StepID: "1", Tags: []string{"api"}})
	wm.AddConstraint(Constraint{Text: "ids must be int", Source: "step1", Scope: "global", Priority: PriorityCritical})
	wm.AddTodo(TodoItem{Text: "write tests", CreatedBy: "step2", Priority: PriorityNormal})
	wm.AddInterface(InterfaceDefinition{Name: "UserAPI", Definition: "GET /users/{id}", DefinedBy: "step1", Type: "interface"})
	wm.AddDependency("handler.go", "model.go")

	raw, err := json.Marshal(wm)
	require.NoError(t, err)

	var roundTripped WorkingMemory
	require.NoError(t, json.Unmarshal(raw, &roundTripped))

	assert.Equal(t, wm.Decisions, roundTripped.Decisions)
	assert.Equal(t, wm.Constraints, roundTripped.Constraints)
	assert.Equal(t, wm.Todos, roundTripped.Todos)
	assert.Equal(t, wm.Interfaces, roundTripped.Interfaces)
	assert.Equal(t, wm.Dependencies, roundTripped.Dependencies)
}

func TestCompleteTodoDropsFromActiveViewButPersists(t *testing.T) {
	wm := New()
	wm.AddTodo(TodoItem{Text: "a", Priority: PriorityNormal})
	require.True(t, wm.CompleteTodo("a"))

	assert.Len(t, wm.Todos, 1, "completed todos persist for audit")
	assert.True(t, wm.Todos[0].Completed)
	assert.NotContains(t, wm.RenderContext(), "- a\n")
}

func TestRenderContextFlagsCriticalAndHighConstraints(t *testing.T) {
	wm := New()
	wm.AddConstraint(Constraint{Text: "must validate input", Priority: PriorityCritical})
	wm.AddConstraint(Constraint{Text: "prefer short names", Priority: PriorityLow})

	ctx := wm.RenderContext()
	assert.Contains(t, ctx, "⚠️ must validate input")
	assert.NotContains(t, ctx, "⚠️ prefer short names")
}

func TestRenderContextLimitsTodosAndInterfacesToFive(t *testing.T) {
	wm := New()
	for i := 0; i < 8; i++ {
		wm.AddTodo(TodoItem{Text: "todo", Priority: PriorityNormal})
		wm.AddInterface(InterfaceDefinition{Name: "iface", Type: "interface"})
	}
	ctx := wm.RenderContext()
	assert.Equal(t, 5, countOccurrences(ctx, "- todo\n"))
	assert.Equal(t, 5, countOccurrences(ctx, "- iface (interface)\n"))
}

// TestWorkingMemoryJSONRoundTripProperty checks that AddConstraint followed
// by a JSON marshal/unmarshal cycle never loses or alters a constraint, for
// any text and priority combination.
func TestWorkingMemoryJSONRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	priorities := []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical}

	properties.Property("constraints survive a JSON round trip", prop.ForAll(
		func(text string, priorityIdx int) bool {
			wm := New()
			priority := priorities[priorityIdx%len(priorities)]
			wm.AddConstraint(Constraint{Text: text, Source: "prop-test", Scope: "global", Priority: priority})

			raw, err := json.Marshal(wm)
			if err != nil {
				return false
			}
			var roundTripped WorkingMemory
			if err := json.Unmarshal(raw, &roundTripped); err != nil {
				return false
			}
			return len(roundTripped.Constraints) == 1 &&
				roundTripped.Constraints[0].Text == text &&
				roundTripped.Constraints[0].Priority == priority
		},
		gen.AnyString(),
		gen.IntRange(0, len(priorities)-1),
	))

	properties.TestingRun(t)
}

func countOccurrences(s, substr string) int {
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
			i += len(substr) - 1
		}
	}
	return count
}
