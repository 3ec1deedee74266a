package policy

import (
	"testing"

	"github.com/ai-change-the-world/autoagent/runtime/agent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryWith(names ...string) *tools.Registry {
	r := tools.NewRegistry()
	for _, n := range names {
		_ = r.Register(&tools.Tool{Name: n})
	}
	return r
}

func TestDecideDefaultsToAllCatalogTools(t *testing.T) {
	e := New(Options{})
	d := e.Decide(registryWith("a", "b"), nil, nil)
	assert.ElementsMatch(t, []string{"a", "b"}, d.AllowedTools)
	assert.Equal(t, "basic", d.Label)
}

func TestDecideAppliesBlockList(t *testing.T) {
	e := New(Options{BlockTools: []string{"b"}})
	d := e.Decide(registryWith("a", "b", "c"), nil, nil)
	assert.ElementsMatch(t, []string{"a", "c"}, d.AllowedTools)
}

func TestDecideAppliesAllowList(t *testing.T) {
	e := New(Options{AllowTools: []string{"a"}})
	d := e.Decide(registryWith("a", "b", "c"), nil, nil)
	assert.Equal(t, []string{"a"}, d.AllowedTools)
}

func TestDecideRestrictToToolHint(t *testing.T) {
	e := New(Options{})
	d := e.Decide(registryWith("a", "b"), nil, &RetryHint{Tool: "b", RestrictToTool: true})
	assert.Equal(t, []string{"b"}, d.AllowedTools)
}

func TestDecideRestrictToToolHintNotInCandidates(t *testing.T) {
	e := New(Options{AllowTools: []string{"a"}})
	d := e.Decide(registryWith("a", "b"), nil, &RetryHint{Tool: "b", RestrictToTool: true})
	assert.Empty(t, d.AllowedTools)
}

func TestDecideRemovesUnavailableToolOnHint(t *testing.T) {
	e := New(Options{})
	d := e.Decide(registryWith("a", "b"), nil, &RetryHint{Tool: "a", Reason: RetryReasonToolUnavailable})
	assert.Equal(t, []string{"b"}, d.AllowedTools)
}

func TestDecideHonorsExplicitCandidates(t *testing.T) {
	e := New(Options{})
	d := e.Decide(registryWith("a", "b", "c"), []string{"a", "c"}, nil)
	assert.ElementsMatch(t, []string{"a", "c"}, d.AllowedTools)
}

func TestNamesReturnsSortedKeys(t *testing.T) {
	set := toSet([]string{"b", "a", "c"})
	require.NotNil(t, set)
	assert.Equal(t, []string{"a", "b", "c"}, Names(set))
}
