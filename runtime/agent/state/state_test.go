package state

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetNestedPath(t *testing.T) {
	s := New(map[string]any{"query": "hi"}, 20)

	v, ok := s.Get("inputs.query")
	require.True(t, ok)
	assert.Equal(t, "hi", v)

	_, ok = s.Get("inputs.missing.deep")
	assert.False(t, ok)

	s.Set("a.b.c", 42)
	v, ok = s.Get("a.b.c")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestApplyStepResultWritesNestedAndFlat(t *testing.T) {
	s := New(nil, 10)
	result := map[string]any{"success": true, "entities": []any{"a", "b"}, "message": "ok"}

	ApplyStepResult(s, "1", "analyze", result, nil, nil)

	out, ok := s.Get("steps.1.output.entities")
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, out)

	flat, ok := s.Get("entities")
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, flat)

	_, ok = s.Get("message")
	assert.False(t, ok, "message is excluded from both nested and flat writes")
}

func TestApplyStepResultNoopOnFailure(t *testing.T) {
	s := New(nil, 10)
	ApplyStepResult(s, "1", "analyze", map[string]any{"success": false, "error": "boom"}, nil, nil)
	_, ok := s.Get("steps.1")
	assert.False(t, ok)
}

func TestApplyStepResultStateMapping(t *testing.T) {
	s := New(nil, 10)
	result := map[string]any{"success": true, "raw_entities": []any{"x"}}
	ApplyStepResult(s, "1", "analyze", result, []string{"raw_entities"}, map[string]string{"raw_entities": "entities"})

	v, ok := s.Get("entities")
	require.True(t, ok)
	assert.Equal(t, []any{"x"}, v)

	_, ok = s.Get("raw_entities")
	assert.False(t, ok)
}

func TestIncrementIterationsRespectsCeiling(t *testing.T) {
	s := New(nil, 2)
	it, atLimit := s.IncrementIterations()
	assert.Equal(t, 1, it)
	assert.False(t, atLimit)

	it, atLimit = s.IncrementIterations()
	assert.Equal(t, 2, it)
	assert.True(t, atLimit)
}

func TestCompressCollapsesLargeDictsAndLists(t *testing.T) {
	s := New(nil, 10)
	bigList := make([]any, 15)
	for i := range bigList {
		bigList[i] = i
	}
	s.Set("items", bigList)
	bigDict := map[string]any{}
	for i := 0; i < 60; i++ {
		bigDict[fmt.Sprintf("key_%02d", i)] = "0123456789"
	}
	s.Set("profile", bigDict)

	compressed := Compress(s, 4000)
	assert.Contains(t, compressed, "15 items")
	assert.Contains(t, compressed, "{...60 keys}")
}

func TestCompressOmitsControl(t *testing.T) {
	s := New(nil, 10)
	compressed := Compress(s, 4000)
	assert.NotContains(t, compressed, "maxIterations")
}

func TestFingerprintStableForIdenticalCompressedText(t *testing.T) {
	assert.Equal(t, Fingerprint("abc"), Fingerprint("abc"))
	assert.NotEqual(t, Fingerprint("abc"), Fingerprint("abd"))
}

func TestStepOutputLookup(t *testing.T) {
	s := New(nil, 10)
	s.Set("steps.2", StepOutputMap("design_api", map[string]any{"endpoints": []any{"/users"}}))

	v, ok := StepOutputLookup(s, "step_2.output.endpoints")
	require.True(t, ok)
	assert.Equal(t, []any{"/users"}, v)
}
