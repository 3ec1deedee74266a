package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteWithRulesPicksHighestKeywordOverlap(t *testing.T) {
	handlers := []IntentHandler{
		{Name: "weather", Keywords: []string{"weather", "forecast", "rain"}},
		{Name: "greeting", Keywords: []string{"hello", "hi"}, Default: true},
	}
	r := NewIntentRouter(nil, handlers)

	result, err := r.Route(context.Background(), "what's the weather forecast for tomorrow")
	require.NoError(t, err)
	assert.Equal(t, "weather", result.Handler)
	assert.Greater(t, result.Confidence, 0.5)
}

func TestRouteWithRulesFallsBackToDefaultOnNoMatch(t *testing.T) {
	handlers := []IntentHandler{
		{Name: "weather", Keywords: []string{"weather", "forecast"}},
		{Name: "greeting", Keywords: []string{"hello", "hi"}, Default: true},
	}
	r := NewIntentRouter(nil, handlers)

	result, err := r.Route(context.Background(), "completely unrelated input")
	require.NoError(t, err)
	assert.Equal(t, "greeting", result.Handler)
	assert.Equal(t, 0.3, result.Confidence)
}

func TestRoutePrefersLLMWhenClientConfigured(t *testing.T) {
	handlers := []IntentHandler{
		{Name: "weather", Description: "handles weather questions"},
		{Name: "greeting", Description: "handles greetings"},
	}
	client := &fakeClient{response: `{"handler": "greeting", "confidence": 0.95, "reasoning": "it's a greeting"}`}
	r := NewIntentRouter(client, handlers)

	result, err := r.Route(context.Background(), "hi there")
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, "greeting", result.Handler)
	assert.Equal(t, 0.95, result.Confidence)
}

func TestRouteFallsBackToRulesWhenLLMFails(t *testing.T) {
	handlers := []IntentHandler{
		{Name: "weather", Keywords: []string{"weather"}},
		{Name: "greeting", Keywords: []string{"hi"}, Default: true},
	}
	client := &fakeClient{err: assert.AnError}
	r := NewIntentRouter(client, handlers)

	result, err := r.Route(context.Background(), "weather please")
	require.NoError(t, err)
	assert.Equal(t, "weather", result.Handler)
}

func TestRouteAndExecuteInvokesMatchedHandler(t *testing.T) {
	var invoked string
	handlers := []IntentHandler{
		{Name: "weather", Keywords: []string{"weather"}, Handle: func(ctx context.Context, query string) (any, error) {
			invoked = query
			return "sunny", nil
		}},
		{Name: "greeting", Keywords: []string{"hi"}, Default: true, Handle: func(ctx context.Context, query string) (any, error) {
			return "hello!", nil
		}},
	}
	r := NewIntentRouter(nil, handlers)

	out, result, err := r.RouteAndExecute(context.Background(), "weather today")
	require.NoError(t, err)
	assert.Equal(t, "weather", result.Handler)
	assert.Equal(t, "sunny", out)
	assert.Equal(t, "weather today", invoked)
}

func TestRouteErrorsWithNoHandlers(t *testing.T) {
	r := NewIntentRouter(nil, nil)
	_, err := r.Route(context.Background(), "anything")
	require.Error(t, err)
}
