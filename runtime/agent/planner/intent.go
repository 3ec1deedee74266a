package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
)

// IntentHandler is one registered route an IntentRouter can dispatch a query
// to. Keywords back the rule-based fallback path; Handle is invoked by
// RouteAndExecute once a route is chosen.
type IntentHandler struct {
	Name        string
	Description string
	Keywords    []string
	// Default marks the handler RouteAndExecute falls back to when the
	// rule-based path finds no keyword overlap at all. Exactly one handler
	// in a router's set should set this.
	Default bool
	Handle  func(ctx context.Context, query string) (any, error)
}

// IntentResult records which handler a Route call picked and how confident
// it was, for logging and for callers that want to second-guess the router.
type IntentResult struct {
	Handler    string
	Confidence float64
	Reasoning  string
}

// IntentRouter classifies an incoming query against a small set of
// registered handlers before full task planning runs, so cheap intents
// (a greeting, a status check) skip the planning LLM call entirely. This
// is a supplement beyond the core TaskPlanner contract, grounded on the
// intent-routing gate of the system this kernel generalizes.
type IntentRouter struct {
	client   llm.Client
	handlers []IntentHandler
}

// NewIntentRouter constructs a router over the given handlers. handlers
// should be non-empty; Route and RouteAndExecute return an error otherwise.
func NewIntentRouter(client llm.Client, handlers []IntentHandler) *IntentRouter {
	return &IntentRouter{client: client, handlers: handlers}
}

// Route classifies query against the registered handlers: an LLM
// classification is tried first (when a client is configured), falling
// back to rule-based keyword-overlap scoring on any LLM failure or
// unparseable response.
func (r *IntentRouter) Route(ctx context.Context, query string) (IntentResult, error) {
	if len(r.handlers) == 0 {
		return IntentResult{}, fmt.Errorf("planner: intent router has no registered handlers")
	}

	if r.client != nil {
		if res, ok := r.routeWithLLM(ctx, query); ok {
			return res, nil
		}
	}
	return r.routeWithRules(query), nil
}

// RouteAndExecute routes query and invokes the matched handler's callback,
// returning both its result and the routing decision that selected it.
func (r *IntentRouter) RouteAndExecute(ctx context.Context, query string) (any, IntentResult, error) {
	result, err := r.Route(ctx, query)
	if err != nil {
		return nil, result, err
	}
	for _, h := range r.handlers {
		if h.Name == result.Handler {
			if h.Handle == nil {
				return nil, result, fmt.Errorf("planner: handler %q has no callback configured", h.Name)
			}
			out, err := h.Handle(ctx, query)
			return out, result, err
		}
	}
	return nil, result, fmt.Errorf("planner: no handler registered for %q", result.Handler)
}

type intentLLMResponse struct {
	Handler    string  `json:"handler"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func (r *IntentRouter) routeWithLLM(ctx context.Context, query string) (IntentResult, bool) {
	prompt := r.buildRoutingPrompt(query)
	resp, err := r.client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, 0.1, 0, telemetry.PurposeOther)
	if err != nil {
		return IntentResult{}, false
	}
	text, err := llm.ExtractJSONText(resp)
	if err != nil {
		return IntentResult{}, false
	}
	var parsed intentLLMResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return IntentResult{}, false
	}
	for _, h := range r.handlers {
		if h.Name == parsed.Handler {
			return IntentResult{Handler: h.Name, Confidence: parsed.Confidence, Reasoning: parsed.Reasoning}, true
		}
	}
	return IntentResult{}, false
}

func (r *IntentRouter) buildRoutingPrompt(query string) string {
	var b strings.Builder
	b.WriteString("Pick the single best handler for this query from the list below.\n\n")
	for _, h := range r.handlers {
		fmt.Fprintf(&b, "- %s: %s\n", h.Name, h.Description)
	}
	fmt.Fprintf(&b, "\nQuery: %s\n\n", query)
	b.WriteString("Return JSON: {\"handler\": \"...\", \"confidence\": 0.0-1.0, \"reasoning\": \"...\"}")
	return b.String()
}

// routeWithRules scores each handler by how many of its declared keywords
// appear in the lowercased query, taking the highest-scoring handler with
// confidence min(0.9, 0.5 + score*0.1). When no handler scores above zero,
// it falls back to the handler marked Default (or the first handler, if
// none is marked) at a low, explicit confidence.
func (r *IntentRouter) routeWithRules(query string) IntentResult {
	lower := strings.ToLower(query)

	best := -1
	bestScore := 0
	for i, h := range r.handlers {
		score := 0
		for _, kw := range h.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = i
		}
	}

	if best >= 0 {
		confidence := 0.5 + float64(bestScore)*0.1
		if confidence > 0.9 {
			confidence = 0.9
		}
		return IntentResult{
			Handler:    r.handlers[best].Name,
			Confidence: confidence,
			Reasoning:  fmt.Sprintf("matched %d keyword(s)", bestScore),
		}
	}

	fallback := r.handlers[0]
	for _, h := range r.handlers {
		if h.Default {
			fallback = h
			break
		}
	}
	return IntentResult{
		Handler:    fallback.Name,
		Confidence: 0.3,
		Reasoning:  "no keyword match; routed to the default handler",
	}
}
