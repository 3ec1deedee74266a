package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpanType enumerates the logical unit a KernelSpan covers (spec.md §3).
type SpanType string

const (
	SpanTypePlanning   SpanType = "planning"
	SpanTypeStep       SpanType = "step"
	SpanTypeBinding    SpanType = "binding"
	SpanTypeValidation SpanType = "validation"
	SpanTypeReplan     SpanType = "replan"
)

// FlowEventKind enumerates the flow-control events recorded on a trace
// (spec.md §4.8).
type FlowEventKind string

const (
	FlowRetry    FlowEventKind = "retry"
	FlowJump     FlowEventKind = "jump"
	FlowAbort    FlowEventKind = "abort"
	FlowFallback FlowEventKind = "fallback"
	FlowReplan   FlowEventKind = "replan"
)

// BindingEventAction enumerates binding-resolution trace actions.
type BindingEventAction string

const (
	BindingPlanCreate BindingEventAction = "plan_create"
	BindingResolve    BindingEventAction = "resolve"
	BindingFallback   BindingEventAction = "fallback"
)

// LLMCallEvent records one LLM invocation (spec.md §4.8).
type LLMCallEvent struct {
	Purpose        Purpose
	Model          string
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
	Temperature    float64
	DurationMS     int64
	Success        bool
	Error          string
	// Prompt/Response are stored in full; TruncatedPrompt/TruncatedResponse
	// (to 500 chars) are what a summary overview renders.
	Prompt   string
	Response string
}

func (e LLMCallEvent) TruncatedPrompt() string   { return truncate(e.Prompt, 500) }
func (e LLMCallEvent) TruncatedResponse() string { return truncate(e.Response, 500) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ToolCallEvent records one tool dispatch.
type ToolCallEvent struct {
	Tool       string
	Args       map[string]any
	Success    bool
	Error      string
	DurationMS int64
}

// FlowEvent records a control-flow transition (retry/jump/abort/fallback/replan).
type FlowEvent struct {
	Kind   FlowEventKind
	StepID string
	Detail string
}

// MemoryEvent records a working-memory or long-term-memory operation.
type MemoryEvent struct {
	Op     string
	Detail string
}

// BindingEvent records one binding-resolution outcome.
type BindingEvent struct {
	Action   BindingEventAction
	StepID   string
	Param    string
	Resolved bool
}

// KernelSpan is a node in the per-execution trace tree.
type KernelSpan struct {
	ID       string
	ParentID string
	Name     string
	Type     SpanType
	Start    time.Time
	End      time.Time

	mu       sync.Mutex
	llmCalls []LLMCallEvent
	tools    []ToolCallEvent
	flow     []FlowEvent
	memory   []MemoryEvent
	bindings []BindingEvent
	children []*KernelSpan
}

func (s *KernelSpan) RecordLLMCall(e LLMCallEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llmCalls = append(s.llmCalls, e)
}

func (s *KernelSpan) RecordToolCall(e ToolCallEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, e)
}

func (s *KernelSpan) RecordFlow(e FlowEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flow = append(s.flow, e)
}

func (s *KernelSpan) RecordMemory(e MemoryEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = append(s.memory, e)
}

func (s *KernelSpan) RecordBinding(e BindingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, e)
}

func (s *KernelSpan) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.End = time.Now()
}

// Trace is the root of an execution's structured trace (spec.md §3 Trace, §4.8).
// It is goroutine-local in the sense that each task owns exactly one Trace;
// it is never shared across tasks.
type Trace struct {
	Query  string
	UserID string
	Root   *KernelSpan

	mu    sync.Mutex
	spans map[string]*KernelSpan
}

// NewTrace opens a root span for a query (Tracer.start in spec.md §4.8).
func NewTrace(query, userID string) *Trace {
	root := &KernelSpan{ID: uuid.NewString(), Name: "execution", Type: SpanTypePlanning, Start: time.Now()}
	t := &Trace{Query: query, UserID: userID, Root: root, spans: map[string]*KernelSpan{root.ID: root}}
	return t
}

// StartSpan opens a child span under parent (or the root if parent is nil).
func (t *Trace) StartSpan(parent *KernelSpan, name string, typ SpanType) *KernelSpan {
	if parent == nil {
		parent = t.Root
	}
	span := &KernelSpan{ID: uuid.NewString(), ParentID: parent.ID, Name: name, Type: typ, Start: time.Now()}
	t.mu.Lock()
	parent.mu.Lock()
	parent.children = append(parent.children, span)
	parent.mu.Unlock()
	t.spans[span.ID] = span
	t.mu.Unlock()
	return span
}

// Summary aggregates per-purpose LLM call counts, token totals, tool
// success/failure counts, flow-event counters, and binding aggregates
// across every span in the trace (spec.md §4.8 "at trace end").
type Summary struct {
	LLMCallsByPurpose map[Purpose]int
	TotalPromptTokens int
	TotalRespTokens   int
	ToolSuccesses     int
	ToolFailures      int
	FlowCounts        map[FlowEventKind]int
	BindingTotal      int
	BindingResolved   int
	BindingFallback   int
}

// Summarize walks every span reachable from the root and aggregates.
func (t *Trace) Summarize() Summary {
	s := Summary{
		LLMCallsByPurpose: map[Purpose]int{},
		FlowCounts:        map[FlowEventKind]int{},
	}
	t.mu.Lock()
	spans := make([]*KernelSpan, 0, len(t.spans))
	for _, sp := range t.spans {
		spans = append(spans, sp)
	}
	t.mu.Unlock()

	for _, sp := range spans {
		sp.mu.Lock()
		for _, c := range sp.llmCalls {
			s.LLMCallsByPurpose[c.Purpose]++
			s.TotalPromptTokens += c.PromptTokens
			s.TotalRespTokens += c.ResponseTokens
		}
		for _, tc := range sp.tools {
			if tc.Success {
				s.ToolSuccesses++
			} else {
				s.ToolFailures++
			}
		}
		for _, f := range sp.flow {
			s.FlowCounts[f.Kind]++
		}
		for _, b := range sp.bindings {
			s.BindingTotal++
			if b.Resolved {
				s.BindingResolved++
			}
			if b.Action == BindingFallback {
				s.BindingFallback++
			}
		}
		sp.mu.Unlock()
	}
	return s
}
