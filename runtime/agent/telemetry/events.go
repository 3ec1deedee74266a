package telemetry

import "context"

// EventName is the closed set of event names ExecutionEngine.ExecutePlanStream
// emits (spec.md §4.8). An implementation may add optional fields suffixed
// `_extra` to a payload, but the name vocabulary itself is closed.
type EventName string

const (
	EventPlanning            EventName = "planning"
	EventExecutionPlan       EventName = "execution_plan"
	EventStageStart          EventName = "stage_start"
	EventParamBuild          EventName = "param_build"
	EventStageComplete       EventName = "stage_complete"
	EventStageRetry          EventName = "stage_retry"
	EventStageJump           EventName = "stage_jump"
	EventStageAbort          EventName = "stage_abort"
	EventStageError          EventName = "stage_error"
	EventConsistencyViolation EventName = "consistency_violation"
	EventStageReplan         EventName = "stage_replan"
	EventBindingPlan         EventName = "binding_plan"
	EventExecutionComplete   EventName = "execution_complete"
	EventError               EventName = "error"
	EventAnswer              EventName = "answer"
	EventDone                EventName = "done"
)

// Event is the envelope yielded on the caller's event stream.
type Event struct {
	Event EventName
	Data  map[string]any
}

// EventStream is the external contract of ExecutionEngine.ExecutePlanStream:
// a producer writes Events in emission order into a bounded channel; a
// consumer iterates it. This is the structured-concurrency-plus-channels
// mapping of the original's coroutine-based generator (spec.md §9).
type EventStream struct {
	ch     chan Event
	closed chan struct{}
}

// NewEventStream creates a stream with the given channel capacity. A small
// positive capacity lets the producer get ahead of a slow consumer without
// unbounded buffering; spec.md §5 requires within-task ordering to be
// preserved, which a single channel naturally provides.
func NewEventStream(capacity int) *EventStream {
	if capacity <= 0 {
		capacity = 16
	}
	return &EventStream{ch: make(chan Event, capacity), closed: make(chan struct{})}
}

// Emit writes ev to the stream. It is a no-op once Close has been called,
// per the cancellation contract (spec.md §5: "stop emitting new events").
func (s *EventStream) Emit(ctx context.Context, ev Event) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.ch <- ev:
	case <-ctx.Done():
	case <-s.closed:
	}
}

// Close signals no further events will be emitted and closes the channel
// for range consumers.
func (s *EventStream) Close() {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
		close(s.ch)
	}
}

// Events returns the receive-only channel for consumers.
func (s *EventStream) Events() <-chan Event {
	return s.ch
}
