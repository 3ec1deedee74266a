package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ai-change-the-world/autoagent/runtime/agent/llm"
	"github.com/ai-change-the-world/autoagent/runtime/agent/telemetry"
)

// Severity enumerates violation severities.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Checkpoint is a distilled snapshot of a step's output, registered at most
// once per step id (spec.md §3, invariant vi).
type Checkpoint struct {
	StepID                string
	ArtifactType          string
	KeyElements           map[string]any
	ConstraintsForFuture  []string
	Description           string
}

// Violation records a detected inconsistency between a new step and an
// earlier checkpoint.
type Violation struct {
	CheckpointID    string
	CurrentStepID   string
	ViolationType   string
	Severity        Severity
	Description     string
	Suggestion      string
}

// ConsistencyChecker registers checkpoints and detects violations against
// them. It is per-task data, never a singleton (spec.md §9).
type ConsistencyChecker struct {
	checkpoints map[string]*Checkpoint
	order       []string
	violations  []Violation
}

// NewConsistencyChecker returns an empty checker.
func NewConsistencyChecker() *ConsistencyChecker {
	return &ConsistencyChecker{checkpoints: map[string]*Checkpoint{}}
}

// RegisterCheckpoint registers a checkpoint for stepID. A second call for
// the same stepID is rejected (invariant vi): at most one checkpoint per
// step id.
func (c *ConsistencyChecker) RegisterCheckpoint(cp Checkpoint) error {
	if _, exists := c.checkpoints[cp.StepID]; exists {
		return fmt.Errorf("memory: a checkpoint is already registered for step %q", cp.StepID)
	}
	cpCopy := cp
	c.checkpoints[cp.StepID] = &cpCopy
	c.order = append(c.order, cp.StepID)
	return nil
}

// RelevantCheckpoints returns every registered checkpoint, optionally
// filtered to the given artifact types (empty means all), in registration
// order.
func (c *ConsistencyChecker) RelevantCheckpoints(artifactTypes ...string) []*Checkpoint {
	var allow map[string]bool
	if len(artifactTypes) > 0 {
		allow = map[string]bool{}
		for _, t := range artifactTypes {
			allow[t] = true
		}
	}
	var out []*Checkpoint
	for _, id := range c.order {
		cp := c.checkpoints[id]
		if allow != nil && !allow[cp.ArtifactType] {
			continue
		}
		out = append(out, cp)
	}
	return out
}

// AddViolation appends a violation to the checker's list and returns it.
func (c *ConsistencyChecker) AddViolation(v Violation) Violation {
	c.violations = append(c.violations, v)
	return v
}

// Violations returns every recorded violation.
func (c *ConsistencyChecker) Violations() []Violation { return c.violations }

// HasCriticalViolations reports whether any recorded violation is critical.
// Enforcement is left to the caller (the engine logs critical violations as
// events but does not abort on them, spec.md §4.6).
func (c *ConsistencyChecker) HasCriticalViolations() bool {
	for _, v := range c.violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// checkResponse is the JSON schema the consistency-check LLM call is
// asked to fill, grounded on the original's check_consistency prompt shape.
type checkResponse struct {
	Violations []struct {
		CheckpointID  string `json:"checkpoint_id"`
		ViolationType string `json:"violation_type"`
		Severity      string `json:"severity"`
		Description   string `json:"description"`
		Suggestion    string `json:"suggestion"`
	} `json:"violations"`
}

// Check asks the LLM to compare the about-to-be-dispatched step against
// every relevant checkpoint and records any violations it reports (spec.md
// §4.5 step 2). A nil client, or no registered checkpoints, is a no-op
// returning an empty slice.
func (c *ConsistencyChecker) Check(ctx context.Context, client llm.Client, stepID, tool, description string, arguments map[string]any, artifactTypes ...string) ([]Violation, error) {
	checkpoints := c.RelevantCheckpoints(artifactTypes...)
	if client == nil || len(checkpoints) == 0 {
		return nil, nil
	}

	prompt := buildConsistencyPrompt(checkpoints, tool, description, arguments)
	resp, err := client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, 0.1, 0, telemetry.PurposeConsistencyCheck)
	if err != nil {
		return nil, nil
	}
	text, err := llm.ExtractJSONText(resp)
	if err != nil {
		return nil, nil
	}
	var parsed checkResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, nil
	}

	var out []Violation
	for _, v := range parsed.Violations {
		violation := c.AddViolation(Violation{
			CheckpointID:  orDefault(v.CheckpointID, "unknown"),
			CurrentStepID: stepID,
			ViolationType: orDefault(v.ViolationType, "unknown"),
			Severity:      Severity(orDefault(v.Severity, string(SeverityWarning))),
			Description:   v.Description,
			Suggestion:    v.Suggestion,
		})
		out = append(out, violation)
	}
	return out, nil
}

func buildConsistencyPrompt(checkpoints []*Checkpoint, tool, description string, arguments map[string]any) string {
	args, _ := json.Marshal(arguments)
	prompt := "Check whether the current step remains consistent with prior checkpoints.\n\nPrior checkpoints:\n"
	for _, cp := range checkpoints {
		elements, _ := json.Marshal(cp.KeyElements)
		prompt += fmt.Sprintf("[%s] type=%s description=%s key_elements=%s constraints=%v\n",
			cp.StepID, cp.ArtifactType, cp.Description, truncate(string(elements), 500), cp.ConstraintsForFuture)
	}
	prompt += fmt.Sprintf("\nCurrent step:\ntool=%s\ndescription=%s\narguments=%s\n\n", tool, description, truncate(string(args), 1000))
	prompt += `Return JSON: {"violations": [{"checkpoint_id": "...", "violation_type": "interface_mismatch|naming_conflict|constraint_violation|structure_inconsistency", "severity": "critical|warning|info", "description": "...", "suggestion": "..."}]}`
	return prompt
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
