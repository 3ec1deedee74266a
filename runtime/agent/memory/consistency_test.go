package memory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCheckpointRejectsDuplicateStepID(t *testing.T) {
	c := NewConsistencyChecker()
	require.NoError(t, c.RegisterCheckpoint(Checkpoint{StepID: "1", ArtifactType: "interface"}))

	err := c.RegisterCheckpoint(Checkpoint{StepID: "1", ArtifactType: "code"})
	assert.Error(t, err)
}

func TestRelevantCheckpointsFiltersByArtifactType(t *testing.T) {
	c := NewConsistencyChecker()
	require.NoError(t, c.RegisterCheckpoint(Checkpoint{StepID: "1", ArtifactType: "interface"}))
	require.NoError(t, c.RegisterCheckpoint(Checkpoint{StepID: "2", ArtifactType: "code"}))

	only := c.RelevantCheckpoints("interface")
	require.Len(t, only, 1)
	assert.Equal(t, "1", only[0].StepID)

	all := c.RelevantCheckpoints()
	assert.Len(t, all, 2)
}

func TestHasCriticalViolations(t *testing.T) {
	c := NewConsistencyChecker()
	assert.False(t, c.HasCriticalViolations())

	c.AddViolation(Violation{Severity: SeverityWarning})
	assert.False(t, c.HasCriticalViolations())

	c.AddViolation(Violation{Severity: SeverityCritical})
	assert.True(t, c.HasCriticalViolations())
}

func TestConsistencyCheckerJSONRoundTrip(t *testing.T) {
	c := NewConsistencyChecker()
	require.NoError(t, c.RegisterCheckpoint(Checkpoint{
		StepID:               "1",
		ArtifactType:         "interface",
		KeyElements:          map[string]any{"endpoints": []any{"/users/{id}"}},
		ConstraintsForFuture: []string{"ids are int"},
		Description:          "user API",
	}))
	c.AddViolation(Violation{CheckpointID: "1", CurrentStepID: "2", Severity: SeverityCritical})

	type onDisk struct {
		Checkpoints []*Checkpoint
		Violations  []Violation
	}
	snapshot := onDisk{Checkpoints: c.RelevantCheckpoints(), Violations: c.Violations()}

	raw, err := json.Marshal(snapshot)
	require.NoError(t, err)

	var restored onDisk
	require.NoError(t, json.Unmarshal(raw, &restored))
	assert.Equal(t, snapshot.Checkpoints, restored.Checkpoints)
	assert.Equal(t, snapshot.Violations, restored.Violations)
}
