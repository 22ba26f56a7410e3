package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindingComputeIDStable(t *testing.T) {
	f := Finding{
		Agent:    "linter",
		File:     "pkg/server/server.go",
		Line:     42,
		Category: "style",
		Message:  "exported function missing doc comment",
	}
	id1 := f.ComputeID()
	id2 := f.ComputeID()
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 16)
}

func TestFindingComputeIDNormalizesMessage(t *testing.T) {
	a := Finding{Agent: "linter", File: "x.go", Line: 1, Category: "c", Message: "Unused  Variable   foo"}
	b := Finding{Agent: "linter", File: "x.go", Line: 1, Category: "c", Message: "unused variable foo"}
	assert.Equal(t, a.ComputeID(), b.ComputeID())
}

func TestFindingComputeIDDistinguishesLocation(t *testing.T) {
	a := Finding{Agent: "linter", File: "x.go", Line: 1, Category: "c", Message: "m"}
	b := Finding{Agent: "linter", File: "x.go", Line: 2, Category: "c", Message: "m"}
	c := Finding{Agent: "vet", File: "x.go", Line: 1, Category: "c", Message: "m"}
	assert.NotEqual(t, a.ComputeID(), b.ComputeID())
	assert.NotEqual(t, a.ComputeID(), c.ComputeID())
}

func TestFindingEnsureID(t *testing.T) {
	f := Finding{Agent: "linter", Message: "m", Severity: SeverityWarning, Scope: ScopeFile}
	f.EnsureID()
	assert.NotEmpty(t, f.ID)

	// An explicit ID is left alone.
	f2 := Finding{ID: "custom", Agent: "linter", Message: "m"}
	f2.EnsureID()
	assert.Equal(t, "custom", f2.ID)
}

func TestFindingValidate(t *testing.T) {
	valid := Finding{Agent: "linter", Message: "m", Severity: SeverityError, Scope: ScopeFile}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*Finding)
		wantErr string
	}{
		{"missing agent", func(f *Finding) { f.Agent = "" }, "missing agent"},
		{"missing message", func(f *Finding) { f.Message = "" }, "missing message"},
		{"bad severity", func(f *Finding) { f.Severity = "urgent" }, "invalid severity"},
		{"bad scope", func(f *Finding) { f.Scope = "galaxy" }, "invalid scope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid
			tt.mutate(&f)
			err := f.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewEventDefaults(t *testing.T) {
	e := NewEvent(EventFileModified, "fs", map[string]any{"path": "a.go"})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventFileModified, e.Type)
	assert.Equal(t, "fs", e.Source)
	assert.Equal(t, PriorityNormal, e.Priority())
	assert.WithinDuration(t, time.Now().UTC(), e.Timestamp, time.Second)
}

func TestEventDedupKey(t *testing.T) {
	withPath := NewEvent(EventFileModified, "fs", map[string]any{"path": "a.go"})
	assert.Equal(t, "a.go", withPath.DedupKey())

	withoutPath := NewEvent(EventManagerStarted, "manager", nil)
	assert.Equal(t, EventManagerStarted, withoutPath.DedupKey())
}

func TestAgentResultValidate(t *testing.T) {
	var nilResult *AgentResult
	assert.Error(t, nilResult.Validate())

	r := &AgentResult{AgentName: "linter", Success: true}
	assert.NoError(t, r.Validate())

	r.AgentName = ""
	assert.Error(t, r.Validate())

	bad := &AgentResult{AgentName: "linter", Duration: -time.Second}
	assert.Error(t, bad.Validate())

	withBadFinding := &AgentResult{
		AgentName: "linter",
		Findings:  []Finding{{Agent: "linter", Message: "m", Severity: "nope", Scope: ScopeFile}},
	}
	assert.Error(t, withBadFinding.Validate())
}

func TestPriorityRankOrdering(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, -1, Priority("bogus").Rank())
}
