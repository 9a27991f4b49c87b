package runbook

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const triageDoc = `
name: incident-triage
version: "3"
steps:
  - name: check status
    tool: cluster.get_status
    args:
      workload: web
  - name: find owner
    prompt: look up the owning team for the failing workload
  - name: scale up
    tool: cluster.scale
    args:
      workload: web
      replicas: 5
    timeout_ms: 30000
  - name: scale back
    tool: cluster.scale
    args:
      workload: web
      replicas: 3
    compensates: scale up
    continue_on_error: true
reference:
  - name: check status
    tool: cluster.get_status
tool_hint:
  - cluster.get_status
  - cluster.scale
`

func TestParseFullDocument(t *testing.T) {
	rb, err := Parse([]byte(triageDoc))
	require.NoError(t, err)

	require.Equal(t, "incident-triage", rb.Name)
	require.Equal(t, "3", rb.Version)
	require.Len(t, rb.Steps, 4)

	require.Equal(t, "cluster.get_status", rb.Steps[0].Tool)
	require.Equal(t, "web", rb.Steps[0].Args["workload"])

	require.Empty(t, rb.Steps[1].Tool)
	require.NotEmpty(t, rb.Steps[1].Prompt)

	require.Equal(t, 30000, rb.Steps[2].TimeoutMs)

	require.Equal(t, "scale up", rb.Steps[3].Compensates)
	require.True(t, rb.Steps[3].ContinueOnError)

	require.Len(t, rb.Reference, 1)
	require.Equal(t, []string{"cluster.get_status", "cluster.scale"}, rb.ToolHint)
}

func TestParseAcceptsJSON(t *testing.T) {
	rb, err := Parse([]byte(`{"name":"quick","steps":[{"name":"read","tool":"tracker.read","args":{"issue":1}}]}`))
	require.NoError(t, err)
	require.Equal(t, "quick", rb.Name)
	require.Len(t, rb.Steps, 1)
}

func TestValidateRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"no name", "steps: []", "name is required"},
		{"unnamed step", "name: p\nsteps:\n  - tool: a.b", "has no name"},
		{"duplicate step name", "name: p\nsteps:\n  - name: s\n    tool: a.b\n  - name: s\n    tool: a.c", "duplicate step name"},
		{"tool and prompt", "name: p\nsteps:\n  - name: s\n    tool: a.b\n    prompt: also this", "exactly one of tool or prompt"},
		{"neither tool nor prompt", "name: p\nsteps:\n  - name: s", "exactly one of tool or prompt"},
		{"bad tool id", "name: p\nsteps:\n  - name: s\n    tool: NotDotted", "not dotted"},
		{"negative timeout", "name: p\nsteps:\n  - name: s\n    tool: a.b\n    timeout_ms: -1", "negative timeout_ms"},
		{"compensates unknown", "name: p\nsteps:\n  - name: s\n    tool: a.b\n    compensates: ghost", "unknown step"},
		{"compensates itself", "name: p\nsteps:\n  - name: s\n    tool: a.b\n    compensates: s", "later step"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateRejectsForwardCompensation(t *testing.T) {
	_, err := Parse([]byte(`
name: p
steps:
  - name: undo
    tool: a.undo
    compensates: do
  - name: do
    tool: a.do
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "later step")
}

func TestValidateToolID(t *testing.T) {
	require.NoError(t, ValidateToolID("tracker.create_issue"))
	require.NoError(t, ValidateToolID("a.b.c_2"))

	require.Error(t, ValidateToolID(""))
	require.Error(t, ValidateToolID("tracker"))
	require.Error(t, ValidateToolID("tracker."))
	require.Error(t, ValidateToolID(".read"))
	require.Error(t, ValidateToolID("Tracker.read"))
	require.Error(t, ValidateToolID("tracker.read issue"))
	// wildcards belong in allowlists, not runbooks
	require.Error(t, ValidateToolID("tracker.*"))
}
