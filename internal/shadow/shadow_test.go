package shadow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/maestro/internal/runbook"
)

func TestScorePerfectMatch(t *testing.T) {
	ref := []runbook.Reference{
		{Tool: "cluster.get_status", Args: map[string]any{"cluster": "prod-1"}},
		{Tool: "cluster.scale"},
	}
	agent := []Planned{
		{Tool: "cluster.get_status", Args: map[string]any{"cluster": "prod-1", "verbose": true}},
		{Tool: "cluster.scale", Args: map[string]any{"replicas": 5}},
	}

	rep := Score(agent, ref)
	require.Equal(t, 1.0, rep.Match)
	require.Equal(t, 0.0, rep.Missing)
	require.Equal(t, 0.0, rep.Hallucination)
}

func TestScoreHallucinatedAndMissingTools(t *testing.T) {
	ref := []runbook.Reference{
		{Tool: "cluster.get_status"},
		{Tool: "tracker.create_issue"},
	}
	agent := []Planned{
		{Tool: "cluster.get_status"},
		{Tool: "pager.page_oncall"}, // not in the reference
		{Tool: "cluster.delete_workload"},
	}

	rep := Score(agent, ref)
	require.Equal(t, 0.5, rep.Match) // only position 0 lines up
	require.Equal(t, 0.5, rep.Missing)
	require.InDelta(t, 2.0/3.0, rep.Hallucination, 1e-9)
}

func TestScorePositionMatters(t *testing.T) {
	ref := []runbook.Reference{
		{Tool: "cluster.get_status"},
		{Tool: "cluster.scale"},
	}
	// same tools, swapped order: no positional matches, but nothing is
	// missing or hallucinated
	agent := []Planned{
		{Tool: "cluster.scale"},
		{Tool: "cluster.get_status"},
	}

	rep := Score(agent, ref)
	require.Equal(t, 0.0, rep.Match)
	require.Equal(t, 0.0, rep.Missing)
	require.Equal(t, 0.0, rep.Hallucination)
}

func TestScoreEmptyListsAreSafe(t *testing.T) {
	rep := Score(nil, nil)
	require.Equal(t, 0.0, rep.Match)
	require.Equal(t, 0.0, rep.Missing)
	require.Equal(t, 0.0, rep.Hallucination)

	rep = Score(nil, []runbook.Reference{{Tool: "cluster.scale"}})
	require.Equal(t, 0.0, rep.Match)
	require.Equal(t, 1.0, rep.Missing)
	require.Equal(t, 0.0, rep.Hallucination)
}

func TestArgsSubset(t *testing.T) {
	require.True(t, ArgsSubset(nil, nil))
	require.True(t, ArgsSubset(
		map[string]any{"cluster": "prod-1"},
		map[string]any{"cluster": "prod-1", "extra": 1},
	))
	require.False(t, ArgsSubset(
		map[string]any{"cluster": "prod-1"},
		map[string]any{"cluster": "prod-2"},
	))
	require.False(t, ArgsSubset(
		map[string]any{"cluster": "prod-1"},
		map[string]any{},
	))

	// numeric equality is by printed value, so 5 matches 5.0 from JSON
	require.True(t, ArgsSubset(
		map[string]any{"replicas": 5},
		map[string]any{"replicas": float64(5)},
	))

	// nested maps recurse
	require.True(t, ArgsSubset(
		map[string]any{"labels": map[string]any{"team": "sre"}},
		map[string]any{"labels": map[string]any{"team": "sre", "env": "prod"}},
	))
}

func TestArgsSubsetTemplates(t *testing.T) {
	require.True(t, ArgsSubset(
		map[string]any{"title": "incident {id} triage"},
		map[string]any{"title": "incident 8841 triage"},
	))
	require.False(t, ArgsSubset(
		map[string]any{"title": "incident {id} triage"},
		map[string]any{"title": "maintenance 8841 triage"},
	))
	require.True(t, ArgsSubset(
		map[string]any{"name": "deploy-{env}"},
		map[string]any{"name": "deploy-staging"},
	))
	require.False(t, ArgsSubset(
		map[string]any{"name": "deploy-{env}"},
		map[string]any{"name": "rollback-staging"},
	))
}
