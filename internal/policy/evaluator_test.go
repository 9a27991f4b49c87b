package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/maestro/internal/adapter"
)

func prodDocument() *Document {
	return &Document{
		Name:    "prod",
		Version: 3,
		ToolAllowlist: map[string][]string{
			"operator": {"cluster.*", "tracker.*"},
			"viewer":   {"tracker.read"},
		},
		Budgets: Budgets{MaxCostPerRunUSD: 1.0, MaxTokensPerRun: 10000, MaxWallMsPerRun: 60000},
		ApprovalRules: []ApprovalRule{
			{ToolGlob: "cluster.scale", RequiresRoles: []string{"sre-lead"}, ExpirySeconds: 300},
		},
		Preconditions: []Precondition{
			{Name: "prod-change-window", Expression: Expression{Path: "context.change_window", Op: OpEq, Value: "open"}},
		},
	}
}

func mockEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	reg := adapter.NewRegistry()
	require.NoError(t, adapter.RegisterMocks(reg))
	reg.Freeze()
	return &Evaluator{Registry: reg, DefaultAction: DefaultBlock}
}

func openWindow() map[string]any {
	return map[string]any{"change_window": "open"}
}

func TestEvaluateAllowlistedReadIsAllowed(t *testing.T) {
	e := mockEvaluator(t)

	d := e.Evaluate(prodDocument(), Input{
		Roles:   []string{"operator"},
		Tool:    "tracker.read",
		Args:    map[string]any{"issue": 42},
		Context: openWindow(),
	})
	require.Equal(t, Allow, d.Action)
	require.Equal(t, []string{"allowed"}, d.Reasons)
}

func TestEvaluateUnlistedToolBlocked(t *testing.T) {
	e := mockEvaluator(t)

	d := e.Evaluate(prodDocument(), Input{
		Roles:   []string{"viewer"},
		Tool:    "cluster.scale",
		Args:    map[string]any{"workload": "web", "replicas": 3},
		Context: openWindow(),
	})
	require.Equal(t, Block, d.Action)
	require.Contains(t, d.Reasons, "tool_not_allowed")
}

func TestEvaluateDefaultActionForUnknownTool(t *testing.T) {
	doc := prodDocument()

	blockByDefault := mockEvaluator(t)
	d := blockByDefault.Evaluate(doc, Input{
		Roles: []string{"operator"}, Tool: "mail.send", Context: openWindow(),
	})
	require.Equal(t, Block, d.Action)

	allowByDefault := mockEvaluator(t)
	allowByDefault.DefaultAction = DefaultAllow
	d = allowByDefault.Evaluate(doc, Input{
		Roles: []string{"operator"}, Tool: "mail.send", Context: openWindow(),
	})
	require.Equal(t, Allow, d.Action)

	// default-allow only covers tools no rule mentions; a tool the allowlist
	// names for another role stays governed
	d = allowByDefault.Evaluate(doc, Input{
		Roles: []string{"nobody"}, Tool: "tracker.read", Context: openWindow(),
	})
	require.Equal(t, Block, d.Action)
}

func TestEvaluateSchemaViolationBlocks(t *testing.T) {
	e := mockEvaluator(t)

	d := e.Evaluate(prodDocument(), Input{
		Roles:   []string{"operator"},
		Tool:    "cluster.scale",
		Args:    map[string]any{"workload": "web", "replicas": -2},
		Context: openWindow(),
	})
	require.Equal(t, Block, d.Action)
	require.Contains(t, d.Reasons[0], "schema_violation:")
	require.Contains(t, d.Reasons[0], "replicas")
}

func TestEvaluatePreconditionFailureBlocks(t *testing.T) {
	e := mockEvaluator(t)

	d := e.Evaluate(prodDocument(), Input{
		Roles:   []string{"operator"},
		Tool:    "tracker.read",
		Args:    map[string]any{"issue": 1},
		Context: map[string]any{"change_window": "closed"},
	})
	require.Equal(t, Block, d.Action)
	require.Contains(t, d.Reasons, "precondition_failed:prod-change-window")

	// an unresolvable path fails the predicate too
	d = e.Evaluate(prodDocument(), Input{
		Roles: []string{"operator"},
		Tool:  "tracker.read",
		Args:  map[string]any{"issue": 1},
	})
	require.Equal(t, Block, d.Action)
}

func TestEvaluateBudgetProjectionBlocks(t *testing.T) {
	e := mockEvaluator(t)

	// accrued alone is under the cap; the projected upper bound crosses it
	d := e.Evaluate(prodDocument(), Input{
		Roles:    []string{"operator"},
		Tool:     "tracker.read",
		Args:     map[string]any{"issue": 1},
		Context:  openWindow(),
		Totals:   Totals{CostUSD: 0.9},
		Estimate: Totals{CostUSD: 0.2},
	})
	require.Equal(t, Block, d.Action)
	require.Contains(t, d.Reasons, "budget_exceeded:cost_usd")

	d = e.Evaluate(prodDocument(), Input{
		Roles:    []string{"operator"},
		Tool:     "tracker.read",
		Args:     map[string]any{"issue": 1},
		Context:  openWindow(),
		Totals:   Totals{TokensIn: 6000, TokensOut: 3000},
		Estimate: Totals{TokensIn: 2000},
	})
	require.Equal(t, Block, d.Action)
	require.Contains(t, d.Reasons, "budget_exceeded:tokens")
}

func TestEvaluateSensitivityRequiresApproval(t *testing.T) {
	e := mockEvaluator(t)
	doc := prodDocument()

	// matching approval rule
	d := e.Evaluate(doc, Input{
		Roles:   []string{"operator"},
		Tool:    "cluster.scale",
		Args:    map[string]any{"workload": "web", "replicas": 3},
		Context: openWindow(),
	})
	require.Equal(t, RequireApproval, d.Action)
	require.Contains(t, d.Reasons, "approval_rule:cluster.scale")

	// destructive classification triggers approval without any rule
	d = e.Evaluate(doc, Input{
		Roles:   []string{"operator"},
		Tool:    "cluster.delete_workload",
		Args:    map[string]any{"workload": "web"},
		Context: openWindow(),
	})
	require.Equal(t, RequireApproval, d.Action)
	require.Contains(t, d.Reasons, "destructive_tool")
}

func TestEvaluateBlockBeatsApproval(t *testing.T) {
	e := mockEvaluator(t)

	// the tool is sensitive AND over budget: block wins
	d := e.Evaluate(prodDocument(), Input{
		Roles:   []string{"operator"},
		Tool:    "cluster.scale",
		Args:    map[string]any{"workload": "web", "replicas": 3},
		Context: openWindow(),
		Totals:  Totals{CostUSD: 5},
	})
	require.Equal(t, Block, d.Action)
}

func TestApprovalRuleFor(t *testing.T) {
	doc := prodDocument()

	rule := ApprovalRuleFor(doc, "cluster.scale")
	require.NotNil(t, rule)
	require.Equal(t, 300, rule.ExpirySeconds)

	require.Nil(t, ApprovalRuleFor(doc, "tracker.read"))
}

func TestMatchTool(t *testing.T) {
	require.True(t, MatchTool("*", "anything.at_all"))
	require.True(t, MatchTool("cluster.scale", "cluster.scale"))
	require.False(t, MatchTool("cluster.scale", "cluster.scaler"))
	require.True(t, MatchTool("cluster.*", "cluster.scale"))
	require.False(t, MatchTool("cluster.*", "cluster"))
	// the wildcard covers exactly one segment
	require.False(t, MatchTool("cluster.*", "cluster.scale.extra"))
	require.False(t, MatchTool("cluster.*", "clusterx.scale"))
}

func TestExpressionOperators(t *testing.T) {
	ctx := map[string]any{"env": "prod", "replicas": 5, "region": "eu-west-1"}
	args := map[string]any{"force": false}

	cases := []struct {
		name string
		ex   Expression
		want bool
	}{
		{"eq", Expression{Path: "context.env", Op: OpEq, Value: "prod"}, true},
		{"neq", Expression{Path: "context.env", Op: OpNeq, Value: "staging"}, true},
		{"in", Expression{Path: "context.env", Op: OpIn, Value: []any{"prod", "staging"}}, true},
		{"not_in", Expression{Path: "context.env", Op: OpNotIn, Value: []any{"dev"}}, true},
		{"matches", Expression{Path: "context.region", Op: OpMatches, Value: `^eu-`}, true},
		{"lt", Expression{Path: "context.replicas", Op: OpLT, Value: 10}, true},
		{"ge_fails", Expression{Path: "context.replicas", Op: OpGE, Value: 10}, false},
		{"args_path", Expression{Path: "args.force", Op: OpEq, Value: false}, true},
		{"bare_key", Expression{Path: "env", Op: OpEq, Value: "prod"}, true},
		{"missing_path", Expression{Path: "context.nope", Op: OpEq, Value: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, evalExpression(tc.ex, ctx, args))
		})
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	_, err := Parse([]byte(`version: 1`))
	require.Error(t, err) // no name

	_, err = Parse([]byte("name: p\nversion: 0"))
	require.Error(t, err)

	_, err = Parse([]byte("name: p\nversion: 1\ntool_allowlist:\n  operator: [\"cluster.*.scale\"]"))
	require.Error(t, err) // wildcard not in trailing segment

	doc, err := Parse([]byte("name: p\nversion: 1\nfail_fast: false"))
	require.NoError(t, err)
	require.False(t, doc.FailFastEnabled())

	doc, err = Parse([]byte("name: p\nversion: 1"))
	require.NoError(t, err)
	require.True(t, doc.FailFastEnabled()) // absent key keeps the default
}

func TestStoreVersioningAndActivation(t *testing.T) {
	s := NewStore()

	v1 := &Document{Name: "prod", Version: 1}
	v2 := &Document{Name: "prod", Version: 2}
	require.NoError(t, s.Put("acme", v1))
	require.NoError(t, s.Put("acme", v2))

	// versions are strictly increasing per (tenant, name)
	require.Error(t, s.Put("acme", &Document{Name: "prod", Version: 2}))

	_, ok := s.Active("acme")
	require.False(t, ok)

	require.NoError(t, s.Activate("acme", "prod", 1))
	active, ok := s.Active("acme")
	require.True(t, ok)
	require.Equal(t, 1, active.Version)

	require.NoError(t, s.Activate("acme", "prod", 2))
	active, _ = s.Active("acme")
	require.Equal(t, 2, active.Version)

	// old versions stay retrievable
	got, ok := s.Get("acme", "prod", 1)
	require.True(t, ok)
	require.Equal(t, 1, got.Version)

	require.Error(t, s.Activate("acme", "prod", 9))

	// tenants are isolated
	_, ok = s.Active("globex")
	require.False(t, ok)
}
