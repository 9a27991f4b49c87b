package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/antigravity-dev/maestro/internal/adapter"
)

// Decision is the evaluator's verdict with machine-readable reasons, in rule
// firing order. Blocks always win over approvals; approvals over allows.
type Decision struct {
	Action  Action   `json:"action"`
	Reasons []string `json:"reasons"`
}

// Totals are the run's accrued usage at evaluation time.
type Totals struct {
	TokensIn  int
	TokensOut int
	CostUSD   float64
	WallMs    int64
}

// Input is everything one evaluation sees.
type Input struct {
	Roles   []string
	Tool    string
	Args    map[string]any
	Context map[string]any

	// Totals plus Estimate give the bounded upper projection for budget caps.
	Totals   Totals
	Estimate Totals
}

// Evaluator decides allow / block / require_approval against one policy
// snapshot. It consults the adapter registry for argument schemas and
// side-effect classification.
type Evaluator struct {
	Registry      *adapter.Registry
	DefaultAction DefaultAction
}

// Evaluate runs the decision procedure in its fixed total order:
// allowlist → schema → preconditions → budgets → sensitivity.
func (e *Evaluator) Evaluate(doc *Document, in Input) Decision {
	var reasons []string
	blocked := false
	approval := false

	// 1. Role allowlist.
	if !e.toolAllowed(doc, in.Roles, in.Tool) {
		blocked = true
		reasons = append(reasons, "tool_not_allowed")
	}

	// 2. Adapter argument schema.
	if !blocked && e.Registry != nil {
		if v := e.Registry.ValidateArgs(in.Tool, in.Args); v != nil {
			blocked = true
			reasons = append(reasons, fmt.Sprintf("schema_violation:%s", v.Pointer))
		}
	}

	// 3. Preconditions.
	if !blocked {
		for _, p := range doc.Preconditions {
			if !evalExpression(p.Expression, in.Context, in.Args) {
				blocked = true
				reasons = append(reasons, "precondition_failed:"+p.Name)
			}
		}
	}

	// 4. Budgets (projected upper bound, not just accrued totals).
	if !blocked {
		if bre := e.budgetReasons(doc.Budgets, in.Totals, in.Estimate); len(bre) > 0 {
			blocked = true
			reasons = append(reasons, bre...)
		}
	}

	if blocked {
		return Decision{Action: Block, Reasons: reasons}
	}

	// 5. Sensitivity: destructive classification or a matching approval rule.
	if e.Registry != nil {
		if a, ok := e.Registry.Get(in.Tool); ok && a.Classification == adapter.ClassDestructive {
			approval = true
			reasons = append(reasons, "destructive_tool")
		}
	}
	for _, r := range doc.ApprovalRules {
		if MatchTool(r.ToolGlob, in.Tool) {
			approval = true
			reasons = append(reasons, "approval_rule:"+r.ToolGlob)
		}
	}
	if approval {
		return Decision{Action: RequireApproval, Reasons: reasons}
	}

	// 6. Allow.
	return Decision{Action: Allow, Reasons: append(reasons, "allowed")}
}

// ApprovalRuleFor returns the first approval rule matching the tool, if any.
// The executor uses it for expiry and the four-eyes configuration.
func ApprovalRuleFor(doc *Document, tool string) *ApprovalRule {
	for i := range doc.ApprovalRules {
		if MatchTool(doc.ApprovalRules[i].ToolGlob, tool) {
			return &doc.ApprovalRules[i]
		}
	}
	return nil
}

func (e *Evaluator) toolAllowed(doc *Document, roles []string, tool string) bool {
	for _, role := range roles {
		for _, g := range doc.ToolAllowlist[role] {
			if MatchTool(g, tool) {
				return true
			}
		}
	}
	// Unknown to every rule in the policy: the process default decides.
	if e.DefaultAction == DefaultAllow && !e.toolKnown(doc, tool) {
		return true
	}
	return false
}

// toolKnown reports whether any rule in the policy mentions the tool.
func (e *Evaluator) toolKnown(doc *Document, tool string) bool {
	for _, globs := range doc.ToolAllowlist {
		for _, g := range globs {
			if MatchTool(g, tool) {
				return true
			}
		}
	}
	for _, r := range doc.ApprovalRules {
		if MatchTool(r.ToolGlob, tool) {
			return true
		}
	}
	return false
}

func (e *Evaluator) budgetReasons(b Budgets, t, est Totals) []string {
	var out []string
	if b.MaxCostPerRunUSD > 0 && t.CostUSD+est.CostUSD > b.MaxCostPerRunUSD {
		out = append(out, "budget_exceeded:cost_usd")
	}
	if b.MaxTokensPerRun > 0 && t.TokensIn+t.TokensOut+est.TokensIn+est.TokensOut > b.MaxTokensPerRun {
		out = append(out, "budget_exceeded:tokens")
	}
	if b.MaxWallMsPerRun > 0 && t.WallMs+est.WallMs > b.MaxWallMsPerRun {
		out = append(out, "budget_exceeded:wall_ms")
	}
	return out
}

// --- precondition evaluation ---

// evalExpression resolves the dotted path against the run context and step
// args, then applies the operator. Unresolvable paths fail the predicate.
func evalExpression(ex Expression, runCtx, args map[string]any) bool {
	val, ok := resolvePath(ex.Path, runCtx, args)
	if !ok {
		return false
	}
	switch ex.Op {
	case OpEq:
		return looseEqual(val, ex.Value)
	case OpNeq:
		return !looseEqual(val, ex.Value)
	case OpIn:
		return containedIn(val, ex.Value)
	case OpNotIn:
		return !containedIn(val, ex.Value)
	case OpMatches:
		pat, ok := ex.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", val))
	case OpLT, OpLE, OpGT, OpGE:
		a, aok := toFloat(val)
		b, bok := toFloat(ex.Value)
		if !aok || !bok {
			return false
		}
		switch ex.Op {
		case OpLT:
			return a < b
		case OpLE:
			return a <= b
		case OpGT:
			return a > b
		default:
			return a >= b
		}
	}
	return false
}

func resolvePath(path string, runCtx, args map[string]any) (any, bool) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil, false
	}
	var cur any
	switch parts[0] {
	case "context":
		cur = runCtx
	case "args":
		cur = args
	default:
		// Bare keys resolve against the context first, then args.
		if v, ok := runCtx[parts[0]]; ok {
			cur = v
			parts = parts[1:]
			return walk(cur, parts)
		}
		if v, ok := args[parts[0]]; ok {
			cur = v
			parts = parts[1:]
			return walk(cur, parts)
		}
		return nil, false
	}
	return walk(cur, parts[1:])
}

func walk(cur any, parts []string) (any, bool) {
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func containedIn(val, set any) bool {
	items, ok := set.([]any)
	if !ok {
		// A scalar set degrades to substring containment, matching the
		// original engine's behaviour.
		return strings.Contains(fmt.Sprintf("%v", set), fmt.Sprintf("%v", val))
	}
	for _, it := range items {
		if looseEqual(val, it) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
