// Package policy loads versioned policy documents and decides, per effector
// call, whether the call is allowed, blocked, or needs human approval.
//
// The decision procedure is a fixed total order (allowlist, schema,
// preconditions, budgets, sensitivity) and every decision is a return value
// with machine-readable reasons, never an error.
package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action is the decision for one effector call.
type Action string

const (
	Allow           Action = "allow"
	Block           Action = "block"
	RequireApproval Action = "require_approval"
)

// DefaultAction is the process-wide action for tools unknown to any rule,
// configured by POLICY_DEFAULT_ACTION (default: block).
type DefaultAction string

const (
	DefaultBlock DefaultAction = "block"
	DefaultAllow DefaultAction = "allow"
)

// Budgets are per-run caps. Zero means uncapped.
type Budgets struct {
	MaxCostPerRunUSD float64 `yaml:"max_cost_per_run_usd"`
	MaxTokensPerRun  int     `yaml:"max_tokens_per_run"`
	MaxWallMsPerRun  int64   `yaml:"max_wall_ms_per_run"`
}

// ApprovalRule flags a (tool-glob, subject) combination as sensitive.
type ApprovalRule struct {
	ToolGlob      string   `yaml:"tool_glob"`
	RequiresRoles []string `yaml:"requires_roles"`
	Quorum        int      `yaml:"quorum"`
	ExpirySeconds int      `yaml:"expiry_seconds"`

	// AllowSelf relaxes the four-eyes rule: when true, the run's caller may
	// decide their own approval.
	AllowSelf bool `yaml:"allow_self"`
}

// Op is a precondition comparison operator.
type Op string

const (
	OpEq      Op = "="
	OpNeq     Op = "!="
	OpIn      Op = "in"
	OpNotIn   Op = "not_in"
	OpMatches Op = "matches"
	OpLT      Op = "<"
	OpLE      Op = "<="
	OpGT      Op = ">"
	OpGE      Op = ">="
)

// Expression is a single declarative predicate evaluated against the run
// context and the step args. Path is dotted: "context.env", "args.replicas".
type Expression struct {
	Path  string `yaml:"path"`
	Op    Op     `yaml:"op"`
	Value any    `yaml:"value"`
}

// Precondition is a named predicate; a failing precondition blocks the step.
type Precondition struct {
	Name       string     `yaml:"name"`
	Expression Expression `yaml:"expression"`
}

// Document is one named, versioned policy.
type Document struct {
	Name    string `yaml:"name"`
	Version int    `yaml:"version"`

	Roles []string `yaml:"roles"`

	// ToolAllowlist maps role → tool-glob patterns. The `*` wildcard is
	// allowed in the trailing segment only.
	ToolAllowlist map[string][]string `yaml:"tool_allowlist"`

	Budgets       Budgets        `yaml:"budgets"`
	ApprovalRules []ApprovalRule `yaml:"approval_rules"`
	Preconditions []Precondition `yaml:"preconditions"`

	// FailFast terminates the run on a blocked step (default: true).
	// Stored as a pointer so an absent key keeps the default.
	FailFast *bool `yaml:"fail_fast"`
}

// Parse unmarshals and validates a policy document.
func Parse(doc []byte) (*Document, error) {
	var d Document
	if err := yaml.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the structural invariants of the document.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("policy: name is required")
	}
	if d.Version < 1 {
		return fmt.Errorf("policy %q: version must be >= 1", d.Name)
	}
	for role, globs := range d.ToolAllowlist {
		for _, g := range globs {
			if err := validateGlob(g); err != nil {
				return fmt.Errorf("policy %q: allowlist for role %q: %w", d.Name, role, err)
			}
		}
	}
	for i, r := range d.ApprovalRules {
		if err := validateGlob(r.ToolGlob); err != nil {
			return fmt.Errorf("policy %q: approval rule %d: %w", d.Name, i, err)
		}
		if r.Quorum < 0 {
			return fmt.Errorf("policy %q: approval rule %d: negative quorum", d.Name, i)
		}
	}
	for i, p := range d.Preconditions {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("policy %q: precondition %d has no name", d.Name, i)
		}
		switch p.Expression.Op {
		case OpEq, OpNeq, OpIn, OpNotIn, OpMatches, OpLT, OpLE, OpGT, OpGE:
		default:
			return fmt.Errorf("policy %q: precondition %q: unknown op %q", d.Name, p.Name, p.Expression.Op)
		}
	}
	return nil
}

// FailFastEnabled reports whether a blocked step terminates the run.
func (d *Document) FailFastEnabled() bool {
	if d.FailFast == nil {
		return true
	}
	return *d.FailFast
}

// validateGlob enforces the wildcard rule: `*` only as the entire pattern or
// as the entire trailing segment.
func validateGlob(g string) error {
	if g == "" {
		return fmt.Errorf("empty tool glob")
	}
	if g == "*" {
		return nil
	}
	segs := strings.Split(g, ".")
	for i, s := range segs {
		if s == "" {
			return fmt.Errorf("tool glob %q has an empty segment", g)
		}
		if strings.Contains(s, "*") {
			if s != "*" || i != len(segs)-1 {
				return fmt.Errorf("tool glob %q: wildcard allowed in trailing segment only", g)
			}
		}
	}
	return nil
}

// MatchTool reports whether a tool id matches an allowlist glob.
func MatchTool(glob, tool string) bool {
	if glob == "*" {
		return true
	}
	if !strings.HasSuffix(glob, ".*") {
		return glob == tool
	}
	prefix := strings.TrimSuffix(glob, "*")
	if !strings.HasPrefix(tool, prefix) {
		return false
	}
	// The wildcard covers exactly one trailing segment.
	rest := strings.TrimPrefix(tool, prefix)
	return rest != "" && !strings.Contains(rest, ".")
}
