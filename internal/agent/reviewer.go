package agent

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antigravity-dev/maestro/internal/policy"
)

// Review is the reviewer's verdict. It is the only thing that authorizes an
// adapter invocation.
type Review struct {
	Decision policy.Action `json:"decision"`
	Reasons  []string      `json:"reasons"`

	// Disagreed marks an LLM verdict that differed from the policy
	// evaluator's; the stricter decision was taken and the disagreement must
	// be audited.
	Disagreed   bool          `json:"disagreed,omitempty"`
	LLMDecision policy.Action `json:"llm_decision,omitempty"`

	Usage Usage `json:"usage"`
}

// Reviewer decides allow / block / require_approval for one concrete tool
// call. Stub mode delegates to the policy evaluator verbatim; LLM mode
// intersects the model's structured verdict with the evaluator, stricter
// wins.
type Reviewer struct {
	Mode        Mode
	Model       Model
	Evaluator   *policy.Evaluator
	MaxAttempts int
	Logger      logr.Logger
}

const reviewerSystem = `You review one proposed tool invocation against an operations policy.
Respond with JSON only, shaped as {"decision":"allow"|"block"|"require_approval","reasons":[string]}.`

type reviewerOut struct {
	Decision string   `json:"decision"`
	Reasons  []string `json:"reasons"`
}

func (r *Reviewer) Review(ctx context.Context, doc *policy.Document, in policy.Input) (Review, error) {
	base := r.Evaluator.Evaluate(doc, in)
	if r.Mode != ModeLLM {
		return Review{Decision: base.Action, Reasons: base.Reasons}, nil
	}

	user := fmt.Sprintf("Tool: %s\nArgs: %s\nSubject roles: %v\nPolicy: %s v%d\nContext: %s",
		in.Tool, compactJSON(in.Args), in.Roles, doc.Name, doc.Version, compactJSON(in.Context))

	var usage Usage
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	llm := reviewerOut{Decision: string(base.Action)}
	conforming := false
	for attempt := 1; attempt <= attempts && !conforming; attempt++ {
		comp, err := r.Model.Complete(ctx, "reviewer", reviewerSystem, user)
		usage.Add(comp.Usage)
		if err != nil {
			continue
		}
		var out reviewerOut
		if err := decodeValidated("reviewer", comp.Text, reviewerSchema, &out); err != nil {
			r.Logger.Info("reviewer output rejected", "attempt", attempt, "error", err.Error())
			continue
		}
		llm = out
		conforming = true
	}

	// A reviewer model that never conforms is not a step failure: the policy
	// evaluator's verdict stands alone, which is the strictest safe fallback.
	if !conforming {
		return Review{Decision: base.Action, Reasons: base.Reasons, Usage: usage}, nil
	}

	llmAction := policy.Action(llm.Decision)
	final := stricter(base.Action, llmAction)
	review := Review{
		Decision: final,
		Reasons:  append(append([]string{}, base.Reasons...), llm.Reasons...),
		Usage:    usage,
	}
	if llmAction != base.Action {
		review.Disagreed = true
		review.LLMDecision = llmAction
		r.Logger.Info("reviewer disagreement", "tool", in.Tool,
			"policy", string(base.Action), "llm", string(llmAction), "final", string(final))
	}
	return review, nil
}

func strictness(a policy.Action) int {
	switch a {
	case policy.Block:
		return 2
	case policy.RequireApproval:
		return 1
	default:
		return 0
	}
}

func stricter(a, b policy.Action) policy.Action {
	if strictness(b) > strictness(a) {
		return b
	}
	return a
}
