package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/antigravity-dev/maestro/internal/core"
	"github.com/antigravity-dev/maestro/internal/runbook"
)

// PlanResult is the planner's ordered candidate step list plus the usage it
// cost to produce.
type PlanResult struct {
	Steps []PlannedStep `json:"steps"`
	Usage Usage         `json:"usage"`
}

// Planner materializes a runbook document into an ordered candidate step
// list.
type Planner struct {
	Mode        Mode
	Model       Model
	MaxAttempts int
	Logger      logr.Logger
}

const plannerSystem = `You translate an operational runbook into an ordered step list.
Respond with JSON only, shaped as {"steps":[{"name":string,"tool":string,"args":object}]}.
Use only tools from the provided catalog. Leave tool empty for steps you cannot resolve.`

// Plan produces the candidate step list. Stub mode reads explicit tool+args
// pairs from the document verbatim; prompt-only steps are left for the
// toolcaller with an empty tool.
func (p *Planner) Plan(ctx context.Context, rb *runbook.Runbook, runCtx map[string]any, catalog []string) (PlanResult, error) {
	if p.Mode != ModeLLM {
		steps := make([]PlannedStep, 0, len(rb.Steps))
		for _, s := range rb.Steps {
			args := s.Args
			if args == nil {
				args = map[string]any{}
			}
			steps = append(steps, PlannedStep{Name: s.Name, Tool: s.Tool, Args: args})
		}
		return PlanResult{Steps: steps}, nil
	}

	user := fmt.Sprintf("Runbook %q:\n%s\n\nContext:\n%s\n\nTool catalog:\n%s",
		rb.Name, describeSteps(rb), compactJSON(runCtx), strings.Join(catalog, "\n"))

	var usage Usage
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		comp, err := p.Model.Complete(ctx, "planner", plannerSystem, user)
		usage.Add(comp.Usage)
		if err != nil {
			lastErr = err
			continue
		}
		var out PlanResult
		if err := decodeValidated("planner", comp.Text, plannerSchema, &out); err != nil {
			p.Logger.Info("planner output rejected", "attempt", attempt, "error", err.Error())
			lastErr = err
			continue
		}
		out.Usage = usage
		return out, nil
	}
	return PlanResult{Usage: usage}, core.New(core.CodeAgentMalformed,
		"planner produced no conforming output after %d attempts: %v", attempts, lastErr)
}

func describeSteps(rb *runbook.Runbook) string {
	var sb strings.Builder
	for i, s := range rb.Steps {
		fmt.Fprintf(&sb, "%d. %s", i, s.Name)
		if s.Tool != "" {
			fmt.Fprintf(&sb, " tool=%s args=%s", s.Tool, compactJSON(s.Args))
		} else {
			fmt.Fprintf(&sb, " prompt=%q", s.Prompt)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
