package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/antigravity-dev/maestro/internal/core"
)

// ToolCall is the toolcaller's refinement of one pending step.
type ToolCall struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	Confidence float64        `json:"confidence"`
	Rationale  string         `json:"rationale"`
	Usage      Usage          `json:"usage"`
}

// Toolcaller turns one pending step, possibly with loose or missing args,
// into a concrete tool call.
type Toolcaller struct {
	Mode        Mode
	Model       Model
	MaxAttempts int
	Logger      logr.Logger
}

const toolcallerSystem = `You resolve one runbook step into a concrete tool invocation.
Respond with JSON only, shaped as {"tool":string,"args":object,"confidence":number,"rationale":string}.
Pick the single best tool from the catalog; confidence is in [0,1].`

// Resolve refines a planned step. Stub mode passes the step through; a step
// with neither tool nor prompt resolution available fails validation.
func (t *Toolcaller) Resolve(ctx context.Context, step PlannedStep, prompt string, runCtx map[string]any, catalog []string) (ToolCall, error) {
	if t.Mode != ModeLLM {
		if step.Tool == "" {
			return ToolCall{}, core.New(core.CodeValidation,
				"step %q has no tool and the stub toolcaller cannot resolve prompts", step.Name)
		}
		args := step.Args
		if args == nil {
			args = map[string]any{}
		}
		return ToolCall{
			Tool:       step.Tool,
			Args:       args,
			Confidence: 1,
			Rationale:  fmt.Sprintf("step %q names %s explicitly", step.Name, step.Tool),
		}, nil
	}

	user := fmt.Sprintf("Step: %s\nTool hint: %s\nArgs so far: %s\nPrompt: %s\nContext: %s\nCatalog:\n%s",
		step.Name, step.Tool, compactJSON(step.Args), prompt, compactJSON(runCtx), strings.Join(catalog, "\n"))

	var usage Usage
	attempts := t.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		comp, err := t.Model.Complete(ctx, "toolcaller", toolcallerSystem, user)
		usage.Add(comp.Usage)
		if err != nil {
			lastErr = err
			continue
		}
		var out ToolCall
		if err := decodeValidated("toolcaller", comp.Text, toolcallerSchema, &out); err != nil {
			t.Logger.Info("toolcaller output rejected", "attempt", attempt, "step", step.Name, "error", err.Error())
			lastErr = err
			continue
		}
		out.Usage = usage
		return out, nil
	}
	return ToolCall{Usage: usage}, core.New(core.CodeAgentMalformed,
		"toolcaller produced no conforming output after %d attempts: %v", attempts, lastErr)
}
