// Package agent implements the three-role pipeline that turns a runbook into
// reviewed, concrete tool calls: the Planner materializes the step list, the
// Toolcaller refines one step into tool + args, and the Reviewer produces the
// policy-informed verdict that alone authorizes an adapter invocation.
//
// Each role has a deterministic stub mode and an LLM mode. LLM outputs are
// validated against strict JSON schemas and re-prompted up to a fixed bound;
// a persistently malformed output is an agent_malformed step failure, never a
// silent fallback. Every model call accrues tokens and cost into the owning
// step's usage record.
package agent

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/antigravity-dev/maestro/internal/core"
)

// Mode selects the deterministic stub or the probabilistic LLM implementation
// of a role.
type Mode string

const (
	ModeStub Mode = "stub"
	ModeLLM  Mode = "llm"
)

// DefaultMaxAttempts bounds re-prompts after a malformed LLM output.
const DefaultMaxAttempts = 3

// Usage is the resource accounting for one or more model calls.
type Usage struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	WallMs    int64   `json:"wall_ms"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(o Usage) {
	u.TokensIn += o.TokensIn
	u.TokensOut += o.TokensOut
	u.CostUSD += o.CostUSD
	u.WallMs += o.WallMs
}

// PlannedStep is one candidate step produced by the Planner.
type PlannedStep struct {
	Name string         `json:"name"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Output schemas. LLM responses must conform exactly; unknown keys are
// rejected so a drifting prompt fails loudly instead of leaking fields.
var (
	plannerSchema = mustCompile("planner", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"steps": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
						"tool": map[string]any{"type": "string"},
						"args": map[string]any{"type": "object"},
					},
					"required":             []any{"name", "tool", "args"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []any{"steps"},
		"additionalProperties": false,
	})

	toolcallerSchema = mustCompile("toolcaller", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tool":       map[string]any{"type": "string"},
			"args":       map[string]any{"type": "object"},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"rationale":  map[string]any{"type": "string"},
		},
		"required":             []any{"tool", "args", "confidence", "rationale"},
		"additionalProperties": false,
	})

	reviewerSchema = mustCompile("reviewer", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"decision": map[string]any{
				"type": "string",
				"enum": []any{"allow", "block", "require_approval"},
			},
			"reasons": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required":             []any{"decision", "reasons"},
		"additionalProperties": false,
	})
)

func mustCompile(name string, doc map[string]any) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("agent: add %s schema: %v", name, err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("agent: compile %s schema: %v", name, err))
	}
	return s
}

// decodeValidated parses an LLM response, checks it against the role's output
// schema, and decodes it into out. Any failure is an agent_malformed error
// that the caller may retry.
func decodeValidated(role, text string, schema *jsonschema.Schema, out any) error {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return core.New(core.CodeAgentMalformed, "%s returned invalid JSON: %v", role, err)
	}
	if err := schema.Validate(v); err != nil {
		return core.New(core.CodeAgentMalformed, "%s output violates schema: %v", role, err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return core.New(core.CodeAgentMalformed, "%s output re-encode: %v", role, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return core.New(core.CodeAgentMalformed, "%s output decode: %v", role, err)
	}
	return nil
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
