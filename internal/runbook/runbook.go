// Package runbook parses and validates runbook documents.
//
// A runbook is a YAML (or JSON, since YAML is a superset) document with a name,
// an optional version, and an ordered list of steps. Each step names either a
// concrete tool invocation (tool + args) or a natural-language prompt that the
// toolcaller resolves at execution time.
package runbook

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step is one entry in a runbook's ordered step list.
type Step struct {
	Name string `yaml:"name" json:"name"`

	// Tool is a dotted tool identifier (e.g. "tracker.create_issue").
	// Exactly one of Tool or Prompt must be set.
	Tool string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`

	// Prompt is a natural-language description consumed by the toolcaller.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	// ContinueOnError lets the run advance past a failed or blocked step.
	ContinueOnError bool `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`

	// Compensates names an earlier step this step undoes (or empty).
	Compensates string `yaml:"compensates,omitempty" json:"compensates,omitempty"`

	// TimeoutMs overrides the adapter's wall-clock budget for this step.
	TimeoutMs int `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// Reference is an expected step used by shadow-mode scoring.
type Reference struct {
	Name string         `yaml:"name" json:"name"`
	Tool string         `yaml:"tool" json:"tool"`
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

// Runbook is a parsed, validated runbook document.
type Runbook struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	Steps   []Step `yaml:"steps" json:"steps"`

	// Reference is the expected step list scored against in shadow mode.
	Reference []Reference `yaml:"reference,omitempty" json:"reference,omitempty"`

	// ToolHint restricts the tool catalog offered to the planner.
	ToolHint []string `yaml:"tool_hint,omitempty" json:"tool_hint,omitempty"`
}

// Parse unmarshals and validates a runbook document.
func Parse(doc []byte) (*Runbook, error) {
	var rb Runbook
	if err := yaml.Unmarshal(doc, &rb); err != nil {
		return nil, fmt.Errorf("parse runbook: %w", err)
	}
	if err := rb.Validate(); err != nil {
		return nil, err
	}
	return &rb, nil
}

// Validate checks the structural invariants of the document.
func (rb *Runbook) Validate() error {
	if strings.TrimSpace(rb.Name) == "" {
		return fmt.Errorf("runbook: name is required")
	}

	seen := make(map[string]bool, len(rb.Steps))
	names := make(map[string]int, len(rb.Steps))
	for i, s := range rb.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("runbook %q: step %d has no name", rb.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("runbook %q: duplicate step name %q", rb.Name, s.Name)
		}
		seen[s.Name] = true
		names[s.Name] = i

		hasTool := s.Tool != ""
		hasPrompt := strings.TrimSpace(s.Prompt) != ""
		if hasTool == hasPrompt {
			return fmt.Errorf("runbook %q: step %q must set exactly one of tool or prompt", rb.Name, s.Name)
		}
		if hasTool {
			if err := ValidateToolID(s.Tool); err != nil {
				return fmt.Errorf("runbook %q: step %q: %w", rb.Name, s.Name, err)
			}
		}
		if s.TimeoutMs < 0 {
			return fmt.Errorf("runbook %q: step %q: negative timeout_ms", rb.Name, s.Name)
		}
	}

	// Compensation targets must name an earlier step.
	for i, s := range rb.Steps {
		if s.Compensates == "" {
			continue
		}
		target, ok := names[s.Compensates]
		if !ok {
			return fmt.Errorf("runbook %q: step %q compensates unknown step %q", rb.Name, s.Name, s.Compensates)
		}
		if target >= i {
			return fmt.Errorf("runbook %q: step %q compensates later step %q", rb.Name, s.Name, s.Compensates)
		}
	}
	return nil
}

// ValidateToolID checks that id is a dotted, lower-case tool identifier.
// Wildcards are not tools; they are rejected here and belong in allowlists.
func ValidateToolID(id string) error {
	if id == "" {
		return fmt.Errorf("empty tool id")
	}
	parts := strings.Split(id, ".")
	if len(parts) < 2 {
		return fmt.Errorf("tool id %q is not dotted", id)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("tool id %q has an empty segment", id)
		}
		for _, r := range p {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
				continue
			}
			return fmt.Errorf("tool id %q: invalid character %q", id, r)
		}
	}
	return nil
}
