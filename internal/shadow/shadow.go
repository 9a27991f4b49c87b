// Package shadow scores an agent-produced step list against a reference list.
// The comparator is pure arithmetic over the two lists; it never calls
// adapters and produces no side effects.
package shadow

import (
	"fmt"
	"strings"

	"github.com/antigravity-dev/maestro/internal/runbook"
)

// Planned is one step the agent intended to execute, in plan order.
type Planned struct {
	Name string         `json:"name"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Report holds the three scalar rates attached to a shadow run.
type Report struct {
	// Match is the fraction of reference positions where the agent's step at
	// the same index uses the same tool with a superset of the expected args.
	Match float64 `json:"match_rate"`

	// Missing is the fraction of reference tools the agent never planned.
	Missing float64 `json:"missing_rate"`

	// Hallucination is the fraction of planned tools absent from the reference.
	Hallucination float64 `json:"hallucination_rate"`
}

// Score compares the agent's ordered plan A against the reference list R.
func Score(agent []Planned, reference []runbook.Reference) Report {
	refDen := float64(max(len(reference), 1))

	matched := 0
	for i, r := range reference {
		if i >= len(agent) {
			break
		}
		if agent[i].Tool == r.Tool && ArgsSubset(r.Args, agent[i].Args) {
			matched++
		}
	}

	refTools := make(map[string]bool, len(reference))
	for _, r := range reference {
		refTools[r.Tool] = true
	}
	agentTools := make(map[string]bool, len(agent))
	for _, a := range agent {
		agentTools[a.Tool] = true
	}

	missing := 0
	for _, r := range reference {
		if !agentTools[r.Tool] {
			missing++
		}
	}

	hallucinated := 0
	for _, a := range agent {
		if !refTools[a.Tool] {
			hallucinated++
		}
	}

	return Report{
		Match:         float64(matched) / refDen,
		Missing:       float64(missing) / refDen,
		Hallucination: float64(hallucinated) / float64(max(len(agent), 1)),
	}
}

// ArgsSubset reports whether every expected key exists in actual with an equal
// value. Expected strings may carry {placeholder} segments that match any
// actual value at that position.
func ArgsSubset(expected, actual map[string]any) bool {
	for k, want := range expected {
		got, ok := actual[k]
		if !ok {
			return false
		}
		if !valueMatches(want, got) {
			return false
		}
	}
	return true
}

func valueMatches(want, got any) bool {
	if ws, ok := want.(string); ok && strings.Contains(ws, "{") {
		gs, ok := got.(string)
		return ok && templateMatch(ws, gs)
	}
	if wm, ok := want.(map[string]any); ok {
		gm, ok := got.(map[string]any)
		return ok && ArgsSubset(wm, gm)
	}
	return fmt.Sprintf("%v", want) == fmt.Sprintf("%v", got)
}

// templateMatch matches a template like "deploy-{env}" against a concrete
// string, treating each {name} segment as a non-greedy wildcard.
func templateMatch(template, s string) bool {
	var literals []string
	rest := template
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			literals = append(literals, rest)
			break
		}
		close := strings.Index(rest[open:], "}")
		if close < 0 {
			literals = append(literals, rest)
			break
		}
		literals = append(literals, rest[:open])
		rest = rest[open+close+1:]
	}

	pos := 0
	for i, lit := range literals {
		if lit == "" {
			continue
		}
		idx := strings.Index(s[pos:], lit)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		pos += idx + len(lit)
	}
	if last := literals[len(literals)-1]; last != "" && !strings.HasSuffix(s, last) {
		return false
	}
	return true
}
