// Package adapter defines the effector contract and the tool registry.
//
// Every external side effect in a run goes through an Adapter registered
// under a dotted tool id. Adapters declare an argument schema, a
// classification, an idempotency flag, and an optional compensation tool;
// the executor and the policy evaluator key off those declarations. Failures
// are values carrying a kind discriminant; adapters never panic and never
// signal errors through Go error returns for effector-level outcomes.
package adapter

import (
	"context"
	"time"
)

// Classification describes the side-effect class of a tool.
type Classification string

const (
	ClassRead        Classification = "read"
	ClassWrite       Classification = "write"
	ClassDestructive Classification = "destructive"
)

// ErrorKind discriminates adapter failures. Only ErrTransient and ErrTimeout
// are retried by the executor.
type ErrorKind string

const (
	ErrValidationFailed   ErrorKind = "validation_failed"
	ErrPreconditionFailed ErrorKind = "precondition_failed"
	ErrTransient          ErrorKind = "transient"
	ErrPermanent          ErrorKind = "permanent"
	ErrTimeout            ErrorKind = "timeout"
	ErrUnauthorized       ErrorKind = "unauthorized"
)

// Retryable reports whether the executor may retry this failure kind.
func (k ErrorKind) Retryable() bool {
	return k == ErrTransient || k == ErrTimeout
}

// Error is an effector failure carried as a value.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Usage is the resource accounting for one invocation. WallMs is always set;
// adapters that call LLMs also fill token counts and cost.
type Usage struct {
	WallMs    int64   `json:"wall_ms"`
	TokensIn  int     `json:"tokens_in,omitempty"`
	TokensOut int     `json:"tokens_out,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(o Usage) {
	u.WallMs += o.WallMs
	u.TokensIn += o.TokensIn
	u.TokensOut += o.TokensOut
	u.CostUSD += o.CostUSD
}

// Result is the uniform outcome of one invocation.
type Result struct {
	OK     bool           `json:"ok"`
	Output map[string]any `json:"output,omitempty"`
	Usage  Usage          `json:"usage"`
	Error  *Error         `json:"error,omitempty"`
}

// Failure builds a failed Result with the given kind.
func Failure(kind ErrorKind, message string, wallMs int64) Result {
	return Result{
		OK:    false,
		Usage: Usage{WallMs: wallMs},
		Error: &Error{Kind: kind, Message: message},
	}
}

// Call carries per-invocation context. Adapters may have external side
// effects but must not consult other adapters or the run store.
type Call struct {
	RunID          string
	StepIndex      int
	Tenant         string
	IdempotencyKey string

	// CompensationOf is the index of the step being undone when this call is
	// a compensation, -1 otherwise.
	CompensationOf int
}

// InvokeFunc is the invocation function behind a tool id.
type InvokeFunc func(ctx context.Context, args map[string]any, call Call) Result

// Adapter is one registered effector.
type Adapter struct {
	// ID is the dotted, lower-case, stable tool identifier.
	ID string

	// ArgsSchema is the JSON Schema describing the argument shape. Compiled
	// at registration; invalid schemas fail Register.
	ArgsSchema map[string]any

	// SecretArgs names top-level args redacted from audit payloads.
	SecretArgs []string

	Classification Classification

	// Idempotent marks the operation safe to retry on transport failure.
	Idempotent bool

	// SafeToInterrupt permits forced termination of an in-flight call.
	// Only meaningful for ClassRead.
	SafeToInterrupt bool

	// Compensation is the tool id of the declared inverse operation, or "".
	Compensation string

	// Budget is the maximum wall-clock time for one invocation.
	Budget time.Duration

	Invoke InvokeFunc
}

const defaultBudget = 60 * time.Second

// EffectiveBudget returns the adapter's wall-clock budget, defaulted to 60s.
func (a *Adapter) EffectiveBudget() time.Duration {
	if a.Budget <= 0 {
		return defaultBudget
	}
	return a.Budget
}
