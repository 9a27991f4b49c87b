// Package core defines the stable error taxonomy shared by the executor, the
// store, and the caller-facing service. Errors cross the service boundary as a
// stable code, a human reason, and the index of the failing step; internal
// exception text never escapes.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Code is a stable, caller-visible error class.
type Code string

const (
	CodeValidation       Code = "validation_error"
	CodePolicy           Code = "policy_error"
	CodeAdapterTransient Code = "adapter_transient"
	CodeAdapterPermanent Code = "adapter_permanent"
	CodeAdapterTimeout   Code = "adapter_timeout"
	CodeAgentMalformed   Code = "agent_malformed"
	CodeStore            Code = "store_error"
	CodeConcurrency      Code = "concurrency_error"
	CodeInternal         Code = "internal"
)

// Error is a classified failure. StepIndex is the failing step, or -1 when the
// failure is not tied to a step.
type Error struct {
	Code      Code   `json:"code"`
	Reason    string `json:"reason"`
	StepIndex int    `json:"step_index"`
}

func (e *Error) Error() string {
	if e.StepIndex >= 0 {
		return fmt.Sprintf("%s at step %d: %s", e.Code, e.StepIndex, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// New builds a classified error not tied to a step.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...), StepIndex: -1}
}

// AtStep builds a classified error for a specific step.
func AtStep(code Code, stepIndex int, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...), StepIndex: stepIndex}
}

// StackHash reduces an internal error to an audit-safe fingerprint. The audit
// chain records the hash, never the text.
func StackHash(detail string) string {
	sum := sha256.Sum256([]byte(detail))
	return hex.EncodeToString(sum[:8])
}
