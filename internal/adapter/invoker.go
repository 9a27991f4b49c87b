package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Invoker is the executor-facing invocation surface. The real implementation
// dispatches through the registry; shadow runs substitute an intent recorder
// that never reaches an effector.
type Invoker interface {
	Invoke(ctx context.Context, toolID string, args map[string]any, call Call) Result
}

// RegistryInvoker invokes real adapters with their declared wall-clock budget.
type RegistryInvoker struct {
	Registry *Registry
}

// Invoke dispatches to the registered adapter. The adapter's budget (or the
// caller's earlier deadline) bounds the call; a deadline overrun is reported
// as ErrTimeout, not as a Go error.
func (ri *RegistryInvoker) Invoke(ctx context.Context, toolID string, args map[string]any, call Call) Result {
	a, ok := ri.Registry.Get(toolID)
	if !ok {
		return Failure(ErrValidationFailed, fmt.Sprintf("no adapter registered for %q", toolID), 0)
	}

	ctx, cancel := context.WithTimeout(ctx, a.EffectiveBudget())
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		done <- a.Invoke(ctx, args, call)
	}()

	select {
	case res := <-done:
		if res.Usage.WallMs == 0 {
			res.Usage.WallMs = time.Since(start).Milliseconds()
		}
		return res
	case <-ctx.Done():
		// The in-flight call is abandoned only when the adapter declared it
		// safe to interrupt; otherwise wait for its result and report the
		// overrun as a timeout.
		if a.Classification == ClassRead && a.SafeToInterrupt {
			return Failure(ErrTimeout, fmt.Sprintf("%s interrupted after %s", toolID, a.EffectiveBudget()), time.Since(start).Milliseconds())
		}
		res := <-done
		res.OK = false
		res.Error = &Error{Kind: ErrTimeout, Message: fmt.Sprintf("%s exceeded budget %s", toolID, a.EffectiveBudget())}
		res.Usage.WallMs = time.Since(start).Milliseconds()
		return res
	}
}

// Intent is one recorded would-be invocation from a shadow run.
type Intent struct {
	Tool string
	Args map[string]any
	Call Call
}

// IntentRecorder is the shadow-mode shim: it records intent and makes no
// external calls. Lookup misses are reported the same way the real invoker
// reports them so shadow runs observe identical gating.
type IntentRecorder struct {
	Registry *Registry

	mu      sync.Mutex
	intents []Intent
}

func (ir *IntentRecorder) Invoke(_ context.Context, toolID string, args map[string]any, call Call) Result {
	if _, ok := ir.Registry.Get(toolID); !ok {
		return Failure(ErrValidationFailed, fmt.Sprintf("no adapter registered for %q", toolID), 0)
	}
	ir.mu.Lock()
	ir.intents = append(ir.intents, Intent{Tool: toolID, Args: args, Call: call})
	ir.mu.Unlock()
	return Result{
		OK:     true,
		Output: map[string]any{"shadow": true, "tool": toolID},
		Usage:  Usage{WallMs: 0},
	}
}

// Intents returns the recorded intents in invocation order.
func (ir *IntentRecorder) Intents() []Intent {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	out := make([]Intent, len(ir.intents))
	copy(out, ir.intents)
	return out
}
