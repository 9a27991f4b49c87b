package temporal

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/maestro/internal/adapter"
	"github.com/antigravity-dev/maestro/internal/agent"
	"github.com/antigravity-dev/maestro/internal/core"
	"github.com/antigravity-dev/maestro/internal/policy"
	"github.com/antigravity-dev/maestro/internal/store"
)

// RunbookWorkflow drives one run through the executor loop:
//
//  1. LEASE:  take the run's single-writer lease
//  2. START:  load the submit-time snapshot, pending -> running
//  3. PLAN:   planner materializes the candidate step list
//  4. per step: RESOLVE -> REVIEW -> GATE -> INVOKE -> RECORD
//  5. SCORE:  shadow runs get the comparator report
//  6. FINISH: terminal status, audit, lease release
//
// The workflow holds only deterministic state; every effect goes through an
// activity. A run failure is a recorded outcome, not a workflow error: the
// workflow completes and the run row carries the stable error code.
func RunbookWorkflow(ctx workflow.Context, req RunInput) error {
	logger := workflow.GetLogger(ctx)
	owner := workflow.GetInfo(ctx).WorkflowExecution.RunID

	var a *Activities

	storeOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: 3},
	}
	agentOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: 1}, // malformed-output retries live in the agent
	}
	invokeOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: 1}, // the retry loop below owns retries
		// An in-flight adapter call runs to completion on cancel; its outcome
		// is recorded before the run closes as cancelled.
		WaitForCancellation: true,
	}

	w := &runExec{
		a:         a,
		owner:     owner,
		storeOpts: storeOpts,
		storeCtx:  workflow.WithActivityOptions(ctx, storeOpts),
		agentCtx:  workflow.WithActivityOptions(ctx, agentOpts),
		invokeCtx: workflow.WithActivityOptions(ctx, invokeOpts),
	}
	lease := LeaseRequest{RunID: req.RunID, Owner: owner, Tenant: req.Tenant}

	if err := workflow.ExecuteActivity(w.storeCtx, a.AcquireLeaseActivity, lease).Get(ctx, nil); err != nil {
		return err
	}

	if err := workflow.ExecuteActivity(w.storeCtx, a.StartRunActivity, lease).Get(ctx, &w.snap); err != nil {
		dctx, _ := workflow.NewDisconnectedContext(ctx)
		_ = workflow.ExecuteActivity(workflow.WithActivityOptions(dctx, storeOpts),
			a.ReleaseLeaseActivity, lease).Get(dctx, nil)
		return err
	}
	snap := w.snap
	if snap.Resumed {
		logger.Info("resuming run", "run", snap.RunID, "mode", snap.Mode)
	}

	// Wall-clock deadline for the whole run; zero means unbounded. The flag is
	// observed at step boundaries, so a step in flight when the deadline passes
	// still finishes and records.
	if snap.Exec.RunDeadlineMs > 0 {
		workflow.Go(ctx, func(gctx workflow.Context) {
			if workflow.Sleep(gctx, time.Duration(snap.Exec.RunDeadlineMs)*time.Millisecond) == nil {
				w.deadlined = true
			}
		})
	}

	// ===== PLAN =====
	var plan PlanOutput
	if err := workflow.ExecuteActivity(w.agentCtx, a.PlanRunActivity, snap).Get(ctx, &plan); err != nil {
		if canceled(ctx, err) {
			return w.cancel(ctx)
		}
		return w.fail(ctx, codeOf(err), reasonOf(err), -1)
	}

	var planned []ShadowStep
	var undo []undoStep

	// ===== STEP LOOP =====
	for i := range plan.Steps {
		spec := plan.Steps[i]
		spec.Index = i

		if ctx.Err() != nil {
			return w.cancel(ctx)
		}
		if w.deadlined {
			return w.fail(ctx, string(core.CodeAdapterTimeout), "run deadline exceeded", i)
		}

		var state StepState
		if err := workflow.ExecuteActivity(w.storeCtx, a.MaterializeStepActivity,
			MaterializeRequest{RunID: snap.RunID, Owner: owner, Tenant: snap.Tenant, Step: spec}).Get(ctx, &state); err != nil {
			if canceled(ctx, err) {
				return w.cancel(ctx)
			}
			return w.fail(ctx, codeOf(err), reasonOf(err), i)
		}
		if state.Status.Terminal() {
			// Idempotent resume: the step already ran to a terminal state.
			planned = append(planned, ShadowStep{Name: spec.Name, Tool: spec.Tool, Args: spec.Args})
			continue
		}
		interrupted := state.Status == store.StepRunning

		// ----- RESOLVE -----
		var rr ResolveResult
		if err := workflow.ExecuteActivity(w.agentCtx, a.ResolveStepActivity, ResolveRequest{
			RunID:    snap.RunID,
			Tenant:   snap.Tenant,
			Step:     spec,
			Context:  snap.Context,
			ToolHint: snap.Runbook.ToolHint,
		}).Get(ctx, &rr); err != nil {
			if canceled(ctx, err) {
				return w.cancel(ctx)
			}
			_ = workflow.ExecuteActivity(w.storeCtx, a.FailStepActivity, FailStepRequest{
				RunID: snap.RunID, Owner: owner, Tenant: snap.Tenant, Step: spec,
				Tool: spec.Tool, Args: spec.Args,
				Kind: codeOf(err), Message: reasonOf(err),
			}).Get(ctx, nil)
			if spec.ContinueOnError {
				continue
			}
			return w.fail(ctx, codeOf(err), reasonOf(err), i)
		}
		planned = append(planned, ShadowStep{Name: spec.Name, Tool: rr.Tool, Args: rr.Args})

		// A non-idempotent call found mid-flight after a crash has an unknown
		// outcome; retrying could double the side effect.
		if interrupted && snap.Mode == store.ModeExecute && rr.Adapter.Known && !rr.Adapter.Idempotent {
			msg := fmt.Sprintf("outcome of a prior %s invocation is unknown", rr.Tool)
			_ = workflow.ExecuteActivity(w.storeCtx, a.FailStepActivity, FailStepRequest{
				RunID: snap.RunID, Owner: owner, Tenant: snap.Tenant, Step: spec,
				Tool: rr.Tool, Args: rr.Args,
				Kind: string(adapter.ErrPermanent), Message: msg,
			}).Get(ctx, nil)
			if spec.ContinueOnError {
				continue
			}
			return w.fail(ctx, string(core.CodeAdapterPermanent), msg, i)
		}

		// ----- REVIEW -----
		var rev ReviewResult
		if err := workflow.ExecuteActivity(w.agentCtx, a.ReviewStepActivity, ReviewRequest{
			RunID:   snap.RunID,
			Tenant:  snap.Tenant,
			Index:   i,
			Roles:   snap.Roles,
			Tool:    rr.Tool,
			Args:    rr.Args,
			Context: snap.Context,
			Policy:  snap.Policy,
			Estimate: policy.Totals{
				TokensIn:  rr.Usage.TokensIn,
				TokensOut: rr.Usage.TokensOut,
				CostUSD:   rr.Usage.CostUSD,
				WallMs:    rr.Usage.WallMs + rr.Adapter.BudgetMs,
			},
		}).Get(ctx, &rev); err != nil {
			if canceled(ctx, err) {
				return w.cancel(ctx)
			}
			return w.fail(ctx, codeOf(err), reasonOf(err), i)
		}
		agentUsage := rr.Usage
		agentUsage.Add(rev.Usage)

		// ----- GATE -----
		switch rev.Decision {
		case policy.Block:
			if err := w.recordBlocked(ctx, spec, rr, rev.Reasons, agentUsage); err != nil {
				return w.fail(ctx, codeOf(err), reasonOf(err), i)
			}
			if spec.ContinueOnError || !snap.FailFast {
				continue
			}
			reason := "blocked by policy"
			if len(rev.Reasons) > 0 {
				reason = rev.Reasons[0]
			}
			return w.fail(ctx, string(core.CodePolicy), reason, i)

		case policy.RequireApproval:
			rule := policy.ApprovalRuleFor(snap.Policy, rr.Tool)
			var ticket ApprovalTicket
			if err := workflow.ExecuteActivity(w.storeCtx, a.RequestApprovalActivity, ApprovalRequest{
				RunID: snap.RunID, Tenant: snap.Tenant, Index: i,
				Caller: snap.Caller, Tool: rr.Tool, Reasons: rev.Reasons, Rule: rule,
			}).Get(ctx, &ticket); err != nil {
				if canceled(ctx, err) {
					return w.cancel(ctx)
				}
				return w.fail(ctx, codeOf(err), reasonOf(err), i)
			}
			logger.Info("awaiting approval", "run", snap.RunID, "step", i, "approval", ticket.ID)

			outcome, err := w.awaitApproval(ctx, ticket)
			if err != nil {
				return w.cancel(ctx)
			}
			if err := workflow.ExecuteActivity(w.storeCtx, a.ResumeRunActivity, ResumeRequest{
				RunID: snap.RunID, Tenant: snap.Tenant, Index: i,
				ApprovalID: ticket.ID, Decision: outcome,
			}).Get(ctx, nil); err != nil {
				return w.fail(ctx, codeOf(err), reasonOf(err), i)
			}
			if outcome != string(store.ApprovalApproved) {
				// Expiry carries denied semantics.
				if err := w.recordBlocked(ctx, spec, rr, []string{"approval_" + outcome}, agentUsage); err != nil {
					return w.fail(ctx, codeOf(err), reasonOf(err), i)
				}
				if spec.ContinueOnError || !snap.FailFast {
					continue
				}
				return w.fail(ctx, string(core.CodePolicy), "approval "+outcome, i)
			}
		}

		// ----- DRY RUN -----
		if snap.Mode == store.ModeDryRun {
			if err := workflow.ExecuteActivity(w.storeCtx, a.RecordDryRunActivity, DryRunRequest{
				RunID: snap.RunID, Owner: owner, Tenant: snap.Tenant, Step: spec,
				Tool: rr.Tool, Args: rr.Args, Usage: agentUsage,
			}).Get(ctx, nil); err != nil {
				return w.fail(ctx, codeOf(err), reasonOf(err), i)
			}
			continue
		}

		// ----- INVOKE with bounded retries on transient/timeout -----
		out, attempts, invErr := w.invoke(ctx, spec, rr)
		cancelled := invErr != nil || ctx.Err() != nil
		if cancelled && !out.OK && out.Kind == "" {
			// Cancelled before any attempt completed; nothing to record.
			return w.cancel(ctx)
		}

		// A cancelled run still records the outcome of the attempt that ran to
		// completion, on a disconnected context.
		rctx := w.storeCtx
		if cancelled {
			dctx, _ := workflow.NewDisconnectedContext(ctx)
			rctx = workflow.WithActivityOptions(dctx, w.storeOpts)
		}
		if err := workflow.ExecuteActivity(rctx, a.RecordStepResultActivity, RecordRequest{
			RunID: snap.RunID, Owner: owner, Tenant: snap.Tenant, Step: spec,
			Tool: rr.Tool, Args: rr.Args,
			Result: out, AgentUsage: agentUsage, Attempts: attempts, CompensationOf: -1,
		}).Get(rctx, nil); err != nil {
			if cancelled || canceled(ctx, err) {
				return w.cancel(ctx)
			}
			return w.fail(ctx, codeOf(err), reasonOf(err), i)
		}
		if cancelled {
			return w.cancel(ctx)
		}

		if out.OK {
			if snap.Mode == store.ModeExecute && rr.Adapter.Compensation != "" &&
				rr.Adapter.Classification != string(adapter.ClassRead) {
				undo = append(undo, undoStep{Index: i, Name: spec.Name, Tool: rr.Adapter.Compensation, Args: rr.Args})
			}
			continue
		}
		if spec.ContinueOnError {
			continue
		}

		w.compensate(ctx, undo, len(plan.Steps))
		return w.fail(ctx, kindCode(out.Kind), out.Message, i)
	}

	// ===== SHADOW SCORE =====
	if snap.Mode == store.ModeShadow {
		var rep struct {
			Match         float64 `json:"match_rate"`
			Missing       float64 `json:"missing_rate"`
			Hallucination float64 `json:"hallucination_rate"`
		}
		if err := workflow.ExecuteActivity(w.storeCtx, a.ComputeShadowActivity, ShadowRequest{
			RunID: snap.RunID, Tenant: snap.Tenant,
			Planned: planned, Reference: snap.Runbook.Reference,
		}).Get(ctx, &rep); err != nil {
			if canceled(ctx, err) {
				return w.cancel(ctx)
			}
			return w.fail(ctx, codeOf(err), reasonOf(err), -1)
		}
		logger.Info("shadow run scored", "run", snap.RunID,
			"match", rep.Match, "missing", rep.Missing, "hallucination", rep.Hallucination)
	}

	return w.finish(ctx, store.RunSucceeded, "", "", -1)
}

// undoStep is one succeeded effectful step with a declared inverse.
type undoStep struct {
	Index int
	Name  string
	Tool  string
	Args  map[string]any
}

// runExec bundles the workflow's per-run state and activity contexts.
type runExec struct {
	a         *Activities
	snap      RunSnapshot
	owner     string
	deadlined bool
	storeOpts workflow.ActivityOptions
	storeCtx  workflow.Context
	agentCtx  workflow.Context
	invokeCtx workflow.Context
}

// invoke runs the attempt loop for one step. Only transient and timeout
// failures are retried, with exponential backoff and jitter. A non-nil error
// means the run was cancelled mid-invoke.
func (w *runExec) invoke(ctx workflow.Context, spec StepSpec, rr ResolveResult) (AdapterOutcome, int, error) {
	idemKey := fmt.Sprintf("%s:%d", w.snap.RunID, spec.Index)
	base := time.Duration(w.snap.Exec.BackoffBaseMs) * time.Millisecond
	maxDelay := time.Duration(w.snap.Exec.BackoffMaxMs) * time.Millisecond
	maxAttempts := w.snap.Exec.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var out AdapterOutcome
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := workflow.ExecuteActivity(w.storeCtx, w.a.MarkStepRunningActivity, RunningRequest{
			RunID: w.snap.RunID, Owner: w.owner, Tenant: w.snap.Tenant, Step: spec,
			Tool: rr.Tool, Args: rr.Args, Attempt: attempt,
			IdempotencyKey: idemKey, Idempotent: rr.Adapter.Idempotent,
		}).Get(ctx, nil); err != nil {
			if canceled(ctx, err) {
				return out, attempts, err
			}
			out = AdapterOutcome{OK: false, Kind: string(adapter.ErrPermanent), Message: reasonOf(err)}
			break
		}

		if err := workflow.ExecuteActivity(w.invokeCtx, w.a.InvokeAdapterActivity, InvokeRequest{
			RunID: w.snap.RunID, Tenant: w.snap.Tenant, Index: spec.Index,
			Tool: rr.Tool, Args: rr.Args, Attempt: attempt, TimeoutMs: spec.TimeoutMs,
			IdempotencyKey: idemKey,
			Shadow:         w.snap.Mode == store.ModeShadow,
			CompensationOf: -1,
		}).Get(ctx, &out); err != nil {
			if canceled(ctx, err) {
				return out, attempts, err
			}
			out = AdapterOutcome{OK: false, Kind: string(adapter.ErrTransient), Message: reasonOf(err)}
		}

		if out.OK || !adapter.ErrorKind(out.Kind).Retryable() {
			break
		}
		if attempt < maxAttempts {
			var frac float64
			if err := workflow.SideEffect(ctx, func(workflow.Context) any {
				return rand.Float64()
			}).Get(&frac); err != nil {
				frac = 0
			}
			if err := workflow.Sleep(ctx, Jittered(BackoffDelay(attempt, base, maxDelay), frac)); err != nil {
				return out, attempts, err
			}
		}
	}
	return out, attempts, nil
}

// awaitApproval blocks on the approval-decided signal or the expiry timer.
// A decision that raced the deadline wins. The signal is only a wake-up: the
// approval row in the store is authoritative, so stray or stale signals re-arm
// the wait.
func (w *runExec) awaitApproval(ctx workflow.Context, ticket ApprovalTicket) (string, error) {
	ch := workflow.GetSignalChannel(ctx, SignalApprovalDecided)
	for {
		dur := ticket.ExpiresAt.Sub(workflow.Now(ctx))
		if dur < 0 {
			dur = 0
		}
		timer := workflow.NewTimer(ctx, dur)

		var sig ApprovalSignal
		expired := false
		sel := workflow.NewSelector(ctx)
		sel.AddReceive(ch, func(c workflow.ReceiveChannel, _ bool) {
			c.Receive(ctx, &sig)
		})
		sel.AddFuture(timer, func(workflow.Future) {
			expired = true
		})
		sel.Select(ctx)

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if expired {
			var state string
			if err := workflow.ExecuteActivity(w.storeCtx, w.a.ExpireApprovalActivity,
				ExpireRequest{Tenant: w.snap.Tenant, ID: ticket.ID}).Get(ctx, &state); err != nil {
				return "", err
			}
			return state, nil
		}
		if sig.ApprovalID != ticket.ID {
			continue
		}
		workflow.GetLogger(ctx).Info("approval signal received",
			"approval", sig.ApprovalID, "state", sig.State)
		var state string
		if err := workflow.ExecuteActivity(w.storeCtx, w.a.CheckApprovalActivity,
			ticket.ID).Get(ctx, &state); err != nil {
			return "", err
		}
		if state != string(store.ApprovalPending) {
			return state, nil
		}
	}
}

func (w *runExec) recordBlocked(ctx workflow.Context, spec StepSpec, rr ResolveResult, reasons []string, usage agent.Usage) error {
	return workflow.ExecuteActivity(w.storeCtx, w.a.RecordBlockedStepActivity, BlockedRequest{
		RunID: w.snap.RunID, Owner: w.owner, Tenant: w.snap.Tenant, Step: spec,
		Tool: rr.Tool, Args: rr.Args, Reasons: reasons, Usage: usage,
	}).Get(ctx, nil)
}

// compensate walks succeeded effectful steps in reverse and invokes each
// declared inverse once, best effort. Every compensation gets its own step
// row linked to the step it undoes.
func (w *runExec) compensate(ctx workflow.Context, undo []undoStep, nextIndex int) {
	idx := nextIndex
	for j := len(undo) - 1; j >= 0; j-- {
		u := undo[j]
		spec := StepSpec{Index: idx, Name: "compensate " + u.Name, Tool: u.Tool, Args: u.Args}

		_ = workflow.ExecuteActivity(w.storeCtx, w.a.MaterializeStepActivity,
			MaterializeRequest{RunID: w.snap.RunID, Owner: w.owner, Tenant: w.snap.Tenant, Step: spec}).Get(ctx, nil)
		_ = workflow.ExecuteActivity(w.storeCtx, w.a.MarkStepRunningActivity, RunningRequest{
			RunID: w.snap.RunID, Owner: w.owner, Tenant: w.snap.Tenant, Step: spec,
			Tool: u.Tool, Args: u.Args, Attempt: 1, Idempotent: true,
		}).Get(ctx, nil)

		var out AdapterOutcome
		if err := workflow.ExecuteActivity(w.invokeCtx, w.a.InvokeAdapterActivity, InvokeRequest{
			RunID: w.snap.RunID, Tenant: w.snap.Tenant, Index: idx,
			Tool: u.Tool, Args: u.Args, Attempt: 1,
			CompensationOf: u.Index,
		}).Get(ctx, &out); err != nil {
			out = AdapterOutcome{OK: false, Kind: string(adapter.ErrPermanent), Message: reasonOf(err)}
		}

		_ = workflow.ExecuteActivity(w.storeCtx, w.a.RecordStepResultActivity, RecordRequest{
			RunID: w.snap.RunID, Owner: w.owner, Tenant: w.snap.Tenant, Step: spec,
			Tool: u.Tool, Args: u.Args, Result: out, Attempts: 1, CompensationOf: u.Index,
		}).Get(ctx, nil)
		idx++
	}
}

func (w *runExec) fail(ctx workflow.Context, code, reason string, failedStep int) error {
	return w.finish(ctx, store.RunFailed, code, reason, failedStep)
}

func (w *runExec) cancel(ctx workflow.Context) error {
	if err := w.finish(ctx, store.RunCancelled, "", "", -1); err != nil {
		return err
	}
	return sdktemporal.NewCanceledError("run cancelled")
}

func (w *runExec) finish(ctx workflow.Context, status store.RunStatus, code, reason string, failedStep int) error {
	fctx := w.storeCtx
	if ctx.Err() != nil {
		dctx, _ := workflow.NewDisconnectedContext(ctx)
		fctx = workflow.WithActivityOptions(dctx, w.storeOpts)
	}
	return workflow.ExecuteActivity(fctx, w.a.FinishRunActivity, FinishRequest{
		RunID: w.snap.RunID, Owner: w.owner, Tenant: w.snap.Tenant,
		Status: status, Code: code, Reason: reason, FailedStep: failedStep,
	}).Get(fctx, nil)
}

func canceled(ctx workflow.Context, err error) bool {
	return ctx.Err() != nil || sdktemporal.IsCanceledError(err)
}

// codeOf recovers the stable error code carried across the activity boundary.
func codeOf(err error) string {
	var ae *sdktemporal.ApplicationError
	if errors.As(err, &ae) && ae.Type() != "" {
		return ae.Type()
	}
	return string(core.CodeInternal)
}

func reasonOf(err error) string {
	var ae *sdktemporal.ApplicationError
	if errors.As(err, &ae) {
		return ae.Message()
	}
	return err.Error()
}

// kindCode maps an adapter failure kind to the run-level error code.
func kindCode(kind string) string {
	switch adapter.ErrorKind(kind) {
	case adapter.ErrTransient:
		return string(core.CodeAdapterTransient)
	case adapter.ErrTimeout:
		return string(core.CodeAdapterTimeout)
	case adapter.ErrValidationFailed:
		return string(core.CodeValidation)
	default:
		return string(core.CodeAdapterPermanent)
	}
}
