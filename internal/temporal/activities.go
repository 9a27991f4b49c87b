package temporal

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/go-logr/logr"
	sdktemporal "go.temporal.io/sdk/temporal"

	"github.com/antigravity-dev/maestro/internal/adapter"
	"github.com/antigravity-dev/maestro/internal/agent"
	"github.com/antigravity-dev/maestro/internal/approval"
	"github.com/antigravity-dev/maestro/internal/audit"
	"github.com/antigravity-dev/maestro/internal/core"
	"github.com/antigravity-dev/maestro/internal/metrics"
	"github.com/antigravity-dev/maestro/internal/policy"
	"github.com/antigravity-dev/maestro/internal/runbook"
	"github.com/antigravity-dev/maestro/internal/shadow"
	"github.com/antigravity-dev/maestro/internal/store"
	"github.com/antigravity-dev/maestro/internal/telemetry"
)

// Activities hold the executor's dependencies. One instance is registered on
// the worker; every method renews the run's lease before writing so a worker
// that lost ownership abandons the run instead of double-writing.
type Activities struct {
	Store      *store.Store
	Audit      *audit.Log
	Registry   *adapter.Registry
	Invoker    adapter.Invoker
	Shim       adapter.Invoker
	Planner    *agent.Planner
	Toolcaller *agent.Toolcaller
	Reviewer   *agent.Reviewer
	Approvals  *approval.Service
	Logger     logr.Logger

	LeaseTTL     time.Duration
	DryRunForced bool
	Exec         ExecSettings
}

// appErr converts a classified core error into a non-retryable application
// error so the stable code survives the activity boundary.
func appErr(err error) error {
	if err == nil {
		return nil
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return sdktemporal.NewNonRetryableApplicationError(ce.Reason, string(ce.Code), nil)
	}
	return err
}

func (a *Activities) renew(runID, owner string) error {
	return appErr(a.Store.RenewLease(runID, owner, a.LeaseTTL))
}

// AcquireLeaseActivity takes the run's single-writer lease for this workflow
// execution.
func (a *Activities) AcquireLeaseActivity(ctx context.Context, req LeaseRequest) error {
	return appErr(a.Store.AcquireLease(req.RunID, req.Owner, a.LeaseTTL))
}

// ReleaseLeaseActivity drops the lease. Safe to call when the lease was
// already lost.
func (a *Activities) ReleaseLeaseActivity(ctx context.Context, req LeaseRequest) error {
	return appErr(a.Store.ReleaseLease(req.RunID, req.Owner))
}

// StartRunActivity loads the run's submit-time snapshot, applies the forced
// dry-run downgrade, and moves a pending run to running.
func (a *Activities) StartRunActivity(ctx context.Context, req LeaseRequest) (RunSnapshot, error) {
	if err := a.renew(req.RunID, req.Owner); err != nil {
		return RunSnapshot{}, err
	}
	run, err := a.Store.GetRun(req.RunID)
	if err != nil {
		return RunSnapshot{}, appErr(err)
	}
	if run.Status.Terminal() {
		return RunSnapshot{}, appErr(core.New(core.CodeConcurrency, "run %s is already %s", run.ID, run.Status))
	}

	rb, err := runbook.Parse([]byte(run.RunbookDoc))
	if err != nil {
		return RunSnapshot{}, appErr(core.New(core.CodeValidation, "run %s: %v", run.ID, err))
	}
	pol, err := policy.Parse([]byte(run.PolicySnapshot))
	if err != nil {
		return RunSnapshot{}, appErr(core.New(core.CodeValidation, "run %s: policy snapshot: %v", run.ID, err))
	}

	resumed := run.Status != store.RunPending
	mode := run.Mode
	if !resumed && a.DryRunForced && mode == store.ModeExecute {
		mode = store.ModeDryRun
		if err := a.Store.SetRunMode(run.ID, mode); err != nil {
			return RunSnapshot{}, appErr(err)
		}
		if _, err := a.Audit.Append(audit.Event{
			Tenant: run.Tenant, Actor: "maestro", ActorKind: audit.ActorSystem,
			Action: "run.downgraded", ResourceKind: "run", ResourceID: run.ID,
			Payload: map[string]any{"from": string(store.ModeExecute), "to": string(mode)},
		}); err != nil {
			return RunSnapshot{}, appErr(err)
		}
	}

	if !resumed {
		if err := a.Store.UpdateRunStatus(run.ID, store.RunRunning); err != nil {
			return RunSnapshot{}, appErr(err)
		}
		if _, err := a.Audit.Append(audit.Event{
			Tenant: run.Tenant, Actor: run.Caller, ActorKind: audit.ActorSystem,
			Action: "run.started", ResourceKind: "run", ResourceID: run.ID,
			Payload: map[string]any{
				"runbook":        run.RunbookName,
				"mode":           string(mode),
				"policy":         run.PolicyName,
				"policy_version": run.PolicyVersion,
			},
		}); err != nil {
			return RunSnapshot{}, appErr(err)
		}
		metrics.RunsStarted.WithLabelValues(run.Tenant, string(mode)).Inc()
	}

	return RunSnapshot{
		RunID:    run.ID,
		Tenant:   run.Tenant,
		Caller:   run.Caller,
		Roles:    run.CallerRoles,
		Mode:     mode,
		Context:  run.Context,
		Runbook:  rb,
		Policy:   pol,
		FailFast: pol.FailFastEnabled(),
		Resumed:  resumed,
		Exec:     a.Exec,
	}, nil
}

// PlanRunActivity materializes the runbook into the candidate step list. The
// planner's usage accrues to the run even when planning ultimately fails.
func (a *Activities) PlanRunActivity(ctx context.Context, snap RunSnapshot) (PlanOutput, error) {
	res, planErr := a.Planner.Plan(ctx, snap.Runbook, snap.Context, a.catalog(snap.Runbook.ToolHint))
	if res.Usage != (agent.Usage{}) {
		if err := a.Store.AddRunTotals(snap.RunID, usageTotals(res.Usage)); err != nil {
			return PlanOutput{}, appErr(err)
		}
	}
	if planErr != nil {
		return PlanOutput{}, appErr(planErr)
	}

	// The planner's candidates inherit execution flags from the runbook step
	// with the same name.
	byName := make(map[string]runbook.Step, len(snap.Runbook.Steps))
	for _, s := range snap.Runbook.Steps {
		byName[s.Name] = s
	}
	specs := make([]StepSpec, 0, len(res.Steps))
	for i, ps := range res.Steps {
		spec := StepSpec{Index: i, Name: ps.Name, Tool: ps.Tool, Args: ps.Args}
		if rs, ok := byName[ps.Name]; ok {
			spec.Prompt = rs.Prompt
			spec.ContinueOnError = rs.ContinueOnError
			spec.TimeoutMs = rs.TimeoutMs
		}
		specs = append(specs, spec)
	}

	if _, err := a.Audit.Append(audit.Event{
		Tenant: snap.Tenant, Actor: "maestro", ActorKind: audit.ActorSystem,
		Action: "run.planned", ResourceKind: "run", ResourceID: snap.RunID,
		Payload: map[string]any{"steps": len(specs)},
	}); err != nil {
		return PlanOutput{}, appErr(err)
	}
	return PlanOutput{Steps: specs}, nil
}

// MaterializeStepActivity creates the pending row for one step, or reports
// the existing row's status so a resumed run skips terminal steps.
func (a *Activities) MaterializeStepActivity(ctx context.Context, req MaterializeRequest) (StepState, error) {
	if err := a.renew(req.RunID, req.Owner); err != nil {
		return StepState{}, err
	}
	existing, err := a.Store.GetStep(req.RunID, req.Step.Index)
	if err != nil {
		return StepState{}, appErr(err)
	}
	if existing != nil {
		return StepState{Status: existing.Status, Attempts: existing.Attempts}, nil
	}
	st := &store.Step{
		RunID:           req.RunID,
		Index:           req.Step.Index,
		Name:            req.Step.Name,
		Tool:            req.Step.Tool,
		Args:            req.Step.Args,
		Status:          store.StepPending,
		ContinueOnError: req.Step.ContinueOnError,
	}
	if err := a.Store.SaveStep(st); err != nil {
		return StepState{}, appErr(err)
	}
	if _, err := a.Store.AppendRunEvent(req.RunID, "step_started", req.Step.Index,
		map[string]any{"name": req.Step.Name}); err != nil {
		return StepState{}, appErr(err)
	}
	return StepState{}, nil
}

// ResolveStepActivity turns one step into a concrete tool call and surfaces
// the adapter's declaration for the workflow's gating.
func (a *Activities) ResolveStepActivity(ctx context.Context, req ResolveRequest) (ResolveResult, error) {
	var call agent.ToolCall
	if req.Step.Tool != "" && req.Step.Prompt == "" {
		args := req.Step.Args
		if args == nil {
			args = map[string]any{}
		}
		call = agent.ToolCall{Tool: req.Step.Tool, Args: args, Confidence: 1}
	} else {
		var err error
		call, err = a.Toolcaller.Resolve(ctx,
			agent.PlannedStep{Name: req.Step.Name, Tool: req.Step.Tool, Args: req.Step.Args},
			req.Step.Prompt, req.Context, a.catalog(req.ToolHint))
		if call.Usage != (agent.Usage{}) {
			if terr := a.Store.AddRunTotals(req.RunID, usageTotals(call.Usage)); terr != nil {
				return ResolveResult{}, appErr(terr)
			}
		}
		if err != nil {
			return ResolveResult{}, appErr(err)
		}
	}

	meta := AdapterMeta{}
	if ad, ok := a.Registry.Get(call.Tool); ok {
		meta = AdapterMeta{
			Known:          true,
			Classification: string(ad.Classification),
			Idempotent:     ad.Idempotent,
			Compensation:   ad.Compensation,
			BudgetMs:       ad.EffectiveBudget().Milliseconds(),
		}
	}
	return ResolveResult{Tool: call.Tool, Args: call.Args, Usage: call.Usage, Adapter: meta}, nil
}

// ReviewStepActivity produces the verdict that alone authorizes an adapter
// invocation. Reviewer/evaluator disagreements are audited.
func (a *Activities) ReviewStepActivity(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	run, err := a.Store.GetRun(req.RunID)
	if err != nil {
		return ReviewResult{}, appErr(err)
	}
	in := policy.Input{
		Roles:   req.Roles,
		Tool:    req.Tool,
		Args:    req.Args,
		Context: req.Context,
		Totals: policy.Totals{
			TokensIn:  run.Totals.TokensIn,
			TokensOut: run.Totals.TokensOut,
			CostUSD:   run.Totals.CostUSD,
			WallMs:    run.Totals.WallMs,
		},
		Estimate: req.Estimate,
	}
	rev, err := a.Reviewer.Review(ctx, req.Policy, in)
	if rev.Usage != (agent.Usage{}) {
		if terr := a.Store.AddRunTotals(req.RunID, usageTotals(rev.Usage)); terr != nil {
			return ReviewResult{}, appErr(terr)
		}
	}
	if err != nil {
		return ReviewResult{}, appErr(err)
	}

	if rev.Disagreed {
		if _, err := a.Audit.Append(audit.Event{
			Tenant: req.Tenant, Actor: "maestro", ActorKind: audit.ActorSystem,
			Action: "review.disagreement", ResourceKind: "run", ResourceID: req.RunID,
			Payload: map[string]any{
				"step_index": req.Index,
				"tool":       req.Tool,
				"llm":        string(rev.LLMDecision),
				"final":      string(rev.Decision),
			},
		}); err != nil {
			return ReviewResult{}, appErr(err)
		}
	}
	if rev.Decision == policy.Block && len(rev.Reasons) > 0 {
		metrics.PolicyBlocks.WithLabelValues(rev.Reasons[0]).Inc()
	}
	return ReviewResult{Decision: rev.Decision, Reasons: rev.Reasons, Usage: rev.Usage}, nil
}

// RecordBlockedStepActivity persists a policy block or approval denial.
// Redeliveries converge the same way RecordStepResultActivity does.
func (a *Activities) RecordBlockedStepActivity(ctx context.Context, req BlockedRequest) error {
	if err := a.renew(req.RunID, req.Owner); err != nil {
		return err
	}
	phase, err := a.recordProgress(req.Tenant, req.RunID, "step.blocked", req.Step.Index, store.StepBlocked)
	if err != nil {
		return appErr(err)
	}
	if phase == recordDone {
		return nil
	}

	st := a.loadOrInit(req.RunID, req.Step)
	if phase == recordFresh {
		st.Tool = req.Tool
		st.Args = req.Args
		st.Status = store.StepBlocked
		st.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
		st.ErrorKind = "policy"
		st.ErrorMessage = strings.Join(req.Reasons, "; ")
		addUsage(st, req.Usage)
		if err := a.Store.SaveStep(st); err != nil {
			return appErr(err)
		}
	}
	if phase <= recordNeedsAudit {
		if _, err := a.Audit.Append(audit.Event{
			Tenant: req.Tenant, Actor: "maestro", ActorKind: audit.ActorSystem,
			Action: "step.blocked", ResourceKind: "run", ResourceID: req.RunID,
			Payload: map[string]any{
				"step_index": req.Step.Index,
				"tool":       req.Tool,
				"args":       req.Args,
				"reasons":    req.Reasons,
			},
		}); err != nil {
			return appErr(err)
		}
	}
	if _, err := a.Store.AppendRunEvent(req.RunID, "step_finished", req.Step.Index,
		map[string]any{"status": string(store.StepBlocked)}); err != nil {
		return appErr(err)
	}
	stepSpan(ctx, req.RunID, st)
	metrics.StepsExecuted.WithLabelValues(req.Tool, string(store.StepBlocked)).Inc()
	return nil
}

// FailStepActivity persists a step failure that never reached an adapter.
// Redeliveries converge the same way RecordStepResultActivity does.
func (a *Activities) FailStepActivity(ctx context.Context, req FailStepRequest) error {
	if err := a.renew(req.RunID, req.Owner); err != nil {
		return err
	}
	phase, err := a.recordProgress(req.Tenant, req.RunID, "step.failed", req.Step.Index, store.StepFailed)
	if err != nil {
		return appErr(err)
	}
	if phase == recordDone {
		return nil
	}

	st := a.loadOrInit(req.RunID, req.Step)
	if phase == recordFresh {
		st.Tool = req.Tool
		st.Args = req.Args
		st.Status = store.StepFailed
		st.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
		st.ErrorKind = req.Kind
		st.ErrorMessage = req.Message
		addUsage(st, req.Usage)
		if err := a.Store.SaveStep(st); err != nil {
			return appErr(err)
		}
	}
	if phase <= recordNeedsAudit {
		if _, err := a.Audit.Append(audit.Event{
			Tenant: req.Tenant, Actor: "maestro", ActorKind: audit.ActorSystem,
			Action: "step.failed", ResourceKind: "run", ResourceID: req.RunID,
			Payload: map[string]any{
				"step_index": req.Step.Index,
				"tool":       req.Tool,
				"error_kind": req.Kind,
				"error":      req.Message,
			},
		}); err != nil {
			return appErr(err)
		}
	}
	if _, err := a.Store.AppendRunEvent(req.RunID, "step_finished", req.Step.Index,
		map[string]any{"status": string(store.StepFailed)}); err != nil {
		return appErr(err)
	}
	stepSpan(ctx, req.RunID, st)
	metrics.StepsExecuted.WithLabelValues(req.Tool, string(store.StepFailed)).Inc()
	return nil
}

// RequestApprovalActivity opens (or finds) the pending approval for one step
// and parks the run in awaiting_approval.
func (a *Activities) RequestApprovalActivity(ctx context.Context, req ApprovalRequest) (ApprovalTicket, error) {
	appr, err := a.Approvals.Request(req.Tenant, req.RunID, req.Index, req.Caller,
		strings.Join(req.Reasons, "; "), req.Rule)
	if err != nil {
		return ApprovalTicket{}, appErr(err)
	}
	run, err := a.Store.GetRun(req.RunID)
	if err != nil {
		return ApprovalTicket{}, appErr(err)
	}
	if run.Status == store.RunRunning {
		if err := a.Store.UpdateRunStatus(req.RunID, store.RunAwaitingApproval); err != nil {
			return ApprovalTicket{}, appErr(err)
		}
	}
	if _, err := a.Store.AppendRunEvent(req.RunID, "approval_requested", req.Index,
		map[string]any{"approval_id": appr.ID, "tool": req.Tool}); err != nil {
		return ApprovalTicket{}, appErr(err)
	}
	metrics.ApprovalsRequested.WithLabelValues(req.Tenant).Inc()
	return ApprovalTicket{ID: appr.ID, ExpiresAt: appr.ExpiresAt}, nil
}

// CheckApprovalActivity reads an approval's current state.
func (a *Activities) CheckApprovalActivity(ctx context.Context, id string) (string, error) {
	appr, err := a.Approvals.Get(id)
	if err != nil {
		return "", appErr(err)
	}
	return string(appr.State), nil
}

// ExpireApprovalActivity closes an overdue approval and returns its final
// state; a decision that raced the deadline wins.
func (a *Activities) ExpireApprovalActivity(ctx context.Context, req ExpireRequest) (string, error) {
	if _, err := a.Approvals.Expire(req.Tenant, req.ID); err != nil {
		return "", appErr(err)
	}
	appr, err := a.Approvals.Get(req.ID)
	if err != nil {
		return "", appErr(err)
	}
	return string(appr.State), nil
}

// ResumeRunActivity records the approval outcome on the run's event stream
// and moves an approved run back to running.
func (a *Activities) ResumeRunActivity(ctx context.Context, req ResumeRequest) error {
	if _, err := a.Store.AppendRunEvent(req.RunID, "approval_resolved", req.Index,
		map[string]any{"approval_id": req.ApprovalID, "decision": req.Decision}); err != nil {
		return appErr(err)
	}
	if req.Decision != string(store.ApprovalApproved) {
		return nil
	}
	run, err := a.Store.GetRun(req.RunID)
	if err != nil {
		return appErr(err)
	}
	if run.Status == store.RunAwaitingApproval {
		return appErr(a.Store.UpdateRunStatus(req.RunID, store.RunRunning))
	}
	return nil
}

// MarkStepRunningActivity records one invocation attempt. For non-idempotent
// adapters the first attempt writes the invocation intent to the audit chain
// before the effector is reached.
func (a *Activities) MarkStepRunningActivity(ctx context.Context, req RunningRequest) error {
	if err := a.renew(req.RunID, req.Owner); err != nil {
		return err
	}
	st := a.loadOrInit(req.RunID, req.Step)
	st.Tool = req.Tool
	st.Args = req.Args
	st.Status = store.StepRunning
	st.Attempts = req.Attempt
	if !st.StartedAt.Valid {
		st.StartedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	if err := a.Store.SaveStep(st); err != nil {
		return appErr(err)
	}
	if !req.Idempotent && req.Attempt == 1 {
		if _, err := a.Audit.Append(audit.Event{
			Tenant: req.Tenant, Actor: "maestro", ActorKind: audit.ActorSystem,
			Action: "step.invoking", ResourceKind: "run", ResourceID: req.RunID,
			Payload: map[string]any{
				"step_index":      req.Step.Index,
				"tool":            req.Tool,
				"idempotency_key": req.IdempotencyKey,
			},
		}); err != nil {
			return appErr(err)
		}
	}
	return nil
}

// InvokeAdapterActivity dispatches one effector call. Shadow runs go to the
// intent recorder; nothing in this activity touches the step row.
func (a *Activities) InvokeAdapterActivity(ctx context.Context, req InvokeRequest) (AdapterOutcome, error) {
	ctx, span := telemetry.StartAdapterSpan(ctx, req.Tool, req.Attempt)
	defer span.End()

	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	inv := a.Invoker
	if req.Shadow {
		inv = a.Shim
	}
	res := inv.Invoke(ctx, req.Tool, req.Args, adapter.Call{
		RunID:          req.RunID,
		StepIndex:      req.Index,
		Tenant:         req.Tenant,
		IdempotencyKey: req.IdempotencyKey,
		CompensationOf: req.CompensationOf,
	})

	outcome := "ok"
	out := AdapterOutcome{
		OK:        res.OK,
		Output:    res.Output,
		WallMs:    res.Usage.WallMs,
		TokensIn:  res.Usage.TokensIn,
		TokensOut: res.Usage.TokensOut,
		CostUSD:   res.Usage.CostUSD,
	}
	if res.Error != nil {
		outcome = string(res.Error.Kind)
		out.Kind = string(res.Error.Kind)
		out.Message = res.Error.Message
	}
	telemetry.RecordUsage(span, res.Usage.TokensIn, res.Usage.TokensOut, res.Usage.CostUSD)
	metrics.AdapterCalls.WithLabelValues(req.Tool, outcome).Inc()
	return out, nil
}

// RecordStepResultActivity persists one step's terminal outcome, links the
// audit chain, and accrues usage into the run totals. A redelivery that finds
// the row already terminal with the same outcome completes whatever tail the
// prior delivery did not reach and returns success.
func (a *Activities) RecordStepResultActivity(ctx context.Context, req RecordRequest) error {
	if err := a.renew(req.RunID, req.Owner); err != nil {
		return err
	}

	status := store.StepFailed
	action := "step.failed"
	if req.Result.OK {
		status, action = store.StepSucceeded, "step.succeeded"
		if req.CompensationOf >= 0 {
			status = store.StepCompensated
		}
	}

	phase, err := a.recordProgress(req.Tenant, req.RunID, action, req.Step.Index, status)
	if err != nil {
		return appErr(err)
	}
	if phase == recordDone {
		return nil
	}

	st := a.loadOrInit(req.RunID, req.Step)
	if phase == recordFresh {
		st.Tool = req.Tool
		st.Args = req.Args
		st.Status = status
		st.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
		st.Output = req.Result.Output
		st.ErrorKind = req.Result.Kind
		st.ErrorMessage = req.Result.Message
		st.Attempts = req.Attempts
		st.TokensIn = req.AgentUsage.TokensIn + req.Result.TokensIn
		st.TokensOut = req.AgentUsage.TokensOut + req.Result.TokensOut
		st.CostUSD = req.AgentUsage.CostUSD + req.Result.CostUSD
		st.WallMs = req.AgentUsage.WallMs + req.Result.WallMs
		if req.CompensationOf >= 0 {
			st.CompensatesStepIndex = sql.NullInt64{Int64: int64(req.CompensationOf), Valid: true}
		}
		if err := a.Store.SaveStep(st); err != nil {
			return appErr(err)
		}
	}

	if phase <= recordNeedsAudit {
		payload := map[string]any{
			"step_index": req.Step.Index,
			"tool":       req.Tool,
			"args":       req.Args,
			"attempts":   req.Attempts,
		}
		if req.Result.OK {
			payload["output"] = req.Result.Output
		} else {
			payload["error_kind"] = req.Result.Kind
			payload["error"] = req.Result.Message
		}
		if req.CompensationOf >= 0 {
			payload["compensates_step_index"] = req.CompensationOf
		}
		if _, err := a.Audit.Append(audit.Event{
			Tenant: req.Tenant, Actor: "maestro", ActorKind: audit.ActorSystem,
			Action: action, ResourceKind: "run", ResourceID: req.RunID,
			Payload: payload,
		}); err != nil {
			return appErr(err)
		}
		// Agent usage for this step was accrued into the run totals when the
		// resolve and review activities ran; only the adapter's share is new
		// here. Totals travel with the audit append so a redelivery never
		// double-counts them.
		if err := a.addTotals(req.RunID, agent.Usage{}, adapter.Usage{
			WallMs: req.Result.WallMs, TokensIn: req.Result.TokensIn,
			TokensOut: req.Result.TokensOut, CostUSD: req.Result.CostUSD,
		}); err != nil {
			return err
		}
	}

	if _, err := a.Store.AppendRunEvent(req.RunID, "step_finished", req.Step.Index,
		map[string]any{"status": string(status)}); err != nil {
		return appErr(err)
	}

	stepSpan(ctx, req.RunID, st)
	metrics.StepsExecuted.WithLabelValues(req.Tool, string(status)).Inc()
	metrics.StepLatencyMs.WithLabelValues(req.Tool).Observe(float64(st.WallMs))
	if st.CostUSD > 0 {
		metrics.TokenCostUSD.WithLabelValues(req.Tenant).Observe(st.CostUSD)
	}
	return nil
}

// RecordDryRunActivity records the step a dry run would have invoked; no
// adapter is reached. Redeliveries converge the same way
// RecordStepResultActivity does.
func (a *Activities) RecordDryRunActivity(ctx context.Context, req DryRunRequest) error {
	if err := a.renew(req.RunID, req.Owner); err != nil {
		return err
	}
	phase, err := a.recordProgress(req.Tenant, req.RunID, "step.would_invoke", req.Step.Index, store.StepSucceeded)
	if err != nil {
		return appErr(err)
	}
	if phase == recordDone {
		return nil
	}

	st := a.loadOrInit(req.RunID, req.Step)
	if phase == recordFresh {
		st.Tool = req.Tool
		st.Args = req.Args
		st.Status = store.StepSucceeded
		st.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
		st.Output = map[string]any{"dry_run": true, "tool": req.Tool}
		addUsage(st, req.Usage)
		if err := a.Store.SaveStep(st); err != nil {
			return appErr(err)
		}
	}
	if phase <= recordNeedsAudit {
		if _, err := a.Audit.Append(audit.Event{
			Tenant: req.Tenant, Actor: "maestro", ActorKind: audit.ActorSystem,
			Action: "step.would_invoke", ResourceKind: "run", ResourceID: req.RunID,
			Payload: map[string]any{
				"step_index": req.Step.Index,
				"tool":       req.Tool,
				"args":       req.Args,
			},
		}); err != nil {
			return appErr(err)
		}
	}
	if _, err := a.Store.AppendRunEvent(req.RunID, "step_finished", req.Step.Index,
		map[string]any{"status": string(store.StepSucceeded)}); err != nil {
		return appErr(err)
	}
	stepSpan(ctx, req.RunID, st)
	metrics.StepsExecuted.WithLabelValues(req.Tool, string(store.StepSucceeded)).Inc()
	return nil
}

// ComputeShadowActivity scores a completed shadow run against the runbook's
// reference list and attaches the report.
func (a *Activities) ComputeShadowActivity(ctx context.Context, req ShadowRequest) (shadow.Report, error) {
	planned := make([]shadow.Planned, 0, len(req.Planned))
	for _, p := range req.Planned {
		planned = append(planned, shadow.Planned{Name: p.Name, Tool: p.Tool, Args: p.Args})
	}
	rep := shadow.Score(planned, req.Reference)

	if err := a.Store.SetShadowReport(req.RunID, map[string]any{
		"match_rate":         rep.Match,
		"missing_rate":       rep.Missing,
		"hallucination_rate": rep.Hallucination,
	}); err != nil {
		return shadow.Report{}, appErr(err)
	}
	if _, err := a.Audit.Append(audit.Event{
		Tenant: req.Tenant, Actor: "maestro", ActorKind: audit.ActorSystem,
		Action: "run.scored", ResourceKind: "run", ResourceID: req.RunID,
		Payload: map[string]any{
			"match_rate":         rep.Match,
			"missing_rate":       rep.Missing,
			"hallucination_rate": rep.Hallucination,
		},
	}); err != nil {
		return shadow.Report{}, appErr(err)
	}
	if n := int(math.Round(rep.Hallucination * float64(len(planned)))); n > 0 {
		metrics.Hallucinations.WithLabelValues(req.Tenant).Add(float64(n))
	}
	return rep, nil
}

// FinishRunActivity closes a run: terminal status, stable error, audit entry,
// terminated event, metrics, and lease release.
func (a *Activities) FinishRunActivity(ctx context.Context, req FinishRequest) error {
	if err := a.renew(req.RunID, req.Owner); err != nil {
		return err
	}
	run, err := a.Store.GetRun(req.RunID)
	if err != nil {
		return appErr(err)
	}
	if err := a.Store.UpdateRunStatus(req.RunID, req.Status); err != nil {
		return appErr(err)
	}
	if req.Status == store.RunFailed {
		if err := a.Store.SetRunError(req.RunID, core.Code(req.Code), req.Reason, req.FailedStep); err != nil {
			return appErr(err)
		}
	}

	payload := map[string]any{"status": string(req.Status)}
	if req.Code != "" {
		payload["error_code"] = req.Code
		payload["error_reason"] = req.Reason
	}
	if req.FailedStep >= 0 {
		payload["failed_step"] = req.FailedStep
	}
	if _, err := a.Audit.Append(audit.Event{
		Tenant: req.Tenant, Actor: "maestro", ActorKind: audit.ActorSystem,
		Action: "run." + string(req.Status), ResourceKind: "run", ResourceID: req.RunID,
		Payload: payload,
	}); err != nil {
		return appErr(err)
	}
	if _, err := a.Store.AppendRunEvent(req.RunID, "run_terminated", -1,
		map[string]any{"status": string(req.Status)}); err != nil {
		return appErr(err)
	}

	// The run span is emitted at close, anchored at the run's creation time so
	// it covers the whole wall clock.
	_, span := telemetry.StartRunSpan(ctx, req.RunID, req.Tenant, string(run.Mode), run.CreatedAt)
	telemetry.RecordUsage(span, run.Totals.TokensIn, run.Totals.TokensOut, run.Totals.CostUSD)
	span.End()

	metrics.RunsFinished.WithLabelValues(req.Tenant, string(req.Status)).Inc()
	metrics.RunLatencyMs.WithLabelValues(req.Tenant).
		Observe(float64(time.Since(run.CreatedAt).Milliseconds()))

	return appErr(a.Store.ReleaseLease(req.RunID, req.Owner))
}

// --- helpers ---

// recordPhase reports how far a prior delivery of a step record got. Record
// activities run under an at-least-once retry policy; a redelivery after a
// partial completion must converge instead of tripping the store's
// terminal-step guard. The step_finished run event is the record's commit
// marker, so a redelivered activity resumes after the last write it observes.
type recordPhase int

const (
	recordFresh      recordPhase = iota // no terminal row yet: full record
	recordNeedsAudit                    // row saved; audit, totals, event pending
	recordNeedsEvent                    // audit appended; event pending
	recordDone                          // fully recorded
)

func (a *Activities) recordProgress(tenant, runID, action string, index int, status store.StepStatus) (recordPhase, error) {
	existing, err := a.Store.GetStep(runID, index)
	if err != nil {
		return recordFresh, err
	}
	if existing == nil || !existing.Status.Terminal() {
		return recordFresh, nil
	}
	if existing.Status != status {
		return recordFresh, core.New(core.CodeConcurrency,
			"run %s step %d: already recorded as %s", runID, index, existing.Status)
	}
	finished, err := a.stepFinishedEvent(runID, index)
	if err != nil {
		return recordFresh, err
	}
	if finished {
		return recordDone, nil
	}
	audited, err := a.stepAudited(tenant, runID, action, index)
	if err != nil {
		return recordFresh, err
	}
	if audited {
		return recordNeedsEvent, nil
	}
	return recordNeedsAudit, nil
}

func (a *Activities) stepFinishedEvent(runID string, index int) (bool, error) {
	events, err := a.Store.ListRunEvents(runID, 0, 0)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if e.Type == "step_finished" && e.StepIndex.Valid && e.StepIndex.Int64 == int64(index) {
			return true, nil
		}
	}
	return false, nil
}

func (a *Activities) stepAudited(tenant, runID, action string, index int) (bool, error) {
	events, err := a.Audit.ByResource(tenant, "run", runID)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if e.Action != action {
			continue
		}
		// Payloads round-trip through JSON; numbers come back as float64.
		if v, ok := e.Payload["step_index"].(float64); ok && int(v) == index {
			return true, nil
		}
	}
	return false, nil
}

// stepSpan emits the step's span once its outcome is on the row, anchored at
// the recorded start time so the span covers gate, invoke, and record.
func stepSpan(ctx context.Context, runID string, st *store.Step) {
	start := time.Now().UTC()
	if st.StartedAt.Valid {
		start = st.StartedAt.Time
	}
	_, span := telemetry.StartStepSpan(ctx, runID, st.Index, st.Tool, start)
	telemetry.RecordUsage(span, st.TokensIn, st.TokensOut, st.CostUSD)
	span.End()
}

// loadOrInit returns the persisted row for a step, or a fresh one when the
// executor has not materialized it yet.
func (a *Activities) loadOrInit(runID string, spec StepSpec) *store.Step {
	if st, err := a.Store.GetStep(runID, spec.Index); err == nil && st != nil {
		return st
	}
	return &store.Step{
		RunID:           runID,
		Index:           spec.Index,
		Name:            spec.Name,
		Tool:            spec.Tool,
		Args:            spec.Args,
		ContinueOnError: spec.ContinueOnError,
	}
}

func (a *Activities) addTotals(runID string, au agent.Usage, du adapter.Usage) error {
	d := store.Totals{
		TokensIn:  au.TokensIn + du.TokensIn,
		TokensOut: au.TokensOut + du.TokensOut,
		CostUSD:   au.CostUSD + du.CostUSD,
		WallMs:    au.WallMs + du.WallMs,
	}
	if d == (store.Totals{}) {
		return nil
	}
	return appErr(a.Store.AddRunTotals(runID, d))
}

// catalog returns the tool ids offered to the agents: the whole registry, or
// the runbook's hint filtered to registered tools.
func (a *Activities) catalog(hint []string) []string {
	all := a.Registry.Catalog()
	if len(hint) == 0 {
		return all
	}
	out := make([]string, 0, len(hint))
	for _, id := range hint {
		if _, ok := a.Registry.Get(id); ok {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}

func usageTotals(u agent.Usage) store.Totals {
	return store.Totals{TokensIn: u.TokensIn, TokensOut: u.TokensOut, CostUSD: u.CostUSD, WallMs: u.WallMs}
}

func addUsage(st *store.Step, u agent.Usage) {
	st.TokensIn += u.TokensIn
	st.TokensOut += u.TokensOut
	st.CostUSD += u.CostUSD
	st.WallMs += u.WallMs
}
