// Package service is the caller-facing facade: submit, cancel, approve,
// inspect, stream, export. It owns the submit-time policy snapshot and the
// idempotency-keyed dedup; execution itself belongs to the workflow.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"gopkg.in/yaml.v3"

	"github.com/antigravity-dev/maestro/internal/approval"
	"github.com/antigravity-dev/maestro/internal/audit"
	"github.com/antigravity-dev/maestro/internal/core"
	"github.com/antigravity-dev/maestro/internal/policy"
	"github.com/antigravity-dev/maestro/internal/runbook"
	"github.com/antigravity-dev/maestro/internal/store"
	"github.com/antigravity-dev/maestro/internal/temporal"
)

// Service is the invocation surface of the automation core.
type Service struct {
	Store     *store.Store
	Audit     *audit.Log
	Policies  *policy.Store
	Approvals *approval.Service
	Temporal  client.Client
	TaskQueue string
	Logger    logr.Logger
}

// SubmitRequest describes one run submission.
type SubmitRequest struct {
	Tenant  string
	Caller  string
	Roles   []string
	Runbook []byte // YAML document
	Mode    store.RunMode
	Context map[string]any

	// IdempotencyKey dedups submits: a second submit with the same key
	// returns the existing run id.
	IdempotencyKey string
}

// SubmitRun validates the runbook, captures the tenant's active policy as the
// run's immutable snapshot, persists the run, and starts its workflow.
func (s *Service) SubmitRun(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Tenant == "" || req.Caller == "" {
		return "", core.New(core.CodeValidation, "submit: tenant and caller are required")
	}
	switch req.Mode {
	case store.ModeDryRun, store.ModeShadow, store.ModeExecute:
	default:
		return "", core.New(core.CodeValidation, "submit: unknown mode %q", req.Mode)
	}

	rb, err := runbook.Parse(req.Runbook)
	if err != nil {
		return "", core.New(core.CodeValidation, "submit: %v", err)
	}

	if existing, err := s.Store.FindRunByIdempotencyKey(req.Tenant, req.IdempotencyKey); err != nil {
		return "", err
	} else if existing != nil {
		return existing.ID, nil
	}

	pol, ok := s.Policies.Active(req.Tenant)
	if !ok {
		return "", core.New(core.CodePolicy, "submit: tenant %q has no active policy", req.Tenant)
	}
	snapshot, err := yaml.Marshal(pol)
	if err != nil {
		return "", core.New(core.CodeInternal, "submit: snapshot policy: %v", err)
	}

	run := &store.Run{
		ID:             uuid.NewString(),
		Tenant:         req.Tenant,
		Caller:         req.Caller,
		CallerRoles:    req.Roles,
		RunbookName:    rb.Name,
		RunbookVersion: rb.Version,
		RunbookDoc:     string(req.Runbook),
		PolicyName:     pol.Name,
		PolicyVersion:  pol.Version,
		PolicySnapshot: string(snapshot),
		Mode:           req.Mode,
		Status:         store.RunPending,
		Context:        req.Context,
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := s.Store.CreateRun(run); err != nil {
		// A concurrent submit with the same key may have won the insert race.
		if existing, ferr := s.Store.FindRunByIdempotencyKey(req.Tenant, req.IdempotencyKey); ferr == nil && existing != nil {
			return existing.ID, nil
		}
		return "", err
	}

	if _, err := s.Audit.Append(audit.Event{
		Tenant: req.Tenant, Actor: req.Caller, ActorKind: audit.ActorUser,
		Action: "run.submitted", ResourceKind: "run", ResourceID: run.ID,
		Payload: map[string]any{
			"runbook":        rb.Name,
			"mode":           string(req.Mode),
			"policy":         pol.Name,
			"policy_version": pol.Version,
		},
	}); err != nil {
		return "", err
	}

	if _, err := s.Temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(run.ID),
		TaskQueue: s.TaskQueue,
	}, temporal.RunbookWorkflow, temporal.RunInput{RunID: run.ID, Tenant: req.Tenant}); err != nil {
		return "", core.New(core.CodeInternal, "submit: start workflow: %v", err)
	}

	s.Logger.Info("run submitted", "run", run.ID, "tenant", req.Tenant, "mode", req.Mode)
	return run.ID, nil
}

// WorkflowID derives the workflow id for a run.
func WorkflowID(runID string) string {
	return "run-" + runID
}

// CancelRun requests cancellation. The executor observes it at the next safe
// point; an in-flight adapter call is not interrupted unless the adapter
// declared that safe.
func (s *Service) CancelRun(ctx context.Context, tenant, runID, caller string) error {
	run, err := s.Store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Tenant != tenant {
		return core.New(core.CodeValidation, "run %s not found", runID)
	}
	if run.Status.Terminal() {
		return core.New(core.CodeConcurrency, "run %s is already %s", runID, run.Status)
	}
	if _, err := s.Audit.Append(audit.Event{
		Tenant: tenant, Actor: caller, ActorKind: audit.ActorUser,
		Action: "run.cancel_requested", ResourceKind: "run", ResourceID: runID,
	}); err != nil {
		return err
	}
	if err := s.Temporal.CancelWorkflow(ctx, WorkflowID(runID), ""); err != nil {
		return core.New(core.CodeInternal, "cancel run %s: %v", runID, err)
	}
	return nil
}

// DecideApproval resolves a pending approval under the run's policy snapshot
// and signals the waiting workflow. Exactly one of two concurrent deciders
// wins.
func (s *Service) DecideApproval(ctx context.Context, tenant, approvalID, decider string, deciderRoles []string, approve bool, comment string) (*store.Approval, error) {
	appr, err := s.Approvals.Get(approvalID)
	if err != nil {
		return nil, err
	}
	run, err := s.Store.GetRun(appr.RunID)
	if err != nil {
		return nil, err
	}
	if run.Tenant != tenant {
		return nil, core.New(core.CodeValidation, "approval %s not found", approvalID)
	}

	// The four-eyes configuration comes from the snapshot the run captured at
	// submit, never from the currently active policy.
	doc, err := policy.Parse([]byte(run.PolicySnapshot))
	if err != nil {
		return nil, core.New(core.CodeInternal, "approval %s: policy snapshot: %v", approvalID, err)
	}
	var rule *policy.ApprovalRule
	if step, err := s.Store.GetStep(run.ID, appr.StepIndex); err == nil && step != nil {
		rule = policy.ApprovalRuleFor(doc, step.Tool)
	}

	decided, err := s.Approvals.Decide(tenant, approvalID, decider, deciderRoles, approve, comment, rule)
	if err != nil {
		return nil, err
	}

	if err := s.Temporal.SignalWorkflow(ctx, WorkflowID(run.ID), "",
		temporal.SignalApprovalDecided, temporal.ApprovalSignal{
			ApprovalID: approvalID,
			State:      string(decided.State),
		}); err != nil {
		return decided, core.New(core.CodeInternal, "approval %s: signal workflow: %v", approvalID, err)
	}
	return decided, nil
}

// RunView is everything GetRun surfaces: the run row (with its stable error
// code, reason, and failing step), the step rows, and the approvals.
type RunView struct {
	Run       *store.Run       `json:"run"`
	Steps     []store.Step     `json:"steps"`
	Approvals []store.Approval `json:"approvals,omitempty"`
}

// GetRun loads one run with its steps and approvals.
func (s *Service) GetRun(tenant, runID string) (*RunView, error) {
	run, err := s.Store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Tenant != tenant {
		return nil, core.New(core.CodeValidation, "run %s not found", runID)
	}
	steps, err := s.Store.ListSteps(runID)
	if err != nil {
		return nil, err
	}
	approvals, err := s.Store.ListApprovals(runID)
	if err != nil {
		return nil, err
	}
	return &RunView{Run: run, Steps: steps, Approvals: approvals}, nil
}

// StreamRunEvents returns the run's ordered event stream after the cursor.
// Callers resume by passing the last cursor they observed; limit <= 0 means
// no limit.
func (s *Service) StreamRunEvents(tenant, runID string, afterCursor int64, limit int) ([]store.RunEvent, error) {
	run, err := s.Store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Tenant != tenant {
		return nil, core.New(core.CodeValidation, "run %s not found", runID)
	}
	return s.Store.ListRunEvents(runID, afterCursor, limit)
}

// RunBundle is the export format: one run, its steps and approvals, and the
// contiguous audit slice spanning the run's events so the chain re-verifies
// on import.
type RunBundle struct {
	Run       *store.Run       `json:"run"`
	Steps     []store.Step     `json:"steps"`
	Approvals []store.Approval `json:"approvals"`
	Audit     []audit.Event    `json:"audit"`
}

// ExportRun serializes a run with its audit slice. The slice is the full
// sequence range from the run's first to last event, gap-free, so Verify
// accepts it with the first event's prev_hash as the anchor.
func (s *Service) ExportRun(tenant, runID string) ([]byte, error) {
	view, err := s.GetRun(tenant, runID)
	if err != nil {
		return nil, err
	}

	tagged, err := s.Audit.ByResource(tenant, "run", runID)
	if err != nil {
		return nil, err
	}
	var events []audit.Event
	if len(tagged) > 0 {
		events, err = s.Audit.Range(tenant, tagged[0].Seq, tagged[len(tagged)-1].Seq)
		if err != nil {
			return nil, err
		}
	}

	return json.MarshalIndent(RunBundle{
		Run:       view.Run,
		Steps:     view.Steps,
		Approvals: view.Approvals,
		Audit:     events,
	}, "", "  ")
}

// ImportRun verifies and inserts an exported bundle. The audit slice must
// re-verify under this process's salt before anything is written.
func (s *Service) ImportRun(data []byte) error {
	var b RunBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return core.New(core.CodeValidation, "import run: %v", err)
	}
	if b.Run == nil {
		return core.New(core.CodeValidation, "import run: bundle has no run")
	}
	if d := audit.Verify(s.Audit.Salt(), b.Audit); d != nil {
		return core.New(core.CodeValidation, "import run %s: %v", b.Run.ID, d)
	}

	if err := s.Store.ImportRun(b.Run); err != nil {
		return err
	}
	for i := range b.Steps {
		if err := s.Store.SaveStep(&b.Steps[i]); err != nil {
			return err
		}
	}
	for i := range b.Approvals {
		if err := s.Store.CreateApproval(&b.Approvals[i]); err != nil {
			return err
		}
	}

	if len(b.Audit) > 0 {
		payload, err := json.Marshal(b.Audit)
		if err != nil {
			return core.New(core.CodeInternal, "import run %s: %v", b.Run.ID, err)
		}
		if err := s.Audit.Import(b.Run.Tenant, payload); err != nil {
			var ce *core.Error
			if !errors.As(err, &ce) {
				return core.New(core.CodeValidation, "import run %s: %v", b.Run.ID, err)
			}
			return err
		}
	}
	s.Logger.Info("run imported", "run", b.Run.ID, "tenant", b.Run.Tenant)
	return nil
}

// VerifyAudit re-verifies a tenant's whole audit chain and reports the first
// divergence as an error.
func (s *Service) VerifyAudit(tenant string) error {
	if d := s.Audit.VerifyTenant(tenant); d != nil {
		return fmt.Errorf("tenant %q: %w", tenant, d)
	}
	return nil
}
