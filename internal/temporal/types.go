// Package temporal hosts the durable run executor: the RunbookWorkflow state
// machine and the activities it drives. All I/O (store writes, audit appends,
// agent calls, adapter invocations) happens in activities; the workflow holds
// only the deterministic control flow.
package temporal

import (
	"time"

	"github.com/antigravity-dev/maestro/internal/agent"
	"github.com/antigravity-dev/maestro/internal/policy"
	"github.com/antigravity-dev/maestro/internal/runbook"
	"github.com/antigravity-dev/maestro/internal/store"
)

const (
	// TaskQueue is the worker's task queue name.
	TaskQueue = "maestro-task-queue"

	// SignalApprovalDecided carries an ApprovalSignal into a waiting run.
	SignalApprovalDecided = "approval-decided"
)

// RunInput starts one RunbookWorkflow. Everything else is loaded from the
// run row so a replayed or resumed workflow sees the submit-time snapshot.
type RunInput struct {
	RunID  string
	Tenant string
}

// ApprovalSignal is the payload of the approval-decided signal.
type ApprovalSignal struct {
	ApprovalID string
	State      string // approved | denied | expired
}

// ExecSettings are the executor knobs the workflow needs for its retry loop
// and the run-level wall-clock deadline. RunDeadlineMs of zero means the run
// is unbounded.
type ExecSettings struct {
	MaxAttempts   int
	BackoffBaseMs int64
	BackoffMaxMs  int64
	RunDeadlineMs int64
}

// RunSnapshot is the workflow's view of one run, loaded once at start. The
// policy document is the submit-time snapshot; later policy edits never
// retro-change this run's decisions.
type RunSnapshot struct {
	RunID   string
	Tenant  string
	Caller  string
	Roles   []string
	Mode    store.RunMode
	Context map[string]any

	Runbook *runbook.Runbook
	Policy  *policy.Document

	FailFast bool
	Resumed  bool

	Exec ExecSettings
}

// StepSpec is one step as the workflow carries it: the planner's candidate
// merged with the runbook step's execution flags.
type StepSpec struct {
	Index int
	Name  string
	Tool  string
	Args  map[string]any

	Prompt          string
	ContinueOnError bool
	TimeoutMs       int
}

// PlanOutput is the planner activity's result.
type PlanOutput struct {
	Steps []StepSpec
}

// LeaseRequest identifies one run and the executor instance holding its
// single-writer lease.
type LeaseRequest struct {
	RunID  string
	Owner  string
	Tenant string
}

// MaterializeRequest creates (or finds) the persisted row for one step.
type MaterializeRequest struct {
	RunID  string
	Owner  string
	Tenant string
	Step   StepSpec
}

// StepState reports a step row's prior status on resume. An empty status
// means the row was created just now.
type StepState struct {
	Status   store.StepStatus
	Attempts int
}

// ResolveRequest asks the toolcaller to refine one step.
type ResolveRequest struct {
	RunID    string
	Tenant   string
	Step     StepSpec
	Context  map[string]any
	ToolHint []string
}

// AdapterMeta is the registered adapter's declaration, surfaced to the
// workflow so it can gate retries and compensation deterministically.
type AdapterMeta struct {
	Known          bool
	Classification string
	Idempotent     bool
	Compensation   string
	BudgetMs       int64
}

// ResolveResult is the concrete tool call for one step.
type ResolveResult struct {
	Tool    string
	Args    map[string]any
	Usage   agent.Usage
	Adapter AdapterMeta
}

// ReviewRequest asks the reviewer for the verdict on one concrete call.
type ReviewRequest struct {
	RunID    string
	Tenant   string
	Index    int
	Roles    []string
	Tool     string
	Args     map[string]any
	Context  map[string]any
	Policy   *policy.Document
	Estimate policy.Totals
}

// ReviewResult is the reviewer's verdict.
type ReviewResult struct {
	Decision policy.Action
	Reasons  []string
	Usage    agent.Usage
}

// BlockedRequest records one policy-blocked (or approval-denied) step.
type BlockedRequest struct {
	RunID   string
	Owner   string
	Tenant  string
	Step    StepSpec
	Tool    string
	Args    map[string]any
	Reasons []string
	Usage   agent.Usage
}

// FailStepRequest records a step failure that never reached an adapter
// (malformed agent output, unknown prior outcome).
type FailStepRequest struct {
	RunID   string
	Owner   string
	Tenant  string
	Step    StepSpec
	Tool    string
	Args    map[string]any
	Kind    string
	Message string
	Usage   agent.Usage
}

// ApprovalRequest opens the approval rendezvous for one step.
type ApprovalRequest struct {
	RunID   string
	Tenant  string
	Index   int
	Caller  string
	Tool    string
	Reasons []string
	Rule    *policy.ApprovalRule
}

// ApprovalTicket identifies the pending approval the workflow waits on.
type ApprovalTicket struct {
	ID        string
	ExpiresAt time.Time
}

// ExpireRequest closes an overdue approval.
type ExpireRequest struct {
	Tenant string
	ID     string
}

// ResumeRequest records the approval outcome and moves the run back to
// running when approved.
type ResumeRequest struct {
	RunID      string
	Tenant     string
	Index      int
	ApprovalID string
	Decision   string
}

// RunningRequest marks one invocation attempt on a step row.
type RunningRequest struct {
	RunID          string
	Owner          string
	Tenant         string
	Step           StepSpec
	Tool           string
	Args           map[string]any
	Attempt        int
	IdempotencyKey string
	Idempotent     bool
}

// InvokeRequest is one adapter invocation. Shadow routes the call to the
// intent recorder instead of the real effector.
type InvokeRequest struct {
	RunID          string
	Tenant         string
	Index          int
	Tool           string
	Args           map[string]any
	Attempt        int
	TimeoutMs      int
	IdempotencyKey string
	Shadow         bool
	CompensationOf int
}

// RecordRequest persists one step's terminal outcome.
type RecordRequest struct {
	RunID          string
	Owner          string
	Tenant         string
	Step           StepSpec
	Tool           string
	Args           map[string]any
	Result         AdapterOutcome
	AgentUsage     agent.Usage
	Attempts       int
	CompensationOf int
}

// AdapterOutcome mirrors the adapter result across the activity boundary.
type AdapterOutcome struct {
	OK      bool
	Output  map[string]any
	Kind    string
	Message string
	WallMs  int64

	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// DryRunRequest records one step a dry run would have invoked.
type DryRunRequest struct {
	RunID  string
	Owner  string
	Tenant string
	Step   StepSpec
	Tool   string
	Args   map[string]any
	Usage  agent.Usage
}

// ShadowRequest scores a completed shadow run.
type ShadowRequest struct {
	RunID     string
	Tenant    string
	Planned   []ShadowStep
	Reference []runbook.Reference
}

// ShadowStep is one step the agent intended, in plan order.
type ShadowStep struct {
	Name string
	Tool string
	Args map[string]any
}

// FinishRequest closes a run with its terminal status.
type FinishRequest struct {
	RunID      string
	Owner      string
	Tenant     string
	Status     store.RunStatus
	Code       string
	Reason     string
	FailedStep int
}
