// Package store provides SQLite-backed persistence for runs, steps,
// approvals, run events, and executor leases.
//
// Rows here are a read-side projection; the audit chain remains the source of
// truth for what happened. Writes to a single run are serialized by the
// executor holding that run's lease, and reads observe acknowledged writes
// (read-your-writes within a tenant).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/maestro/internal/core"
)

// RunMode selects how much of a run actually reaches effectors.
type RunMode string

const (
	ModeDryRun  RunMode = "dry-run"
	ModeShadow  RunMode = "shadow"
	ModeExecute RunMode = "execute"
)

// RunStatus is the run state machine's state set.
type RunStatus string

const (
	RunPending          RunStatus = "pending"
	RunRunning          RunStatus = "running"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunSucceeded        RunStatus = "succeeded"
	RunFailed           RunStatus = "failed"
	RunCancelled        RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// runTransitions enumerates the legal run status transitions.
var runTransitions = map[RunStatus][]RunStatus{
	RunPending:          {RunRunning},
	RunRunning:          {RunRunning, RunAwaitingApproval, RunSucceeded, RunFailed, RunCancelled},
	RunAwaitingApproval: {RunRunning, RunFailed, RunCancelled},
}

func runTransitionLegal(from, to RunStatus) bool {
	for _, t := range runTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// StepStatus is the step state set.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
	StepCompensated StepStatus = "compensated"
	StepBlocked     StepStatus = "blocked"
)

// Terminal reports whether a step status is final. Terminal steps are never
// re-created; the executor skips them on resume.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCompensated, StepBlocked:
		return true
	}
	return false
}

// stepRank orders step statuses for the monotonicity guard: a step may only
// move forward (pending → running → terminal), never back.
func stepRank(s StepStatus) int {
	switch s {
	case StepPending:
		return 0
	case StepRunning:
		return 1
	default:
		return 2
	}
}

// ApprovalState is the approval record state set.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalDenied   ApprovalState = "denied"
	ApprovalExpired  ApprovalState = "expired"
)

// Totals aggregates run-level usage. All fields are monotonically
// non-decreasing over a run's lifetime.
type Totals struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	WallMs    int64   `json:"wall_ms"`
}

// Add accumulates a delta into t.
func (t *Totals) Add(d Totals) {
	t.TokensIn += d.TokensIn
	t.TokensOut += d.TokensOut
	t.CostUSD += d.CostUSD
	t.WallMs += d.WallMs
}

// Run is the persisted projection of one run.
type Run struct {
	ID             string
	Tenant         string
	Caller         string
	CallerRoles    []string
	RunbookName    string
	RunbookVersion string
	RunbookDoc     string

	// Policy snapshot captured at submit. Later policy edits never
	// retro-change this run's decisions.
	PolicyName     string
	PolicyVersion  int
	PolicySnapshot string

	Mode           RunMode
	Status         RunStatus
	Context        map[string]any
	IdempotencyKey string

	ErrorCode   string
	ErrorReason string
	FailedStep  sql.NullInt64

	Totals       Totals
	ShadowReport map[string]any

	CreatedAt   time.Time
	CompletedAt sql.NullTime
}

// Step is the persisted projection of one step.
type Step struct {
	RunID string
	Index int
	Name  string
	Tool  string
	Args  map[string]any

	Status     StepStatus
	StartedAt  sql.NullTime
	FinishedAt sql.NullTime

	Output       map[string]any
	ErrorKind    string
	ErrorMessage string

	TokensIn  int
	TokensOut int
	CostUSD   float64
	WallMs    int64

	Attempts        int
	ContinueOnError bool

	// CompensatesStepIndex links a compensation row to the step it undoes.
	CompensatesStepIndex sql.NullInt64
}

// Approval is one approval record.
type Approval struct {
	ID          string
	RunID       string
	StepIndex   int
	RequestedBy string
	Reason      string
	State       ApprovalState
	Decider     string
	Comment     string
	DecidedAt   sql.NullTime
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// RunEvent is one entry of a run's ordered event stream. Cursor is the
// restart point for StreamRunEvents.
type RunEvent struct {
	Cursor    int64
	RunID     string
	Type      string
	StepIndex sql.NullInt64
	Payload   map[string]any
	CreatedAt time.Time
}

// Store provides SQLite-backed persistence for maestro state.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	tenant          TEXT NOT NULL,
	caller          TEXT NOT NULL,
	caller_roles    TEXT NOT NULL DEFAULT '[]',
	runbook_name    TEXT NOT NULL,
	runbook_version TEXT NOT NULL DEFAULT '',
	runbook_doc     TEXT NOT NULL,
	policy_name     TEXT NOT NULL DEFAULT '',
	policy_version  INTEGER NOT NULL DEFAULT 0,
	policy_snapshot TEXT NOT NULL DEFAULT '',
	mode            TEXT NOT NULL,
	status          TEXT NOT NULL,
	context         TEXT NOT NULL DEFAULT '{}',
	idempotency_key TEXT NOT NULL DEFAULT '',
	error_code      TEXT NOT NULL DEFAULT '',
	error_reason    TEXT NOT NULL DEFAULT '',
	failed_step     INTEGER,
	tokens_in       INTEGER NOT NULL DEFAULT 0,
	tokens_out      INTEGER NOT NULL DEFAULT 0,
	cost_usd        REAL NOT NULL DEFAULT 0,
	wall_ms         INTEGER NOT NULL DEFAULT 0,
	shadow_report   TEXT,
	created_at      TEXT NOT NULL,
	completed_at    TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idem
	ON runs(tenant, idempotency_key) WHERE idempotency_key != '';
CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant, created_at);

CREATE TABLE IF NOT EXISTS steps (
	run_id        TEXT NOT NULL,
	idx           INTEGER NOT NULL,
	name          TEXT NOT NULL,
	tool          TEXT NOT NULL DEFAULT '',
	args          TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	started_at    TEXT,
	finished_at   TEXT,
	output        TEXT,
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	tokens_in     INTEGER NOT NULL DEFAULT 0,
	tokens_out    INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	wall_ms       INTEGER NOT NULL DEFAULT 0,
	attempts      INTEGER NOT NULL DEFAULT 0,
	continue_on_error INTEGER NOT NULL DEFAULT 0,
	compensates_step_index INTEGER,
	PRIMARY KEY (run_id, idx)
);

CREATE TABLE IF NOT EXISTS approvals (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	step_index   INTEGER NOT NULL,
	requested_by TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	decider      TEXT NOT NULL DEFAULT '',
	comment      TEXT NOT NULL DEFAULT '',
	decided_at   TEXT,
	expires_at   TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_open
	ON approvals(run_id, step_index) WHERE state = 'pending';

CREATE TABLE IF NOT EXISTS run_events (
	cursor     INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	type       TEXT NOT NULL,
	step_index INTEGER,
	payload    TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, cursor);

CREATE TABLE IF NOT EXISTS run_leases (
	run_id     TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
`

// Open creates or opens a SQLite database at the given path and ensures the
// schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle so the audit log can share the same database file.
func (s *Store) DB() *sql.DB { return s.db }

// --- runs ---

// CreateRun inserts a new run in pending status. A duplicate id is a
// concurrency error; a duplicate (tenant, idempotency key) surfaces the
// existing run so duplicate submits are no-ops.
func (s *Store) CreateRun(r *Run) error {
	if r.Status == "" {
		r.Status = RunPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	rolesJSON, err := json.Marshal(r.CallerRoles)
	if err != nil {
		return core.New(core.CodeStore, "marshal caller roles: %v", err)
	}
	ctxJSON, err := marshalMap(r.Context)
	if err != nil {
		return core.New(core.CodeStore, "marshal run context: %v", err)
	}
	_, err = s.db.Exec(`INSERT INTO runs
		(id, tenant, caller, caller_roles, runbook_name, runbook_version, runbook_doc,
		 policy_name, policy_version, policy_snapshot, mode, status, context,
		 idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Tenant, r.Caller, string(rolesJSON), r.RunbookName, r.RunbookVersion,
		r.RunbookDoc, r.PolicyName, r.PolicyVersion, r.PolicySnapshot, string(r.Mode),
		string(r.Status), ctxJSON, r.IdempotencyKey, r.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return core.New(core.CodeConcurrency, "create run %s: %v", r.ID, err)
	}
	return nil
}

// ImportRun inserts a complete run row verbatim, including status, totals,
// and error fields. Used by the export/import path; submits go through
// CreateRun.
func (s *Store) ImportRun(r *Run) error {
	rolesJSON, err := json.Marshal(r.CallerRoles)
	if err != nil {
		return core.New(core.CodeStore, "marshal caller roles: %v", err)
	}
	ctxJSON, err := marshalMap(r.Context)
	if err != nil {
		return core.New(core.CodeStore, "marshal run context: %v", err)
	}
	var shadowJSON any
	if r.ShadowReport != nil {
		js, err := marshalMap(r.ShadowReport)
		if err != nil {
			return core.New(core.CodeStore, "marshal shadow report: %v", err)
		}
		shadowJSON = js
	}
	_, err = s.db.Exec(`INSERT INTO runs
		(id, tenant, caller, caller_roles, runbook_name, runbook_version, runbook_doc,
		 policy_name, policy_version, policy_snapshot, mode, status, context,
		 idempotency_key, error_code, error_reason, failed_step,
		 tokens_in, tokens_out, cost_usd, wall_ms, shadow_report, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Tenant, r.Caller, string(rolesJSON), r.RunbookName, r.RunbookVersion,
		r.RunbookDoc, r.PolicyName, r.PolicyVersion, r.PolicySnapshot, string(r.Mode),
		string(r.Status), ctxJSON, r.IdempotencyKey, r.ErrorCode, r.ErrorReason,
		nullInt(r.FailedStep), r.Totals.TokensIn, r.Totals.TokensOut, r.Totals.CostUSD,
		r.Totals.WallMs, shadowJSON, r.CreatedAt.Format(time.RFC3339Nano),
		formatNullTime(r.CompletedAt))
	if err != nil {
		return core.New(core.CodeConcurrency, "import run %s: %v", r.ID, err)
	}
	return nil
}

// FindRunByIdempotencyKey returns the run previously created with this key.
func (s *Store) FindRunByIdempotencyKey(tenant, key string) (*Run, error) {
	if key == "" {
		return nil, nil
	}
	runs, err := s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE tenant = ? AND idempotency_key = ?`, tenant, key)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	runs, err := s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, core.New(core.CodeValidation, "run %s not found", id)
	}
	return &runs[0], nil
}

// UpdateRunStatus applies one legal state machine transition. Illegal
// transitions fail without writing; completed_at is set exactly when the run
// turns terminal.
func (s *Store) UpdateRunStatus(id string, to RunStatus) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}
	if run.Status == to && to == RunRunning {
		return nil // per-step internal loop
	}
	if !runTransitionLegal(run.Status, to) {
		return core.New(core.CodeInternal, "run %s: illegal transition %s -> %s", id, run.Status, to)
	}
	var completed any
	if to.Terminal() {
		completed = time.Now().UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.Exec(`UPDATE runs SET status = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status = ?`, string(to), completed, id, string(run.Status))
	if err != nil {
		return core.New(core.CodeStore, "update run %s status: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.New(core.CodeConcurrency, "run %s: status changed concurrently", id)
	}
	return nil
}

// SetRunError records the stable error surfaced by GetRun. failedStep < 0
// leaves the failing step unset.
func (s *Store) SetRunError(id string, code core.Code, reason string, failedStep int) error {
	var stepVal any
	if failedStep >= 0 {
		stepVal = failedStep
	}
	_, err := s.db.Exec(`UPDATE runs SET error_code = ?, error_reason = ?, failed_step = ? WHERE id = ?`,
		string(code), reason, stepVal, id)
	if err != nil {
		return core.New(core.CodeStore, "set run %s error: %v", id, err)
	}
	return nil
}

// AddRunTotals accumulates a usage delta into the run's totals. Totals only
// grow; negative deltas are rejected.
func (s *Store) AddRunTotals(id string, d Totals) error {
	if d.TokensIn < 0 || d.TokensOut < 0 || d.CostUSD < 0 || d.WallMs < 0 {
		return core.New(core.CodeInternal, "run %s: negative totals delta", id)
	}
	_, err := s.db.Exec(`UPDATE runs SET
		tokens_in = tokens_in + ?, tokens_out = tokens_out + ?,
		cost_usd = cost_usd + ?, wall_ms = wall_ms + ?
		WHERE id = ?`, d.TokensIn, d.TokensOut, d.CostUSD, d.WallMs, id)
	if err != nil {
		return core.New(core.CodeStore, "add run %s totals: %v", id, err)
	}
	return nil
}

// SetRunMode rewrites a run's mode. Used for the forced dry-run downgrade,
// which happens before the first step executes.
func (s *Store) SetRunMode(id string, mode RunMode) error {
	if _, err := s.db.Exec(`UPDATE runs SET mode = ? WHERE id = ?`, string(mode), id); err != nil {
		return core.New(core.CodeStore, "set run %s mode: %v", id, err)
	}
	return nil
}

// SetShadowReport attaches the comparator's scores to a shadow run.
func (s *Store) SetShadowReport(id string, report map[string]any) error {
	js, err := marshalMap(report)
	if err != nil {
		return core.New(core.CodeStore, "marshal shadow report: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE runs SET shadow_report = ? WHERE id = ?`, js, id); err != nil {
		return core.New(core.CodeStore, "set run %s shadow report: %v", id, err)
	}
	return nil
}

const runColumns = `id, tenant, caller, caller_roles, runbook_name, runbook_version, runbook_doc,
	policy_name, policy_version, policy_snapshot, mode, status, context, idempotency_key,
	error_code, error_reason, failed_step, tokens_in, tokens_out, cost_usd, wall_ms,
	shadow_report, created_at, completed_at`

func (s *Store) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, core.New(core.CodeStore, "query runs: %v", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var roles, ctx, mode, status, created string
		var shadowReport, completed sql.NullString
		if err := rows.Scan(&r.ID, &r.Tenant, &r.Caller, &roles, &r.RunbookName,
			&r.RunbookVersion, &r.RunbookDoc, &r.PolicyName, &r.PolicyVersion,
			&r.PolicySnapshot, &mode, &status, &ctx, &r.IdempotencyKey,
			&r.ErrorCode, &r.ErrorReason, &r.FailedStep, &r.Totals.TokensIn,
			&r.Totals.TokensOut, &r.Totals.CostUSD, &r.Totals.WallMs,
			&shadowReport, &created, &completed); err != nil {
			return nil, core.New(core.CodeStore, "scan run: %v", err)
		}
		r.Mode = RunMode(mode)
		r.Status = RunStatus(status)
		if err := json.Unmarshal([]byte(roles), &r.CallerRoles); err != nil {
			return nil, core.New(core.CodeStore, "scan run roles: %v", err)
		}
		if r.Context, err = unmarshalMap(ctx); err != nil {
			return nil, core.New(core.CodeStore, "scan run context: %v", err)
		}
		if shadowReport.Valid {
			if r.ShadowReport, err = unmarshalMap(shadowReport.String); err != nil {
				return nil, core.New(core.CodeStore, "scan shadow report: %v", err)
			}
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, core.New(core.CodeStore, "scan run created_at: %v", err)
		}
		if r.CompletedAt, err = parseNullTime(completed); err != nil {
			return nil, core.New(core.CodeStore, "scan run completed_at: %v", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- steps ---

// SaveStep upserts a step row, enforcing monotonic status transitions and
// never overwriting a terminal row.
func (s *Store) SaveStep(st *Step) error {
	existing, err := s.GetStep(st.RunID, st.Index)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status.Terminal() {
			return core.New(core.CodeInternal, "run %s step %d: already terminal (%s)", st.RunID, st.Index, existing.Status)
		}
		if stepRank(st.Status) < stepRank(existing.Status) {
			return core.New(core.CodeInternal, "run %s step %d: illegal transition %s -> %s",
				st.RunID, st.Index, existing.Status, st.Status)
		}
	}

	argsJSON, err := marshalMap(st.Args)
	if err != nil {
		return core.New(core.CodeStore, "marshal step args: %v", err)
	}
	var outputJSON any
	if st.Output != nil {
		js, err := marshalMap(st.Output)
		if err != nil {
			return core.New(core.CodeStore, "marshal step output: %v", err)
		}
		outputJSON = js
	}
	_, err = s.db.Exec(`INSERT INTO steps
		(run_id, idx, name, tool, args, status, started_at, finished_at, output,
		 error_kind, error_message, tokens_in, tokens_out, cost_usd, wall_ms,
		 attempts, continue_on_error, compensates_step_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, idx) DO UPDATE SET
		 name = excluded.name, tool = excluded.tool, args = excluded.args,
		 status = excluded.status, started_at = excluded.started_at,
		 finished_at = excluded.finished_at, output = excluded.output,
		 error_kind = excluded.error_kind, error_message = excluded.error_message,
		 tokens_in = excluded.tokens_in, tokens_out = excluded.tokens_out,
		 cost_usd = excluded.cost_usd, wall_ms = excluded.wall_ms,
		 attempts = excluded.attempts, continue_on_error = excluded.continue_on_error,
		 compensates_step_index = excluded.compensates_step_index`,
		st.RunID, st.Index, st.Name, st.Tool, argsJSON, string(st.Status),
		formatNullTime(st.StartedAt), formatNullTime(st.FinishedAt), outputJSON,
		st.ErrorKind, st.ErrorMessage, st.TokensIn, st.TokensOut, st.CostUSD,
		st.WallMs, st.Attempts, boolInt(st.ContinueOnError), nullInt(st.CompensatesStepIndex))
	if err != nil {
		return core.New(core.CodeStore, "save run %s step %d: %v", st.RunID, st.Index, err)
	}
	return nil
}

// GetStep loads one step, or nil if the executor has not materialized it yet.
func (s *Store) GetStep(runID string, index int) (*Step, error) {
	steps, err := s.querySteps(`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND idx = ?`, runID, index)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, nil
	}
	return &steps[0], nil
}

// ListSteps returns a run's steps ordered by index.
func (s *Store) ListSteps(runID string) ([]Step, error) {
	return s.querySteps(`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY idx ASC`, runID)
}

const stepColumns = `run_id, idx, name, tool, args, status, started_at, finished_at, output,
	error_kind, error_message, tokens_in, tokens_out, cost_usd, wall_ms, attempts,
	continue_on_error, compensates_step_index`

func (s *Store) querySteps(query string, args ...any) ([]Step, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, core.New(core.CodeStore, "query steps: %v", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var st Step
		var argsJSON, status string
		var started, finished, output sql.NullString
		var cont int
		if err := rows.Scan(&st.RunID, &st.Index, &st.Name, &st.Tool, &argsJSON,
			&status, &started, &finished, &output, &st.ErrorKind, &st.ErrorMessage,
			&st.TokensIn, &st.TokensOut, &st.CostUSD, &st.WallMs, &st.Attempts,
			&cont, &st.CompensatesStepIndex); err != nil {
			return nil, core.New(core.CodeStore, "scan step: %v", err)
		}
		st.Status = StepStatus(status)
		st.ContinueOnError = cont != 0
		if st.Args, err = unmarshalMap(argsJSON); err != nil {
			return nil, core.New(core.CodeStore, "scan step args: %v", err)
		}
		if output.Valid {
			if st.Output, err = unmarshalMap(output.String); err != nil {
				return nil, core.New(core.CodeStore, "scan step output: %v", err)
			}
		}
		if st.StartedAt, err = parseNullTime(started); err != nil {
			return nil, core.New(core.CodeStore, "scan step started_at: %v", err)
		}
		if st.FinishedAt, err = parseNullTime(finished); err != nil {
			return nil, core.New(core.CodeStore, "scan step finished_at: %v", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- approvals ---

// CreateApproval inserts a pending approval. The partial unique index rejects
// a second non-terminal approval for the same (run, step).
func (s *Store) CreateApproval(a *Approval) error {
	if a.State == "" {
		a.State = ApprovalPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO approvals
		(id, run_id, step_index, requested_by, reason, state, decider, comment,
		 decided_at, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.StepIndex, a.RequestedBy, a.Reason, string(a.State),
		a.Decider, a.Comment, formatNullTime(a.DecidedAt),
		a.ExpiresAt.UTC().Format(time.RFC3339Nano), a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return core.New(core.CodeConcurrency, "create approval %s: %v", a.ID, err)
	}
	return nil
}

// GetApproval loads one approval by id.
func (s *Store) GetApproval(id string) (*Approval, error) {
	approvals, err := s.queryApprovals(`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(approvals) == 0 {
		return nil, core.New(core.CodeValidation, "approval %s not found", id)
	}
	return &approvals[0], nil
}

// ListApprovals returns a run's approvals in creation order.
func (s *Store) ListApprovals(runID string) ([]Approval, error) {
	return s.queryApprovals(`SELECT `+approvalColumns+` FROM approvals
		WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
}

// TransitionApproval moves a pending approval into a terminal state. The
// compare-and-swap on state guarantees exactly one of two concurrent deciders
// succeeds; the loser gets a concurrency error.
func (s *Store) TransitionApproval(id string, to ApprovalState, decider, comment string) error {
	if to == ApprovalPending {
		return core.New(core.CodeInternal, "approval %s: cannot transition to pending", id)
	}
	res, err := s.db.Exec(`UPDATE approvals
		SET state = ?, decider = ?, comment = ?, decided_at = ?
		WHERE id = ? AND state = 'pending'`,
		string(to), decider, comment, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return core.New(core.CodeStore, "decide approval %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.New(core.CodeConcurrency, "approval %s is no longer pending", id)
	}
	return nil
}

const approvalColumns = `id, run_id, step_index, requested_by, reason, state, decider,
	comment, decided_at, expires_at, created_at`

func (s *Store) queryApprovals(query string, args ...any) ([]Approval, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, core.New(core.CodeStore, "query approvals: %v", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		var state, expires, created string
		var decided sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.StepIndex, &a.RequestedBy, &a.Reason,
			&state, &a.Decider, &a.Comment, &decided, &expires, &created); err != nil {
			return nil, core.New(core.CodeStore, "scan approval: %v", err)
		}
		a.State = ApprovalState(state)
		if a.DecidedAt, err = parseNullTime(decided); err != nil {
			return nil, core.New(core.CodeStore, "scan approval decided_at: %v", err)
		}
		if a.ExpiresAt, err = time.Parse(time.RFC3339Nano, expires); err != nil {
			return nil, core.New(core.CodeStore, "scan approval expires_at: %v", err)
		}
		if a.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, core.New(core.CodeStore, "scan approval created_at: %v", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- run events ---

// AppendRunEvent appends to a run's ordered event stream and returns the
// cursor assigned to the new entry.
func (s *Store) AppendRunEvent(runID, eventType string, stepIndex int, payload map[string]any) (int64, error) {
	var stepVal any
	if stepIndex >= 0 {
		stepVal = stepIndex
	}
	var payloadJSON any
	if payload != nil {
		js, err := marshalMap(payload)
		if err != nil {
			return 0, core.New(core.CodeStore, "marshal run event payload: %v", err)
		}
		payloadJSON = js
	}
	res, err := s.db.Exec(`INSERT INTO run_events (run_id, type, step_index, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, eventType, stepVal, payloadJSON, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, core.New(core.CodeStore, "append run event: %v", err)
	}
	cursor, err := res.LastInsertId()
	if err != nil {
		return 0, core.New(core.CodeStore, "append run event: %v", err)
	}
	return cursor, nil
}

// ListRunEvents returns up to limit events after the cursor, oldest first.
// limit <= 0 means no limit. Callers resume a stream by passing the last
// cursor they observed.
func (s *Store) ListRunEvents(runID string, afterCursor int64, limit int) ([]RunEvent, error) {
	q := `SELECT cursor, run_id, type, step_index, payload, created_at
		FROM run_events WHERE run_id = ? AND cursor > ? ORDER BY cursor ASC`
	args := []any{runID, afterCursor}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, core.New(core.CodeStore, "query run events: %v", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var e RunEvent
		var payload sql.NullString
		var created string
		if err := rows.Scan(&e.Cursor, &e.RunID, &e.Type, &e.StepIndex, &payload, &created); err != nil {
			return nil, core.New(core.CodeStore, "scan run event: %v", err)
		}
		if payload.Valid {
			if e.Payload, err = unmarshalMap(payload.String); err != nil {
				return nil, core.New(core.CodeStore, "scan run event payload: %v", err)
			}
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, core.New(core.CodeStore, "scan run event created_at: %v", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- leases ---

// AcquireLease takes the run's single-writer lease, stealing it only when the
// previous holder's lease has expired.
func (s *Store) AcquireLease(runID, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(ttl).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`INSERT INTO run_leases (run_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE run_leases.owner = excluded.owner OR run_leases.expires_at < ?`,
		runID, owner, expires, now.Format(time.RFC3339Nano))
	if err != nil {
		return core.New(core.CodeStore, "acquire lease for run %s: %v", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.New(core.CodeConcurrency, "run %s is leased to another executor", runID)
	}
	return nil
}

// RenewLease extends a held lease. A renewal that does not find the caller's
// own lease means ownership was lost; the caller must abandon the run.
func (s *Store) RenewLease(runID, owner string, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE run_leases SET expires_at = ? WHERE run_id = ? AND owner = ?`,
		expires, runID, owner)
	if err != nil {
		return core.New(core.CodeStore, "renew lease for run %s: %v", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.New(core.CodeConcurrency, "lease for run %s lost by %s", runID, owner)
	}
	return nil
}

// ReleaseLease drops the caller's lease. Releasing a lease already taken by
// another owner is a no-op.
func (s *Store) ReleaseLease(runID, owner string) error {
	if _, err := s.db.Exec(`DELETE FROM run_leases WHERE run_id = ? AND owner = ?`, runID, owner); err != nil {
		return core.New(core.CodeStore, "release lease for run %s: %v", runID, err)
	}
	return nil
}

// --- helpers ---

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func formatNullTime(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return t.Time.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) (sql.NullTime, error) {
	if !s.Valid || s.String == "" {
		return sql.NullTime{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return sql.NullTime{}, err
	}
	return sql.NullTime{Time: t, Valid: true}, nil
}

func nullInt(n sql.NullInt64) any {
	if !n.Valid {
		return nil
	}
	return n.Int64
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
